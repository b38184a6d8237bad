//go:build linux

package enforcement

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Blackhole installs a blackhole route for the offending host, so replies to
// it are dropped by the kernel
type Blackhole struct{}

func NewBlackhole() *Blackhole { return &Blackhole{} }

func (b *Blackhole) Name() string { return "blackhole" }

func (b *Blackhole) Apply(_ context.Context, ip string) error {
	route, err := hostRoute(ip)
	if err != nil {
		return err
	}

	if err := netlink.RouteAdd(route); err != nil {
		if errors.Is(err, unix.EEXIST) {
			return nil
		}
		return wrapNetlinkErr("add", ip, err)
	}

	log.WithField("ip", ip).Info("blackhole route added")
	return nil
}

func (b *Blackhole) Remove(_ context.Context, ip string) error {
	route, err := hostRoute(ip)
	if err != nil {
		return err
	}

	if err := netlink.RouteDel(route); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return wrapNetlinkErr("delete", ip, err)
	}

	log.WithField("ip", ip).Info("blackhole route removed")
	return nil
}

func hostRoute(ip string) (*netlink.Route, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", ip, err)
	}
	addr = addr.Unmap()

	prefix := netip.PrefixFrom(addr, addr.BitLen())
	_, dst, err := net.ParseCIDR(prefix.String())
	if err != nil {
		return nil, err
	}

	return &netlink.Route{Dst: dst, Type: unix.RTN_BLACKHOLE}, nil
}

func wrapNetlinkErr(op, ip string, err error) error {
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
		return fmt.Errorf("%w: %s blackhole route for %s: %v", ErrUnavailable, op, ip, err)
	}
	return fmt.Errorf("%s blackhole route for %s: %w", op, ip, err)
}
