// Package enforcement applies and removes network blocks on the host.
//
// Every backend is best-effort: a failure here never changes the logical
// block state kept by the mitigation scheduler.
package enforcement

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrProtectedAddress is returned for private, local and otherwise non-routable addresses
	ErrProtectedAddress = errors.New("refusing to enforce on protected address")

	// ErrUnavailable means the backend is not installed or not permitted on this host
	ErrUnavailable = errors.New("enforcement backend unavailable")
)

// Enforcer applies and removes a block for one address
type Enforcer interface {
	Name() string
	Apply(ctx context.Context, ip string) error
	Remove(ctx context.Context, ip string) error
}

// Protected reports whether ip must never be enforced on
func Protected(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return true
	}
	addr = addr.Unmap()

	return addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified()
}

// Guard rejects protected addresses before they reach the wrapped backend
type Guard struct {
	next Enforcer
}

func NewGuard(next Enforcer) *Guard {
	return &Guard{next: next}
}

func (g *Guard) Name() string { return g.next.Name() }

func (g *Guard) Apply(ctx context.Context, ip string) error {
	if Protected(ip) {
		return fmt.Errorf("%w: %s", ErrProtectedAddress, ip)
	}
	return g.next.Apply(ctx, ip)
}

func (g *Guard) Remove(ctx context.Context, ip string) error {
	if Protected(ip) {
		return fmt.Errorf("%w: %s", ErrProtectedAddress, ip)
	}
	return g.next.Remove(ctx, ip)
}

// Mock only logs. It is the default when real blocking is disabled.
type Mock struct{}

func (Mock) Name() string { return "mock" }

func (Mock) Apply(_ context.Context, ip string) error {
	log.WithField("ip", ip).Info("real blocking disabled, skipping apply (mock)")
	return nil
}

func (Mock) Remove(_ context.Context, ip string) error {
	log.WithField("ip", ip).Info("real blocking disabled, skipping remove (mock)")
	return nil
}

// New builds the backend named by kind, wrapped in a Guard
func New(kind string) (Enforcer, error) {
	var backend Enforcer

	switch kind {
	case "", "mock":
		backend = Mock{}
	case "iptables":
		backend = NewIPTables()
	case "blackhole":
		backend = NewBlackhole()
	default:
		return nil, fmt.Errorf("unknown enforcement backend %q", kind)
	}

	return NewGuard(backend), nil
}
