//go:build linux

package enforcement

import (
	"fmt"

	"github.com/coreos/go-iptables/iptables"
)

func openRuleTable(v6 bool) (ruleTable, error) {
	proto := iptables.ProtocolIPv4
	if v6 {
		proto = iptables.ProtocolIPv6
	}

	t, err := iptables.NewWithProtocol(proto)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return t, nil
}
