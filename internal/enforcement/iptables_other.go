//go:build !linux

package enforcement

import "fmt"

func openRuleTable(bool) (ruleTable, error) {
	return nil, fmt.Errorf("%w: iptables requires linux", ErrUnavailable)
}
