package enforcement

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	log "github.com/sirupsen/logrus"
)

const (
	filterTable = "filter"
	inputChain  = "INPUT"
)

// ruleTable is the subset of an iptables handle used for DROP rules
type ruleTable interface {
	Exists(table, chain string, rulespec ...string) (bool, error)
	Insert(table, chain string, pos int, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
}

// IPTables inserts and deletes INPUT DROP rules. IPv6 addresses go to
// ip6tables.
type IPTables struct {
	newTable func(v6 bool) (ruleTable, error)

	mu     sync.Mutex
	tables map[bool]ruleTable
}

func NewIPTables() *IPTables {
	return &IPTables{newTable: openRuleTable, tables: make(map[bool]ruleTable)}
}

func (i *IPTables) Name() string { return "iptables" }

// Apply inserts a DROP rule at the head of INPUT unless one is present
func (i *IPTables) Apply(ctx context.Context, ip string) error {
	t, spec, err := i.prepare(ctx, ip)
	if err != nil {
		return err
	}

	exists, err := t.Exists(filterTable, inputChain, spec...)
	if err != nil {
		return fmt.Errorf("iptables check %s: %w", ip, err)
	}
	if exists {
		return nil
	}

	if err := t.Insert(filterTable, inputChain, 1, spec...); err != nil {
		return fmt.Errorf("iptables insert %s: %w", ip, err)
	}

	log.WithFields(log.Fields{"ip": ip, "op": "insert"}).Info("iptables rule updated")
	return nil
}

// Remove deletes the DROP rule; a missing rule is not an error
func (i *IPTables) Remove(ctx context.Context, ip string) error {
	t, spec, err := i.prepare(ctx, ip)
	if err != nil {
		return err
	}

	if err := t.DeleteIfExists(filterTable, inputChain, spec...); err != nil {
		return fmt.Errorf("iptables delete %s: %w", ip, err)
	}

	log.WithFields(log.Fields{"ip": ip, "op": "delete"}).Info("iptables rule updated")
	return nil
}

func (i *IPTables) prepare(ctx context.Context, ip string) (ruleTable, []string, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, nil, fmt.Errorf("iptables: invalid address %q", ip)
	}
	addr = addr.Unmap()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	t, err := i.table(addr.Is6())
	if err != nil {
		return nil, nil, err
	}
	return t, []string{"-s", addr.String(), "-j", "DROP"}, nil
}

// table returns the cached handle for the family. Failed opens are retried
// on the next call.
func (i *IPTables) table(v6 bool) (ruleTable, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if t, ok := i.tables[v6]; ok {
		return t, nil
	}

	t, err := i.newTable(v6)
	if err != nil {
		return nil, err
	}
	i.tables[v6] = t
	return t, nil
}
