package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nshruti113/flowguard/internal/models"
)

// MemoryStore is an in-process Store. It has no native expiry: active blocks
// stay until the mitigation scheduler removes them.
type MemoryStore struct {
	mu        sync.RWMutex
	flows     []models.FlowRecord
	alerts    []models.Alert
	blocks    map[string]models.BlockEntry
	history   []models.BlockHistoryEntry
	whitelist map[string]models.WhitelistEntry
	policy    *models.PolicyConfig
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blocks:    make(map[string]models.BlockEntry),
		whitelist: make(map[string]models.WhitelistEntry),
	}
}

func (m *MemoryStore) SaveFlow(_ context.Context, flow models.FlowRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flows = append(m.flows, flow)
	return nil
}

func (m *MemoryStore) CountFlowsSince(_ context.Context, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, f := range m.flows {
		if !f.ReceivedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SaveAlert(_ context.Context, alert models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert)
	return nil
}

func (m *MemoryStore) RecentAlerts(_ context.Context, limit int) ([]models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Alert, 0, len(m.alerts))
	for i := len(m.alerts) - 1; i >= 0; i-- {
		out = append(out, m.alerts[i])
	}
	return out[:clampLimit(limit, len(out))], nil
}

func (m *MemoryStore) InsertBlock(_ context.Context, block models.BlockEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.blocks[block.IP]; ok {
		return false, nil
	}
	m.blocks[block.IP] = block
	return true, nil
}

func (m *MemoryStore) GetBlock(_ context.Context, ip string) (models.BlockEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	block, ok := m.blocks[ip]
	if !ok {
		return block, ErrNotFound
	}
	return block, nil
}

func (m *MemoryStore) DeleteBlock(_ context.Context, ip string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.blocks[ip]
	delete(m.blocks, ip)
	return ok, nil
}

func (m *MemoryStore) ListBlocks(_ context.Context, limit int) ([]models.BlockEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.BlockEntry, 0, len(m.blocks))
	for _, b := range m.blocks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].BlockedAt.After(out[j].BlockedAt)
	})
	return out[:clampLimit(limit, len(out))], nil
}

func (m *MemoryStore) AppendBlockHistory(_ context.Context, entry models.BlockHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, entry)
	return nil
}

func (m *MemoryStore) BlockHistory(_ context.Context, limit int) ([]models.BlockHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.BlockHistoryEntry, 0, len(m.history))
	for i := len(m.history) - 1; i >= 0; i-- {
		out = append(out, m.history[i])
	}
	return out[:clampLimit(limit, len(out))], nil
}

func (m *MemoryStore) AddWhitelist(_ context.Context, entry models.WhitelistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.whitelist[entry.IP] = entry
	return nil
}

func (m *MemoryStore) RemoveWhitelist(_ context.Context, ip string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.whitelist[ip]
	delete(m.whitelist, ip)
	return ok, nil
}

func (m *MemoryStore) IsWhitelisted(_ context.Context, ip string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.whitelist[ip]
	return ok, nil
}

func (m *MemoryStore) ListWhitelist(_ context.Context, limit int) ([]models.WhitelistEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.WhitelistEntry, 0, len(m.whitelist))
	for _, e := range m.whitelist {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out[:clampLimit(limit, len(out))], nil
}

func (m *MemoryStore) LoadPolicy(_ context.Context) (models.PolicyConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.policy == nil {
		return models.PolicyConfig{}, ErrNotFound
	}
	return *m.policy, nil
}

func (m *MemoryStore) SavePolicy(_ context.Context, policy models.PolicyConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = &policy
	return nil
}

func (m *MemoryStore) Close() error { return nil }
