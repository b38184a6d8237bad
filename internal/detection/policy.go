package detection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/nshruti113/flowguard/internal/models"
	"github.com/nshruti113/flowguard/internal/storage"
)

// ErrInvalidPolicy is returned for out-of-range policy values
var ErrInvalidPolicy = errors.New("invalid policy")

// PolicyUpdate carries the fields an administrator wants to change
type PolicyUpdate struct {
	Threshold        *float64 `json:"threshold"`
	BlockDurationSec *int     `json:"block_duration_sec"`
	BlockingEnabled  *bool    `json:"blocking_enabled"`
}

// PolicyManager caches the detection policy and mirrors changes to the store
type PolicyManager struct {
	store storage.Store
	clock clockwork.Clock

	mu      sync.RWMutex
	current models.PolicyConfig
}

func NewPolicyManager(store storage.Store, defaults models.PolicyConfig, clock clockwork.Clock) *PolicyManager {
	return &PolicyManager{store: store, clock: clock, current: defaults}
}

// Load reads the stored policy, persisting the defaults when none exists
func (p *PolicyManager) Load(ctx context.Context) error {
	stored, err := p.store.LoadPolicy(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		p.mu.Lock()
		defer p.mu.Unlock()

		p.current.UpdatedAt = p.clock.Now().UTC()
		if err := p.store.SavePolicy(ctx, p.current); err != nil {
			return fmt.Errorf("failed to save default policy: %w", err)
		}
		log.WithFields(policyFields(p.current)).Info("created default detection policy")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}

	p.mu.Lock()
	p.current = stored
	p.mu.Unlock()

	log.WithFields(policyFields(stored)).Info("loaded detection policy")
	return nil
}

func (p *PolicyManager) Current() models.PolicyConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Update validates u, writes the merged policy to the store and only then
// replaces the cached copy
func (p *PolicyManager) Update(ctx context.Context, u PolicyUpdate) (models.PolicyConfig, error) {
	if u.Threshold != nil && (*u.Threshold < 0 || *u.Threshold > 1) {
		return models.PolicyConfig{}, fmt.Errorf("%w: threshold must be between 0 and 1", ErrInvalidPolicy)
	}
	if u.BlockDurationSec != nil && *u.BlockDurationSec <= 0 {
		return models.PolicyConfig{}, fmt.Errorf("%w: block_duration_sec must be positive", ErrInvalidPolicy)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if u.Threshold == nil && u.BlockDurationSec == nil && u.BlockingEnabled == nil {
		return p.current, nil
	}

	next := p.current
	if u.Threshold != nil {
		next.Threshold = *u.Threshold
	}
	if u.BlockDurationSec != nil {
		next.BlockDurationSec = *u.BlockDurationSec
	}
	if u.BlockingEnabled != nil {
		next.BlockingEnabled = *u.BlockingEnabled
	}
	next.UpdatedAt = p.clock.Now().UTC()

	if err := p.store.SavePolicy(ctx, next); err != nil {
		return models.PolicyConfig{}, fmt.Errorf("failed to save policy: %w", err)
	}

	p.current = next
	log.WithFields(policyFields(next)).Info("detection policy updated")
	return next, nil
}

func policyFields(pc models.PolicyConfig) log.Fields {
	return log.Fields{
		"threshold":          pc.Threshold,
		"block_duration_sec": pc.BlockDurationSec,
		"blocking_enabled":   pc.BlockingEnabled,
	}
}
