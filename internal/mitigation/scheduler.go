// Package mitigation turns attack verdicts into time-bounded blocks.
//
// The store holds the authoritative active-block record and the append-only
// history. Enforcement is best-effort and never rolls back logical state.
package mitigation

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/nshruti113/flowguard/internal/enforcement"
	"github.com/nshruti113/flowguard/internal/metrics"
	"github.com/nshruti113/flowguard/internal/models"
	"github.com/nshruti113/flowguard/internal/storage"
)

var (
	ErrInvalidAddress  = models.ErrInvalidAddress
	ErrInvalidDuration = errors.New("block duration must be positive")
)

// Transition kinds passed to a Notifier
const (
	KindBlock   = "block"
	KindUnblock = "unblock"
	KindExpire  = "expire"
)

const lockStripes = 64

// Notifier observes block state transitions
type Notifier func(kind string, block models.BlockEntry)

// Request asks for a block on one address
type Request struct {
	IP          string `json:"ip" binding:"required"`
	DurationSec int    `json:"duration_sec"`
	Reason      string `json:"reason"`
	Actor       string `json:"actor"`
	Note        string `json:"note"`
}

// Scheduler is the block/unblock state machine. Operations on one address
// are serialized by a striped lock; expiries run on a single goroutine.
type Scheduler struct {
	store    storage.Store
	enforcer enforcement.Enforcer
	clock    clockwork.Clock
	notify   Notifier

	// retry delay when an expiry cannot read the store
	retryAfter time.Duration
	// bounds for work that continues after the caller has gone away
	opTimeout      time.Duration
	enforceTimeout time.Duration

	locks [lockStripes]sync.Mutex

	mu      sync.Mutex
	queue   expiryQueue
	pending map[string]string // ip -> block ID awaiting expiry
	wake    chan struct{}
}

func NewScheduler(store storage.Store, enforcer enforcement.Enforcer, clock clockwork.Clock) *Scheduler {
	return &Scheduler{
		store:          store,
		enforcer:       enforcer,
		clock:          clock,
		retryAfter:     5 * time.Second,
		opTimeout:      10 * time.Second,
		enforceTimeout: 5 * time.Second,
		pending:        make(map[string]string),
		wake:           make(chan struct{}, 1),
	}
}

// OnTransition registers fn to be called after every block, unblock and
// expiry. fn runs after the address lock is released.
func (s *Scheduler) OnTransition(fn Notifier) {
	s.notify = fn
}

func (s *Scheduler) lockFor(ip string) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(ip)%lockStripes]
}

// detach keeps request values but outlives the caller's cancellation, so a
// transition that has touched the store always runs to completion.
func (s *Scheduler) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.opTimeout)
}

// Block creates a block unless one is already active for the address. It
// returns the active entry and whether this call created it. A failed
// history write or index update is returned after enforcement and expiry
// are in place.
func (s *Scheduler) Block(ctx context.Context, req Request) (models.BlockEntry, bool, error) {
	ip, err := models.CanonicalIP(req.IP)
	if err != nil {
		return models.BlockEntry{}, false, err
	}

	if req.DurationSec <= 0 {
		return models.BlockEntry{}, false, ErrInvalidDuration
	}

	entry, created, err := s.block(ctx, ip, req)
	if created {
		s.emit(KindBlock, entry)
	}
	return entry, created, err
}

func (s *Scheduler) block(ctx context.Context, ip string, req Request) (models.BlockEntry, bool, error) {
	lock := s.lockFor(ip)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.store.GetBlock(ctx, ip)
	if err == nil {
		s.duplicate(existing)
		return existing, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return models.BlockEntry{}, false, fmt.Errorf("failed to check active block: %w", err)
	}

	now := s.clock.Now().UTC()
	entry := models.BlockEntry{
		ID:          uuid.New().String(),
		IP:          ip,
		BlockedAt:   now,
		UnblockAt:   now.Add(time.Duration(req.DurationSec) * time.Second),
		DurationSec: req.DurationSec,
		Reason:      req.Reason,
		Actor:       req.Actor,
		Note:        req.Note,
	}

	wctx, cancel := s.detach(ctx)
	defer cancel()

	inserted, insertErr := s.store.InsertBlock(wctx, entry)
	if !inserted {
		if insertErr != nil {
			return models.BlockEntry{}, false, fmt.Errorf("failed to insert block: %w", insertErr)
		}
		// another writer won the insert
		existing, err := s.store.GetBlock(wctx, ip)
		if err != nil {
			return models.BlockEntry{}, false, fmt.Errorf("failed to read active block: %w", err)
		}
		s.duplicate(existing)
		return existing, false, nil
	}

	var errs []error
	if insertErr != nil {
		// the entry is stored, so the block goes ahead
		log.WithFields(log.Fields{"ip": ip, "block_id": entry.ID}).Errorf("block stored with errors: %v", insertErr)
		errs = append(errs, fmt.Errorf("failed to insert block: %w", insertErr))
	}

	if err := s.store.AppendBlockHistory(wctx, models.HistoryFor(uuid.New().String(), entry)); err != nil {
		log.WithFields(log.Fields{"ip": ip, "block_id": entry.ID}).Errorf("failed to record block history: %v", err)
		errs = append(errs, fmt.Errorf("failed to record block history: %w", err))
	}

	s.enforce(wctx, "apply", ip)
	s.schedule(entry)

	metrics.BlockTransitions.WithLabelValues(KindBlock).Inc()
	log.WithFields(log.Fields{
		"ip":         ip,
		"reason":     entry.Reason,
		"actor":      entry.Actor,
		"unblock_at": entry.UnblockAt,
	}).Info("address blocked")

	return entry, true, errors.Join(errs...)
}

func (s *Scheduler) duplicate(existing models.BlockEntry) {
	metrics.BlockTransitions.WithLabelValues("duplicate").Inc()
	log.WithFields(log.Fields{"ip": existing.IP, "block_id": existing.ID}).Info("address already blocked, skipping duplicate block")
}

// Unblock removes the active block for ip. It reports whether an entry was
// removed; an absent entry is a no-op.
func (s *Scheduler) Unblock(ctx context.Context, ip string) (bool, error) {
	if canonical, err := models.CanonicalIP(ip); err == nil {
		ip = canonical
	}

	deleted, err := s.unblock(ctx, ip)
	if deleted {
		s.emit(KindUnblock, models.BlockEntry{IP: ip})
	}
	return deleted, err
}

func (s *Scheduler) unblock(ctx context.Context, ip string) (bool, error) {
	lock := s.lockFor(ip)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := s.detach(ctx)
	defer cancel()

	deleted, err := s.store.DeleteBlock(ctx, ip)
	if err != nil {
		return false, fmt.Errorf("failed to delete block: %w", err)
	}

	s.mu.Lock()
	_, wasPending := s.pending[ip]
	delete(s.pending, ip)
	metrics.BlocksActive.Set(float64(len(s.pending)))
	s.mu.Unlock()

	if !deleted && !wasPending {
		return false, nil
	}

	// a lapsed store entry may still have a rule in place
	s.enforce(ctx, "remove", ip)

	if !deleted {
		return false, nil
	}

	metrics.BlockTransitions.WithLabelValues(KindUnblock).Inc()
	log.WithField("ip", ip).Info("address unblocked")
	return true, nil
}

// Active lists active blocks, newest first
func (s *Scheduler) Active(ctx context.Context, limit int) ([]models.BlockEntry, error) {
	return s.store.ListBlocks(ctx, limit)
}

// Pending returns how many blocks await expiry
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) schedule(entry models.BlockEntry) {
	s.mu.Lock()
	s.pending[entry.IP] = entry.ID
	heap.Push(&s.queue, expiry{ip: entry.IP, blockID: entry.ID, at: entry.UnblockAt})
	metrics.BlocksActive.Set(float64(len(s.pending)))
	s.mu.Unlock()

	s.kick()
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run consumes the expiry queue until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) error {
	var (
		timer clockwork.Timer
		armed time.Time
	)

	for {
		s.mu.Lock()
		var next time.Time
		if len(s.queue) > 0 {
			next = s.queue[0].at
		}
		s.mu.Unlock()

		// re-arm only when the head of the queue changed
		if timer != nil && !next.Equal(armed) {
			timer.Stop()
			timer = nil
		}
		if timer == nil && !next.IsZero() {
			timer = s.clock.NewTimer(max(next.Sub(s.clock.Now()), 0))
			armed = next
		}

		var fire <-chan time.Time
		if timer != nil {
			fire = timer.Chan()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case <-s.wake:
		case <-fire:
			timer = nil
			s.expireDue(ctx)
		}
	}
}

func (s *Scheduler) expireDue(ctx context.Context) {
	now := s.clock.Now()

	var due []expiry
	s.mu.Lock()
	for len(s.queue) > 0 && !s.queue[0].at.After(now) {
		due = append(due, heap.Pop(&s.queue).(expiry))
	}
	s.mu.Unlock()

	for _, e := range due {
		if s.expire(ctx, e) {
			s.emit(KindExpire, models.BlockEntry{ID: e.blockID, IP: e.ip, UnblockAt: e.at})
		}
	}
}

// expire acts only if e is still the pending block for its address, so a
// stale expiry never removes a newer block. It reports whether the block
// was expired.
func (s *Scheduler) expire(ctx context.Context, e expiry) bool {
	lock := s.lockFor(e.ip)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	if s.pending[e.ip] != e.blockID {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	ctx, cancel := s.detach(ctx)
	defer cancel()

	current, err := s.store.GetBlock(ctx, e.ip)
	switch {
	case err == nil && current.ID == e.blockID:
		if _, err := s.store.DeleteBlock(ctx, e.ip); err != nil {
			log.WithField("ip", e.ip).Warnf("failed to delete expired block, retrying: %v", err)
			s.retry(e)
			return false
		}
	case err == nil:
		// replaced outside this process; reconcile will pick the new entry up
		s.dropPending(e)
		return false
	case errors.Is(err, storage.ErrNotFound):
		// the store already expired it natively
	default:
		log.WithField("ip", e.ip).Warnf("failed to read block for expiry, retrying: %v", err)
		s.retry(e)
		return false
	}

	s.dropPending(e)
	s.enforce(ctx, "remove", e.ip)

	metrics.BlockTransitions.WithLabelValues(KindExpire).Inc()
	log.WithFields(log.Fields{"ip": e.ip, "block_id": e.blockID}).Info("block expired")
	return true
}

func (s *Scheduler) dropPending(e expiry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending[e.ip] == e.blockID {
		delete(s.pending, e.ip)
	}
	metrics.BlocksActive.Set(float64(len(s.pending)))
}

func (s *Scheduler) retry(e expiry) {
	e.at = s.clock.Now().Add(s.retryAfter)

	s.mu.Lock()
	heap.Push(&s.queue, e)
	s.mu.Unlock()
}

func (s *Scheduler) enforce(ctx context.Context, op, ip string) {
	ctx, cancel := context.WithTimeout(ctx, s.enforceTimeout)
	defer cancel()

	var err error
	if op == "apply" {
		err = s.enforcer.Apply(ctx, ip)
	} else {
		err = s.enforcer.Remove(ctx, ip)
	}

	switch {
	case err == nil:
	case errors.Is(err, enforcement.ErrProtectedAddress):
		metrics.EnforcementFailures.WithLabelValues(op, "protected").Inc()
		log.WithFields(log.Fields{"ip": ip, "op": op}).Info("skipping enforcement on protected address")
	case errors.Is(err, enforcement.ErrUnavailable):
		metrics.EnforcementFailures.WithLabelValues(op, "unavailable").Inc()
		log.WithFields(log.Fields{"ip": ip, "op": op, "backend": s.enforcer.Name()}).Warnf("enforcement unavailable, logical state kept: %v", err)
	default:
		metrics.EnforcementFailures.WithLabelValues(op, "error").Inc()
		log.WithFields(log.Fields{"ip": ip, "op": op, "backend": s.enforcer.Name()}).Warnf("enforcement failed, logical state kept: %v", err)
	}
}

func (s *Scheduler) emit(kind string, block models.BlockEntry) {
	if s.notify != nil {
		s.notify(kind, block)
	}
}
