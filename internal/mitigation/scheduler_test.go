package mitigation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nshruti113/flowguard/internal/enforcement"
	"github.com/nshruti113/flowguard/internal/metrics"
	"github.com/nshruti113/flowguard/internal/models"
	"github.com/nshruti113/flowguard/internal/storage"
)

const attacker = "203.0.113.10"

type recordingEnforcer struct {
	mu      sync.Mutex
	applied map[string]int
	removed map[string]int
	err     error
}

func newRecordingEnforcer() *recordingEnforcer {
	return &recordingEnforcer{applied: map[string]int{}, removed: map[string]int{}}
}

func (r *recordingEnforcer) Name() string { return "recording" }

func (r *recordingEnforcer) Apply(_ context.Context, ip string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied[ip]++
	return r.err
}

func (r *recordingEnforcer) Remove(_ context.Context, ip string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed[ip]++
	return r.err
}

func (r *recordingEnforcer) counts(ip string) (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applied[ip], r.removed[ip]
}

type failingHistoryStore struct {
	*storage.MemoryStore
}

func (failingHistoryStore) AppendBlockHistory(context.Context, models.BlockHistoryEntry) error {
	return errors.New("disk full")
}

// cancellingStore cancels the caller's context once the block is stored and
// refuses history writes on a cancelled context, like a network store would.
type cancellingStore struct {
	*storage.MemoryStore
	cancel context.CancelFunc
}

func (c cancellingStore) InsertBlock(ctx context.Context, block models.BlockEntry) (bool, error) {
	inserted, err := c.MemoryStore.InsertBlock(ctx, block)
	c.cancel()
	return inserted, err
}

func (c cancellingStore) AppendBlockHistory(ctx context.Context, entry models.BlockHistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.MemoryStore.AppendBlockHistory(ctx, entry)
}

// partialInsertStore stores the block but fails the follow-up index write
type partialInsertStore struct {
	*storage.MemoryStore
}

func (p partialInsertStore) InsertBlock(ctx context.Context, block models.BlockEntry) (bool, error) {
	inserted, err := p.MemoryStore.InsertBlock(ctx, block)
	if err != nil {
		return inserted, err
	}
	return inserted, errors.New("index unavailable")
}

type deadlineEnforcer struct {
	mu          sync.Mutex
	live        bool
	hasDeadline bool
}

func (d *deadlineEnforcer) Name() string { return "deadline" }

func (d *deadlineEnforcer) Apply(ctx context.Context, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, d.hasDeadline = ctx.Deadline()
	d.live = ctx.Err() == nil
	return nil
}

func (d *deadlineEnforcer) Remove(ctx context.Context, ip string) error { return d.Apply(ctx, ip) }

func newTestScheduler(t *testing.T) (*Scheduler, *storage.MemoryStore, *recordingEnforcer, *clockwork.FakeClock) {
	t.Helper()
	store := storage.NewMemoryStore()
	enf := newRecordingEnforcer()
	clock := clockwork.NewFakeClock()
	return NewScheduler(store, enf, clock), store, enf, clock
}

func request(ip string, sec int) Request {
	return Request{IP: ip, DurationSec: sec, Reason: "DDoS", Actor: models.ActorModel}
}

func TestBlockIsIdempotent(t *testing.T) {
	s, store, enf, _ := newTestScheduler(t)
	ctx := t.Context()

	first, created, err := s.Block(ctx, request(attacker, 60))
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := s.Block(ctx, request(attacker, 600))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 60, second.DurationSec)

	applied, _ := enf.counts(attacker)
	assert.Equal(t, 1, applied)

	active, err := store.ListBlocks(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	history, err := store.BlockHistory(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestConcurrentBlocksApplyOnce(t *testing.T) {
	s, _, enf, _ := newTestScheduler(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		creates int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := s.Block(t.Context(), request(attacker, 60))
			assert.NoError(t, err)
			if created {
				mu.Lock()
				creates++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, creates)
	applied, _ := enf.counts(attacker)
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, s.Pending())
}

func TestBlockComputesUnblockAt(t *testing.T) {
	s, _, _, clock := newTestScheduler(t)

	entry, _, err := s.Block(t.Context(), request(attacker, 90))
	require.NoError(t, err)
	assert.True(t, entry.BlockedAt.Equal(clock.Now()))
	assert.Equal(t, 90*time.Second, entry.UnblockAt.Sub(entry.BlockedAt))
	assert.Equal(t, models.ActorModel, entry.Actor)
}

func TestBlockValidation(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)

	_, _, err := s.Block(t.Context(), request("not-an-ip", 60))
	require.ErrorIs(t, err, ErrInvalidAddress)

	_, _, err = s.Block(t.Context(), request(attacker, 0))
	require.ErrorIs(t, err, ErrInvalidDuration)
}

func TestUnblockWithoutEntryIsNoop(t *testing.T) {
	s, _, enf, _ := newTestScheduler(t)

	removed, err := s.Unblock(t.Context(), attacker)
	require.NoError(t, err)
	assert.False(t, removed)

	_, removes := enf.counts(attacker)
	assert.Zero(t, removes)
}

func TestUnblockRemovesEntryAndEnforcement(t *testing.T) {
	s, store, enf, _ := newTestScheduler(t)
	ctx := t.Context()

	_, _, err := s.Block(ctx, request(attacker, 60))
	require.NoError(t, err)

	removed, err := s.Unblock(ctx, attacker)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Zero(t, s.Pending())

	_, err = store.GetBlock(ctx, attacker)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, removes := enf.counts(attacker)
	assert.Equal(t, 1, removes)

	history, err := store.BlockHistory(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1, "history survives unblock")
}

func TestBlockExpiresAfterDuration(t *testing.T) {
	s, store, enf, clock := newTestScheduler(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	var (
		mu    sync.Mutex
		kinds []string
	)
	s.OnTransition(func(kind string, _ models.BlockEntry) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, kind)
	})

	_, _, err := s.Block(ctx, request(attacker, 60))
	require.NoError(t, err)

	go func() { _ = s.Run(ctx) }()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(59 * time.Second)
	_, err = store.GetBlock(ctx, attacker)
	require.NoError(t, err, "still blocked before the duration elapses")

	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		_, err := store.GetBlock(ctx, attacker)
		return errors.Is(err, storage.ErrNotFound)
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, removes := enf.counts(attacker)
		return removes == 1
	}, 5*time.Second, 10*time.Millisecond)

	history, err := store.BlockHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, attacker, history[0].IP)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{KindBlock, KindExpire}, kinds)
}

func TestStaleExpiryKeepsReblock(t *testing.T) {
	s, store, enf, clock := newTestScheduler(t)
	ctx := t.Context()

	_, _, err := s.Block(ctx, request(attacker, 60))
	require.NoError(t, err)
	_, err = s.Unblock(ctx, attacker)
	require.NoError(t, err)

	reblock, created, err := s.Block(ctx, request(attacker, 120))
	require.NoError(t, err)
	require.True(t, created)

	// the first block's expiry fires and must be ignored
	clock.Advance(60 * time.Second)
	s.expireDue(ctx)

	current, err := store.GetBlock(ctx, attacker)
	require.NoError(t, err)
	assert.Equal(t, reblock.ID, current.ID)
	_, removes := enf.counts(attacker)
	assert.Equal(t, 1, removes, "only the explicit unblock removed enforcement")

	clock.Advance(60 * time.Second)
	s.expireDue(ctx)

	_, err = store.GetBlock(ctx, attacker)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, removes = enf.counts(attacker)
	assert.Equal(t, 2, removes)
}

func TestNativeStoreExpiryStillRemovesEnforcement(t *testing.T) {
	s, store, enf, clock := newTestScheduler(t)
	ctx := t.Context()

	_, _, err := s.Block(ctx, request(attacker, 30))
	require.NoError(t, err)

	// store TTL lapses before the scheduler's expiry runs
	_, err = store.DeleteBlock(ctx, attacker)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	s.expireDue(ctx)

	_, removes := enf.counts(attacker)
	assert.Equal(t, 1, removes)
	assert.Zero(t, s.Pending())
}

func TestHistoryFailureIsSurfacedAfterEnforcement(t *testing.T) {
	store := failingHistoryStore{storage.NewMemoryStore()}
	enf := newRecordingEnforcer()
	s := NewScheduler(store, enf, clockwork.NewFakeClock())

	entry, created, err := s.Block(t.Context(), request(attacker, 60))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.True(t, created)
	assert.Equal(t, attacker, entry.IP)

	applied, _ := enf.counts(attacker)
	assert.Equal(t, 1, applied, "enforcement attempted despite the history failure")
	assert.Equal(t, 1, s.Pending(), "expiry still scheduled")

	_, err = store.GetBlock(t.Context(), attacker)
	require.NoError(t, err)
}

func TestEnforcementFailureKeepsLogicalState(t *testing.T) {
	s, store, enf, _ := newTestScheduler(t)
	enf.err = enforcement.ErrUnavailable

	before := testutil.ToFloat64(metrics.EnforcementFailures.WithLabelValues("apply", "unavailable"))

	_, created, err := s.Block(t.Context(), request(attacker, 60))
	require.NoError(t, err)
	assert.True(t, created)

	_, err = store.GetBlock(t.Context(), attacker)
	require.NoError(t, err)
	assert.InDelta(t, before+1, testutil.ToFloat64(metrics.EnforcementFailures.WithLabelValues("apply", "unavailable")), 1e-9)

	removed, err := s.Unblock(t.Context(), attacker)
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestProtectedAddressIsNotEscalated(t *testing.T) {
	store := storage.NewMemoryStore()
	backend := newRecordingEnforcer()
	s := NewScheduler(store, enforcement.NewGuard(backend), clockwork.NewFakeClock())

	before := testutil.ToFloat64(metrics.EnforcementFailures.WithLabelValues("apply", "protected"))

	_, created, err := s.Block(t.Context(), request("10.1.2.3", 60))
	require.NoError(t, err)
	assert.True(t, created)

	applied, _ := backend.counts("10.1.2.3")
	assert.Zero(t, applied)
	assert.InDelta(t, before+1, testutil.ToFloat64(metrics.EnforcementFailures.WithLabelValues("apply", "protected")), 1e-9)
}

func TestReconcileRecoversBlocks(t *testing.T) {
	store := storage.NewMemoryStore()
	enf := newRecordingEnforcer()
	clock := clockwork.NewFakeClock()
	ctx := t.Context()

	now := clock.Now().UTC()
	live := models.BlockEntry{ID: "live", IP: "203.0.113.20", BlockedAt: now, UnblockAt: now.Add(time.Minute), DurationSec: 60}
	overdue := models.BlockEntry{ID: "overdue", IP: "203.0.113.21", BlockedAt: now.Add(-time.Hour), UnblockAt: now.Add(-time.Minute), DurationSec: 3540}
	for _, b := range []models.BlockEntry{live, overdue} {
		_, err := store.InsertBlock(ctx, b)
		require.NoError(t, err)
	}

	s := NewScheduler(store, enf, clock)
	require.NoError(t, s.Reconcile(ctx))
	assert.Equal(t, 2, s.Pending())

	// a second pass does not double-track
	require.NoError(t, s.Reconcile(ctx))
	assert.Equal(t, 2, s.Pending())

	s.expireDue(ctx)
	_, err := store.GetBlock(ctx, overdue.IP)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetBlock(ctx, live.IP)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	s.expireDue(ctx)
	_, err = store.GetBlock(ctx, live.IP)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, removes := enf.counts(live.IP)
	assert.Equal(t, 1, removes)
}

func TestStartReconcileRejectsBadSchedule(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)

	_, err := s.StartReconcile(t.Context(), "not a schedule")
	require.Error(t, err)

	c, err := s.StartReconcile(t.Context(), "@every 30s")
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 1)
}

func TestCancelledCallerStillCompletesBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	store := cancellingStore{MemoryStore: storage.NewMemoryStore(), cancel: cancel}
	enf := &deadlineEnforcer{}
	s := NewScheduler(store, enf, clockwork.NewFakeClock())

	_, created, err := s.Block(ctx, request(attacker, 60))
	require.NoError(t, err)
	assert.True(t, created)
	require.Error(t, ctx.Err(), "caller went away mid-block")

	history, err := store.BlockHistory(t.Context(), 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	enf.mu.Lock()
	assert.True(t, enf.live, "enforcement runs on a live context")
	assert.True(t, enf.hasDeadline, "enforcement is bounded")
	enf.mu.Unlock()
	assert.Equal(t, 1, s.Pending())
}

func TestExpiryIsBounded(t *testing.T) {
	store := storage.NewMemoryStore()
	enf := &deadlineEnforcer{}
	clock := clockwork.NewFakeClock()
	s := NewScheduler(store, enf, clock)

	_, _, err := s.Block(t.Context(), request(attacker, 60))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	s.expireDue(context.Background())

	enf.mu.Lock()
	defer enf.mu.Unlock()
	assert.True(t, enf.hasDeadline)
	assert.Zero(t, s.Pending())
}

func TestStoredBlockWithIndexFailureStillEnforced(t *testing.T) {
	store := partialInsertStore{storage.NewMemoryStore()}
	enf := newRecordingEnforcer()
	s := NewScheduler(store, enf, clockwork.NewFakeClock())

	entry, created, err := s.Block(t.Context(), request(attacker, 60))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index unavailable")
	assert.True(t, created)
	assert.Equal(t, attacker, entry.IP)

	applied, _ := enf.counts(attacker)
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, s.Pending(), "expiry scheduled so the entry is not orphaned")

	history, err := store.BlockHistory(t.Context(), 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestTransitionsFireOutsideAddressLock(t *testing.T) {
	s, _, _, clock := newTestScheduler(t)

	var (
		mu       sync.Mutex
		unlocked = map[string]bool{}
	)
	s.OnTransition(func(kind string, b models.BlockEntry) {
		lock := s.lockFor(b.IP)
		free := lock.TryLock()
		if free {
			lock.Unlock()
		}
		mu.Lock()
		unlocked[kind] = free
		mu.Unlock()
	})

	_, _, err := s.Block(t.Context(), request(attacker, 60))
	require.NoError(t, err)
	_, err = s.Unblock(t.Context(), attacker)
	require.NoError(t, err)

	_, _, err = s.Block(t.Context(), request(attacker, 60))
	require.NoError(t, err)
	clock.Advance(time.Minute)
	s.expireDue(t.Context())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]bool{KindBlock: true, KindUnblock: true, KindExpire: true}, unlocked)
}
