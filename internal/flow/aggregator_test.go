package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nshruti113/flowguard/internal/capture"
	"github.com/nshruti113/flowguard/internal/models"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]models.FeatureVector
}

func (r *recorder) Emit(_ context.Context, batch []models.FeatureVector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func TestAggregatorStopsWhenReplayDrains(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ref := capture.NewWallClock(clock)
	now := ref.Now()

	s := NewStore()
	s.Append(tcp("203.0.113.5", now-1, 80, 100))
	s.Append(tcp("203.0.113.5", now, 81, 100))

	done := make(chan struct{})
	close(done)

	rec := &recorder{}
	agg := NewAggregator(s, ref, rec, clock, AggregatorConfig{
		Window:      5 * time.Second,
		Step:        time.Second,
		IdleTimeout: time.Minute,
		Done:        done,
	})

	errc := make(chan error, 1)
	go func() { errc <- agg.Run(t.Context()) }()

	for range 20 {
		waitCtx, cancel := context.WithTimeout(t.Context(), time.Second)
		err := clock.BlockUntilContext(waitCtx, 1)
		cancel()
		if err != nil {
			break
		}
		clock.Advance(time.Second)
	}

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("aggregator did not stop after the replay drained")
	}

	require.GreaterOrEqual(t, rec.count(), 1)
	first := rec.batches[0]
	require.Len(t, first, 1)
	assert.Equal(t, 2, first[0].TotalPackets)
	assert.Equal(t, 2, first[0].UniqueDstPorts)
	assert.True(t, s.Empty())
}

func TestAggregatorLiveRunsUntilCancelled(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewStore()
	agg := NewAggregator(s, capture.NewWallClock(clock), &recorder{}, clock, AggregatorConfig{
		Window: 5 * time.Second,
		Step:   time.Second,
	})

	ctx, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)
	go func() { errc <- agg.Run(ctx) }()

	// an empty store never ends a live run
	for range 3 {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(time.Second)
	}

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("aggregator ignored cancellation")
	}
}

func TestAggregatorSleepSubtractsCycleTime(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ref := capture.NewWallClock(clock)

	s := NewStore()
	s.Append(tcp("203.0.113.5", ref.Now(), 80, 100))

	cycles := make(chan struct{}, 10)
	slow := EmitterFunc(func(context.Context, []models.FeatureVector) {
		clock.Advance(300 * time.Millisecond)
		cycles <- struct{}{}
	})

	agg := NewAggregator(s, ref, slow, clock, AggregatorConfig{
		Window: time.Hour,
		Step:   time.Second,
	})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() { _ = agg.Run(ctx) }()

	<-cycles
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(699 * time.Millisecond)
	select {
	case <-cycles:
		t.Fatal("next cycle started before step elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(time.Millisecond)
	select {
	case <-cycles:
	case <-time.After(5 * time.Second):
		t.Fatal("next cycle did not start once step elapsed")
	}
}

func TestAggregatorEvictsIdleSources(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ref := capture.NewWallClock(clock)

	s := NewStore()
	s.Append(tcp("203.0.113.5", ref.Now(), 80, 100))

	agg := NewAggregator(s, ref, &recorder{}, clock, AggregatorConfig{
		Window:      time.Second,
		Step:        time.Second,
		IdleTimeout: 10 * time.Second,
	})

	agg.cycle(t.Context())
	assert.Len(t, s.Sources(), 1)

	clock.Advance(11 * time.Second)
	agg.cycle(t.Context())
	assert.Empty(t, s.Sources())
}
