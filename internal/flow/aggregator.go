package flow

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/nshruti113/flowguard/internal/metrics"
	"github.com/nshruti113/flowguard/internal/models"
)

// TimeSource is the reference clock windows are trimmed against, in seconds
type TimeSource interface {
	Now() float64
}

// Emitter receives each cycle's feature vectors. Emit must not block the
// aggregation cadence.
type Emitter interface {
	Emit(ctx context.Context, batch []models.FeatureVector)
}

// EmitterFunc adapts a function to Emitter
type EmitterFunc func(ctx context.Context, batch []models.FeatureVector)

func (f EmitterFunc) Emit(ctx context.Context, batch []models.FeatureVector) { f(ctx, batch) }

// AggregatorConfig holds the window parameters
type AggregatorConfig struct {
	Window      time.Duration
	Step        time.Duration
	IdleTimeout time.Duration

	// Done, when set, marks a finite input: the aggregator stops once it is
	// closed and every buffer has drained
	Done <-chan struct{}
}

// Aggregator periodically turns buffered events into feature vectors
type Aggregator struct {
	store *Store
	ref   TimeSource
	emit  Emitter
	clock clockwork.Clock
	cfg   AggregatorConfig
}

func NewAggregator(store *Store, ref TimeSource, emit Emitter, clock clockwork.Clock, cfg AggregatorConfig) *Aggregator {
	if cfg.Step <= 0 {
		cfg.Step = time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Second
	}
	return &Aggregator{store: store, ref: ref, emit: emit, clock: clock, cfg: cfg}
}

// Run aggregates every step until ctx is cancelled or, for finite input,
// the input is exhausted and drained
func (a *Aggregator) Run(ctx context.Context) error {
	log.WithFields(log.Fields{
		"window": a.cfg.Window,
		"step":   a.cfg.Step,
		"idle":   a.cfg.IdleTimeout,
	}).Info("aggregator started")

	for {
		if ctx.Err() != nil {
			return nil
		}

		started := a.clock.Now()
		a.cycle(ctx)

		if a.drained() {
			log.Info("input exhausted and buffers drained, aggregator stopping")
			return nil
		}

		sleep := max(a.cfg.Step-a.clock.Since(started), 0)
		select {
		case <-ctx.Done():
			return nil
		case <-a.clock.After(sleep):
		}
	}
}

func (a *Aggregator) drained() bool {
	if a.cfg.Done == nil {
		return false
	}
	select {
	case <-a.cfg.Done:
		return a.store.Empty()
	default:
		return false
	}
}

// cycle runs one aggregation pass and returns what it emitted
func (a *Aggregator) cycle(ctx context.Context) []models.FeatureVector {
	started := a.clock.Now()
	now := a.ref.Now()
	window := a.cfg.Window.Seconds()

	active := a.store.SnapshotActiveSources()
	metrics.ActiveSources.Set(float64(len(active)))

	batch := make([]models.FeatureVector, 0, len(active))
	for _, src := range active {
		if fv, ok := a.store.ComputeWindow(src, window, now); ok {
			batch = append(batch, fv)
		}
	}

	if len(batch) > 0 {
		metrics.WindowsComputed.Add(float64(len(batch)))
		a.emit.Emit(ctx, batch)
	}

	if a.cfg.IdleTimeout > 0 {
		idle := a.cfg.IdleTimeout.Seconds()
		for _, src := range a.store.Sources() {
			if a.store.EvictIdle(src, idle, now) {
				metrics.SourcesEvicted.Inc()
				log.WithField("src_ip", src).Debug("evicted idle source")
			}
		}
	}

	metrics.AggregationDuration.Observe(a.clock.Since(started).Seconds())
	return batch
}
