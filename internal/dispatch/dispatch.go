// Package dispatch delivers feature vectors off the aggregation path
package dispatch

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nshruti113/flowguard/internal/metrics"
	"github.com/nshruti113/flowguard/internal/models"
)

// Submitter delivers one feature vector downstream
type Submitter interface {
	Submit(ctx context.Context, fv models.FeatureVector) error
}

type Options struct {
	Workers   int
	QueueSize int
	// Batch is how many vectors one worker handles per job
	Batch int
}

// Dispatcher hands batches to a bounded worker pool. Emit never blocks: when
// the queue is full the vectors are dropped and counted.
type Dispatcher struct {
	sub     Submitter
	queue   chan []models.FeatureVector
	workers int
	batch   int

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(sub Submitter, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Batch <= 0 {
		opts.Batch = 1
	}
	return &Dispatcher{
		sub:     sub,
		queue:   make(chan []models.FeatureVector, opts.QueueSize),
		workers: opts.Workers,
		batch:   opts.Batch,
	}
}

// Emit queues batch in chunks of the configured size
func (d *Dispatcher) Emit(_ context.Context, batch []models.FeatureVector) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		metrics.SubmissionsDropped.Add(float64(len(batch)))
		return
	}

	for i := 0; i < len(batch); i += d.batch {
		chunk := batch[i:min(i+d.batch, len(batch))]
		select {
		case d.queue <- chunk:
		default:
			metrics.SubmissionsDropped.Add(float64(len(chunk)))
			log.WithField("vectors", len(chunk)).Warn("dispatch queue full, dropping feature vectors")
		}
	}
}

// Close stops accepting work. Run returns once the queue has drained.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.closed {
		d.closed = true
		close(d.queue)
	}
}

// Run processes queued work until Close has been called and the queue is
// empty, or ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for range d.workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case chunk, ok := <-d.queue:
					if !ok {
						return nil
					}
					d.deliver(ctx, chunk)
				}
			}
		})
	}

	return g.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, chunk []models.FeatureVector) {
	for _, fv := range chunk {
		if err := d.sub.Submit(ctx, fv); err != nil {
			metrics.SubmissionsFailed.Inc()
			log.WithFields(log.Fields{"src_ip": fv.SrcIP}).Warnf("failed to submit feature vector: %v", err)
		}
	}
}
