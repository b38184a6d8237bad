package mitigation

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Reconcile queues expiry for every active store entry the scheduler does
// not track, which recovers blocks across restarts. Overdue entries expire
// on the next pass of the expiry loop.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	blocks, err := s.store.ListBlocks(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list active blocks: %w", err)
	}

	recovered := 0
	for _, b := range blocks {
		s.mu.Lock()
		tracked := s.pending[b.IP] == b.ID
		s.mu.Unlock()

		if tracked {
			continue
		}

		s.schedule(b)
		recovered++
		log.WithFields(log.Fields{"ip": b.IP, "block_id": b.ID, "unblock_at": b.UnblockAt}).Debug("tracking block from store")
	}

	if recovered > 0 {
		log.WithField("blocks", recovered).Info("reconciled active blocks")
	}
	return nil
}

// StartReconcile runs Reconcile once, then on the given cron schedule
// (for example "@every 30s") until ctx is cancelled
func (s *Scheduler) StartReconcile(ctx context.Context, schedule string) (*cron.Cron, error) {
	if err := s.Reconcile(ctx); err != nil {
		log.Warnf("initial reconcile failed: %v", err)
	}

	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(schedule, func() {
		rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := s.Reconcile(rctx); err != nil {
			log.Warnf("reconcile failed: %v", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("add reconcile schedule %q: %w", schedule, err)
	}

	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()

	return c, nil
}
