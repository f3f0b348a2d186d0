// Package scheduler runs the periodic maintenance work: health
// re-grading, quota resets, daily rollups, and record pruning.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/modelmux/modelmux/health"
	"github.com/modelmux/modelmux/quota"
	"github.com/modelmux/modelmux/store"
)

// Options control the cadences. Zero intervals disable that loop.
type Options struct {
	HealthCheckInterval time.Duration
	QuotaSweepInterval  time.Duration
	RollupInterval      time.Duration
	Retention           time.Duration
}

type Scheduler struct {
	store   store.Store
	checker *health.Checker
	gate    *quota.Gate
	options Options
	clock   clock.Clock
	logger  *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(s store.Store, checker *health.Checker, gate *quota.Gate, options Options, logger *zap.SugaredLogger) *Scheduler {
	return newWithClock(s, checker, gate, options, clock.New(), logger)
}

func newWithClock(s store.Store, checker *health.Checker, gate *quota.Gate, options Options, clk clock.Clock, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		store:   s,
		checker: checker,
		gate:    gate,
		options: options,
		clock:   clk,
		logger:  logger,
	}
}

// Start launches the maintenance loops. Stop or cancelling the parent
// context shuts them down.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.loop(ctx, s.options.HealthCheckInterval, "health check", func(ctx context.Context) error {
		return s.checker.CheckAll(ctx)
	})
	s.loop(ctx, s.options.QuotaSweepInterval, "quota sweep", func(ctx context.Context) error {
		reset, err := s.gate.ResetDue(ctx)
		if err == nil && reset > 0 {
			s.logger.Infow("reset due quotas", "count", reset)
		}
		return err
	})
	s.loop(ctx, s.options.RollupInterval, "rollup", func(ctx context.Context) error {
		now := s.clock.Now()
		if err := s.checker.RollupAll(ctx, now.AddDate(0, 0, -1)); err != nil {
			return err
		}
		if s.options.Retention <= 0 {
			return nil
		}
		pruned, err := s.store.PruneCallRecords(ctx, now.Add(-s.options.Retention))
		if err == nil && pruned > 0 {
			s.logger.Infow("pruned call records", "count", pruned)
		}
		return err
	})
}

// Stop halts all loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, name string, task func(context.Context) error) {
	if interval <= 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := s.clock.Ticker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := task(ctx); err != nil {
					s.logger.Warnw("scheduled task failed", "task", name, "error", err)
				}
			}
		}
	}()
}
