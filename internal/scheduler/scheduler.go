// Package scheduler runs the periodic administrative jobs of the engine.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/atmx/energy-engine/internal/model"
)

// Sweeper flushes fee buckets left over from earlier weeks.
type Sweeper interface {
	SweepFees(ctx context.Context) ([]model.PendingFee, error)
}

// Scheduler manages all cron tasks.
type Scheduler struct {
	Cron    *cron.Cron
	Sweeper Sweeper
	Ctx     context.Context
}

// NewScheduler creates a new Scheduler. Cron specs include a seconds field.
func NewScheduler(ctx context.Context, sweeper Sweeper) *Scheduler {
	return &Scheduler{
		Cron:    cron.New(cron.WithSeconds()),
		Sweeper: sweeper,
		Ctx:     ctx,
	}
}

// RegisterAll registers the weekly fee sweep.
func (s *Scheduler) RegisterAll(sweepCron string) error {
	if _, err := s.Cron.AddFunc(sweepCron, s.sweepTask); err != nil {
		return fmt.Errorf("register fee sweep: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	slog.Info("scheduler started", "jobs", len(s.Cron.Entries()))
}

// Stop stops the cron scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	slog.Info("scheduler stopped")
}

// RunSweepNow executes the fee sweep immediately.
func (s *Scheduler) RunSweepNow() {
	s.sweepTask()
}

func (s *Scheduler) sweepTask() {
	flushed, err := s.Sweeper.SweepFees(s.Ctx)
	if err != nil {
		// Buckets in flushed are committed even when notifying the collector failed.
		slog.Error("fee sweep failed", "err", err, "flushed", len(flushed))
		return
	}
	if len(flushed) == 0 {
		slog.Debug("fee sweep: nothing due")
		return
	}
	slog.Info("fee sweep completed", "flushed", len(flushed))
}
