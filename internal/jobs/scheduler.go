package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"abinsight/internal/db"
	"abinsight/internal/rollup"
)

// RollupRunner is the subset of the coordinator the scheduler drives.
type RollupRunner interface {
	RunRollups(ctx context.Context, windowDays int, jobs []string) (*rollup.Summary, error)
}

// Scheduler triggers the nightly rollups on a cron expression.
type Scheduler struct {
	cron       *cron.Cron
	runner     RollupRunner
	windowDays int
	log        *zap.Logger
}

func NewScheduler(runner RollupRunner, windowDays int, log *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:       cron.New(),
		runner:     runner,
		windowDays: windowDays,
		log:        log,
	}
}

// Start registers the rollup entry and launches the cron loop.
func (s *Scheduler) Start(spec string) error {
	_, err := s.cron.AddFunc(spec, s.runOnce)
	if err != nil {
		return fmt.Errorf("invalid rollup cron expression %q: %w", spec, err)
	}
	s.cron.Start()
	s.log.Info("rollup scheduler started", zap.String("cron", spec), zap.Int("window_days", s.windowDays))
	return nil
}

// Stop halts scheduling and waits for an in-flight trigger to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runOnce() {
	summary, err := s.runner.RunRollups(context.Background(), s.windowDays, nil)
	switch {
	case errors.Is(err, db.ErrLockHeld):
		// Another instance is already rolling up; this trigger is
		// redundant, not failed.
		s.log.Info("skipping scheduled rollup, lock held elsewhere")
	case err != nil:
		s.log.Error("scheduled rollup failed", zap.Error(err))
	default:
		s.log.Info("scheduled rollup finished",
			zap.Time("window_start", summary.WindowStart),
			zap.Time("window_end", summary.WindowEnd),
			zap.Int("jobs", len(summary.Jobs)))
	}
}
