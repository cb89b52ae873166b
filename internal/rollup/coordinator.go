package rollup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"abinsight/internal/db"
)

// Result is one job's write accounting.
type Result struct {
	RowsWritten  int
	IgnoredCount int
}

// Job is a single aggregation pass over the window. Jobs upsert into
// their own rollup tables keyed by day, so re-running overwrites rather
// than duplicates.
type Job interface {
	Name() string
	Run(ctx context.Context, window Window) (Result, error)
}

// RunStore records job executions for auditing.
type RunStore interface {
	Begin(ctx context.Context, jobName string, window Window) (uint, error)
	Finish(ctx context.Context, runID uint, status string, result Result, runErr error) error
}

// Locker serializes rollup executions cluster-wide.
type Locker interface {
	WithLock(ctx context.Context, fn func() error) error
}

// JobOutcome reports one job in a rollup execution summary.
type JobOutcome struct {
	JobName      string `json:"job_name"`
	RunID        uint   `json:"run_id"`
	Status       string `json:"status"`
	RowsWritten  int    `json:"rows_written"`
	IgnoredCount int    `json:"ignored_count"`
	Error        string `json:"error,omitempty"`
}

// Summary reports a whole rollup execution.
type Summary struct {
	WindowStart time.Time    `json:"window_start"`
	WindowEnd   time.Time    `json:"window_end"`
	Jobs        []JobOutcome `json:"jobs"`
}

// Coordinator runs all aggregation jobs under the advisory lock. A
// second trigger while one is in flight fails fast instead of queuing.
type Coordinator struct {
	jobs   []Job
	runs   RunStore
	locker Locker
	log    *zap.Logger
	now    func() time.Time
}

func NewCoordinator(jobs []Job, runs RunStore, locker Locker, log *zap.Logger) *Coordinator {
	return &Coordinator{
		jobs:   jobs,
		runs:   runs,
		locker: locker,
		log:    log,
		now:    time.Now,
	}
}

// ErrUnknownJob rejects a selection naming a job the coordinator does
// not carry.
var ErrUnknownJob = errors.New("unknown rollup job")

// jobAliases maps the short selection names accepted by the trigger API
// onto the tracked job names.
var jobAliases = map[string]string{
	"daily":      JobNameDaily,
	"experiment": JobNameExperiment,
	"funnel":     JobNameFunnel,
}

// selectJobs resolves a requested subset, preserving the coordinator's
// job order. An empty selection means every job.
func (c *Coordinator) selectJobs(names []string) ([]Job, error) {
	if len(names) == 0 {
		return c.jobs, nil
	}
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		resolved, ok := jobAliases[name]
		if !ok {
			resolved = name
		}
		found := false
		for _, job := range c.jobs {
			if job.Name() == resolved {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %q", ErrUnknownJob, name)
		}
		wanted[resolved] = true
	}
	selected := make([]Job, 0, len(wanted))
	for _, job := range c.jobs {
		if wanted[job.Name()] {
			selected = append(selected, job)
		}
	}
	return selected, nil
}

// RunRollups executes the selected jobs sequentially over the trailing
// windowDays window; a nil or empty selection runs every job. Each
// execution gets a RollupRun row that is finalized on every exit path;
// the first failing job aborts the remainder and its error is returned
// after being recorded.
func (c *Coordinator) RunRollups(ctx context.Context, windowDays int, jobNames []string) (*Summary, error) {
	jobs, err := c.selectJobs(jobNames)
	if err != nil {
		return nil, err
	}

	window := BuildWindow(c.now(), windowDays)
	summary := &Summary{WindowStart: window.Start, WindowEnd: window.End}

	err = c.locker.WithLock(ctx, func() error {
		for _, job := range jobs {
			outcome, err := c.runOne(ctx, job, window)
			summary.Jobs = append(summary.Jobs, outcome)
			if err != nil {
				return fmt.Errorf("rollup job %s: %w", job.Name(), err)
			}
		}
		return nil
	})
	if err != nil {
		return summary, err
	}
	return summary, nil
}

func (c *Coordinator) runOne(ctx context.Context, job Job, window Window) (JobOutcome, error) {
	outcome := JobOutcome{JobName: job.Name()}

	runID, err := c.runs.Begin(ctx, job.Name(), window)
	if err != nil {
		outcome.Status = db.RollupRunStatusFailed
		outcome.Error = err.Error()
		return outcome, err
	}
	outcome.RunID = runID

	started := c.now()
	result, runErr := job.Run(ctx, window)
	outcome.RowsWritten = result.RowsWritten
	outcome.IgnoredCount = result.IgnoredCount

	status := db.RollupRunStatusSuccess
	if runErr != nil {
		status = db.RollupRunStatusFailed
		outcome.Error = runErr.Error()
	}
	outcome.Status = status

	if err := c.runs.Finish(ctx, runID, status, result, runErr); err != nil {
		c.log.Error("failed to finalize rollup run",
			zap.String("job", job.Name()),
			zap.Uint("run_id", runID),
			zap.Error(err))
		if runErr == nil {
			return outcome, err
		}
	}

	c.log.Info("rollup job finished",
		zap.String("job", job.Name()),
		zap.String("status", status),
		zap.Int("rows_written", result.RowsWritten),
		zap.Int("ignored", result.IgnoredCount),
		zap.Duration("took", c.now().Sub(started)))
	return outcome, runErr
}

// GormRunStore persists RollupRun rows.
type GormRunStore struct {
	DB *gorm.DB
}

func (s *GormRunStore) Begin(ctx context.Context, jobName string, window Window) (uint, error) {
	run := db.RollupRun{
		JobName:     jobName,
		Status:      db.RollupRunStatusRunning,
		WindowStart: window.Start,
		WindowEnd:   window.End,
	}
	if err := s.DB.WithContext(ctx).Create(&run).Error; err != nil {
		return 0, db.Unavailable(err)
	}
	return run.ID, nil
}

func (s *GormRunStore) Finish(ctx context.Context, runID uint, status string, result Result, runErr error) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":        status,
		"finished_at":   &now,
		"rows_written":  result.RowsWritten,
		"ignored_count": result.IgnoredCount,
	}
	if runErr != nil {
		updates["error_text"] = runErr.Error()
	}
	err := s.DB.WithContext(ctx).
		Model(&db.RollupRun{}).
		Where("id = ?", runID).
		Updates(updates).Error
	if err != nil {
		return db.Unavailable(err)
	}
	return nil
}

// AdvisoryLocker maps Locker onto the Postgres advisory lock helper.
type AdvisoryLocker struct {
	DB *gorm.DB
}

func (l *AdvisoryLocker) WithLock(_ context.Context, fn func() error) error {
	return db.WithAdvisoryLock(l.DB, db.LockNamespaceRollups, db.LockKeyRollups, func(*gorm.DB) error {
		return fn()
	})
}
