package rollup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"abinsight/internal/db"
)

type fakeJob struct {
	name   string
	result Result
	err    error
	runs   int
}

func (j *fakeJob) Name() string { return j.name }

func (j *fakeJob) Run(_ context.Context, _ Window) (Result, error) {
	j.runs++
	return j.result, j.err
}

type recordedRun struct {
	jobName string
	status  string
	result  Result
	err     error
}

type fakeRunStore struct {
	nextID   uint
	beginErr error
	runs     map[uint]*recordedRun
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: map[uint]*recordedRun{}}
}

func (s *fakeRunStore) Begin(_ context.Context, jobName string, _ Window) (uint, error) {
	if s.beginErr != nil {
		return 0, s.beginErr
	}
	s.nextID++
	s.runs[s.nextID] = &recordedRun{jobName: jobName, status: db.RollupRunStatusRunning}
	return s.nextID, nil
}

func (s *fakeRunStore) Finish(_ context.Context, runID uint, status string, result Result, runErr error) error {
	run, ok := s.runs[runID]
	if !ok {
		return errors.New("unknown run id")
	}
	run.status = status
	run.result = result
	run.err = runErr
	return nil
}

type fakeLocker struct {
	held  bool
	calls int
}

func (l *fakeLocker) WithLock(_ context.Context, fn func() error) error {
	l.calls++
	if l.held {
		return db.ErrLockHeld
	}
	return fn()
}

func newTestCoordinator(t *testing.T, jobs []Job, runs RunStore, locker Locker) *Coordinator {
	t.Helper()
	c := NewCoordinator(jobs, runs, locker, zaptest.NewLogger(t))
	c.now = func() time.Time { return time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC) }
	return c
}

func TestRunRollupsAllJobsSucceed(t *testing.T) {
	jobA := &fakeJob{name: "daily_metrics", result: Result{RowsWritten: 12, IgnoredCount: 1}}
	jobB := &fakeJob{name: "funnel_metrics", result: Result{RowsWritten: 30}}
	runs := newFakeRunStore()

	c := newTestCoordinator(t, []Job{jobA, jobB}, runs, &fakeLocker{})
	summary, err := c.RunRollups(context.Background(), 7, nil)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2025, 6, 4, 0, 0, 0, 0, time.UTC), summary.WindowStart)
	assert.Equal(t, time.Date(2025, 6, 11, 0, 0, 0, 0, time.UTC), summary.WindowEnd)
	require.Len(t, summary.Jobs, 2)

	assert.Equal(t, "daily_metrics", summary.Jobs[0].JobName)
	assert.Equal(t, db.RollupRunStatusSuccess, summary.Jobs[0].Status)
	assert.Equal(t, 12, summary.Jobs[0].RowsWritten)
	assert.Equal(t, 1, summary.Jobs[0].IgnoredCount)

	require.Len(t, runs.runs, 2)
	for _, run := range runs.runs {
		assert.Equal(t, db.RollupRunStatusSuccess, run.status)
	}
}

func TestRunRollupsJobSelection(t *testing.T) {
	daily := &fakeJob{name: JobNameDaily}
	experiment := &fakeJob{name: JobNameExperiment}
	funnel := &fakeJob{name: JobNameFunnel}
	jobs := []Job{daily, experiment, funnel}

	t.Run("subset by short name", func(t *testing.T) {
		runs := newFakeRunStore()
		c := newTestCoordinator(t, jobs, runs, &fakeLocker{})
		summary, err := c.RunRollups(context.Background(), 7, []string{"funnel"})
		require.NoError(t, err)

		require.Len(t, summary.Jobs, 1)
		assert.Equal(t, JobNameFunnel, summary.Jobs[0].JobName)
		assert.Equal(t, 0, daily.runs)
		assert.Equal(t, 0, experiment.runs)
		assert.Equal(t, 1, funnel.runs)
	})

	t.Run("full names preserve job order", func(t *testing.T) {
		runs := newFakeRunStore()
		c := newTestCoordinator(t, jobs, runs, &fakeLocker{})
		summary, err := c.RunRollups(context.Background(), 7, []string{JobNameExperiment, JobNameDaily})
		require.NoError(t, err)

		require.Len(t, summary.Jobs, 2)
		assert.Equal(t, JobNameDaily, summary.Jobs[0].JobName)
		assert.Equal(t, JobNameExperiment, summary.Jobs[1].JobName)
	})

	t.Run("unknown job rejected before locking", func(t *testing.T) {
		runs := newFakeRunStore()
		locker := &fakeLocker{}
		c := newTestCoordinator(t, jobs, runs, locker)
		_, err := c.RunRollups(context.Background(), 7, []string{"hourly"})
		require.ErrorIs(t, err, ErrUnknownJob)
		assert.Equal(t, 0, locker.calls)
		assert.Empty(t, runs.runs)
	})

	t.Run("empty selection runs everything", func(t *testing.T) {
		before := daily.runs
		runs := newFakeRunStore()
		c := newTestCoordinator(t, jobs, runs, &fakeLocker{})
		summary, err := c.RunRollups(context.Background(), 7, []string{})
		require.NoError(t, err)
		require.Len(t, summary.Jobs, 3)
		assert.Equal(t, before+1, daily.runs)
	})
}

func TestRunRollupsFailureAbortsRemainder(t *testing.T) {
	boom := errors.New("division by zero day")
	jobA := &fakeJob{name: "daily_metrics", err: boom, result: Result{IgnoredCount: 3}}
	jobB := &fakeJob{name: "funnel_metrics"}
	runs := newFakeRunStore()

	c := newTestCoordinator(t, []Job{jobA, jobB}, runs, &fakeLocker{})
	summary, err := c.RunRollups(context.Background(), 7, nil)
	require.ErrorIs(t, err, boom)

	assert.Equal(t, 1, jobA.runs)
	assert.Equal(t, 0, jobB.runs, "jobs after a failure must not run")

	require.Len(t, summary.Jobs, 1)
	assert.Equal(t, db.RollupRunStatusFailed, summary.Jobs[0].Status)
	assert.Equal(t, 3, summary.Jobs[0].IgnoredCount)

	run := runs.runs[1]
	require.NotNil(t, run)
	assert.Equal(t, db.RollupRunStatusFailed, run.status, "run row must be finalized even on failure")
	assert.Equal(t, boom, run.err)
}

func TestRunRollupsLockContentionFailsFast(t *testing.T) {
	job := &fakeJob{name: "daily_metrics"}
	runs := newFakeRunStore()

	c := newTestCoordinator(t, []Job{job}, runs, &fakeLocker{held: true})
	_, err := c.RunRollups(context.Background(), 7, nil)
	require.ErrorIs(t, err, db.ErrLockHeld)

	assert.Equal(t, 0, job.runs)
	assert.Empty(t, runs.runs, "no run rows when the lock is contended")
}

func TestRunRollupsBeginFailure(t *testing.T) {
	job := &fakeJob{name: "daily_metrics"}
	runs := newFakeRunStore()
	runs.beginErr = db.Unavailable(errors.New("connection refused"))

	c := newTestCoordinator(t, []Job{job}, runs, &fakeLocker{})
	_, err := c.RunRollups(context.Background(), 7, nil)
	require.Error(t, err)
	assert.True(t, db.IsUnavailable(err))
	assert.Equal(t, 0, job.runs)
}
