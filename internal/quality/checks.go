package quality

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"abinsight/internal/db"
)

// Check names persisted as load-test data checks. Global checks scan
// the whole dataset; scoped checks look only at rows tagged with the
// load-test run's session or run id.
const (
	CheckDuplicateAssignments = "assignment_duplicate_rows_global"
	CheckDuplicateEventIDs    = "event_id_duplicate_rows_global"
	CheckAssignmentRowsScoped = "load_test_assignment_rows_scoped"
	CheckEventRowsScoped      = "load_test_event_rows_scoped"
	CheckStickyConflicts      = "sticky_assignment_conflicts_scoped"
	CheckRollupOverlap        = "rollup_overlap_running"
	CheckErrorRate            = "http_error_rate_under_1pct"
)

// MaxErrorRate is the gate threshold for the aggregate HTTP error rate.
const MaxErrorRate = 0.01

// overlapLookback bounds the rollup-overlap gate to recent runs so a
// RUNNING row orphaned by an old crash does not fail every later run.
const overlapLookback = 2 * time.Hour

// Result is one gate check's outcome.
type Result struct {
	CheckName     string         `json:"check_name"`
	Passed        bool           `json:"passed"`
	ObservedValue float64        `json:"observed_value"`
	Details       map[string]any `json:"details,omitempty"`
}

// Expectations states which row kinds a load-test scenario should have
// produced. The scoped row checks fail both ways: rows missing when
// expected, and rows present when the scenario should not write any.
type Expectations struct {
	AssignmentRows bool
	EventRows      bool
}

// ExpectationsForScenario maps a load-test scenario name onto the rows
// it writes. Unknown scenarios expect nothing.
func ExpectationsForScenario(scenario string) Expectations {
	switch scenario {
	case "assignment":
		return Expectations{AssignmentRows: true}
	case "events":
		return Expectations{EventRows: true}
	case "mixed":
		return Expectations{AssignmentRows: true, EventRows: true}
	default:
		return Expectations{}
	}
}

// scopedRowsResult scores one scoped row-count gate against the
// scenario's expectation.
func scopedRowsResult(checkName string, expectRows bool, observed int64, details map[string]any) Result {
	passed := observed == 0
	if expectRows {
		passed = observed > 0
	}
	if details == nil {
		details = map[string]any{}
	}
	details["expected_rows"] = expectRows
	return Result{
		CheckName:     checkName,
		Passed:        passed,
		ObservedValue: float64(observed),
		Details:       details,
	}
}

// Checker runs the data-quality gates that decide whether a load-test
// run left the dataset in a trustworthy state.
type Checker struct {
	DB *gorm.DB
}

func NewChecker(gdb *gorm.DB) *Checker {
	return &Checker{DB: gdb}
}

// Run executes every gate. runID scopes the per-run checks to one
// load-test run; empty runs only the global and overlap gates. The
// load-test client stamps assignments with session id "lt-<runID>" and
// events with a load_test_run_id property.
func (c *Checker) Run(ctx context.Context, runID string, expect Expectations) ([]Result, error) {
	var results []Result

	dupAssignments, err := c.duplicateAssignmentRows(ctx)
	if err != nil {
		return nil, err
	}
	results = append(results, Result{
		CheckName:     CheckDuplicateAssignments,
		Passed:        dupAssignments == 0,
		ObservedValue: float64(dupAssignments),
	})

	dupEvents, err := c.duplicateEventRows(ctx)
	if err != nil {
		return nil, err
	}
	results = append(results, Result{
		CheckName:     CheckDuplicateEventIDs,
		Passed:        dupEvents == 0,
		ObservedValue: float64(dupEvents),
	})

	if runID != "" {
		sessionID := "lt-" + runID

		assignmentRows, err := c.scopedAssignmentRows(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		results = append(results, scopedRowsResult(CheckAssignmentRowsScoped, expect.AssignmentRows, assignmentRows,
			map[string]any{"session_id": sessionID}))

		eventRows, err := c.scopedEventRows(ctx, runID)
		if err != nil {
			return nil, err
		}
		results = append(results, scopedRowsResult(CheckEventRowsScoped, expect.EventRows, eventRows,
			map[string]any{"run_id": runID}))

		conflicts, err := c.stickyConflicts(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		results = append(results, Result{
			CheckName:     CheckStickyConflicts,
			Passed:        conflicts == 0,
			ObservedValue: float64(conflicts),
			Details:       map[string]any{"session_id": sessionID},
		})
	}

	overlapping, err := c.RunningRollups(ctx)
	if err != nil {
		return nil, err
	}
	results = append(results, Result{
		CheckName:     CheckRollupOverlap,
		Passed:        overlapping == 0,
		ObservedValue: float64(overlapping),
	})

	if runID != "" {
		rate, requests, err := c.errorRate(ctx, runID)
		if err != nil {
			return nil, err
		}
		results = append(results, Result{
			CheckName:     CheckErrorRate,
			Passed:        rate <= MaxErrorRate,
			ObservedValue: rate,
			Details:       map[string]any{"threshold": MaxErrorRate, "requests_total": requests, "run_id": runID},
		})
	}
	return results, nil
}

// Persist stores results as data-check rows of a load-test run.
func (c *Checker) Persist(ctx context.Context, runID string, results []Result) error {
	if len(results) == 0 {
		return nil
	}
	rows := make([]db.LoadTestDataCheck, 0, len(results))
	now := time.Now().UTC()
	for _, res := range results {
		observed := res.ObservedValue
		rows = append(rows, db.LoadTestDataCheck{
			RunID:         runID,
			CheckName:     res.CheckName,
			Passed:        res.Passed,
			ObservedValue: &observed,
			Details:       datatypes.JSONMap(res.Details),
			CheckedAt:     now,
		})
	}
	if err := c.DB.WithContext(ctx).Create(&rows).Error; err != nil {
		return db.Unavailable(err)
	}
	return nil
}

// duplicateAssignmentRows counts surplus rows across (user, experiment)
// groups. The unique index makes this structurally impossible; a
// nonzero value means the index was dropped or bypassed.
func (c *Checker) duplicateAssignmentRows(ctx context.Context) (int64, error) {
	var surplus int64
	err := c.DB.WithContext(ctx).Raw(`
		SELECT COALESCE(SUM(row_count - 1), 0) FROM (
			SELECT anonymous_user_id, experiment_id, COUNT(*) AS row_count
			FROM assignments
			GROUP BY 1, 2
			HAVING COUNT(*) > 1
		) dup`).Scan(&surplus).Error
	if err != nil {
		return 0, db.Unavailable(err)
	}
	return surplus, nil
}

func (c *Checker) duplicateEventRows(ctx context.Context) (int64, error) {
	var surplus int64
	err := c.DB.WithContext(ctx).Raw(`
		SELECT COALESCE(SUM(row_count - 1), 0) FROM (
			SELECT event_id, COUNT(*) AS row_count
			FROM event_logs
			GROUP BY 1
			HAVING COUNT(*) > 1
		) dup`).Scan(&surplus).Error
	if err != nil {
		return 0, db.Unavailable(err)
	}
	return surplus, nil
}

func (c *Checker) scopedAssignmentRows(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := c.DB.WithContext(ctx).
		Model(&db.Assignment{}).
		Where("context->>'session_id' = ?", sessionID).
		Count(&count).Error
	if err != nil {
		return 0, db.Unavailable(err)
	}
	return count, nil
}

func (c *Checker) scopedEventRows(ctx context.Context, runID string) (int64, error) {
	var count int64
	err := c.DB.WithContext(ctx).
		Model(&db.EventLog{}).
		Where("properties->>'load_test_run_id' = ?", runID).
		Count(&count).Error
	if err != nil {
		return 0, db.Unavailable(err)
	}
	return count, nil
}

// stickyConflicts counts (user, experiment) groups within the run's
// session that landed on more than one distinct variant. Stickiness
// should make this zero even under concurrent assignment traffic.
func (c *Checker) stickyConflicts(ctx context.Context, sessionID string) (int64, error) {
	var conflicts int64
	err := c.DB.WithContext(ctx).Raw(`
		SELECT COUNT(*) FROM (
			SELECT anonymous_user_id, experiment_id
			FROM assignments
			WHERE context->>'session_id' = ?
			GROUP BY 1, 2
			HAVING COUNT(DISTINCT variant_id) > 1
		) dup`, sessionID).Scan(&conflicts).Error
	if err != nil {
		return 0, db.Unavailable(err)
	}
	return conflicts, nil
}

// RunningRollups counts rollup runs marked RUNNING within the lookback.
// A nonzero value means the advisory lock failed to serialize
// executions or a run died without being finalized.
func (c *Checker) RunningRollups(ctx context.Context) (int64, error) {
	var running int64
	err := c.DB.WithContext(ctx).
		Model(&db.RollupRun{}).
		Where("status = ? AND started_at >= ?", db.RollupRunStatusRunning, time.Now().UTC().Add(-overlapLookback)).
		Count(&running).Error
	if err != nil {
		return 0, db.Unavailable(err)
	}
	return running, nil
}

func (c *Checker) errorRate(ctx context.Context, runID string) (rate float64, requests int64, err error) {
	var totals struct {
		Requests int64
		Errors   int64
	}
	err = c.DB.WithContext(ctx).Raw(`
		SELECT COALESCE(SUM(requests_total), 0) AS requests,
		       COALESCE(SUM(error_count), 0) AS errors
		FROM load_test_endpoint_metrics
		WHERE run_id = ?`, runID).Scan(&totals).Error
	if err != nil {
		return 0, 0, db.Unavailable(err)
	}
	if totals.Requests == 0 {
		return 0, 0, nil
	}
	return float64(totals.Errors) / float64(totals.Requests), totals.Requests, nil
}
