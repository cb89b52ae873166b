package loadtest

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"abinsight/internal/db"
)

// ErrNoRuns is returned when a query matches no load-test runs.
var ErrNoRuns = errors.New("no load-test runs recorded")

const defaultRunLimit = 20

// Reader serves the load-test bookkeeping written by the external
// harness.
type Reader struct {
	DB *gorm.DB
}

func NewReader(gdb *gorm.DB) *Reader {
	return &Reader{DB: gdb}
}

// Runs lists recent runs, newest first, optionally filtered by scenario.
func (r *Reader) Runs(ctx context.Context, scenario string, limit int) ([]db.LoadTestRun, error) {
	if limit <= 0 || limit > 100 {
		limit = defaultRunLimit
	}
	q := r.DB.WithContext(ctx).
		Preload("EndpointMetrics").
		Preload("DataChecks").
		Order("started_at DESC").
		Limit(limit)
	if scenario != "" {
		q = q.Where("scenario_name = ?", scenario)
	}
	var runs []db.LoadTestRun
	if err := q.Find(&runs).Error; err != nil {
		return nil, db.Unavailable(err)
	}
	return runs, nil
}

// Latest returns the newest run for the scenario, any phase.
func (r *Reader) Latest(ctx context.Context, scenario string) (*db.LoadTestRun, error) {
	q := r.DB.WithContext(ctx).
		Preload("EndpointMetrics").
		Preload("DataChecks").
		Order("started_at DESC")
	if scenario != "" {
		q = q.Where("scenario_name = ?", scenario)
	}
	var run db.LoadTestRun
	err := q.First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoRuns
	}
	if err != nil {
		return nil, db.Unavailable(err)
	}
	return &run, nil
}

// EndpointDelta compares one endpoint's latency and error profile
// between the baseline and post-mitigation runs.
type EndpointDelta struct {
	Endpoint string `json:"endpoint"`
	Method   string `json:"method"`

	BaselineP95Ms float64 `json:"baseline_p95_ms"`
	PostP95Ms     float64 `json:"post_p95_ms"`
	P95DeltaPct   float64 `json:"p95_delta_pct"`

	BaselineErrorRate float64 `json:"baseline_error_rate"`
	PostErrorRate     float64 `json:"post_error_rate"`

	BaselineRPS float64 `json:"baseline_rps"`
	PostRPS     float64 `json:"post_rps"`
}

// RunRef identifies one side of a comparison.
type RunRef struct {
	RunID     string `json:"run_id"`
	RunName   string `json:"run_name"`
	StartedAt string `json:"started_at"`
}

// Comparison pairs the latest successful baseline run with the latest
// successful post-mitigation run of a scenario.
type Comparison struct {
	ScenarioName   string          `json:"scenario_name"`
	Baseline       RunRef          `json:"baseline"`
	PostMitigation RunRef          `json:"post_mitigation"`
	Endpoints      []EndpointDelta `json:"endpoints"`
}

// Compare builds the before/after view for a scenario. Endpoints absent
// from either side are skipped; there is nothing to compare them to.
func (r *Reader) Compare(ctx context.Context, scenario string) (*Comparison, error) {
	baseline, err := r.latestSuccessful(ctx, scenario, db.LoadTestPhaseBaseline)
	if err != nil {
		return nil, err
	}
	post, err := r.latestSuccessful(ctx, scenario, db.LoadTestPhasePostMitigation)
	if err != nil {
		return nil, err
	}

	type endpointKey struct{ endpoint, method string }
	baselineMetrics := make(map[endpointKey]db.LoadTestEndpointMetric, len(baseline.EndpointMetrics))
	for _, m := range baseline.EndpointMetrics {
		baselineMetrics[endpointKey{m.Endpoint, m.Method}] = m
	}

	cmp := &Comparison{
		ScenarioName:   scenario,
		Baseline:       runRef(baseline),
		PostMitigation: runRef(post),
	}
	for _, after := range post.EndpointMetrics {
		before, ok := baselineMetrics[endpointKey{after.Endpoint, after.Method}]
		if !ok {
			continue
		}
		delta := EndpointDelta{
			Endpoint:      after.Endpoint,
			Method:        after.Method,
			BaselineP95Ms: before.P95Ms,
			PostP95Ms:     after.P95Ms,
			BaselineRPS:   before.RPS,
			PostRPS:       after.RPS,
		}
		if before.P95Ms > 0 {
			delta.P95DeltaPct = (after.P95Ms - before.P95Ms) / before.P95Ms * 100
		}
		if before.ErrorRate != nil {
			delta.BaselineErrorRate = *before.ErrorRate
		}
		if after.ErrorRate != nil {
			delta.PostErrorRate = *after.ErrorRate
		}
		cmp.Endpoints = append(cmp.Endpoints, delta)
	}
	return cmp, nil
}

func (r *Reader) latestSuccessful(ctx context.Context, scenario, phase string) (*db.LoadTestRun, error) {
	var run db.LoadTestRun
	err := r.DB.WithContext(ctx).
		Preload("EndpointMetrics").
		Where("scenario_name = ? AND phase = ? AND status = ?", scenario, phase, db.LoadTestStatusSuccess).
		Order("started_at DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoRuns
	}
	if err != nil {
		return nil, db.Unavailable(err)
	}
	return &run, nil
}

func runRef(run *db.LoadTestRun) RunRef {
	return RunRef{
		RunID:     run.ID,
		RunName:   run.RunName,
		StartedAt: run.StartedAt.UTC().Format(time.RFC3339),
	}
}
