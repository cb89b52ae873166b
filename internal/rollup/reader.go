package rollup

import (
	"context"
	"time"

	"gorm.io/gorm"

	"abinsight/internal/db"
)

// Reader serves the dashboard queries over the rollup tables. It never
// touches raw event rows except for the summary totals.
type Reader struct {
	DB  *gorm.DB
	now func() time.Time
}

func NewReader(gdb *gorm.DB) *Reader {
	return &Reader{DB: gdb, now: time.Now}
}

const dayFormat = "2006-01-02"

// MetricPoint is one day's value of one metric.
type MetricPoint struct {
	Day   string  `json:"day"`
	Value float64 `json:"value"`
}

// DailyResponse is the product-wide trend view.
type DailyResponse struct {
	WindowStart string                   `json:"window_start"`
	WindowEnd   string                   `json:"window_end"`
	Metrics     map[string][]MetricPoint `json:"metrics"`
	EventVolume map[string][]MetricPoint `json:"event_volume"`
}

// Daily returns the trailing windowDays of daily metrics, series keyed
// by metric name and event-volume series keyed by event name.
func (r *Reader) Daily(ctx context.Context, windowDays int) (*DailyResponse, error) {
	window := BuildWindow(r.now(), windowDays)

	var rows []db.DailyMetricRollup
	err := r.DB.WithContext(ctx).
		Where("day >= ? AND day < ?", window.Start, window.End).
		Order("day ASC, metric_name ASC, dimension_key ASC").
		Find(&rows).Error
	if err != nil {
		return nil, db.Unavailable(err)
	}

	resp := &DailyResponse{
		WindowStart: window.Start.Format(dayFormat),
		WindowEnd:   window.End.Format(dayFormat),
		Metrics:     map[string][]MetricPoint{},
		EventVolume: map[string][]MetricPoint{},
	}
	for _, row := range rows {
		point := MetricPoint{Day: row.Day.UTC().Format(dayFormat), Value: row.Value}
		if row.MetricName == MetricEventVolume {
			resp.EventVolume[row.DimensionKey] = append(resp.EventVolume[row.DimensionKey], point)
			continue
		}
		resp.Metrics[row.MetricName] = append(resp.Metrics[row.MetricName], point)
	}
	return resp, nil
}

// VariantSeries is one variant's metric series within an experiment.
type VariantSeries struct {
	VariantID string                   `json:"variant_id"`
	Metrics   map[string][]MetricPoint `json:"metrics"`
}

// ExperimentSeries groups variant series under one experiment.
type ExperimentSeries struct {
	ExperimentID string          `json:"experiment_id"`
	Variants     []VariantSeries `json:"variants"`
}

// ExperimentsResponse is the per-experiment breakdown view.
type ExperimentsResponse struct {
	WindowStart string             `json:"window_start"`
	WindowEnd   string             `json:"window_end"`
	Experiments []ExperimentSeries `json:"experiments"`
}

// Experiments returns per-(experiment, variant) metric series over the
// window, experiments and variants in id order.
func (r *Reader) Experiments(ctx context.Context, windowDays int) (*ExperimentsResponse, error) {
	window := BuildWindow(r.now(), windowDays)

	var rows []db.ExperimentMetricRollup
	err := r.DB.WithContext(ctx).
		Where("day >= ? AND day < ?", window.Start, window.End).
		Order("experiment_id ASC, variant_id ASC, metric_name ASC, day ASC").
		Find(&rows).Error
	if err != nil {
		return nil, db.Unavailable(err)
	}

	resp := &ExperimentsResponse{
		WindowStart: window.Start.Format(dayFormat),
		WindowEnd:   window.End.Format(dayFormat),
	}
	for _, row := range rows {
		if len(resp.Experiments) == 0 || resp.Experiments[len(resp.Experiments)-1].ExperimentID != row.ExperimentID {
			resp.Experiments = append(resp.Experiments, ExperimentSeries{ExperimentID: row.ExperimentID})
		}
		exp := &resp.Experiments[len(resp.Experiments)-1]
		if len(exp.Variants) == 0 || exp.Variants[len(exp.Variants)-1].VariantID != row.VariantID {
			exp.Variants = append(exp.Variants, VariantSeries{
				VariantID: row.VariantID,
				Metrics:   map[string][]MetricPoint{},
			})
		}
		variant := &exp.Variants[len(exp.Variants)-1]
		variant.Metrics[row.MetricName] = append(variant.Metrics[row.MetricName], MetricPoint{
			Day:   row.Day.UTC().Format(dayFormat),
			Value: row.Value,
		})
	}
	return resp, nil
}

// FunnelStepCount is one step's counts within a day and dimension.
type FunnelStepCount struct {
	StepName    string `json:"step_name"`
	UsersCount  int64  `json:"users_count"`
	EventsCount int64  `json:"events_count"`
}

// FunnelSlice is one dimension's step counts for a day. DimensionKey is
// "overall" or "{experiment_id}:{variant_id}".
type FunnelSlice struct {
	DimensionKey string            `json:"dimension_key"`
	ExperimentID *string           `json:"experiment_id,omitempty"`
	VariantID    *string           `json:"variant_id,omitempty"`
	Steps        []FunnelStepCount `json:"steps"`
}

// FunnelDay is one day of the funnel across all dimensions.
type FunnelDay struct {
	Day    string        `json:"day"`
	Slices []FunnelSlice `json:"slices"`
}

// FunnelsResponse is the funnel breakdown view.
type FunnelsResponse struct {
	WindowStart string      `json:"window_start"`
	WindowEnd   string      `json:"window_end"`
	FunnelName  string      `json:"funnel_name"`
	Days        []FunnelDay `json:"days"`
}

// Funnels returns the core-journey funnel over the window, days
// ascending, the overall slice first within each day.
func (r *Reader) Funnels(ctx context.Context, windowDays int) (*FunnelsResponse, error) {
	window := BuildWindow(r.now(), windowDays)

	var rows []db.FunnelRollup
	err := r.DB.WithContext(ctx).
		Where("funnel_name = ? AND day >= ? AND day < ?", FunnelCoreJourney, window.Start, window.End).
		Order("day ASC, (dimension_key <> 'overall') ASC, dimension_key ASC, step_name ASC").
		Find(&rows).Error
	if err != nil {
		return nil, db.Unavailable(err)
	}

	resp := &FunnelsResponse{
		WindowStart: window.Start.Format(dayFormat),
		WindowEnd:   window.End.Format(dayFormat),
		FunnelName:  FunnelCoreJourney,
	}
	for _, row := range rows {
		day := row.Day.UTC().Format(dayFormat)
		if len(resp.Days) == 0 || resp.Days[len(resp.Days)-1].Day != day {
			resp.Days = append(resp.Days, FunnelDay{Day: day})
		}
		current := &resp.Days[len(resp.Days)-1]
		if len(current.Slices) == 0 || current.Slices[len(current.Slices)-1].DimensionKey != row.DimensionKey {
			current.Slices = append(current.Slices, FunnelSlice{
				DimensionKey: row.DimensionKey,
				ExperimentID: row.ExperimentID,
				VariantID:    row.VariantID,
			})
		}
		slice := &current.Slices[len(current.Slices)-1]
		slice.Steps = append(slice.Steps, FunnelStepCount{
			StepName:    row.StepName,
			UsersCount:  row.UsersCount,
			EventsCount: row.EventsCount,
		})
	}
	return resp, nil
}

// SummaryTotals are whole-dataset counters for the dashboard header.
type SummaryTotals struct {
	EventsStored       int64 `json:"events_stored"`
	UsersSeen          int64 `json:"users_seen"`
	ExperimentsRunning int64 `json:"experiments_running"`
}

// SummaryLatest is the most recent rolled-up day's headline numbers.
type SummaryLatest struct {
	Day               string  `json:"day"`
	DAU               float64 `json:"dau"`
	SessionsSubmitted float64 `json:"sessions_submitted"`
	LoggingRate24h    float64 `json:"logging_rate_24h"`
}

// SummaryLastRollup describes the most recent rollup execution.
type SummaryLastRollup struct {
	JobName    string  `json:"job_name"`
	Status     string  `json:"status"`
	StartedAt  string  `json:"started_at"`
	FinishedAt *string `json:"finished_at,omitempty"`
}

// SummaryVariantRate is one variant's latest-day logging rate.
type SummaryVariantRate struct {
	ExperimentID   string  `json:"experiment_id"`
	VariantID      string  `json:"variant_id"`
	LoggingRate24h float64 `json:"logging_rate_24h"`
}

// SummaryResponse is the compact dashboard header.
type SummaryResponse struct {
	GeneratedAt  string               `json:"generated_at"`
	Totals       SummaryTotals        `json:"totals"`
	Latest       *SummaryLatest       `json:"latest,omitempty"`
	VariantRates []SummaryVariantRate `json:"variant_rates,omitempty"`
	LastRollup   *SummaryLastRollup   `json:"last_rollup,omitempty"`
}

// Summary returns whole-dataset totals plus the latest rolled-up day.
func (r *Reader) Summary(ctx context.Context) (*SummaryResponse, error) {
	resp := &SummaryResponse{GeneratedAt: r.now().UTC().Format(time.RFC3339)}

	if err := r.DB.WithContext(ctx).Model(&db.EventLog{}).Count(&resp.Totals.EventsStored).Error; err != nil {
		return nil, db.Unavailable(err)
	}
	if err := r.DB.WithContext(ctx).Model(&db.EventLog{}).
		Distinct("anonymous_user_id").Count(&resp.Totals.UsersSeen).Error; err != nil {
		return nil, db.Unavailable(err)
	}
	if err := r.DB.WithContext(ctx).Model(&db.Experiment{}).
		Where("status = ?", db.ExperimentStatusRunning).
		Count(&resp.Totals.ExperimentsRunning).Error; err != nil {
		return nil, db.Unavailable(err)
	}

	var headline []db.DailyMetricRollup
	err := r.DB.WithContext(ctx).
		Where("metric_name IN ? AND dimension_key = ?",
			[]string{MetricDAU, MetricSessionsSubmitted, MetricLoggingRate24h}, DimensionOverall).
		Where("day = (SELECT MAX(day) FROM daily_metric_rollups WHERE dimension_key = 'overall')").
		Find(&headline).Error
	if err != nil {
		return nil, db.Unavailable(err)
	}
	if len(headline) > 0 {
		latest := &SummaryLatest{Day: headline[0].Day.UTC().Format(dayFormat)}
		for _, row := range headline {
			switch row.MetricName {
			case MetricDAU:
				latest.DAU = row.Value
			case MetricSessionsSubmitted:
				latest.SessionsSubmitted = row.Value
			case MetricLoggingRate24h:
				latest.LoggingRate24h = row.Value
			}
		}
		resp.Latest = latest
	}

	var variantRates []db.ExperimentMetricRollup
	err = r.DB.WithContext(ctx).
		Where("metric_name = ?", MetricLoggingRateByVariant).
		Where("day = (SELECT MAX(day) FROM experiment_metric_rollups WHERE metric_name = ?)", MetricLoggingRateByVariant).
		Order("experiment_id ASC, variant_id ASC").
		Find(&variantRates).Error
	if err != nil {
		return nil, db.Unavailable(err)
	}
	for _, row := range variantRates {
		resp.VariantRates = append(resp.VariantRates, SummaryVariantRate{
			ExperimentID:   row.ExperimentID,
			VariantID:      row.VariantID,
			LoggingRate24h: row.Value,
		})
	}

	var lastRun db.RollupRun
	err = r.DB.WithContext(ctx).Order("started_at DESC").Limit(1).Find(&lastRun).Error
	if err != nil {
		return nil, db.Unavailable(err)
	}
	if lastRun.ID != 0 {
		rollup := &SummaryLastRollup{
			JobName:   lastRun.JobName,
			Status:    lastRun.Status,
			StartedAt: lastRun.StartedAt.UTC().Format(time.RFC3339),
		}
		if lastRun.FinishedAt != nil {
			finished := lastRun.FinishedAt.UTC().Format(time.RFC3339)
			rollup.FinishedAt = &finished
		}
		resp.LastRollup = rollup
	}
	return resp, nil
}
