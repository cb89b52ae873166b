package rollup

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"abinsight/internal/db"
)

// Metric names written by the experiment job.
const (
	MetricUsersAssigned        = "users_assigned"
	MetricUsersActiveD1        = "users_active_d1"
	MetricSessionsSubmittedD7  = "sessions_submitted_d7"
	MetricLoggingRateByVariant = "logging_rate_24h_by_variant"
)

// ExperimentJob computes per-(experiment, variant, day) aggregates for
// every RUNNING experiment. A day's cohort is the set of users whose
// first event fell on that day and who hold a sticky assignment to the
// variant; the d1, d7 and 24h metrics then measure each cohort member
// relative to their own first-seen timestamp, so a cohort's numbers
// keep maturing on later recomputes instead of shifting with the
// calendar.
type ExperimentJob struct {
	DB  *gorm.DB
	now func() time.Time
}

func NewExperimentJob(gdb *gorm.DB) *ExperimentJob {
	return &ExperimentJob{DB: gdb, now: time.Now}
}

func (j *ExperimentJob) Name() string { return JobNameExperiment }

type variantCohortRow struct {
	CohortSize          int64
	UsersActiveD1       int64
	SessionsSubmittedD7 int64
	Converted24h        int64 `gorm:"column:converted_24h"`
}

func (j *ExperimentJob) Run(ctx context.Context, window Window) (Result, error) {
	now := j.now().UTC()
	oldest, newest := ValidityBounds(now)

	ignored, err := countIgnored(ctx, j.DB, window, oldest, newest)
	if err != nil {
		return Result{}, err
	}

	var experiments []db.Experiment
	err = j.DB.WithContext(ctx).
		Where("status = ?", db.ExperimentStatusRunning).
		Preload("Variants").
		Order("experiment_id ASC").
		Find(&experiments).Error
	if err != nil {
		return Result{IgnoredCount: ignored}, db.Unavailable(err)
	}

	written := 0
	for _, exp := range experiments {
		for _, variant := range exp.Variants {
			for _, day := range window.Days() {
				dayEnd := day.AddDate(0, 0, 1)

				assigned, err := j.usersAssigned(ctx, exp.ExperimentID, variant.VariantID, dayEnd)
				if err != nil {
					return Result{RowsWritten: written, IgnoredCount: ignored}, err
				}
				cohort, err := j.variantCohort(ctx, exp.ExperimentID, variant.VariantID, day, dayEnd, oldest, newest)
				if err != nil {
					return Result{RowsWritten: written, IgnoredCount: ignored}, err
				}

				rows := buildVariantRows(day, now, exp.ExperimentID, variant.VariantID, assigned, cohort)
				err = j.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
					return upsertExperimentMetrics(tx, rows)
				})
				if err != nil {
					return Result{RowsWritten: written, IgnoredCount: ignored}, db.Unavailable(err)
				}
				written += len(rows)
			}
		}
	}

	return Result{RowsWritten: written, IgnoredCount: ignored}, nil
}

// buildVariantRows assembles the four metrics for one variant cohort
// day. Empty cohorts still produce zero-valued rows so a recompute
// overwrites whatever a previous run wrote for the same keys.
func buildVariantRows(day, computedAt time.Time, experimentID, variantID string, assigned int64, cohort variantCohortRow) []db.ExperimentMetricRollup {
	rate := 0.0
	if cohort.CohortSize > 0 {
		rate = float64(cohort.Converted24h) / float64(cohort.CohortSize)
	}
	isoDay := day.Format(dayFormat)
	base := datatypes.JSONMap{"day": isoDay, "cohort_size": cohort.CohortSize}
	rateDims := datatypes.JSONMap{"day": isoDay, "cohort_size": cohort.CohortSize, "converted_users": cohort.Converted24h}
	return []db.ExperimentMetricRollup{
		{
			Day: day, ExperimentID: experimentID, VariantID: variantID,
			MetricName: MetricUsersAssigned,
			Dimensions: base, Value: float64(assigned), ComputedAt: computedAt,
		},
		{
			Day: day, ExperimentID: experimentID, VariantID: variantID,
			MetricName: MetricUsersActiveD1,
			Dimensions: base, Value: float64(cohort.UsersActiveD1), ComputedAt: computedAt,
		},
		{
			Day: day, ExperimentID: experimentID, VariantID: variantID,
			MetricName: MetricSessionsSubmittedD7,
			Dimensions: base, Value: float64(cohort.SessionsSubmittedD7), ComputedAt: computedAt,
		},
		{
			Day: day, ExperimentID: experimentID, VariantID: variantID,
			MetricName: MetricLoggingRateByVariant,
			Dimensions: rateDims, Value: rate, ComputedAt: computedAt,
		},
	}
}

// usersAssigned is cumulative through the end of the day, so the series
// is monotone and directly comparable across days.
func (j *ExperimentJob) usersAssigned(ctx context.Context, experimentID, variantID string, before time.Time) (int64, error) {
	var count int64
	err := j.DB.WithContext(ctx).
		Model(&db.Assignment{}).
		Where("experiment_id = ? AND variant_id = ? AND assigned_at < ?", experimentID, variantID, before).
		Count(&count).Error
	if err != nil {
		return 0, db.Unavailable(err)
	}
	return count, nil
}

// variantCohort resolves the day's first-seen cohort for one variant
// and measures it in a single pass. Membership requires a sticky
// assignment row so a user who converted before their first enriched
// event still counts for the variant they were assigned.
func (j *ExperimentJob) variantCohort(ctx context.Context, experimentID, variantID string, day, dayEnd, oldest, newest time.Time) (variantCohortRow, error) {
	var out variantCohortRow
	err := j.DB.WithContext(ctx).Raw(`
		WITH first_seen AS (
			SELECT anonymous_user_id, MIN(occurred_at) AS first_seen_at
			FROM event_logs
			WHERE occurred_at >= ? AND occurred_at <= ?
			GROUP BY anonymous_user_id
		),
		cohort AS (
			SELECT f.anonymous_user_id, f.first_seen_at
			FROM first_seen f
			JOIN assignments a
			  ON a.anonymous_user_id = f.anonymous_user_id
			 AND a.experiment_id = ?
			 AND a.variant_id = ?
			WHERE f.first_seen_at >= ? AND f.first_seen_at < ?
		)
		SELECT COUNT(*) AS cohort_size,
		       COUNT(*) FILTER (WHERE EXISTS (
		           SELECT 1 FROM event_logs e
		           WHERE e.anonymous_user_id = cohort.anonymous_user_id
		             AND e.occurred_at > cohort.first_seen_at
		             AND e.occurred_at <= cohort.first_seen_at + INTERVAL '1 day'
		             AND e.occurred_at >= ? AND e.occurred_at <= ?
		       )) AS users_active_d1,
		       COALESCE((
		           SELECT COUNT(*) FROM event_logs e
		           JOIN cohort c ON c.anonymous_user_id = e.anonymous_user_id
		           WHERE e.event_name = 'session_submitted'
		             AND e.occurred_at >= c.first_seen_at
		             AND e.occurred_at <= c.first_seen_at + INTERVAL '7 days'
		             AND e.occurred_at >= ? AND e.occurred_at <= ?
		       ), 0) AS sessions_submitted_d7,
		       COUNT(*) FILTER (WHERE EXISTS (
		           SELECT 1 FROM event_logs e
		           WHERE e.anonymous_user_id = cohort.anonymous_user_id
		             AND e.event_name = 'session_submitted'
		             AND e.occurred_at >= cohort.first_seen_at
		             AND e.occurred_at <= cohort.first_seen_at + INTERVAL '24 hours'
		             AND e.occurred_at >= ? AND e.occurred_at <= ?
		       )) AS converted_24h
		FROM cohort`,
		oldest, newest, experimentID, variantID, day, dayEnd,
		oldest, newest, oldest, newest, oldest, newest).Scan(&out).Error
	if err != nil {
		return variantCohortRow{}, db.Unavailable(err)
	}
	return out, nil
}
