package rollup

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"abinsight/internal/db"
)

// Metric names written by the daily job.
const (
	MetricDAU               = "dau"
	MetricNewUsers          = "new_users"
	MetricSessionsSubmitted = "sessions_submitted"
	MetricLoggingRate24h    = "logging_rate_24h"
	MetricIngestionLagP50   = "ingestion_lag_p50"
	MetricIngestionLagP95   = "ingestion_lag_p95"
	MetricEventVolume       = "event_volume_by_name"
)

// DimensionOverall keys metrics that are not sliced by any dimension.
const DimensionOverall = "overall"

// DailyJob computes the product-wide daily aggregates. Days are scanned
// individually against explicit UTC bounds, so the grouping never
// depends on the database session time zone, and every day in the
// window gets a full set of rows even when it saw no events.
type DailyJob struct {
	DB  *gorm.DB
	now func() time.Time
}

func NewDailyJob(gdb *gorm.DB) *DailyJob {
	return &DailyJob{DB: gdb, now: time.Now}
}

func (j *DailyJob) Name() string { return JobNameDaily }

type cohortRateRow struct {
	CohortSize int64
	Converted  int64
}

type lagRow struct {
	P50 float64
	P95 float64
}

type volumeRow struct {
	EventName   string
	EventsCount int64
}

func (j *DailyJob) Run(ctx context.Context, window Window) (Result, error) {
	now := j.now().UTC()
	oldest, newest := ValidityBounds(now)

	ignored, err := countIgnored(ctx, j.DB, window, oldest, newest)
	if err != nil {
		return Result{}, err
	}

	written := 0
	for _, day := range window.Days() {
		dayEnd := day.AddDate(0, 0, 1)

		dau, err := j.countDistinctUsers(ctx, day, dayEnd, oldest, newest)
		if err != nil {
			return Result{RowsWritten: written, IgnoredCount: ignored}, err
		}
		newUsers, err := j.countNewUsers(ctx, day, dayEnd, oldest, newest)
		if err != nil {
			return Result{RowsWritten: written, IgnoredCount: ignored}, err
		}
		sessions, err := j.countEvents(ctx, "session_submitted", day, dayEnd, oldest, newest)
		if err != nil {
			return Result{RowsWritten: written, IgnoredCount: ignored}, err
		}
		rate, err := j.loggingRate(ctx, day, dayEnd, oldest, newest)
		if err != nil {
			return Result{RowsWritten: written, IgnoredCount: ignored}, err
		}
		lag, err := j.ingestionLag(ctx, day, dayEnd, oldest, newest)
		if err != nil {
			return Result{RowsWritten: written, IgnoredCount: ignored}, err
		}
		volumes, err := j.eventVolume(ctx, day, dayEnd, oldest, newest)
		if err != nil {
			return Result{RowsWritten: written, IgnoredCount: ignored}, err
		}

		rows := buildDailyRows(day, now, dau, newUsers, sessions, rate, lag)
		volumeRows := buildVolumeRows(day, now, volumes)

		// The per-name volume slice is replaced wholesale per day so
		// names that disappeared from a recomputed day do not linger.
		err = j.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := upsertDailyMetrics(tx, rows); err != nil {
				return err
			}
			if err := tx.
				Where("metric_name = ? AND day = ?", MetricEventVolume, day).
				Delete(&db.DailyMetricRollup{}).Error; err != nil {
				return err
			}
			if len(volumeRows) == 0 {
				return nil
			}
			return tx.Create(&volumeRows).Error
		})
		if err != nil {
			return Result{RowsWritten: written, IgnoredCount: ignored}, db.Unavailable(err)
		}
		written += len(rows) + len(volumeRows)
	}

	return Result{RowsWritten: written, IgnoredCount: ignored}, nil
}

// buildDailyRows assembles the six fixed metrics for one day. Zero
// activity still yields a full row set so the series never has gaps.
func buildDailyRows(day, computedAt time.Time, dau, newUsers, sessions int64, rate cohortRateRow, lag lagRow) []db.DailyMetricRollup {
	value := 0.0
	if rate.CohortSize > 0 {
		value = float64(rate.Converted) / float64(rate.CohortSize)
	}
	return []db.DailyMetricRollup{
		{Day: day, MetricName: MetricDAU, DimensionKey: DimensionOverall, Value: float64(dau), ComputedAt: computedAt},
		{Day: day, MetricName: MetricNewUsers, DimensionKey: DimensionOverall, Value: float64(newUsers), ComputedAt: computedAt},
		{Day: day, MetricName: MetricSessionsSubmitted, DimensionKey: DimensionOverall, Value: float64(sessions), ComputedAt: computedAt},
		{
			Day: day, MetricName: MetricLoggingRate24h, DimensionKey: DimensionOverall,
			Dimensions: datatypes.JSONMap{"cohort_size": rate.CohortSize, "converted_users": rate.Converted},
			Value:      value, ComputedAt: computedAt,
		},
		{
			Day: day, MetricName: MetricIngestionLagP50, DimensionKey: DimensionOverall,
			Dimensions: datatypes.JSONMap{"unit": "seconds"},
			Value:      lag.P50, ComputedAt: computedAt,
		},
		{
			Day: day, MetricName: MetricIngestionLagP95, DimensionKey: DimensionOverall,
			Dimensions: datatypes.JSONMap{"unit": "seconds"},
			Value:      lag.P95, ComputedAt: computedAt,
		},
	}
}

func buildVolumeRows(day, computedAt time.Time, volumes []volumeRow) []db.DailyMetricRollup {
	rows := make([]db.DailyMetricRollup, 0, len(volumes))
	for _, v := range volumes {
		rows = append(rows, db.DailyMetricRollup{
			Day:          day,
			MetricName:   MetricEventVolume,
			DimensionKey: v.EventName,
			Dimensions:   datatypes.JSONMap{"event_name": v.EventName, "day": day.Format(dayFormat)},
			Value:        float64(v.EventsCount),
			ComputedAt:   computedAt,
		})
	}
	return rows
}

func (j *DailyJob) countDistinctUsers(ctx context.Context, day, dayEnd, oldest, newest time.Time) (int64, error) {
	var count int64
	err := j.DB.WithContext(ctx).Raw(`
		SELECT COUNT(DISTINCT anonymous_user_id)
		FROM event_logs
		WHERE occurred_at >= ? AND occurred_at < ?
		  AND occurred_at >= ? AND occurred_at <= ?`,
		day, dayEnd, oldest, newest).Scan(&count).Error
	if err != nil {
		return 0, db.Unavailable(err)
	}
	return count, nil
}

func (j *DailyJob) countEvents(ctx context.Context, eventName string, day, dayEnd, oldest, newest time.Time) (int64, error) {
	var count int64
	err := j.DB.WithContext(ctx).Raw(`
		SELECT COUNT(*)
		FROM event_logs
		WHERE event_name = ?
		  AND occurred_at >= ? AND occurred_at < ?
		  AND occurred_at >= ? AND occurred_at <= ?`,
		eventName, day, dayEnd, oldest, newest).Scan(&count).Error
	if err != nil {
		return 0, db.Unavailable(err)
	}
	return count, nil
}

func (j *DailyJob) countNewUsers(ctx context.Context, day, dayEnd, oldest, newest time.Time) (int64, error) {
	var count int64
	err := j.DB.WithContext(ctx).Raw(`
		WITH first_seen AS (
			SELECT anonymous_user_id, MIN(occurred_at) AS first_seen_at
			FROM event_logs
			WHERE occurred_at >= ? AND occurred_at <= ?
			GROUP BY anonymous_user_id
		)
		SELECT COUNT(*)
		FROM first_seen
		WHERE first_seen_at >= ? AND first_seen_at < ?`,
		oldest, newest, day, dayEnd).Scan(&count).Error
	if err != nil {
		return 0, db.Unavailable(err)
	}
	return count, nil
}

// loggingRate measures, per first-seen cohort day, the share of new
// users who submitted a session within 24 hours of their first event.
func (j *DailyJob) loggingRate(ctx context.Context, day, dayEnd, oldest, newest time.Time) (cohortRateRow, error) {
	var out cohortRateRow
	err := j.DB.WithContext(ctx).Raw(`
		WITH first_seen AS (
			SELECT anonymous_user_id, MIN(occurred_at) AS first_seen_at
			FROM event_logs
			WHERE occurred_at >= ? AND occurred_at <= ?
			GROUP BY anonymous_user_id
		),
		cohort AS (
			SELECT anonymous_user_id, first_seen_at
			FROM first_seen
			WHERE first_seen_at >= ? AND first_seen_at < ?
		)
		SELECT COUNT(*) AS cohort_size,
		       COUNT(*) FILTER (WHERE EXISTS (
		           SELECT 1 FROM event_logs e
		           WHERE e.anonymous_user_id = cohort.anonymous_user_id
		             AND e.event_name = 'session_submitted'
		             AND e.occurred_at >= cohort.first_seen_at
		             AND e.occurred_at <= cohort.first_seen_at + INTERVAL '24 hours'
		             AND e.occurred_at >= ? AND e.occurred_at <= ?
		       )) AS converted
		FROM cohort`,
		oldest, newest, day, dayEnd, oldest, newest).Scan(&out).Error
	if err != nil {
		return cohortRateRow{}, db.Unavailable(err)
	}
	return out, nil
}

// ingestionLag reports p50/p95 of received_at - occurred_at in seconds.
// Lags are clamped at zero: events accepted inside the future-skew
// tolerance would otherwise report negative delay.
func (j *DailyJob) ingestionLag(ctx context.Context, day, dayEnd, oldest, newest time.Time) (lagRow, error) {
	var out lagRow
	err := j.DB.WithContext(ctx).Raw(`
		SELECT COALESCE(percentile_cont(0.5) WITHIN GROUP (
		           ORDER BY GREATEST(EXTRACT(EPOCH FROM (received_at - occurred_at)), 0)
		       ), 0) AS p50,
		       COALESCE(percentile_cont(0.95) WITHIN GROUP (
		           ORDER BY GREATEST(EXTRACT(EPOCH FROM (received_at - occurred_at)), 0)
		       ), 0) AS p95
		FROM event_logs
		WHERE occurred_at >= ? AND occurred_at < ?
		  AND occurred_at >= ? AND occurred_at <= ?`,
		day, dayEnd, oldest, newest).Scan(&out).Error
	if err != nil {
		return lagRow{}, db.Unavailable(err)
	}
	return out, nil
}

func (j *DailyJob) eventVolume(ctx context.Context, day, dayEnd, oldest, newest time.Time) ([]volumeRow, error) {
	var out []volumeRow
	err := j.DB.WithContext(ctx).Raw(`
		SELECT event_name, COUNT(*) AS events_count
		FROM event_logs
		WHERE occurred_at >= ? AND occurred_at < ?
		  AND occurred_at >= ? AND occurred_at <= ?
		GROUP BY event_name
		ORDER BY event_name ASC`,
		day, dayEnd, oldest, newest).Scan(&out).Error
	if err != nil {
		return nil, db.Unavailable(err)
	}
	return out, nil
}
