package rollup

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"abinsight/internal/db"
)

// Job names as recorded in rollup_runs.
const (
	JobNameDaily      = "daily_metrics"
	JobNameExperiment = "experiment_metrics"
	JobNameFunnel     = "funnel_metrics"
)

// countIgnored tallies events whose occurred_at falls inside the window
// but outside the validity bounds. Those events are kept in storage but
// excluded from every aggregate.
func countIgnored(ctx context.Context, gdb *gorm.DB, window Window, oldest, newest time.Time) (int, error) {
	var ignored int64
	err := gdb.WithContext(ctx).
		Model(&db.EventLog{}).
		Where("occurred_at >= ? AND occurred_at < ?", window.Start, window.End).
		Where("occurred_at > ? OR occurred_at < ?", newest, oldest).
		Count(&ignored).Error
	if err != nil {
		return 0, db.Unavailable(err)
	}
	return int(ignored), nil
}

func upsertDailyMetrics(tx *gorm.DB, rows []db.DailyMetricRollup) error {
	if len(rows) == 0 {
		return nil
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "day"}, {Name: "metric_name"}, {Name: "dimension_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "dimensions", "computed_at"}),
	}).Create(&rows).Error
}

func upsertExperimentMetrics(tx *gorm.DB, rows []db.ExperimentMetricRollup) error {
	if len(rows) == 0 {
		return nil
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "day"}, {Name: "experiment_id"}, {Name: "variant_id"}, {Name: "metric_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "dimensions", "computed_at"}),
	}).Create(&rows).Error
}
