package rollup

import (
	"context"
	"time"

	"gorm.io/gorm"

	"abinsight/internal/db"
)

// FunnelCoreJourney is the built-in product funnel.
const FunnelCoreJourney = "core_journey"

// FunnelStep maps a named step to the event names that satisfy it.
type FunnelStep struct {
	Name       string
	EventNames []string
}

// CoreJourneySteps is ordered from app open to achievement. A step is
// satisfied by any one of its event names.
var CoreJourneySteps = []FunnelStep{
	{Name: "active_open", EventNames: []string{"app_opened", "tab_opened"}},
	{Name: "workout_engaged", EventNames: []string{"workouts_default_loaded", "workout_started"}},
	{Name: "exercise_logged", EventNames: []string{"exercise_logged"}},
	{Name: "session_submitted", EventNames: []string{"session_submitted"}},
	{Name: "achievement_unlocked", EventNames: []string{"achievement_unlocked"}},
}

// FunnelJob counts distinct users and raw events per funnel step per
// day, overall and sliced by experiment variant.
type FunnelJob struct {
	DB    *gorm.DB
	Steps []FunnelStep
	now   func() time.Time
}

func NewFunnelJob(gdb *gorm.DB) *FunnelJob {
	return &FunnelJob{DB: gdb, Steps: CoreJourneySteps, now: time.Now}
}

func (j *FunnelJob) Name() string { return JobNameFunnel }

type funnelCountRow struct {
	UsersCount  int64
	EventsCount int64
}

type funnelVariantRow struct {
	ExperimentID string
	VariantID    string
	UsersCount   int64
	EventsCount  int64
}

func (j *FunnelJob) Run(ctx context.Context, window Window) (Result, error) {
	now := j.now().UTC()
	oldest, newest := ValidityBounds(now)

	ignored, err := countIgnored(ctx, j.DB, window, oldest, newest)
	if err != nil {
		return Result{}, err
	}

	written := 0
	for _, day := range window.Days() {
		dayEnd := day.AddDate(0, 0, 1)

		var rows []db.FunnelRollup
		for _, step := range j.Steps {
			overall, err := j.overallStep(ctx, step, day, dayEnd, oldest, newest)
			if err != nil {
				return Result{RowsWritten: written, IgnoredCount: ignored}, err
			}
			variants, err := j.variantStep(ctx, step, day, dayEnd, oldest, newest)
			if err != nil {
				return Result{RowsWritten: written, IgnoredCount: ignored}, err
			}
			rows = append(rows, buildFunnelStepRows(day, now, step.Name, overall, variants)...)
		}

		// Replace the day's slice wholesale so dimensions that vanished
		// from a recomputed day do not linger.
		err = j.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.
				Where("funnel_name = ? AND day = ?", FunnelCoreJourney, day).
				Delete(&db.FunnelRollup{}).Error; err != nil {
				return err
			}
			if len(rows) == 0 {
				return nil
			}
			return tx.Create(&rows).Error
		})
		if err != nil {
			return Result{RowsWritten: written, IgnoredCount: ignored}, db.Unavailable(err)
		}
		written += len(rows)
	}

	return Result{RowsWritten: written, IgnoredCount: ignored}, nil
}

// buildFunnelStepRows assembles one step's rows for a day. The overall
// row is written even when the step saw nothing, so a recompute zeroes
// out days whose events were since ignored or deleted.
func buildFunnelStepRows(day, computedAt time.Time, stepName string, overall funnelCountRow, variants []funnelVariantRow) []db.FunnelRollup {
	rows := []db.FunnelRollup{{
		Day:          day,
		FunnelName:   FunnelCoreJourney,
		StepName:     stepName,
		DimensionKey: DimensionOverall,
		UsersCount:   overall.UsersCount,
		EventsCount:  overall.EventsCount,
		ComputedAt:   computedAt,
	}}
	for _, v := range variants {
		expID, varID := v.ExperimentID, v.VariantID
		rows = append(rows, db.FunnelRollup{
			Day:          day,
			FunnelName:   FunnelCoreJourney,
			StepName:     stepName,
			DimensionKey: expID + ":" + varID,
			ExperimentID: &expID,
			VariantID:    &varID,
			UsersCount:   v.UsersCount,
			EventsCount:  v.EventsCount,
			ComputedAt:   computedAt,
		})
	}
	return rows
}

func (j *FunnelJob) overallStep(ctx context.Context, step FunnelStep, day, dayEnd, oldest, newest time.Time) (funnelCountRow, error) {
	var out funnelCountRow
	err := j.DB.WithContext(ctx).Raw(`
		SELECT COUNT(DISTINCT anonymous_user_id) AS users_count,
		       COUNT(*) AS events_count
		FROM event_logs
		WHERE event_name IN ?
		  AND occurred_at >= ? AND occurred_at < ?
		  AND occurred_at >= ? AND occurred_at <= ?`,
		step.EventNames, day, dayEnd, oldest, newest).Scan(&out).Error
	if err != nil {
		return funnelCountRow{}, db.Unavailable(err)
	}
	return out, nil
}

func (j *FunnelJob) variantStep(ctx context.Context, step FunnelStep, day, dayEnd, oldest, newest time.Time) ([]funnelVariantRow, error) {
	var out []funnelVariantRow
	err := j.DB.WithContext(ctx).Raw(`
		SELECT kv.key AS experiment_id,
		       kv.value AS variant_id,
		       COUNT(DISTINCT e.anonymous_user_id) AS users_count,
		       COUNT(*) AS events_count
		FROM event_logs e,
		     jsonb_each_text(e.experiment_map) kv
		WHERE e.event_name IN ?
		  AND e.occurred_at >= ? AND e.occurred_at < ?
		  AND e.occurred_at >= ? AND e.occurred_at <= ?
		GROUP BY 1, 2`,
		step.EventNames, day, dayEnd, oldest, newest).Scan(&out).Error
	if err != nil {
		return nil, db.Unavailable(err)
	}
	return out, nil
}
