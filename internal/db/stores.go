package db

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ExperimentStore reads experiment reference data.
type ExperimentStore struct {
	DB *gorm.DB
}

// Active returns RUNNING experiments whose activity window contains now,
// variants preloaded. Open-ended bounds always satisfy.
func (s *ExperimentStore) Active(ctx context.Context) ([]Experiment, error) {
	var experiments []Experiment
	err := s.DB.WithContext(ctx).
		Preload("Variants").
		Where("status = ?", ExperimentStatusRunning).
		Where("start_at IS NULL OR start_at <= NOW()").
		Where("end_at IS NULL OR end_at >= NOW()").
		Order("experiment_id ASC").
		Find(&experiments).Error
	if err != nil {
		return nil, Unavailable(err)
	}
	return experiments, nil
}

// AssignmentStore owns the sticky assignment rows.
type AssignmentStore struct {
	DB *gorm.DB
}

// ForUser batch-reads existing assignments for the given experiments.
func (s *AssignmentStore) ForUser(ctx context.Context, anonymousUserID string, experimentIDs []string) ([]Assignment, error) {
	if len(experimentIDs) == 0 {
		return nil, nil
	}
	var rows []Assignment
	err := s.DB.WithContext(ctx).
		Where("anonymous_user_id = ? AND experiment_id IN ?", anonymousUserID, experimentIDs).
		Find(&rows).Error
	if err != nil {
		return nil, Unavailable(err)
	}
	return rows, nil
}

// CreateIfAbsent atomically inserts the assignment unless a row already
// exists for (user, experiment), then returns whichever row is
// persisted. Concurrent first requests race on the unique index;
// whichever insert lands first wins and the loser reads it back.
func (s *AssignmentStore) CreateIfAbsent(ctx context.Context, row *Assignment) (*Assignment, error) {
	res := s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "anonymous_user_id"}, {Name: "experiment_id"}},
			DoNothing: true,
		}).
		Create(row)
	if res.Error != nil {
		return nil, Unavailable(res.Error)
	}
	if res.RowsAffected > 0 {
		return row, nil
	}

	// Insert was skipped: another request persisted first. Read the winner.
	var existing Assignment
	err := s.DB.WithContext(ctx).
		Where("anonymous_user_id = ? AND experiment_id = ?", row.AnonymousUserID, row.ExperimentID).
		First(&existing).Error
	if err != nil {
		return nil, Unavailable(err)
	}
	return &existing, nil
}

// ActiveForUser returns the user's assignments for currently RUNNING
// experiments, ordered by experiment id. Used to snapshot assignments
// onto ingested events.
func (s *AssignmentStore) ActiveForUser(ctx context.Context, anonymousUserID string) ([]Assignment, error) {
	var rows []Assignment
	err := s.DB.WithContext(ctx).
		Joins("JOIN experiments ON experiments.experiment_id = assignments.experiment_id").
		Where("assignments.anonymous_user_id = ?", anonymousUserID).
		Where("experiments.status = ?", ExperimentStatusRunning).
		Order("assignments.experiment_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, Unavailable(err)
	}
	return rows, nil
}

// VariantStore reads variant reference data.
type VariantStore struct {
	DB *gorm.DB
}

// ForExperiments returns all variants of the given experiments.
func (s *VariantStore) ForExperiments(ctx context.Context, experimentIDs []string) ([]Variant, error) {
	if len(experimentIDs) == 0 {
		return nil, nil
	}
	var rows []Variant
	err := s.DB.WithContext(ctx).
		Where("experiment_id IN ?", experimentIDs).
		Find(&rows).Error
	if err != nil {
		return nil, Unavailable(err)
	}
	return rows, nil
}

// EventLogStore appends accepted events.
type EventLogStore struct {
	DB *gorm.DB
}

// InsertBatch writes events with dedup-on-conflict keyed by event_id and
// reports how many rows were actually inserted. Retried batches with
// deterministic ids collapse to zero new rows here.
func (s *EventLogStore) InsertBatch(ctx context.Context, rows []EventLog) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	res := s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(&rows)
	if res.Error != nil {
		return 0, Unavailable(res.Error)
	}
	return res.RowsAffected, nil
}
