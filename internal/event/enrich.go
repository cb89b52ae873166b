package event

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	"abinsight/internal/db"
)

// Snapshot is the user's assignment state for RUNNING experiments,
// stamped onto every event of a batch at ingestion time. Events carry
// the state as it was when received, not when later read.
type Snapshot struct {
	AssignmentVersion *int
	Assignments       datatypes.JSON
	ExperimentMap     datatypes.JSONMap
}

// Snapshotter resolves a user's current assignment snapshot.
type Snapshotter interface {
	Snapshot(ctx context.Context, anonymousUserID string) (*Snapshot, error)
}

type assignmentReader interface {
	ActiveForUser(ctx context.Context, anonymousUserID string) ([]db.Assignment, error)
}

type variantReader interface {
	ForExperiments(ctx context.Context, experimentIDs []string) ([]db.Variant, error)
}

// StoreSnapshotter builds snapshots from the assignment and variant
// stores.
type StoreSnapshotter struct {
	Assignments assignmentReader
	Variants    variantReader
}

type snapshotEntry struct {
	ExperimentID string `json:"experiment_id"`
	VariantID    string `json:"variant_id"`
	VariantName  string `json:"variant_name,omitempty"`
}

// Snapshot returns nil fields when the user has no assignments for
// RUNNING experiments. The version is the maximum across the user's
// rows, matching what assignment responses report.
func (s *StoreSnapshotter) Snapshot(ctx context.Context, anonymousUserID string) (*Snapshot, error) {
	rows, err := s.Assignments.ActiveForUser(ctx, anonymousUserID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &Snapshot{}, nil
	}

	experimentIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		experimentIDs = append(experimentIDs, row.ExperimentID)
	}
	variants, err := s.Variants.ForExperiments(ctx, experimentIDs)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(variants))
	for _, v := range variants {
		names[v.ExperimentID+":"+v.VariantID] = v.VariantName
	}

	entries := make([]snapshotEntry, 0, len(rows))
	experimentMap := make(datatypes.JSONMap, len(rows))
	maxVersion := 0
	for _, row := range rows {
		name := names[row.ExperimentID+":"+row.VariantID]
		if name == "" {
			// The variant row can be gone while the sticky assignment
			// remains; fall back to the id so the entry stays labeled.
			name = row.VariantID
		}
		entries = append(entries, snapshotEntry{
			ExperimentID: row.ExperimentID,
			VariantID:    row.VariantID,
			VariantName:  name,
		})
		experimentMap[row.ExperimentID] = row.VariantID
		if row.AssignmentVersion > maxVersion {
			maxVersion = row.AssignmentVersion
		}
	}

	encoded, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode assignment snapshot: %w", err)
	}
	return &Snapshot{
		AssignmentVersion: &maxVersion,
		Assignments:       datatypes.JSON(encoded),
		ExperimentMap:     experimentMap,
	}, nil
}
