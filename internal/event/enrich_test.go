package event

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abinsight/internal/db"
)

type fakeAssignmentReader struct {
	rows []db.Assignment
	err  error
}

func (f *fakeAssignmentReader) ActiveForUser(_ context.Context, _ string) ([]db.Assignment, error) {
	return f.rows, f.err
}

type fakeVariantReader struct {
	variants []db.Variant
	err      error
}

func (f *fakeVariantReader) ForExperiments(_ context.Context, _ []string) ([]db.Variant, error) {
	return f.variants, f.err
}

func decodeSnapshotEntries(t *testing.T, s *Snapshot) []snapshotEntry {
	t.Helper()
	var entries []snapshotEntry
	require.NoError(t, json.Unmarshal(s.Assignments, &entries))
	return entries
}

func TestStoreSnapshotter(t *testing.T) {
	t.Run("no assignments yields empty snapshot", func(t *testing.T) {
		s := &StoreSnapshotter{Assignments: &fakeAssignmentReader{}, Variants: &fakeVariantReader{}}
		snap, err := s.Snapshot(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Nil(t, snap.AssignmentVersion)
		assert.Nil(t, snap.Assignments)
		assert.Nil(t, snap.ExperimentMap)
	})

	t.Run("labels variants by name", func(t *testing.T) {
		s := &StoreSnapshotter{
			Assignments: &fakeAssignmentReader{rows: []db.Assignment{
				{AnonymousUserID: "user-1", ExperimentID: "exp_a", VariantID: "treatment", AssignmentVersion: 2},
			}},
			Variants: &fakeVariantReader{variants: []db.Variant{
				{ExperimentID: "exp_a", VariantID: "treatment", VariantName: "New Tab Order"},
			}},
		}
		snap, err := s.Snapshot(context.Background(), "user-1")
		require.NoError(t, err)

		entries := decodeSnapshotEntries(t, snap)
		require.Len(t, entries, 1)
		assert.Equal(t, "New Tab Order", entries[0].VariantName)
		assert.Equal(t, "treatment", snap.ExperimentMap["exp_a"])
		require.NotNil(t, snap.AssignmentVersion)
		assert.Equal(t, 2, *snap.AssignmentVersion)
	})

	t.Run("missing variant row falls back to the id", func(t *testing.T) {
		s := &StoreSnapshotter{
			Assignments: &fakeAssignmentReader{rows: []db.Assignment{
				{AnonymousUserID: "user-1", ExperimentID: "exp_a", VariantID: "treatment", AssignmentVersion: 1},
			}},
			Variants: &fakeVariantReader{},
		}
		snap, err := s.Snapshot(context.Background(), "user-1")
		require.NoError(t, err)

		entries := decodeSnapshotEntries(t, snap)
		require.Len(t, entries, 1)
		assert.Equal(t, "treatment", entries[0].VariantName)
	})

	t.Run("unnamed variant falls back to the id", func(t *testing.T) {
		s := &StoreSnapshotter{
			Assignments: &fakeAssignmentReader{rows: []db.Assignment{
				{AnonymousUserID: "user-1", ExperimentID: "exp_a", VariantID: "control", AssignmentVersion: 1},
			}},
			Variants: &fakeVariantReader{variants: []db.Variant{
				{ExperimentID: "exp_a", VariantID: "control"},
			}},
		}
		snap, err := s.Snapshot(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Equal(t, "control", decodeSnapshotEntries(t, snap)[0].VariantName)
	})
}
