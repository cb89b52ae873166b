package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpectationsForScenario(t *testing.T) {
	cases := []struct {
		scenario string
		want     Expectations
	}{
		{"assignment", Expectations{AssignmentRows: true}},
		{"events", Expectations{EventRows: true}},
		{"mixed", Expectations{AssignmentRows: true, EventRows: true}},
		{"soak", Expectations{}},
		{"", Expectations{}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExpectationsForScenario(tc.scenario), tc.scenario)
	}
}

func TestScopedRowsResult(t *testing.T) {
	t.Run("expected rows present", func(t *testing.T) {
		res := scopedRowsResult(CheckAssignmentRowsScoped, true, 42, map[string]any{"session_id": "lt-abc"})
		assert.True(t, res.Passed)
		assert.Equal(t, 42.0, res.ObservedValue)
		assert.Equal(t, true, res.Details["expected_rows"])
	})

	t.Run("expected rows missing", func(t *testing.T) {
		res := scopedRowsResult(CheckAssignmentRowsScoped, true, 0, nil)
		assert.False(t, res.Passed)
	})

	t.Run("unexpected rows present", func(t *testing.T) {
		// An events-only scenario must not have written assignments.
		res := scopedRowsResult(CheckAssignmentRowsScoped, false, 3, nil)
		assert.False(t, res.Passed)
	})

	t.Run("no rows when none expected", func(t *testing.T) {
		res := scopedRowsResult(CheckEventRowsScoped, false, 0, nil)
		assert.True(t, res.Passed)
		assert.Equal(t, 0.0, res.ObservedValue)
	})
}
