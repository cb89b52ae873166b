package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var parseNow = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func envelopeJSON(t *testing.T, overrides map[string]any) []byte {
	t.Helper()
	base := map[string]any{
		"anonymous_user_id": "user-1",
		"session_id":        "sess-1",
		"sent_at":           parseNow.Format(time.RFC3339Nano),
		"events": []map[string]any{
			{
				"event_name":  "app_opened",
				"occurred_at": parseNow.Add(-time.Minute).Format(time.RFC3339Nano),
			},
		},
	}
	for k, v := range overrides {
		base[k] = v
	}
	raw, err := json.Marshal(base)
	require.NoError(t, err)
	return raw
}

func TestParseBatchEnvelopeRejections(t *testing.T) {
	cases := []struct {
		name      string
		overrides map[string]any
		wantMsg   string
	}{
		{"missing user id", map[string]any{"anonymous_user_id": "  "}, "anonymous_user_id is required"},
		{"empty events", map[string]any{"events": []map[string]any{}}, "events must be a non-empty array"},
		{"bad platform", map[string]any{"platform": "windows"}, "platform must be one of: ios, android"},
		{"bad sent_at", map[string]any{"sent_at": "yesterday"}, "sent_at must be an ISO datetime string"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseBatch(envelopeJSON(t, tc.overrides), parseNow)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.wantMsg, verr.Message)
		})
	}

	t.Run("malformed body", func(t *testing.T) {
		_, err := ParseBatch([]byte("{not json"), parseNow)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("oversized batch", func(t *testing.T) {
		events := make([]map[string]any, MaxEventsPerBatch+1)
		for i := range events {
			events[i] = map[string]any{
				"event_name":  "app_opened",
				"occurred_at": parseNow.Format(time.RFC3339Nano),
			}
		}
		_, err := ParseBatch(envelopeJSON(t, map[string]any{"events": events}), parseNow)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Message, "at most 100")
	})
}

func TestParseBatchPerEventRejections(t *testing.T) {
	events := []map[string]any{
		{"event_name": "app_opened", "occurred_at": parseNow.Format(time.RFC3339Nano)},
		{"occurred_at": parseNow.Format(time.RFC3339Nano)},
		{"event_name": "bad name!", "occurred_at": parseNow.Format(time.RFC3339Nano)},
		{"event_name": strings.Repeat("x", MaxEventNameLength+1), "occurred_at": parseNow.Format(time.RFC3339Nano)},
		{"event_name": "app_opened"},
		{"event_name": "app_opened", "occurred_at": "not a time"},
		{"event_name": "app_opened", "occurred_at": parseNow.Format(time.RFC3339Nano), "event_id": "nope"},
	}
	batch, err := ParseBatch(envelopeJSON(t, map[string]any{"events": events}), parseNow)
	require.NoError(t, err)

	assert.Equal(t, 1, batch.AcceptedCount)
	assert.Equal(t, 6, batch.RejectedCount)
	require.Len(t, batch.Results, len(events))

	assert.Equal(t, StatusAccepted, batch.Results[0].Status)
	for i := 1; i < len(events); i++ {
		result := batch.Results[i]
		assert.Equal(t, StatusRejected, result.Status, "index %d", i)
		assert.Equal(t, i, result.Index)
		assert.NotEmpty(t, result.Error)
	}
}

func TestParseBatchFutureSkew(t *testing.T) {
	t.Run("within tolerance", func(t *testing.T) {
		events := []map[string]any{{
			"event_name":  "app_opened",
			"occurred_at": parseNow.Add(4 * time.Minute).Format(time.RFC3339Nano),
		}}
		batch, err := ParseBatch(envelopeJSON(t, map[string]any{"events": events}), parseNow)
		require.NoError(t, err)
		assert.Equal(t, 1, batch.AcceptedCount)
	})

	t.Run("beyond tolerance", func(t *testing.T) {
		events := []map[string]any{{
			"event_name":  "app_opened",
			"occurred_at": parseNow.Add(6 * time.Minute).Format(time.RFC3339Nano),
		}}
		batch, err := ParseBatch(envelopeJSON(t, map[string]any{"events": events}), parseNow)
		require.NoError(t, err)
		require.Equal(t, 1, batch.RejectedCount)
		assert.Contains(t, batch.Results[0].Error, "future")
	})
}

func TestParseBatchKeepsClientEventID(t *testing.T) {
	clientID := uuid.NewString()
	events := []map[string]any{{
		"event_id":    clientID,
		"event_name":  "workout_started",
		"occurred_at": parseNow.Format(time.RFC3339Nano),
	}}
	batch, err := ParseBatch(envelopeJSON(t, map[string]any{"events": events}), parseNow)
	require.NoError(t, err)
	require.Len(t, batch.Accepted, 1)
	assert.Equal(t, clientID, batch.Accepted[0].EventID)
}

func TestDeterministicEventID(t *testing.T) {
	seed := "user-1|sess-1||2025-06-10T12:00:00Z|0|app_opened|2025-06-10T11:59:00Z"

	first := DeterministicEventID(seed)
	second := DeterministicEventID(seed)
	assert.Equal(t, first, second)

	parsed, err := uuid.Parse(first)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), parsed.Version())
	assert.Equal(t, uuid.RFC4122, parsed.Variant())

	other := DeterministicEventID(strings.Replace(seed, "|0|", "|1|", 1))
	assert.NotEqual(t, first, other)
}

func TestParseBatchDerivedIDsStableAcrossRetries(t *testing.T) {
	events := make([]map[string]any, 3)
	for i := range events {
		events[i] = map[string]any{
			"event_name":  fmt.Sprintf("step_%d", i),
			"occurred_at": parseNow.Add(-time.Duration(i) * time.Second).Format(time.RFC3339Nano),
		}
	}
	body := envelopeJSON(t, map[string]any{"events": events})

	first, err := ParseBatch(body, parseNow)
	require.NoError(t, err)
	second, err := ParseBatch(body, parseNow.Add(time.Hour))
	require.NoError(t, err)

	require.Len(t, first.Accepted, 3)
	require.Len(t, second.Accepted, 3)
	for i := range first.Accepted {
		assert.Equal(t, first.Accepted[i].EventID, second.Accepted[i].EventID)
	}
	assert.NotEqual(t, first.Accepted[0].EventID, first.Accepted[1].EventID)
}
