package event

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	// MaxEventsPerBatch bounds a single envelope.
	MaxEventsPerBatch = 100

	// MaxEventNameLength bounds event names.
	MaxEventNameLength = 80

	// FutureSkew is how far ahead of ingestion time an occurred_at may
	// claim to be. Bounds clock-skew abuse without requiring
	// NTP-perfect clients.
	FutureSkew = 5 * time.Minute

	// SchemaVersion is stamped on stored events.
	SchemaVersion = 1
)

var eventNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

var envelopeValidator = validator.New()

// ValidationError rejects a whole envelope (as opposed to per-event
// rejections, which are reported in Results without failing siblings).
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Envelope is the raw batch submission shape. Events stay raw so one
// malformed event cannot fail its siblings' decoding.
type Envelope struct {
	AnonymousUserID string            `json:"anonymous_user_id" validate:"required"`
	SessionID       string            `json:"session_id"`
	InstallID       string            `json:"install_id"`
	Platform        string            `json:"platform" validate:"omitempty,oneof=ios android"`
	AppVersion      string            `json:"app_version"`
	SentAt          string            `json:"sent_at"`
	Events          []json.RawMessage `json:"events" validate:"required,min=1,max=100"`
}

type rawEvent struct {
	EventID    string         `json:"event_id"`
	EventName  string         `json:"event_name"`
	OccurredAt string         `json:"occurred_at"`
	Properties map[string]any `json:"properties"`
	Context    map[string]any `json:"context"`
}

// Normalized is an accepted event ready for enrichment and storage.
type Normalized struct {
	Index      int
	EventID    string
	EventName  string
	OccurredAt time.Time
	Properties map[string]any
	Context    map[string]any
}

// Result reports one event's accept/reject outcome at its original
// batch position.
type Result struct {
	Index   int    `json:"index"`
	Status  string `json:"status"`
	EventID string `json:"event_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// ParsedBatch is the validated envelope plus per-event outcomes.
type ParsedBatch struct {
	AnonymousUserID string
	SessionID       string
	InstallID       string
	Platform        string
	AppVersion      string
	SentAt          *time.Time

	Accepted []Normalized
	Results  []Result

	AcceptedCount int
	RejectedCount int
}

// ParseBatch validates a raw envelope. Envelope-level problems return a
// ValidationError; event-level problems reject only the offending index.
func ParseBatch(body []byte, now time.Time) (*ParsedBatch, error) {
	var envelope Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &ValidationError{Message: "malformed JSON body"}
	}
	envelope.AnonymousUserID = strings.TrimSpace(envelope.AnonymousUserID)
	if err := envelopeValidator.Struct(&envelope); err != nil {
		return nil, &ValidationError{Message: envelopeMessage(err)}
	}

	var sentAt *time.Time
	if envelope.SentAt != "" {
		parsed, err := parseTimestamp(envelope.SentAt)
		if err != nil {
			return nil, &ValidationError{Message: "sent_at must be an ISO datetime string"}
		}
		sentAt = &parsed
	}

	batch := &ParsedBatch{
		AnonymousUserID: envelope.AnonymousUserID,
		SessionID:       envelope.SessionID,
		InstallID:       envelope.InstallID,
		Platform:        envelope.Platform,
		AppVersion:      envelope.AppVersion,
		SentAt:          sentAt,
		Results:         make([]Result, 0, len(envelope.Events)),
	}

	for index, raw := range envelope.Events {
		normalized, reason := parseOne(raw, index, &envelope, now)
		if reason != "" {
			batch.Results = append(batch.Results, Result{Index: index, Status: StatusRejected, Error: reason})
			continue
		}
		batch.Accepted = append(batch.Accepted, *normalized)
		batch.Results = append(batch.Results, Result{Index: index, Status: StatusAccepted, EventID: normalized.EventID})
	}

	batch.AcceptedCount = len(batch.Accepted)
	batch.RejectedCount = len(batch.Results) - batch.AcceptedCount
	return batch, nil
}

func parseOne(raw json.RawMessage, index int, envelope *Envelope, now time.Time) (*Normalized, string) {
	var ev rawEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, "event must be a JSON object"
	}

	if ev.EventName == "" {
		return nil, "event_name is required"
	}
	if len(ev.EventName) > MaxEventNameLength {
		return nil, fmt.Sprintf("event_name must be <= %d chars", MaxEventNameLength)
	}
	if !eventNamePattern.MatchString(ev.EventName) {
		return nil, "event_name has invalid characters"
	}

	if ev.OccurredAt == "" {
		return nil, "occurred_at is required"
	}
	occurredAt, err := parseTimestamp(ev.OccurredAt)
	if err != nil {
		return nil, "occurred_at must be an ISO datetime string"
	}
	if occurredAt.After(now.Add(FutureSkew)) {
		return nil, "occurred_at is too far in the future"
	}

	eventID := ev.EventID
	if eventID != "" {
		if _, err := uuid.Parse(eventID); err != nil {
			return nil, "event_id must be a valid uuid"
		}
	} else {
		eventID = DeterministicEventID(strings.Join([]string{
			envelope.AnonymousUserID,
			envelope.SessionID,
			envelope.InstallID,
			envelope.SentAt,
			fmt.Sprintf("%d", index),
			ev.EventName,
			ev.OccurredAt,
		}, "|"))
	}

	return &Normalized{
		Index:      index,
		EventID:    eventID,
		EventName:  ev.EventName,
		OccurredAt: occurredAt,
		Properties: ev.Properties,
		Context:    ev.Context,
	}, ""
}

// DeterministicEventID derives a stable UUID-shaped identifier from the
// event's composite seed. Retried batches with identical fields produce
// the same id, so dedup-on-conflict works without client cooperation.
// Version nibble 0x5 and the RFC variant bits are forced so the result
// is a well-formed UUID.
func DeterministicEventID(seed string) string {
	digest := sha256.Sum256([]byte(seed))
	var id uuid.UUID
	copy(id[:], digest[:16])
	id[6] = (id[6] & 0x0f) | 0x50
	id[8] = (id[8] & 0x3f) | 0x80
	return id.String()
}

func parseTimestamp(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}

func envelopeMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "invalid request body"
	}
	fe := fieldErrs[0]
	switch fe.Field() {
	case "AnonymousUserID":
		return "anonymous_user_id is required"
	case "Platform":
		return "platform must be one of: ios, android"
	case "Events":
		switch fe.Tag() {
		case "max":
			return fmt.Sprintf("events must contain at most %d items", MaxEventsPerBatch)
		default:
			return "events must be a non-empty array"
		}
	}
	return "invalid request body"
}
