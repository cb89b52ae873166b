package event

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"abinsight/internal/db"
)

// ingestLagSeconds tracks received_at - occurred_at per accepted event,
// the live counterpart of the rolled-up ingestion_lag percentiles.
var ingestLagSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "abinsight_ingest_lag_seconds",
	Help:    "Delay between event occurrence and ingestion.",
	Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
})

// Writer appends accepted events with dedup-on-conflict.
type Writer interface {
	InsertBatch(ctx context.Context, rows []db.EventLog) (int64, error)
}

// Service ingests event batches: validate, snapshot assignments, store.
type Service struct {
	snapshots Snapshotter
	writer    Writer
	log       *zap.Logger
	now       func() time.Time
}

func NewService(snapshots Snapshotter, writer Writer, log *zap.Logger) *Service {
	return &Service{
		snapshots: snapshots,
		writer:    writer,
		log:       log,
		now:       time.Now,
	}
}

// Response reports the batch outcome. Rejections never fail siblings;
// Inserted counts rows actually written after dedup.
type Response struct {
	OK         bool     `json:"ok"`
	ReceivedAt string   `json:"received_at"`
	Accepted   int      `json:"accepted"`
	Rejected   int      `json:"rejected"`
	Inserted   int64    `json:"inserted"`
	Results    []Result `json:"results"`
}

// Ingest processes one raw envelope. Envelope-level failures return a
// *ValidationError; storage failures return the wrapped store error.
func (s *Service) Ingest(ctx context.Context, body []byte) (*Response, error) {
	receivedAt := s.now().UTC()

	batch, err := ParseBatch(body, receivedAt)
	if err != nil {
		return nil, err
	}

	var inserted int64
	if len(batch.Accepted) > 0 {
		snapshot, err := s.snapshots.Snapshot(ctx, batch.AnonymousUserID)
		if err != nil {
			return nil, err
		}

		rows := make([]db.EventLog, 0, len(batch.Accepted))
		for _, ev := range batch.Accepted {
			if lag := receivedAt.Sub(ev.OccurredAt).Seconds(); lag > 0 {
				ingestLagSeconds.Observe(lag)
			}
			rows = append(rows, db.EventLog{
				EventID:         ev.EventID,
				AnonymousUserID: batch.AnonymousUserID,
				SessionID:       batch.SessionID,
				InstallID:       batch.InstallID,
				Platform:        batch.Platform,
				AppVersion:      batch.AppVersion,

				EventName:  ev.EventName,
				OccurredAt: ev.OccurredAt.UTC(),
				SentAt:     batch.SentAt,
				ReceivedAt: receivedAt,

				Properties: datatypes.JSONMap(ev.Properties),
				Context:    datatypes.JSONMap(ev.Context),

				AssignmentVersion: snapshot.AssignmentVersion,
				Assignments:       snapshot.Assignments,
				ExperimentMap:     snapshot.ExperimentMap,

				SchemaVersion: SchemaVersion,
			})
		}

		inserted, err = s.writer.InsertBatch(ctx, rows)
		if err != nil {
			return nil, err
		}
		if deduped := int64(len(rows)) - inserted; deduped > 0 {
			s.log.Info("deduplicated resubmitted events",
				zap.String("anonymous_user_id", batch.AnonymousUserID),
				zap.Int64("deduped", deduped))
		}
	}

	return &Response{
		OK:         true,
		ReceivedAt: receivedAt.Format(time.RFC3339Nano),
		Accepted:   batch.AcceptedCount,
		Rejected:   batch.RejectedCount,
		Inserted:   inserted,
		Results:    batch.Results,
	}, nil
}
