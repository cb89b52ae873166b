package api

import (
	"context"
	"errors"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"abinsight/internal/db"
	"abinsight/internal/event"
)

// Ingester is the handler's view of the event service.
type Ingester interface {
	Ingest(ctx context.Context, body []byte) (*event.Response, error)
}

// IngestHandler serves POST /v1/events.
func IngestHandler(svc Ingester, log *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		resp, err := svc.Ingest(ctx, ctx.PostBody())
		if err != nil {
			var verr *event.ValidationError
			if errors.As(err, &verr) {
				errResponse(ctx, fasthttp.StatusBadRequest, "validation_error", verr.Message)
				return
			}
			if db.IsUnavailable(err) {
				errResponse(ctx, fasthttp.StatusServiceUnavailable, "storage_unavailable", "event storage is unavailable, retry the batch")
				return
			}
			log.Error("event ingestion failed", zap.Error(err))
			errResponse(ctx, fasthttp.StatusInternalServerError, "internal_error", "event ingestion failed")
			return
		}

		eventsAcceptedTotal.Add(float64(resp.Accepted))
		eventsRejectedTotal.Add(float64(resp.Rejected))
		eventsInsertedTotal.Add(float64(resp.Inserted))
		jsonResponse(ctx, fasthttp.StatusOK, resp)
	}
}
