package api

import (
	"context"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"abinsight/internal/db"
	"abinsight/internal/rollup"
)

// MetricsReader is the handler's view of the rollup reader.
type MetricsReader interface {
	Daily(ctx context.Context, windowDays int) (*rollup.DailyResponse, error)
	Experiments(ctx context.Context, windowDays int) (*rollup.ExperimentsResponse, error)
	Funnels(ctx context.Context, windowDays int) (*rollup.FunnelsResponse, error)
	Summary(ctx context.Context) (*rollup.SummaryResponse, error)
}

// DailyMetricsHandler serves GET /v1/metrics/daily.
func DailyMetricsHandler(reader MetricsReader, log *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		resp, err := reader.Daily(ctx, parseWindowDays(ctx))
		if err != nil {
			metricsReadError(ctx, log, "daily metrics", err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, resp)
	}
}

// ExperimentMetricsHandler serves GET /v1/metrics/experiments.
func ExperimentMetricsHandler(reader MetricsReader, log *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		resp, err := reader.Experiments(ctx, parseWindowDays(ctx))
		if err != nil {
			metricsReadError(ctx, log, "experiment metrics", err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, resp)
	}
}

// FunnelMetricsHandler serves GET /v1/metrics/funnels.
func FunnelMetricsHandler(reader MetricsReader, log *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		resp, err := reader.Funnels(ctx, parseWindowDays(ctx))
		if err != nil {
			metricsReadError(ctx, log, "funnel metrics", err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, resp)
	}
}

// SummaryHandler serves GET /v1/metrics/summary.
func SummaryHandler(reader MetricsReader, log *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		resp, err := reader.Summary(ctx)
		if err != nil {
			metricsReadError(ctx, log, "summary", err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, resp)
	}
}

func metricsReadError(ctx *fasthttp.RequestCtx, log *zap.Logger, what string, err error) {
	if db.IsUnavailable(err) {
		errResponse(ctx, fasthttp.StatusServiceUnavailable, "storage_unavailable", "metrics storage is unavailable")
		return
	}
	log.Error("metrics read failed", zap.String("view", what), zap.Error(err))
	errResponse(ctx, fasthttp.StatusInternalServerError, "internal_error", "failed to read "+what)
}
