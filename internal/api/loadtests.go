package api

import (
	"context"
	"errors"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"abinsight/internal/db"
	"abinsight/internal/loadtest"
)

// LoadTestReader is the handler's view of the load-test store.
type LoadTestReader interface {
	Runs(ctx context.Context, scenario string, limit int) ([]db.LoadTestRun, error)
	Latest(ctx context.Context, scenario string) (*db.LoadTestRun, error)
	Compare(ctx context.Context, scenario string) (*loadtest.Comparison, error)
}

// LoadTestRunsHandler serves GET /v1/metrics/load-tests/runs.
func LoadTestRunsHandler(reader LoadTestReader, log *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		scenario := string(ctx.QueryArgs().Peek("scenario"))
		limit := ctx.QueryArgs().GetUintOrZero("limit")

		runs, err := reader.Runs(ctx, scenario, limit)
		if err != nil {
			loadTestReadError(ctx, log, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{"runs": runs})
	}
}

// LoadTestLatestHandler serves GET /v1/metrics/load-tests/latest.
func LoadTestLatestHandler(reader LoadTestReader, log *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		run, err := reader.Latest(ctx, string(ctx.QueryArgs().Peek("scenario")))
		if err != nil {
			loadTestReadError(ctx, log, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, run)
	}
}

// LoadTestCompareHandler serves GET /v1/metrics/load-tests/compare.
func LoadTestCompareHandler(reader LoadTestReader, log *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		scenario := string(ctx.QueryArgs().Peek("scenario"))
		if scenario == "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "validation_error", "scenario query parameter is required")
			return
		}
		cmp, err := reader.Compare(ctx, scenario)
		if err != nil {
			loadTestReadError(ctx, log, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, cmp)
	}
}

func loadTestReadError(ctx *fasthttp.RequestCtx, log *zap.Logger, err error) {
	if errors.Is(err, loadtest.ErrNoRuns) {
		errResponse(ctx, fasthttp.StatusNotFound, "not_found", "no matching load-test runs")
		return
	}
	if db.IsUnavailable(err) {
		errResponse(ctx, fasthttp.StatusServiceUnavailable, "storage_unavailable", "load-test storage is unavailable")
		return
	}
	log.Error("load-test read failed", zap.Error(err))
	errResponse(ctx, fasthttp.StatusInternalServerError, "internal_error", "failed to read load-test data")
}
