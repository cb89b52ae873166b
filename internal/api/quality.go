package api

import (
	"context"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"abinsight/internal/db"
	"abinsight/internal/quality"
)

// QualityChecker is the handler's view of the gate checks.
type QualityChecker interface {
	Run(ctx context.Context, runID string, expect quality.Expectations) ([]quality.Result, error)
	Persist(ctx context.Context, runID string, results []quality.Result) error
}

type qualityResponse struct {
	Passed  bool             `json:"passed"`
	Results []quality.Result `json:"results"`
}

// QualityChecksHandler serves GET /v1/metrics/load-tests/checks. With
// run_id the per-run gates are scoped to that load-test run and the
// scenario parameter states which row kinds the run should have
// written; with persist=1 the results are also stored as the run's
// data checks.
func QualityChecksHandler(checker QualityChecker, log *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		runID := string(ctx.QueryArgs().Peek("run_id"))
		scenario := string(ctx.QueryArgs().Peek("scenario"))
		persist := ctx.QueryArgs().GetBool("persist")
		if persist && runID == "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "validation_error", "persist requires run_id")
			return
		}

		results, err := checker.Run(ctx, runID, quality.ExpectationsForScenario(scenario))
		if err != nil {
			if db.IsUnavailable(err) {
				errResponse(ctx, fasthttp.StatusServiceUnavailable, "storage_unavailable", "check storage is unavailable")
				return
			}
			log.Error("quality checks failed", zap.Error(err))
			errResponse(ctx, fasthttp.StatusInternalServerError, "internal_error", "quality checks failed")
			return
		}
		if persist {
			if err := checker.Persist(ctx, runID, results); err != nil {
				log.Error("persisting quality checks failed", zap.String("run_id", runID), zap.Error(err))
				errResponse(ctx, fasthttp.StatusInternalServerError, "internal_error", "failed to persist check results")
				return
			}
		}

		resp := qualityResponse{Passed: true, Results: results}
		for _, res := range results {
			if !res.Passed {
				resp.Passed = false
				break
			}
		}
		jsonResponse(ctx, fasthttp.StatusOK, resp)
	}
}
