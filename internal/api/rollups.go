package api

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"abinsight/internal/db"
	"abinsight/internal/rollup"
)

// RollupRunner is the handler's view of the coordinator.
type RollupRunner interface {
	RunRollups(ctx context.Context, windowDays int, jobs []string) (*rollup.Summary, error)
}

type triggerRollupsRequest struct {
	WindowDays int      `json:"window_days"`
	Jobs       []string `json:"jobs"`
}

// parseTriggerRequest accepts an optional JSON body and falls back to
// the window_days query parameter for body-less triggers.
func parseTriggerRequest(ctx *fasthttp.RequestCtx, defaultWindowDays int) (triggerRollupsRequest, error) {
	req := triggerRollupsRequest{}
	if body := ctx.PostBody(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return req, err
		}
	}
	if req.WindowDays == 0 {
		req.WindowDays = ctx.QueryArgs().GetUintOrZero("window_days")
	}
	if req.WindowDays < 1 || req.WindowDays > 180 {
		req.WindowDays = defaultWindowDays
	}
	return req, nil
}

// TriggerRollupsHandler serves POST /v1/rollups/run. The optional body
// selects a job subset; omitting it runs all jobs. A run already in
// flight elsewhere yields 409 rather than queuing a second one.
func TriggerRollupsHandler(runner RollupRunner, defaultWindowDays int, log *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		req, err := parseTriggerRequest(ctx, defaultWindowDays)
		if err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid_body", "request body must be valid JSON")
			return
		}

		summary, err := runner.RunRollups(ctx, req.WindowDays, req.Jobs)
		if err != nil {
			if errors.Is(err, rollup.ErrUnknownJob) {
				errResponse(ctx, fasthttp.StatusBadRequest, "unknown_job", err.Error())
				return
			}
			if errors.Is(err, db.ErrLockHeld) {
				rollupTriggersTotal.WithLabelValues("lock_held").Inc()
				errResponse(ctx, fasthttp.StatusConflict, "rollup_in_progress", "a rollup is already running")
				return
			}
			if db.IsUnavailable(err) {
				rollupTriggersTotal.WithLabelValues("unavailable").Inc()
				errResponse(ctx, fasthttp.StatusServiceUnavailable, "storage_unavailable", "rollup storage is unavailable")
				return
			}
			rollupTriggersTotal.WithLabelValues("failed").Inc()
			log.Error("manual rollup failed", zap.Error(err))
			// The summary still names which job failed; surface it.
			jsonResponse(ctx, fasthttp.StatusInternalServerError, summary)
			return
		}

		rollupTriggersTotal.WithLabelValues("success").Inc()
		jsonResponse(ctx, fasthttp.StatusOK, summary)
	}
}
