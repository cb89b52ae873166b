package api

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"abinsight/internal/assign"
	"abinsight/internal/db"
)

// AssignmentResolver is the handler's view of the resolver.
type AssignmentResolver interface {
	Resolve(ctx context.Context, req assign.Request) (*assign.Response, error)
}

type assignmentRequestBody struct {
	AnonymousUserID string `json:"anonymous_user_id"`
	SessionID       string `json:"session_id"`
	Platform        string `json:"platform"`
	AppVersion      string `json:"app_version"`
	InstallID       string `json:"install_id"`
}

// AssignmentHandler serves POST /v1/assignment.
func AssignmentHandler(resolver AssignmentResolver, log *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var body assignmentRequestBody
		if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "validation_error", "malformed JSON body")
			return
		}
		body.AnonymousUserID = strings.TrimSpace(body.AnonymousUserID)
		if body.AnonymousUserID == "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "validation_error", "anonymous_user_id is required")
			return
		}
		if body.Platform != "" && body.Platform != "ios" && body.Platform != "android" {
			errResponse(ctx, fasthttp.StatusBadRequest, "validation_error", "platform must be one of: ios, android")
			return
		}

		resp, err := resolver.Resolve(ctx, assign.Request{
			AnonymousUserID: body.AnonymousUserID,
			SessionID:       body.SessionID,
			Platform:        body.Platform,
			AppVersion:      body.AppVersion,
			InstallID:       body.InstallID,
		})
		if err != nil {
			if db.IsUnavailable(err) {
				errResponse(ctx, fasthttp.StatusServiceUnavailable, "storage_unavailable", "assignment storage is unavailable, retry the request")
				return
			}
			log.Error("assignment resolution failed", zap.Error(err))
			errResponse(ctx, fasthttp.StatusInternalServerError, "internal_error", "assignment resolution failed")
			return
		}

		assignmentsResolvedTotal.Inc()
		jsonResponse(ctx, fasthttp.StatusOK, resp)
	}
}
