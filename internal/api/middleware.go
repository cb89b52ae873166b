package api

import (
	"crypto/subtle"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const dashboardTokenHeader = "x-dashboard-token"

// RequestLogger logs every request and feeds the HTTP metrics.
func RequestLogger(log *zap.Logger, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		started := time.Now()
		next(ctx)

		status := ctx.Response.StatusCode()
		method := string(ctx.Method())
		path := string(ctx.Path())
		elapsed := time.Since(started)

		httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())

		log.Info("http request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("took", elapsed))
	}
}

// DashboardAuth gates the metrics surface behind a shared token. An
// unconfigured token disables the surface rather than opening it.
func DashboardAuth(token string, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if token == "" {
			errResponse(ctx, fasthttp.StatusServiceUnavailable, "dashboard_disabled", "dashboard token is not configured")
			return
		}
		presented := ctx.Request.Header.Peek(dashboardTokenHeader)
		if subtle.ConstantTimeCompare(presented, []byte(token)) != 1 {
			errResponse(ctx, fasthttp.StatusUnauthorized, "unauthorized", "missing or invalid dashboard token")
			return
		}
		next(ctx)
	}
}
