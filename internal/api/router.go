package api

import (
	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Deps carries everything the router wires into handlers.
type Deps struct {
	DB       *gorm.DB
	Resolver AssignmentResolver
	Ingester Ingester
	Runner   RollupRunner
	Metrics  MetricsReader
	LoadTest LoadTestReader
	Quality  QualityChecker

	DashboardToken   string
	RollupWindowDays int
	Log              *zap.Logger
}

// NewRouter builds the full route table. The metrics surface sits
// behind the dashboard token; assignment and ingestion are open to
// clients.
func NewRouter(deps Deps) *router.Router {
	r := router.New()
	r.GET("/healthz", HealthHandler(deps.DB))

	r.POST("/v1/assignment", AssignmentHandler(deps.Resolver, deps.Log))
	r.POST("/v1/events", IngestHandler(deps.Ingester, deps.Log))

	dashboard := func(h fasthttp.RequestHandler) fasthttp.RequestHandler {
		return DashboardAuth(deps.DashboardToken, h)
	}
	r.POST("/v1/rollups/run", dashboard(TriggerRollupsHandler(deps.Runner, deps.RollupWindowDays, deps.Log)))
	r.GET("/v1/metrics/daily", dashboard(DailyMetricsHandler(deps.Metrics, deps.Log)))
	r.GET("/v1/metrics/experiments", dashboard(ExperimentMetricsHandler(deps.Metrics, deps.Log)))
	r.GET("/v1/metrics/funnels", dashboard(FunnelMetricsHandler(deps.Metrics, deps.Log)))
	r.GET("/v1/metrics/summary", dashboard(SummaryHandler(deps.Metrics, deps.Log)))
	r.GET("/v1/metrics/load-tests/runs", dashboard(LoadTestRunsHandler(deps.LoadTest, deps.Log)))
	r.GET("/v1/metrics/load-tests/latest", dashboard(LoadTestLatestHandler(deps.LoadTest, deps.Log)))
	r.GET("/v1/metrics/load-tests/compare", dashboard(LoadTestCompareHandler(deps.LoadTest, deps.Log)))
	r.GET("/v1/metrics/load-tests/checks", dashboard(QualityChecksHandler(deps.Quality, deps.Log)))

	r.GET("/metrics/prometheus", PrometheusHandler())
	return r
}

// HealthHandler serves GET /healthz with a live database ping.
func HealthHandler(gdb *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if gdb != nil {
			if err := gdb.WithContext(ctx).Exec("SELECT 1").Error; err != nil {
				jsonResponse(ctx, fasthttp.StatusServiceUnavailable, map[string]string{
					"status":   "degraded",
					"database": "down",
				})
				return
			}
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]string{
			"status":   "ok",
			"database": "up",
		})
	}
}
