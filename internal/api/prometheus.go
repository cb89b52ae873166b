package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/valyala/fasthttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "abinsight_http_requests_total",
		Help: "HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "abinsight_http_request_duration_seconds",
		Help:    "HTTP request latency by method and path.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	eventsAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "abinsight_events_accepted_total",
		Help: "Events accepted by ingestion validation.",
	})

	eventsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "abinsight_events_rejected_total",
		Help: "Events rejected by ingestion validation.",
	})

	eventsInsertedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "abinsight_events_inserted_total",
		Help: "Event rows actually written after dedup.",
	})

	assignmentsResolvedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "abinsight_assignments_resolved_total",
		Help: "Assignment resolutions served.",
	})

	rollupTriggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "abinsight_rollup_triggers_total",
		Help: "Manual rollup triggers by outcome.",
	}, []string{"outcome"})
)

// PrometheusHandler exposes the default registry in the text format.
// fasthttp has no net/http adapter, so the families are encoded by hand.
func PrometheusHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		families, err := prometheus.DefaultGatherer.Gather()
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "gather_failed", err.Error())
			return
		}
		format := expfmt.NewFormat(expfmt.TypeTextPlain)
		ctx.SetContentType(string(format))
		if err := encodeFamilies(ctx, format, families); err != nil {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		}
	}
}

func encodeFamilies(ctx *fasthttp.RequestCtx, format expfmt.Format, families []*dto.MetricFamily) error {
	enc := expfmt.NewEncoder(ctx, format)
	for _, family := range families {
		if err := enc.Encode(family); err != nil {
			return err
		}
	}
	return nil
}
