package api

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap/zaptest"

	"abinsight/internal/assign"
	"abinsight/internal/db"
	"abinsight/internal/event"
	"abinsight/internal/rollup"
)

func makeCtx(method, uri string, body []byte) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	if body != nil {
		ctx.Request.SetBody(body)
	}
	return ctx
}

func decodeBody(t *testing.T, ctx *fasthttp.RequestCtx, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), out))
}

type fakeResolver struct {
	resp *assign.Response
	err  error
	last assign.Request
}

func (f *fakeResolver) Resolve(_ context.Context, req assign.Request) (*assign.Response, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func TestAssignmentHandler(t *testing.T) {
	t.Run("resolves", func(t *testing.T) {
		resolver := &fakeResolver{resp: &assign.Response{
			AssignmentVersion: 1,
			Assignments: []assign.AssignedVariant{
				{ExperimentID: "exp_a", VariantID: "treatment"},
			},
			Config: map[string]any{"navigation": map[string]any{"tab_order": []any{"home"}}},
		}}
		handler := AssignmentHandler(resolver, zaptest.NewLogger(t))

		ctx := makeCtx("POST", "/v1/assignment", []byte(`{"anonymous_user_id":"user-1","platform":"ios","app_version":"2.0.0"}`))
		handler(ctx)

		assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
		assert.Equal(t, "user-1", resolver.last.AnonymousUserID)
		assert.Equal(t, "ios", resolver.last.Platform)

		var resp assign.Response
		decodeBody(t, ctx, &resp)
		require.Len(t, resp.Assignments, 1)
		assert.Equal(t, "exp_a", resp.Assignments[0].ExperimentID)
	})

	t.Run("missing user id", func(t *testing.T) {
		handler := AssignmentHandler(&fakeResolver{}, zaptest.NewLogger(t))
		ctx := makeCtx("POST", "/v1/assignment", []byte(`{"anonymous_user_id":"  "}`))
		handler(ctx)

		assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
		var body errorBody
		decodeBody(t, ctx, &body)
		assert.Equal(t, "validation_error", body.Error)
	})

	t.Run("bad platform", func(t *testing.T) {
		handler := AssignmentHandler(&fakeResolver{}, zaptest.NewLogger(t))
		ctx := makeCtx("POST", "/v1/assignment", []byte(`{"anonymous_user_id":"u","platform":"windows"}`))
		handler(ctx)
		assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
	})

	t.Run("storage down", func(t *testing.T) {
		resolver := &fakeResolver{err: db.Unavailable(errors.New("connection refused"))}
		handler := AssignmentHandler(resolver, zaptest.NewLogger(t))
		ctx := makeCtx("POST", "/v1/assignment", []byte(`{"anonymous_user_id":"user-1"}`))
		handler(ctx)

		assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
		var body errorBody
		decodeBody(t, ctx, &body)
		assert.Equal(t, "storage_unavailable", body.Error)
	})
}

type fakeIngester struct {
	resp *event.Response
	err  error
}

func (f *fakeIngester) Ingest(_ context.Context, _ []byte) (*event.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func TestIngestHandler(t *testing.T) {
	t.Run("accepts batch", func(t *testing.T) {
		ingester := &fakeIngester{resp: &event.Response{OK: true, Accepted: 2, Inserted: 2}}
		handler := IngestHandler(ingester, zaptest.NewLogger(t))
		ctx := makeCtx("POST", "/v1/events", []byte(`{}`))
		handler(ctx)

		assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
		var resp event.Response
		decodeBody(t, ctx, &resp)
		assert.True(t, resp.OK)
		assert.Equal(t, 2, resp.Accepted)
	})

	t.Run("envelope rejected", func(t *testing.T) {
		ingester := &fakeIngester{err: &event.ValidationError{Message: "anonymous_user_id is required"}}
		handler := IngestHandler(ingester, zaptest.NewLogger(t))
		ctx := makeCtx("POST", "/v1/events", []byte(`{}`))
		handler(ctx)

		assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
		var body errorBody
		decodeBody(t, ctx, &body)
		assert.Equal(t, "anonymous_user_id is required", body.Message)
	})

	t.Run("storage down", func(t *testing.T) {
		ingester := &fakeIngester{err: db.Unavailable(errors.New("broken pipe"))}
		handler := IngestHandler(ingester, zaptest.NewLogger(t))
		ctx := makeCtx("POST", "/v1/events", []byte(`{}`))
		handler(ctx)
		assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
	})
}

type fakeRunner struct {
	summary *rollup.Summary
	err     error
	days    int
	jobs    []string
}

func (f *fakeRunner) RunRollups(_ context.Context, windowDays int, jobs []string) (*rollup.Summary, error) {
	f.days = windowDays
	f.jobs = jobs
	return f.summary, f.err
}

func TestTriggerRollupsHandler(t *testing.T) {
	t.Run("runs with default window", func(t *testing.T) {
		runner := &fakeRunner{summary: &rollup.Summary{}}
		handler := TriggerRollupsHandler(runner, 14, zaptest.NewLogger(t))
		ctx := makeCtx("POST", "/v1/rollups/run", nil)
		handler(ctx)

		assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
		assert.Equal(t, 14, runner.days)
		assert.Empty(t, runner.jobs)
	})

	t.Run("honors window override", func(t *testing.T) {
		runner := &fakeRunner{summary: &rollup.Summary{}}
		handler := TriggerRollupsHandler(runner, 14, zaptest.NewLogger(t))
		ctx := makeCtx("POST", "/v1/rollups/run?window_days=3", nil)
		handler(ctx)
		assert.Equal(t, 3, runner.days)
	})

	t.Run("body selects jobs and window", func(t *testing.T) {
		runner := &fakeRunner{summary: &rollup.Summary{}}
		handler := TriggerRollupsHandler(runner, 14, zaptest.NewLogger(t))
		ctx := makeCtx("POST", "/v1/rollups/run", []byte(`{"window_days":5,"jobs":["daily","funnel"]}`))
		handler(ctx)

		assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
		assert.Equal(t, 5, runner.days)
		assert.Equal(t, []string{"daily", "funnel"}, runner.jobs)
	})

	t.Run("unknown job is a client error", func(t *testing.T) {
		runner := &fakeRunner{err: rollup.ErrUnknownJob}
		handler := TriggerRollupsHandler(runner, 14, zaptest.NewLogger(t))
		ctx := makeCtx("POST", "/v1/rollups/run", []byte(`{"jobs":["hourly"]}`))
		handler(ctx)

		assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
		var body errorBody
		decodeBody(t, ctx, &body)
		assert.Equal(t, "unknown_job", body.Error)
	})

	t.Run("malformed body rejected", func(t *testing.T) {
		runner := &fakeRunner{summary: &rollup.Summary{}}
		handler := TriggerRollupsHandler(runner, 14, zaptest.NewLogger(t))
		ctx := makeCtx("POST", "/v1/rollups/run", []byte(`{"jobs":`))
		handler(ctx)
		assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
	})

	t.Run("lock held", func(t *testing.T) {
		runner := &fakeRunner{summary: &rollup.Summary{}, err: db.ErrLockHeld}
		handler := TriggerRollupsHandler(runner, 14, zaptest.NewLogger(t))
		ctx := makeCtx("POST", "/v1/rollups/run", nil)
		handler(ctx)

		assert.Equal(t, fasthttp.StatusConflict, ctx.Response.StatusCode())
		var body errorBody
		decodeBody(t, ctx, &body)
		assert.Equal(t, "rollup_in_progress", body.Error)
	})
}

func TestDashboardAuth(t *testing.T) {
	next := func(ctx *fasthttp.RequestCtx) { ctx.SetStatusCode(fasthttp.StatusOK) }

	t.Run("valid token", func(t *testing.T) {
		handler := DashboardAuth("secret", next)
		ctx := makeCtx("GET", "/v1/metrics/daily", nil)
		ctx.Request.Header.Set(dashboardTokenHeader, "secret")
		handler(ctx)
		assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	})

	t.Run("wrong token", func(t *testing.T) {
		handler := DashboardAuth("secret", next)
		ctx := makeCtx("GET", "/v1/metrics/daily", nil)
		ctx.Request.Header.Set(dashboardTokenHeader, "guess")
		handler(ctx)
		assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())
	})

	t.Run("missing token", func(t *testing.T) {
		handler := DashboardAuth("secret", next)
		ctx := makeCtx("GET", "/v1/metrics/daily", nil)
		handler(ctx)
		assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())
	})

	t.Run("unconfigured disables surface", func(t *testing.T) {
		handler := DashboardAuth("", next)
		ctx := makeCtx("GET", "/v1/metrics/daily", nil)
		handler(ctx)
		assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
	})
}

func TestParseWindowDays(t *testing.T) {
	cases := []struct {
		uri  string
		want int
	}{
		{"/v1/metrics/daily", 7},
		{"/v1/metrics/daily?window_days=30", 30},
		{"/v1/metrics/daily?window_days=0", 7},
		{"/v1/metrics/daily?window_days=500", 90},
		{"/v1/metrics/daily?window_days=nope", 7},
	}
	for _, tc := range cases {
		ctx := makeCtx("GET", tc.uri, nil)
		assert.Equal(t, tc.want, parseWindowDays(ctx), tc.uri)
	}
}
