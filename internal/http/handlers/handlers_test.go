package handlers_test

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	"apitelemetry/internal/config"
	dbpkg "apitelemetry/internal/db"
	"apitelemetry/internal/db/dbtest"
	"apitelemetry/internal/http/handlers"
	"apitelemetry/internal/logger"
	"apitelemetry/internal/metrics"
	"apitelemetry/internal/query"
)

func testConfig() *config.Config {
	return &config.Config{
		RawRetention:     7 * 24 * time.Hour,
		SummaryRetention: 90 * 24 * time.Hour,
		MaxBatchEvents:   1000,
		MaxMetadataBytes: 64,
	}
}

func do(h fasthttp.RequestHandler, method, uri, contentType, body string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	if contentType != "" {
		req.Header.SetContentType(contentType)
	}
	req.SetBodyString(body)
	var ctx fasthttp.RequestCtx
	ctx.Init(&req, nil, nil)
	h(&ctx)
	return &ctx
}

func decode(t *testing.T, ctx *fasthttp.RequestCtx) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &out), string(ctx.Response.Body()))
	return out
}

func eventsJSON(n int, ts time.Time) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf(`{"kind":"click","user_id":"u%d","timestamp":%q}`, i, ts.Format(time.RFC3339))
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func countEvents(t *testing.T, gdb *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, gdb.Model(&dbpkg.InteractionEvent{}).Count(&n).Error)
	return n
}

func TestSubmitEvents_OversizedBatchRejected(t *testing.T) {
	gdb := dbtest.Open(t)
	h := handlers.SubmitEvents(gdb, testConfig(), logger.Nop())

	ctx := do(h, "POST", "/v1/events", "application/json", eventsJSON(1001, time.Now()))

	assert.Equal(t, fasthttp.StatusRequestEntityTooLarge, ctx.Response.StatusCode())
	body := decode(t, ctx)
	assert.Equal(t, "payload_too_large", body["error"])
	assert.EqualValues(t, 1000, body["max"])
	assert.EqualValues(t, 1001, body["received"])
	assert.Zero(t, countEvents(t, gdb))
}

func TestSubmitEvents_AcceptsBothShapesAndBeaconType(t *testing.T) {
	gdb := dbtest.Open(t)
	h := handlers.SubmitEvents(gdb, testConfig(), logger.Nop())
	now := time.Now().UTC()

	ctx := do(h, "POST", "/v1/events", "application/json", `{"events":`+eventsJSON(3, now)+`}`)
	require.Equal(t, fasthttp.StatusAccepted, ctx.Response.StatusCode(), string(ctx.Response.Body()))
	assert.EqualValues(t, 3, decode(t, ctx)["count"])

	ctx = do(h, "POST", "/v1/events", "text/plain;charset=UTF-8", eventsJSON(2, now))
	require.Equal(t, fasthttp.StatusAccepted, ctx.Response.StatusCode(), string(ctx.Response.Body()))

	assert.EqualValues(t, 5, countEvents(t, gdb))

	ctx = do(h, "POST", "/v1/events", "application/xml", eventsJSON(1, now))
	assert.Equal(t, fasthttp.StatusUnsupportedMediaType, ctx.Response.StatusCode())
}

func TestSubmitEvents_ValidationFailsWholeBatch(t *testing.T) {
	gdb := dbtest.Open(t)
	h := handlers.SubmitEvents(gdb, testConfig(), logger.Nop())

	cases := map[string]string{
		"unknown kind": `[{"kind":"click","user_id":"a"},{"kind":"hover","user_id":"a"}]`,
		"no user":      `[{"kind":"click","user_id":"a"},{"kind":"click"}]`,
		"long element": `[{"kind":"click","user_id":"a"},{"kind":"click","user_id":"a","element_id":"` + strings.Repeat("x", 101) + `"}]`,
		"big metadata": `[{"kind":"click","user_id":"a"},{"kind":"click","user_id":"a","metadata":{"k":"` + strings.Repeat("v", 80) + `"}}]`,
	}
	for name, body := range cases {
		ctx := do(h, "POST", "/v1/events", "application/json", body)
		require.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode(), name)
		resp := decode(t, ctx)
		assert.Equal(t, "validation_failed", resp["error"], name)
		assert.EqualValues(t, 1, resp["index"], name)
	}

	ctx := do(h, "POST", "/v1/events", "application/json", `{"events":[`)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
	assert.Zero(t, countEvents(t, gdb))
}

func TestSubmitEvents_TimestampPolicy(t *testing.T) {
	gdb := dbtest.Open(t)
	h := handlers.SubmitEvents(gdb, testConfig(), logger.Nop())
	now := time.Now().UTC()

	body := fmt.Sprintf(`[
		{"kind":"view","user_id":"old","timestamp":%q},
		{"kind":"view","user_id":"future","timestamp":%q},
		{"kind":"view","user_id":"unset","metadata":{"ref":"mail"}}
	]`, now.Add(-8*24*time.Hour).Format(time.RFC3339), now.Add(time.Hour).Format(time.RFC3339))

	ctx := do(h, "POST", "/v1/events", "application/json", body)
	require.Equal(t, fasthttp.StatusAccepted, ctx.Response.StatusCode(), string(ctx.Response.Body()))
	resp := decode(t, ctx)
	assert.EqualValues(t, 2, resp["count"])
	assert.EqualValues(t, 1, resp["dropped"])

	var future dbpkg.InteractionEvent
	require.NoError(t, gdb.Where("user_id = ?", "future").First(&future).Error)
	assert.WithinDuration(t, now, future.Timestamp, 5*time.Second)

	var unset dbpkg.InteractionEvent
	require.NoError(t, gdb.Where("user_id = ?", "unset").First(&unset).Error)
	assert.Equal(t, "mail", unset.Metadata["ref"])
}

func TestSubmitEvents_DropsEventsBehindEmergencyFrontier(t *testing.T) {
	gdb := dbtest.Open(t)
	now := time.Now().UTC()
	require.NoError(t, gdb.Create(&dbpkg.AggregationRun{
		StartedAt: now.Add(-time.Hour),
		Cutoff:    dbpkg.HourBucket(now.Add(-24 * time.Hour)),
		Emergency: true,
	}).Error)
	h := handlers.SubmitEvents(gdb, testConfig(), logger.Nop())

	body := fmt.Sprintf(`[
		{"kind":"click","user_id":"behind","timestamp":%q},
		{"kind":"click","user_id":"ahead","timestamp":%q}
	]`, now.Add(-48*time.Hour).Format(time.RFC3339), now.Add(-2*time.Hour).Format(time.RFC3339))

	ctx := do(h, "POST", "/v1/events", "application/json", body)
	require.Equal(t, fasthttp.StatusAccepted, ctx.Response.StatusCode(), string(ctx.Response.Body()))
	resp := decode(t, ctx)
	assert.EqualValues(t, 1, resp["count"])
	assert.EqualValues(t, 1, resp["dropped"])

	var stored []dbpkg.InteractionEvent
	require.NoError(t, gdb.Find(&stored).Error)
	require.Len(t, stored, 1)
	assert.Equal(t, "ahead", stored[0].UserID)
}

func TestTelemetrySeries(t *testing.T) {
	gdb := dbtest.Open(t)
	cfg := testConfig()
	router := query.NewRouter(gdb, query.Limits{RawRetention: cfg.RawRetention, Retention: cfg.SummaryRetention}, nil)
	h := handlers.TelemetrySeries(router, dbpkg.SummaryPerformance, logger.Nop())

	rec := dbpkg.PerformanceRecord{
		Timestamp: time.Now().UTC().Add(-time.Hour), Endpoint: "/api/a", Method: "GET", StatusCode: 200, DurationMs: 4,
	}
	require.NoError(t, gdb.Create(&rec).Error)

	ctx := do(h, "GET", "/v1/telemetry/performance?range=24h", "", "")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode(), string(ctx.Response.Body()))
	body := decode(t, ctx)
	assert.Equal(t, "raw", body["plan"])
	series := body["series"].([]any)
	require.Len(t, series, 1)
	point := series[0].(map[string]any)
	assert.Equal(t, "/api/a", point["endpoint"])
	assert.EqualValues(t, 1, point["stats"].(map[string]any)["count"])

	ctx = do(h, "GET", "/v1/telemetry/performance?range=1y", "", "")
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
	assert.Equal(t, "bad_range", decode(t, ctx)["error"])

	future := time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339)
	start := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	ctx = do(h, "GET", "/v1/telemetry/performance?start="+start+"&end="+future, "", "")
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
	assert.Equal(t, "future_end", decode(t, ctx)["error"])
}

func TestRecordDetail(t *testing.T) {
	gdb := dbtest.Open(t)
	rec := dbpkg.PerformanceRecord{Timestamp: time.Now().UTC(), Endpoint: "/api/a", Method: "GET", StatusCode: 200, DurationMs: 1}
	require.NoError(t, gdb.Create(&rec).Error)
	h := handlers.RecordDetail(gdb)

	withID := func(id string) *fasthttp.RequestCtx {
		return do(func(ctx *fasthttp.RequestCtx) {
			ctx.SetUserValue("id", id)
			h(ctx)
		}, "GET", "/v1/telemetry/records/"+id, "", "")
	}

	ctx := withID(fmt.Sprint(rec.ID))
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "/api/a", decode(t, ctx)["endpoint"])

	assert.Equal(t, fasthttp.StatusNotFound, withID("9999").Response.StatusCode())
	assert.Equal(t, fasthttp.StatusBadRequest, withID("abc").Response.StatusCode())
}

func TestMetricsHandler(t *testing.T) {
	metrics.QueryPlans.WithLabelValues("raw").Inc()
	ctx := do(handlers.MetricsHandler(metrics.Registry), "GET", "/metrics", "", "")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), "apitelemetry_query_plans_total")
	assert.Contains(t, string(ctx.Response.Header.ContentType()), "text/plain")
	assert.Contains(t, string(ctx.Response.Body()), "go_goroutines")

	ctx = do(handlers.MetricsHandler(metrics.Registry), "GET", "/metrics?prefix=apitelemetry_", "", "")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), "apitelemetry_query_plans_total")
	assert.NotContains(t, string(ctx.Response.Body()), "go_goroutines")
}

func TestStorageUnavailable(t *testing.T) {
	ctx := do(handlers.StorageUnavailable, "GET", "/v1/telemetry/usage", "", "")
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
}
