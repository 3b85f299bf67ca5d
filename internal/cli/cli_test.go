package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"apitelemetry/internal/config"
	"apitelemetry/internal/db"
	"apitelemetry/internal/db/dbtest"
	"apitelemetry/internal/logger"
)

func TestVersionFlag(t *testing.T) {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	err := RunWithArgs("1.2.3", []string{"--version"})

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)

	assert.NoError(t, err)
	assert.Equal(t, "apitelemetry 1.2.3", strings.TrimSpace(buf.String()))
}

func TestSubcommandsRegistered(t *testing.T) {
	parser, _, cmds := buildParser("test")
	for _, name := range []string{"serve", "aggregate", "status"} {
		assert.NotNil(t, parser.Find(name), name)
	}
	assert.NotNil(t, cmds.Serve)
	assert.NotNil(t, cmds.Aggregate)
	assert.NotNil(t, cmds.Status)
}

func TestServeFlags(t *testing.T) {
	parser, _, _ := buildParser("test")
	serve := parser.Find("serve")
	require.NotNil(t, serve)
	assert.NotNil(t, serve.FindOptionByLongName("listen"))
	assert.NotNil(t, serve.FindOptionByLongName("shutdown-timeout"))
	assert.NotNil(t, parser.Find("status").FindOptionByLongName("json"))
}

func TestUnknownCommand(t *testing.T) {
	err := RunWithArgs("test", []string{"bogus"})
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitCapacity, ExitCode(db.ErrCapacityExceeded))
	assert.Equal(t, ExitCapacity, ExitCode(fmt.Errorf("run: %w", db.ErrCapacityExceeded)))
	assert.Equal(t, ExitFailure, ExitCode(assert.AnError))
}

func request(h fasthttp.RequestHandler, method, uri string, cookie string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	var ctx fasthttp.RequestCtx
	ctx.Init(&req, nil, nil)
	h(&ctx)
	return &ctx
}

func TestNewHandler_StorageDisabled(t *testing.T) {
	cfg := &config.Config{AdminUsers: []string{"admin"}, AdminCacheTTL: time.Minute}
	h := newHandler(cfg, nil, nil, logger.Nop())

	assert.Equal(t, fasthttp.StatusOK, request(h, "GET", "/healthz", "").Response.StatusCode())
	assert.Equal(t, fasthttp.StatusOK, request(h, "GET", "/readyz", "").Response.StatusCode())
	assert.Equal(t, fasthttp.StatusOK, request(h, "GET", "/metrics", "").Response.StatusCode())
	assert.Equal(t, fasthttp.StatusServiceUnavailable, request(h, "POST", "/v1/events", "").Response.StatusCode())

	// The admin gate still runs before the storage check.
	assert.Equal(t, fasthttp.StatusUnauthorized,
		request(h, "GET", "/v1/telemetry/performance?range=24h", "").Response.StatusCode())
	assert.Equal(t, fasthttp.StatusForbidden,
		request(h, "GET", "/v1/telemetry/usage?range=24h", "session_user=bob").Response.StatusCode())
	assert.Equal(t, fasthttp.StatusServiceUnavailable,
		request(h, "GET", "/v1/telemetry/usage?range=24h", "session_user=admin").Response.StatusCode())
}

func TestNewHandler_WithStorage(t *testing.T) {
	gdb := dbtest.Open(t)
	cfg := &config.Config{
		AdminUsers:       []string{"admin"},
		AdminCacheTTL:    time.Minute,
		RawRetention:     7 * 24 * time.Hour,
		SummaryRetention: 90 * 24 * time.Hour,
		MaxBatchEvents:   1000,
		MaxMetadataBytes: 4096,
	}
	h := newHandler(cfg, gdb, nil, logger.Nop())

	ctx := request(h, "GET", "/v1/telemetry/performance?range=30d", "session_user=admin")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode(), string(ctx.Response.Body()))

	var body map[string]any
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &body))
	assert.Equal(t, "split", body["plan"])
}

func TestCollectStatus(t *testing.T) {
	gdb := dbtest.Open(t)
	now := time.Date(2026, 3, 20, 4, 30, 0, 0, time.UTC)
	require.NoError(t, gdb.Create(&[]db.PerformanceRecord{
		{Timestamp: now.Add(-time.Hour), Endpoint: "/a", Method: "GET", StatusCode: 200, DurationMs: 3},
		{Timestamp: now.Add(-2 * time.Hour), Endpoint: "/a", Method: "GET", StatusCode: 500, DurationMs: 9},
	}).Error)

	cfg := &config.Config{CapacityCeiling: 8, RawRetention: 7 * 24 * time.Hour}
	st, err := collectStatus(t.Context(), gdb, cfg, now)
	require.NoError(t, err)

	assert.EqualValues(t, 2, st.Total)
	assert.EqualValues(t, 2, st.Rows["performance_records"])
	assert.InDelta(t, 0.25, st.Used, 1e-9)
	assert.True(t, st.Nominal)
	assert.Equal(t, time.Date(2026, 3, 13, 4, 0, 0, 0, time.UTC), st.Boundary)

	var out bytes.Buffer
	require.NoError(t, st.write(&out, false))
	assert.Contains(t, out.String(), "performance_records")
	assert.Contains(t, out.String(), "2 of 8 (25.0%)")
	assert.Contains(t, out.String(), "nominal")
}
