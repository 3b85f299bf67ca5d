package handlers

import (
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// RequestLogger returns fasthttp middleware that logs method, path, status, duration.
func RequestLogger(log *zap.SugaredLogger) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			start := time.Now()
			next(ctx)
			log.Debugw("request",
				"method", string(ctx.Method()),
				"path", string(ctx.Path()),
				"status", ctx.Response.StatusCode(),
				"duration", time.Since(start),
				"ip", ctx.RemoteAddr().String(),
			)
		}
	}
}

func jsonResponse(ctx *fasthttp.RequestCtx, code int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		errResponse(ctx, fasthttp.StatusInternalServerError, "encode_failed", "failed to encode response")
		return
	}
	ctx.SetStatusCode(code)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func errResponse(ctx *fasthttp.RequestCtx, code int, errCode, msg string) {
	body, _ := json.Marshal(map[string]string{"error": errCode, "message": msg})
	ctx.SetStatusCode(code)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// StorageUnavailable answers every request with 503. It stands in for
// storage-backed handlers when no database is configured.
func StorageUnavailable(ctx *fasthttp.RequestCtx) {
	errResponse(ctx, fasthttp.StatusServiceUnavailable, "storage_disabled", "telemetry storage is not configured")
}
