package middleware

import (
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	dbpkg "apitelemetry/internal/db"
	httpctx "apitelemetry/internal/http/ctx"
	"apitelemetry/internal/metrics"
)

// Recorder accepts performance records without blocking. *db.RecordWriter
// implements it.
type Recorder interface {
	Dispatch(rec dbpkg.PerformanceRecord) bool
}

// Collector measures every request and hands one PerformanceRecord to rec
// after the response has been produced. Recording is best effort: it never
// changes the response and never waits on storage.
// If rec is nil (storage not configured), this middleware does nothing.
func Collector(rec Recorder, exclude []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	if rec == nil {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return next
		}
	}

	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			start := time.Now()
			next(ctx)
			duration := time.Since(start)

			path := string(ctx.Path())
			if Excluded(path, exclude) {
				metrics.CollectorRecords.WithLabelValues("excluded").Inc()
				return
			}

			status := ctx.Response.StatusCode()
			record := dbpkg.PerformanceRecord{
				Timestamp:  start.UTC(),
				Endpoint:   endpoint(ctx, path),
				Method:     string(ctx.Method()),
				StatusCode: status,
				DurationMs: float64(duration.Microseconds()) / 1000,
			}
			if uid, ok := httpctx.UserIDFromCtx(ctx); ok {
				record.UserID = &uid
			}
			if status >= 400 {
				class := ClassifyError(status)
				record.ErrorClass = &class
			}
			rec.Dispatch(record)
		}
	}
}

// Excluded reports whether path matches the exclusion set. Entries ending
// in "/" match as prefixes, others exactly.
func Excluded(path string, exclude []string) bool {
	for _, e := range exclude {
		if strings.HasSuffix(e, "/") {
			if strings.HasPrefix(path, e) || path == strings.TrimSuffix(e, "/") {
				return true
			}
			continue
		}
		if path == e {
			return true
		}
	}
	return false
}

// ClassifyError maps a status code >= 400 to a coarse error category.
func ClassifyError(status int) string {
	switch status {
	case 400, 409, 422:
		return "validation"
	case 401, 403:
		return "auth"
	case 404, 405, 410:
		return "not_found"
	case 429:
		return "rate_limit"
	case 408, 504:
		return "timeout"
	}
	if status >= 500 {
		return "server"
	}
	return "client"
}

// endpoint prefers the route template the router matched, so that
// /items/1 and /items/2 share one endpoint.
func endpoint(ctx *fasthttp.RequestCtx, path string) string {
	if tmpl, ok := ctx.UserValue(router.MatchedRoutePathParam).(string); ok && tmpl != "" {
		return tmpl
	}
	return normalizePath(path)
}

// normalizePath replaces numeric and UUID segments with {id} to bound
// endpoint cardinality for unrouted paths:
//   - /api/users/123 → /api/users/{id}
//   - /orders/3f0c…/lines → /orders/{id}/lines
func normalizePath(path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		if s == "" {
			continue
		}
		if isDigits(s) {
			segments[i] = "{id}"
		} else if _, err := uuid.Parse(s); err == nil && len(s) == 36 {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
