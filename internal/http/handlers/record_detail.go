package handlers

import (
	"errors"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	dbpkg "apitelemetry/internal/db"
)

// RecordDetail returns one raw performance record. Records older than the
// raw window have been rolled into summaries and answer 404.
func RecordDetail(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		idStr, ok := ctx.UserValue("id").(string)
		if !ok {
			errResponse(ctx, fasthttp.StatusBadRequest, "bad_id", "id required")
			return
		}
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil || id == 0 {
			errResponse(ctx, fasthttp.StatusBadRequest, "bad_id", "invalid id")
			return
		}

		rec, err := dbpkg.FindPerformanceRecord(ctx, db, uint(id))
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				errResponse(ctx, fasthttp.StatusNotFound, "not_found", "record not found or already aggregated")
				return
			}
			errResponse(ctx, fasthttp.StatusInternalServerError, "query_failed", "failed to load record")
			return
		}

		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{
			"id":          rec.ID,
			"timestamp":   rec.Timestamp.UTC().Format(time.RFC3339Nano),
			"endpoint":    rec.Endpoint,
			"method":      rec.Method,
			"status":      rec.StatusCode,
			"duration_ms": rec.DurationMs,
			"user_id":     rec.UserID,
			"error_class": rec.ErrorClass,
		})
	}
}
