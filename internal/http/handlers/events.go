package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"apitelemetry/internal/config"
	dbpkg "apitelemetry/internal/db"
	"apitelemetry/internal/metrics"
)

// clockSkew is how far in the future a client timestamp may be before it is
// replaced by the server's clock.
const clockSkew = time.Minute

// EventInput is one interaction event as submitted by a client batcher.
type EventInput struct {
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Kind      string         `json:"kind"`
	UserID    string         `json:"user_id"`
	Page      *string        `json:"page,omitempty"`
	ElementID *string        `json:"element_id,omitempty"`
	Success   *bool          `json:"success,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type submitRequest struct {
	Events []EventInput `json:"events"`
}

type tooLargeResponse struct {
	Error    string `json:"error"`
	Max      int    `json:"max"`
	Received int    `json:"received"`
}

type validationFailure struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Index   int    `json:"index"`
}

// SubmitEvents accepts a batch of interaction events. The body is JSON
// under either application/json or the text/plain type browsers use for
// beacons; both {"events":[...]} and a bare array are accepted. The batch is
// stored atomically.
func SubmitEvents(db *gorm.DB, cfg *config.Config, log *zap.SugaredLogger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !acceptedContentType(ctx.Request.Header.ContentType()) {
			errResponse(ctx, fasthttp.StatusUnsupportedMediaType, "unsupported_media_type",
				"send application/json or text/plain")
			return
		}

		events, err := decodeEvents(ctx.PostBody())
		if err != nil {
			metrics.EventsSubmitted.WithLabelValues("rejected").Inc()
			jsonResponse(ctx, fasthttp.StatusBadRequest, validationFailure{
				Error: "validation_failed", Message: "invalid JSON body: " + err.Error(), Index: -1,
			})
			return
		}
		if len(events) > cfg.MaxBatchEvents {
			metrics.EventsSubmitted.WithLabelValues("rejected").Add(float64(len(events)))
			jsonResponse(ctx, fasthttp.StatusRequestEntityTooLarge, tooLargeResponse{
				Error: "payload_too_large", Max: cfg.MaxBatchEvents, Received: len(events),
			})
			return
		}
		if len(events) == 0 {
			jsonResponse(ctx, fasthttp.StatusBadRequest, validationFailure{
				Error: "validation_failed", Message: "no events provided", Index: -1,
			})
			return
		}

		now := time.Now().UTC()
		floor, err := submissionFloor(ctx, db, now, cfg.RawRetention)
		if err != nil {
			log.Errorw("failed to load aggregation frontier", "error", err)
			errResponse(ctx, fasthttp.StatusInternalServerError, "storage_failed", "failed to persist events")
			return
		}
		records := make([]dbpkg.InteractionEvent, 0, len(events))
		dropped := 0
		for i, ev := range events {
			rec, err := toRecord(ev, now, cfg.MaxMetadataBytes)
			if err != nil {
				metrics.EventsSubmitted.WithLabelValues("rejected").Add(float64(len(events)))
				jsonResponse(ctx, fasthttp.StatusBadRequest, validationFailure{
					Error: "validation_failed", Message: err.Error(), Index: i,
				})
				return
			}
			// Rows behind the aggregation frontier are invisible to queries
			// and would never be summarized.
			if rec.Timestamp.Before(floor) {
				dropped++
				continue
			}
			records = append(records, rec)
		}

		if err := dbpkg.InsertEvents(ctx, db, records); err != nil {
			log.Errorw("failed to persist interaction events", "count", len(records), "error", err)
			errResponse(ctx, fasthttp.StatusInternalServerError, "storage_failed", "failed to persist events")
			return
		}
		metrics.EventsSubmitted.WithLabelValues("accepted").Add(float64(len(records)))
		metrics.EventsSubmitted.WithLabelValues("dropped").Add(float64(dropped))

		jsonResponse(ctx, fasthttp.StatusAccepted, map[string]any{
			"status":  "accepted",
			"count":   len(records),
			"dropped": dropped,
		})
	}
}

// submissionFloor is the oldest timestamp still served from the raw tier:
// the later of the nominal raw window and the last committed run's cutoff,
// which an emergency rollup moves past the nominal line.
func submissionFloor(ctx context.Context, db *gorm.DB, now time.Time, rawRetention time.Duration) (time.Time, error) {
	floor := now.Add(-rawRetention)
	frontier, ok, err := dbpkg.Frontier(ctx, db)
	if err != nil {
		return time.Time{}, err
	}
	if ok && frontier.After(floor) {
		floor = frontier
	}
	return floor, nil
}

func acceptedContentType(ct []byte) bool {
	if len(ct) == 0 {
		return true
	}
	if i := bytes.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = bytes.ToLower(bytes.TrimSpace(ct))
	return bytes.Equal(ct, []byte("application/json")) || bytes.Equal(ct, []byte("text/plain"))
}

func decodeEvents(body []byte) ([]EventInput, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var events []EventInput
		err := json.Unmarshal(body, &events)
		return events, err
	}
	var req submitRequest
	err := json.Unmarshal(body, &req)
	return req.Events, err
}

func toRecord(ev EventInput, now time.Time, maxMetadata int) (dbpkg.InteractionEvent, error) {
	kind := dbpkg.EventKind(ev.Kind)
	if !kind.Valid() {
		return dbpkg.InteractionEvent{}, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	if ev.UserID == "" {
		return dbpkg.InteractionEvent{}, fmt.Errorf("user_id is required")
	}
	if len(ev.UserID) > 128 {
		return dbpkg.InteractionEvent{}, fmt.Errorf("user_id exceeds 128 characters")
	}
	if ev.ElementID != nil && len([]rune(*ev.ElementID)) > dbpkg.MaxElementIDLength {
		return dbpkg.InteractionEvent{}, fmt.Errorf("element_id exceeds %d characters", dbpkg.MaxElementIDLength)
	}
	if ev.Page != nil && len(*ev.Page) > 256 {
		return dbpkg.InteractionEvent{}, fmt.Errorf("page exceeds 256 characters")
	}

	var metadata datatypes.JSONMap
	if len(ev.Metadata) > 0 {
		raw, err := json.Marshal(ev.Metadata)
		if err != nil {
			return dbpkg.InteractionEvent{}, fmt.Errorf("metadata: %w", err)
		}
		if len(raw) > maxMetadata {
			return dbpkg.InteractionEvent{}, fmt.Errorf("metadata exceeds %d bytes", maxMetadata)
		}
		metadata = datatypes.JSONMap(ev.Metadata)
	}

	ts := now
	if ev.Timestamp != nil {
		ts = ev.Timestamp.UTC()
		if ts.After(now.Add(clockSkew)) {
			ts = now
		}
	}

	return dbpkg.InteractionEvent{
		Timestamp: ts,
		Kind:      kind,
		UserID:    ev.UserID,
		Page:      ev.Page,
		ElementID: ev.ElementID,
		Success:   ev.Success,
		Metadata:  metadata,
	}, nil
}
