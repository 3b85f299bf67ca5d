package db

import (
	"time"

	"gorm.io/datatypes"
)

// PerformanceRecord is one inbound request as measured by the collector
// middleware. Raw tier: kept for the raw retention window, then rolled into
// an AggregatedSummary and deleted by the aggregation job.
type PerformanceRecord struct {
	ID uint `gorm:"primaryKey"`

	Timestamp time.Time `gorm:"column:occurred_at;index;not null"`
	Endpoint  string    `gorm:"index;size:512;not null"`
	Method    string    `gorm:"size:16;not null"`

	StatusCode int     `gorm:"not null"`
	DurationMs float64 `gorm:"not null"`

	// UserID is nil for anonymous requests.
	UserID *string `gorm:"index;size:128"`

	// ErrorClass is set for every record with StatusCode >= 400.
	ErrorClass *string `gorm:"size:32"`
}

// EventKind is the closed set of interaction kinds the pipeline tracks.
type EventKind string

const (
	KindView     EventKind = "view"
	KindClick    EventKind = "click"
	KindSubmit   EventKind = "submit"
	KindInput    EventKind = "input"
	KindScroll   EventKind = "scroll"
	KindResize   EventKind = "resize"
	KindSearch   EventKind = "search"
	KindDownload EventKind = "download"
	KindShare    EventKind = "share"
)

var eventKinds = map[EventKind]bool{
	KindView: true, KindClick: true, KindSubmit: true,
	KindInput: true, KindScroll: true, KindResize: true,
	KindSearch: true, KindDownload: true, KindShare: true,
}

// Valid reports whether k belongs to the enumeration.
func (k EventKind) Valid() bool {
	return eventKinds[k]
}

// MaxElementIDLength bounds InteractionEvent.ElementID.
const MaxElementIDLength = 100

// InteractionEvent is one user interaction submitted by a client batcher.
// Anonymous interactions are not tracked, so UserID is required.
type InteractionEvent struct {
	ID uint `gorm:"primaryKey"`

	Timestamp time.Time `gorm:"column:occurred_at;index;not null"`
	Kind      EventKind `gorm:"index;size:32;not null"`
	UserID    string    `gorm:"index;size:128;not null"`

	Page      *string `gorm:"size:256"`
	ElementID *string `gorm:"size:100"`
	Success   *bool

	Metadata datatypes.JSONMap `gorm:"type:json"`
}

// SummaryKind discriminates the statistics payload of an AggregatedSummary.
type SummaryKind string

const (
	SummaryPerformance SummaryKind = "performance"
	SummaryUsage       SummaryKind = "usage"
)

// AggregatedSummary is an hourly rollup of raw records for one dimension
// (endpoint for performance, event kind for usage). Rows are append-only;
// (bucket, kind, dimension) is the idempotency key of the aggregation job.
type AggregatedSummary struct {
	ID uint `gorm:"primaryKey"`

	Bucket    time.Time   `gorm:"uniqueIndex:idx_summary_key,priority:1;index;not null"` // start of the hour (UTC)
	Kind      SummaryKind `gorm:"uniqueIndex:idx_summary_key,priority:2;index;size:16;not null"`
	Dimension string      `gorm:"uniqueIndex:idx_summary_key,priority:3;index;size:512;not null"`

	SampleCount int64          `gorm:"not null"`
	Stats       datatypes.JSON `gorm:"not null"`

	CreatedAt time.Time
}

// AggregationRun is the ledger row each committed job run leaves behind.
// It is the only job state that survives between invocations.
type AggregationRun struct {
	ID uint `gorm:"primaryKey"`

	StartedAt  time.Time `gorm:"index;not null"`
	FinishedAt time.Time

	// Cutoff is the exclusive upper bound of the raw data rolled by this
	// run; raw rows at or after it were left untouched.
	Cutoff    time.Time `gorm:"index;not null"`
	Emergency bool      `gorm:"not null;default:false"`

	SummariesInserted int64
	SummariesSkipped  int64
	PerformanceRolled int64
	EventsRolled      int64
	LateRowsDiscarded int64
	SummariesPruned   int64

	// TotalRows is the row count across the three telemetry tables after
	// commit; zero until the capacity check has run.
	TotalRows int64
}

// Key returns the idempotency key of a summary.
func (s AggregatedSummary) Key() SummaryKey {
	return SummaryKey{Bucket: s.Bucket.Unix(), Kind: s.Kind, Dimension: s.Dimension}
}

// SummaryKey is the (bucket, kind, dimension) tuple that makes re-running
// aggregation safe.
type SummaryKey struct {
	Bucket    int64 // unix seconds of the hour start
	Kind      SummaryKind
	Dimension string
}
