package query

import (
	"errors"
	"fmt"
	"time"
)

// Window is a requested time range, [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Presets are the named ranges the dashboard offers, each ending now.
var Presets = map[string]time.Duration{
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
	"90d": 90 * 24 * time.Hour,
}

// FutureSkew is how far past now a window may end before it is rejected,
// to absorb client clock drift.
const FutureSkew = time.Minute

var (
	ErrBadRange        = errors.New("bad range")
	ErrInvertedRange   = errors.New("inverted range")
	ErrFutureEnd       = errors.New("window ends in the future")
	ErrSpanTooLarge    = errors.New("window span too large")
	ErrBeforeRetention = errors.New("window starts before retention floor")
)

// ValidationError rejects a window before any query runs. Code is stable and
// machine readable; Message tells the user what to change.
type ValidationError struct {
	Code    string
	Message string
	err     error
}

func (e *ValidationError) Error() string { return e.Message }
func (e *ValidationError) Unwrap() error { return e.err }

func invalid(code string, sentinel error, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...), err: sentinel}
}

// ParseWindow resolves a preset name or an RFC3339 start/end pair. A preset
// wins when both are given.
func ParseWindow(preset, start, end string, now time.Time) (Window, error) {
	now = now.UTC()
	if preset != "" {
		d, ok := Presets[preset]
		if !ok {
			return Window{}, invalid("bad_range", ErrBadRange,
				"unknown range %q: use one of 24h, 7d, 30d, 90d or start/end", preset)
		}
		return Window{Start: now.Add(-d), End: now}, nil
	}
	if start == "" || end == "" {
		return Window{}, invalid("bad_range", ErrBadRange,
			"either range or both start and end are required")
	}
	s, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return Window{}, invalid("bad_range", ErrBadRange, "start must be an RFC3339 timestamp, got %q", start)
	}
	e, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return Window{}, invalid("bad_range", ErrBadRange, "end must be an RFC3339 timestamp, got %q", end)
	}
	return Window{Start: s.UTC(), End: e.UTC()}, nil
}

// Limits bounds what a window may cover.
type Limits struct {
	// RawRetention is the raw tier's nominal window (the 7-day boundary).
	RawRetention time.Duration
	// Retention is the total retention of the aggregated tier; it is both
	// the oldest start accepted and the longest span.
	Retention time.Duration
}

// Validate checks w against now and returns a *ValidationError naming the
// first problem found.
func (l Limits) Validate(w Window, now time.Time) error {
	now = now.UTC()
	days := int(l.Retention / (24 * time.Hour))

	if w.Start.After(w.End) {
		return invalid("inverted_range", ErrInvertedRange,
			"start %s is after end %s; swap them", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	if w.End.After(now.Add(FutureSkew)) {
		return invalid("future_end", ErrFutureEnd,
			"end %s is in the future; use a time no later than now", w.End.Format(time.RFC3339))
	}
	if w.End.Sub(w.Start) > l.Retention {
		return invalid("span_too_large", ErrSpanTooLarge,
			"window spans %s; the maximum is %d days", w.End.Sub(w.Start).Round(time.Minute), days)
	}
	if floor := now.Add(-l.Retention); w.Start.Before(floor) {
		return invalid("before_retention", ErrBeforeRetention,
			"start %s is older than the %d-day retention floor %s", w.Start.Format(time.RFC3339), days, floor.Format(time.RFC3339))
	}
	return nil
}
