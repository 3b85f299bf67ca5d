package db

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"gorm.io/datatypes"
)

// Stats is the statistics payload of one hour bucket. It is either
// PerformanceStats or UsageStats; switch on the concrete type.
type Stats interface {
	SummaryKind() SummaryKind
	Samples() int64
}

// Distribution holds pre-computed order statistics over a set of values.
type Distribution struct {
	Mean float64 `json:"mean"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	P50  float64 `json:"p50"`
	P95  float64 `json:"p95"`
	P99  float64 `json:"p99"`
}

// PerformanceStats summarizes request durations for one endpoint and hour.
type PerformanceStats struct {
	Count      int64        `json:"count"`
	ErrorCount int64        `json:"error_count"`
	DurationMs Distribution `json:"duration_ms"`
	// StatusBreakdown counts records per HTTP status code.
	StatusBreakdown map[string]int64 `json:"status_breakdown"`
	// ErrorClasses counts records per error classification.
	ErrorClasses map[string]int64 `json:"error_classes,omitempty"`
}

func (PerformanceStats) SummaryKind() SummaryKind { return SummaryPerformance }
func (s PerformanceStats) Samples() int64         { return s.Count }

// UsageStats summarizes interaction events for one event kind and hour.
type UsageStats struct {
	Count        int64 `json:"count"`
	UniqueUsers  int64 `json:"unique_users"`
	SuccessCount int64 `json:"success_count"`
	FailureCount int64 `json:"failure_count"`
	// EventsPerUser is the distribution of events per distinct user.
	EventsPerUser Distribution `json:"events_per_user"`
	// PageBreakdown counts events per page; events without a page are
	// counted under "".
	PageBreakdown map[string]int64 `json:"page_breakdown"`
}

func (UsageStats) SummaryKind() SummaryKind { return SummaryUsage }
func (s UsageStats) Samples() int64         { return s.Count }

// PerformanceSample is the subset of a PerformanceRecord the statistics need.
type PerformanceSample struct {
	StatusCode int
	DurationMs float64
	ErrorClass *string
}

// UsageSample is the subset of an InteractionEvent the statistics need.
type UsageSample struct {
	UserID  string
	Page    *string
	Success *bool
}

// ComputePerformanceStats builds the payload for one bucket. The same
// function serves the aggregation job and raw-tier reads, so both tiers
// report identical numbers for identical input.
func ComputePerformanceStats(samples []PerformanceSample) PerformanceStats {
	stats := PerformanceStats{
		Count:           int64(len(samples)),
		StatusBreakdown: make(map[string]int64),
	}
	durations := make([]float64, 0, len(samples))
	for _, s := range samples {
		durations = append(durations, s.DurationMs)
		stats.StatusBreakdown[strconv.Itoa(s.StatusCode)]++
		if s.StatusCode >= 400 {
			stats.ErrorCount++
		}
		if s.ErrorClass != nil {
			if stats.ErrorClasses == nil {
				stats.ErrorClasses = make(map[string]int64)
			}
			stats.ErrorClasses[*s.ErrorClass]++
		}
	}
	stats.DurationMs = distribution(durations)
	return stats
}

// ComputeUsageStats builds the payload for one bucket of interaction events.
func ComputeUsageStats(samples []UsageSample) UsageStats {
	stats := UsageStats{
		Count:         int64(len(samples)),
		PageBreakdown: make(map[string]int64),
	}
	perUser := make(map[string]int)
	for _, s := range samples {
		perUser[s.UserID]++
		page := ""
		if s.Page != nil {
			page = *s.Page
		}
		stats.PageBreakdown[page]++
		if s.Success != nil {
			if *s.Success {
				stats.SuccessCount++
			} else {
				stats.FailureCount++
			}
		}
	}
	stats.UniqueUsers = int64(len(perUser))
	counts := make([]float64, 0, len(perUser))
	for _, n := range perUser {
		counts = append(counts, float64(n))
	}
	stats.EventsPerUser = distribution(counts)
	return stats
}

func distribution(values []float64) Distribution {
	n := len(values)
	if n == 0 {
		return Distribution{}
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return Distribution{
		Mean: sum / float64(n),
		Min:  sorted[0],
		Max:  sorted[n-1],
		P50:  Percentile(sorted, 50),
		P95:  Percentile(sorted, 95),
		P99:  Percentile(sorted, 99),
	}
}

// Percentile returns the p-th percentile (0..100) of an ascending slice
// using the nearest-rank index n*p/100, clamped to the last element.
func Percentile(sorted []float64, p int) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := (n * p) / 100
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// EncodeStats serializes a payload for the Stats column.
func EncodeStats(s Stats) (datatypes.JSON, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode %s stats: %w", s.SummaryKind(), err)
	}
	return datatypes.JSON(b), nil
}

// DecodeStats returns the typed payload of a summary, discriminated by Kind.
func (s AggregatedSummary) DecodeStats() (Stats, error) {
	switch s.Kind {
	case SummaryPerformance:
		var ps PerformanceStats
		if err := json.Unmarshal(s.Stats, &ps); err != nil {
			return nil, fmt.Errorf("decode performance stats for summary %d: %w", s.ID, err)
		}
		return ps, nil
	case SummaryUsage:
		var us UsageStats
		if err := json.Unmarshal(s.Stats, &us); err != nil {
			return nil, fmt.Errorf("decode usage stats for summary %d: %w", s.ID, err)
		}
		return us, nil
	default:
		return nil, fmt.Errorf("summary %d: unknown kind %q", s.ID, s.Kind)
	}
}
