package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const scanBatchSize = 1000

// GroupKey identifies one hour bucket of one dimension while raw rows are
// being grouped.
type GroupKey struct {
	Bucket    int64 // unix seconds of the hour start
	Dimension string
}

// RawRange selects raw rows with From <= occurred_at < To. A zero From is
// unbounded. Dimension, when set, restricts to one endpoint or event kind.
type RawRange struct {
	From, To  time.Time
	Dimension string
}

func (r RawRange) apply(q *gorm.DB, dimensionColumn string) *gorm.DB {
	q = q.Where("occurred_at < ?", r.To)
	if !r.From.IsZero() {
		q = q.Where("occurred_at >= ?", r.From)
	}
	if r.Dimension != "" {
		q = q.Where(dimensionColumn+" = ?", r.Dimension)
	}
	return q
}

// ScanPerformance streams the performance records in r and groups them by
// hour bucket and endpoint.
func ScanPerformance(tx *gorm.DB, r RawRange) (map[GroupKey][]PerformanceSample, error) {
	groups := make(map[GroupKey][]PerformanceSample)
	var batch []PerformanceRecord
	q := r.apply(tx.Model(&PerformanceRecord{}), "endpoint").
		Select("id", "occurred_at", "endpoint", "status_code", "duration_ms", "error_class")
	err := q.FindInBatches(&batch, scanBatchSize, func(_ *gorm.DB, _ int) error {
		for _, rec := range batch {
			k := GroupKey{Bucket: HourBucket(rec.Timestamp).Unix(), Dimension: rec.Endpoint}
			groups[k] = append(groups[k], PerformanceSample{
				StatusCode: rec.StatusCode,
				DurationMs: rec.DurationMs,
				ErrorClass: rec.ErrorClass,
			})
		}
		return nil
	}).Error
	if err != nil {
		return nil, fmt.Errorf("scan performance records: %w", err)
	}
	return groups, nil
}

// ScanUsage streams the interaction events in r and groups them by hour
// bucket and event kind.
func ScanUsage(tx *gorm.DB, r RawRange) (map[GroupKey][]UsageSample, error) {
	groups := make(map[GroupKey][]UsageSample)
	var batch []InteractionEvent
	q := r.apply(tx.Model(&InteractionEvent{}), "kind").
		Select("id", "occurred_at", "kind", "user_id", "page", "success")
	err := q.FindInBatches(&batch, scanBatchSize, func(_ *gorm.DB, _ int) error {
		for _, e := range batch {
			k := GroupKey{Bucket: HourBucket(e.Timestamp).Unix(), Dimension: string(e.Kind)}
			groups[k] = append(groups[k], UsageSample{
				UserID:  e.UserID,
				Page:    e.Page,
				Success: e.Success,
			})
		}
		return nil
	}).Error
	if err != nil {
		return nil, fmt.Errorf("scan interaction events: %w", err)
	}
	return groups, nil
}

// FindSummaries returns the summaries of kind with from <= bucket < to,
// ordered by bucket then dimension.
func FindSummaries(ctx context.Context, db *gorm.DB, kind SummaryKind, from, to time.Time, dimension string) ([]AggregatedSummary, error) {
	q := db.WithContext(ctx).
		Where("kind = ? AND bucket >= ? AND bucket < ?", kind, from, to)
	if dimension != "" {
		q = q.Where("dimension = ?", dimension)
	}
	var rows []AggregatedSummary
	if err := q.Order("bucket ASC, dimension ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load %s summaries: %w", kind, err)
	}
	return rows, nil
}
