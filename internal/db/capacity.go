package db

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"apitelemetry/internal/metrics"
)

// CapacityAlertPrefix starts every alert-level capacity log line so that log
// based alerting can grep for it.
const CapacityAlertPrefix = "CAPACITY_ALERT:"

// CapacityLevel grades the row count against the configured ceiling.
type CapacityLevel string

const (
	CapacityOK       CapacityLevel = "ok"
	CapacityWarning  CapacityLevel = "warning"  // past 80% of the ceiling
	CapacityExceeded CapacityLevel = "exceeded" // past the ceiling
)

// capacityWarnRatio is the fraction of the ceiling that triggers a warning.
const capacityWarnRatio = 0.8

// CapacityReport is the outcome of the post-commit capacity check.
type CapacityReport struct {
	Rows    map[string]int64
	Total   int64
	Ceiling int64
	Level   CapacityLevel

	// Previous is the total recorded by the preceding run, zero if unknown.
	Previous int64
	// Growth is (Total-Previous)/Previous, zero when Previous is unknown.
	Growth float64
}

// CountRows counts the rows of the three telemetry tables.
func CountRows(ctx context.Context, db *gorm.DB) (map[string]int64, int64, error) {
	tables := []struct {
		name  string
		model any
	}{
		{"performance_records", &PerformanceRecord{}},
		{"interaction_events", &InteractionEvent{}},
		{"aggregated_summaries", &AggregatedSummary{}},
	}
	rows := make(map[string]int64, len(tables))
	var total int64
	for _, t := range tables {
		var n int64
		if err := db.WithContext(ctx).Model(t.model).Count(&n).Error; err != nil {
			return nil, 0, fmt.Errorf("count %s: %w", t.name, err)
		}
		rows[t.name] = n
		total += n
		metrics.Rows.WithLabelValues(t.name).Set(float64(n))
	}
	return rows, total, nil
}

// assessCapacity counts rows, stores the total on the run's ledger row and
// grades it against ceiling, comparing with the previous run's total.
func assessCapacity(ctx context.Context, db *gorm.DB, run *AggregationRun, ceiling int64) (CapacityReport, error) {
	rows, total, err := CountRows(ctx, db)
	if err != nil {
		return CapacityReport{}, err
	}

	if run.ID != 0 {
		if err := db.WithContext(ctx).Model(&AggregationRun{}).
			Where("id = ?", run.ID).
			Update("total_rows", total).Error; err != nil {
			return CapacityReport{}, fmt.Errorf("record total rows: %w", err)
		}
		run.TotalRows = total
	}

	var prev []int64
	if err := db.WithContext(ctx).Model(&AggregationRun{}).
		Where("id <> ? AND total_rows > 0", run.ID).
		Order("id DESC").
		Limit(1).
		Pluck("total_rows", &prev).Error; err != nil {
		return CapacityReport{}, fmt.Errorf("load previous run total: %w", err)
	}

	report := CapacityReport{
		Rows:    rows,
		Total:   total,
		Ceiling: ceiling,
		Level:   gradeCapacity(total, ceiling),
	}
	if len(prev) > 0 && prev[0] > 0 {
		report.Previous = prev[0]
		report.Growth = float64(total-prev[0]) / float64(prev[0])
	}
	return report, nil
}

func gradeCapacity(total, ceiling int64) CapacityLevel {
	switch {
	case total > ceiling:
		return CapacityExceeded
	case float64(total) > capacityWarnRatio*float64(ceiling):
		return CapacityWarning
	default:
		return CapacityOK
	}
}
