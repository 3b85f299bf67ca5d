package db

import (
	"time"

	"gorm.io/gorm"
)

// deleteRawBefore removes raw rows of model (PerformanceRecord or
// InteractionEvent) strictly older than cutoff.
func deleteRawBefore(tx *gorm.DB, model any, cutoff time.Time) (int64, error) {
	res := tx.Where("occurred_at < ?", cutoff).Delete(model)
	return res.RowsAffected, res.Error
}

// pruneSummaries performs the long-term cleanup of the aggregated tier,
// deleting every summary whose bucket is older than floor.
func pruneSummaries(tx *gorm.DB, floor time.Time) (int64, error) {
	res := tx.Where("bucket < ?", floor).Delete(&AggregatedSummary{})
	return res.RowsAffected, res.Error
}

// pruneRuns trims the run ledger to the aggregated tier's horizon. The most
// recent run is always kept because the router and the capacity check read
// it.
func pruneRuns(tx *gorm.DB, floor time.Time, keepID uint) error {
	return tx.Where("started_at < ? AND id <> ?", floor, keepID).Delete(&AggregationRun{}).Error
}
