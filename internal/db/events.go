package db

import (
	"context"

	"gorm.io/gorm"
)

const insertBatchSize = 200

// InsertEvents stores a submitted batch atomically: either every event is
// persisted or none is.
func InsertEvents(ctx context.Context, db *gorm.DB, events []InteractionEvent) error {
	if len(events) == 0 {
		return nil
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&events, insertBatchSize).Error
	})
}

// FindPerformanceRecord loads a single raw record by id. It returns
// gorm.ErrRecordNotFound when the record does not exist or was rolled up.
func FindPerformanceRecord(ctx context.Context, db *gorm.DB, id uint) (*PerformanceRecord, error) {
	var rec PerformanceRecord
	if err := db.WithContext(ctx).First(&rec, id).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}
