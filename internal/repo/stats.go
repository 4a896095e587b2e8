// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries used for
// conditional responses (ETag generation) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// TableStats returns the row count and the greatest UpdatedAt of model's
// table. When the table is empty, count is 0 and maxUpdatedAt is nil.
//
// model must be a pointer to a domain type with an updated_at column
// (e.g. &domain.PipelineDeal{} or &domain.LedgerDeal{}).
func TableStats(ctx context.Context, db *gorm.DB, model any) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(model)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = db.WithContext(ctx).Model(model).Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
