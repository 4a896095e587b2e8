// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides append-only access to pipeline history.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/dealflow-admin/internal/domain"
)

// MaxHistory is the most history rows returned for a single deal.
const MaxHistory = 50

// AppendHistory inserts a history row. CreatedAt defaults to now (UTC).
func AppendHistory(ctx context.Context, db *gorm.DB, h *domain.PipelineHistory) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(h).Error
}

// ListHistory returns up to limit history rows for dealID, newest first.
// limit is clamped to (0, MaxHistory].
func ListHistory(ctx context.Context, db *gorm.DB, dealID uint, limit int) ([]domain.PipelineHistory, error) {
	if limit <= 0 || limit > MaxHistory {
		limit = MaxHistory
	}
	var out []domain.PipelineHistory
	err := db.WithContext(ctx).
		Where("deal_id = ?", dealID).
		Order("created_at desc, id desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountHistory returns the total number of history rows for dealID.
func CountHistory(ctx context.Context, db *gorm.DB, dealID uint) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.PipelineHistory{}).
		Where("deal_id = ?", dealID).
		Count(&n).Error
	return n, err
}
