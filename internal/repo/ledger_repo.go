// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for ledger deals.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/dealflow-admin/internal/domain"
)

// CreateLedgerDeal inserts d and fills in its generated ID and timestamps.
func CreateLedgerDeal(ctx context.Context, db *gorm.DB, d *domain.LedgerDeal) error {
	return db.WithContext(ctx).Create(d).Error
}

// ListLedgerDeals returns ledger deals, newest first. A non-positive limit
// returns every row.
func ListLedgerDeals(ctx context.Context, db *gorm.DB, limit int) ([]domain.LedgerDeal, error) {
	var out []domain.LedgerDeal
	q := db.WithContext(ctx).Order("created_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}
