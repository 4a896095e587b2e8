// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for pipeline
// entries.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions. They follow the "thin repository"
// approach: no business logic, only CRUD persistence and query composition.
//
// Error semantics:
//   - When a deal is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/tbourn/dealflow-admin/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreatePipelineDeal inserts d and fills in its generated ID and timestamps.
func CreatePipelineDeal(ctx context.Context, db *gorm.DB, d *domain.PipelineDeal) error {
	return db.WithContext(ctx).Create(d).Error
}

// GetPipelineDeal fetches a single deal by id, or ErrNotFound if missing.
func GetPipelineDeal(ctx context.Context, db *gorm.DB, id uint) (*domain.PipelineDeal, error) {
	var d domain.PipelineDeal
	if err := db.WithContext(ctx).Where("id = ?", id).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// FindPipelineDealByPair looks a deal up by its normalized (company, partner)
// keys. It returns ErrNotFound when no entry matches.
func FindPipelineDealByPair(ctx context.Context, db *gorm.DB, companyKey, partnerKey string) (*domain.PipelineDeal, error) {
	var d domain.PipelineDeal
	err := db.WithContext(ctx).
		Where("company_key = ? AND partner_key = ?", companyKey, partnerKey).
		First(&d).Error
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListPipelineDeals returns all deals, most recently updated first.
func ListPipelineDeals(ctx context.Context, db *gorm.DB) ([]domain.PipelineDeal, error) {
	var out []domain.PipelineDeal
	err := db.WithContext(ctx).
		Order("updated_at desc, id desc").
		Find(&out).Error
	return out, err
}

// UpdatePipelineDeal applies column updates to the deal identified by id.
// updated_at is bumped by GORM. If no row matches, it returns ErrNotFound.
func UpdatePipelineDeal(ctx context.Context, db *gorm.DB, id uint, updates map[string]any) error {
	res := db.WithContext(ctx).
		Model(&domain.PipelineDeal{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DeletePipelineDeal hard-deletes a deal. History rows are left untouched.
// If no row matches, it returns ErrNotFound.
func DeletePipelineDeal(ctx context.Context, db *gorm.DB, id uint) error {
	res := db.WithContext(ctx).Delete(&domain.PipelineDeal{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CountPipelineDealsByStage returns the number of deals per stage. Stages
// with no deals are absent from the map.
func CountPipelineDealsByStage(ctx context.Context, db *gorm.DB) (map[domain.Stage]int64, error) {
	var rows []struct {
		Stage domain.Stage
		N     int64
	}
	err := db.WithContext(ctx).
		Model(&domain.PipelineDeal{}).
		Select("stage, COUNT(*) AS n").
		Group("stage").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.Stage]int64, len(rows))
	for _, r := range rows {
		out[r.Stage] = r.N
	}
	return out, nil
}

// SumOpenVolume adds up the volume of every deal that is not won or lost.
// NULL volumes contribute nothing. The sum is computed in decimal arithmetic
// rather than SQL so that SQLite's REAL affinity cannot round it.
func SumOpenVolume(ctx context.Context, db *gorm.DB) (decimal.Decimal, error) {
	var vols []decimal.NullDecimal
	err := db.WithContext(ctx).
		Model(&domain.PipelineDeal{}).
		Where("stage NOT IN ?", []domain.Stage{domain.StageWon, domain.StageLost}).
		Pluck("volume", &vols).Error
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, v := range vols {
		if v.Valid {
			sum = sum.Add(v.Decimal)
		}
	}
	return sum, nil
}
