// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for issuers and
// their enrichment audit trail.
package repo

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/dealflow-admin/internal/domain"
)

// IssuerFilter narrows ListIssuers. Zero values match everything.
type IssuerFilter struct {
	FileKey string
	Ticker  string
}

// ListIssuers returns issuers ordered by ticker.
func ListIssuers(ctx context.Context, db *gorm.DB, f IssuerFilter) ([]domain.Issuer, error) {
	var out []domain.Issuer
	q := db.WithContext(ctx).Order("ticker asc")
	if f.FileKey != "" {
		q = q.Where("file_key = ?", f.FileKey)
	}
	if f.Ticker != "" {
		q = q.Where("ticker = ?", f.Ticker)
	}
	err := q.Find(&out).Error
	return out, err
}

// GetIssuer fetches one issuer by ticker, or ErrNotFound if missing.
func GetIssuer(ctx context.Context, db *gorm.DB, ticker string) (*domain.Issuer, error) {
	var is domain.Issuer
	if err := db.WithContext(ctx).Where("ticker = ?", ticker).First(&is).Error; err != nil {
		return nil, err
	}
	return &is, nil
}

// UpsertIssuer inserts an issuer or refreshes its name and file key.
// The stored profile is left untouched on conflict.
func UpsertIssuer(ctx context.Context, db *gorm.DB, is *domain.Issuer) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ticker"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "file_key", "updated_at"}),
		}).
		Create(is).Error
}

// SaveIssuerProfile stores an enrichment profile together with its KPI
// outcome. If no row matches ticker, it returns ErrNotFound.
func SaveIssuerProfile(ctx context.Context, db *gorm.DB, ticker string, profile datatypes.JSON, score int, passed bool, at time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Issuer{}).
		Where("ticker = ?", ticker).
		Updates(map[string]any{
			"profile":     profile,
			"kpi_score":   score,
			"kpi_passed":  passed,
			"enriched_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CreateIssuerUpdate appends an enrichment audit row.
func CreateIssuerUpdate(ctx context.Context, db *gorm.DB, u *domain.IssuerUpdate) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(u).Error
}

// ListIssuerUpdates returns the audit rows for ticker, newest first.
func ListIssuerUpdates(ctx context.Context, db *gorm.DB, ticker string, limit int) ([]domain.IssuerUpdate, error) {
	var out []domain.IssuerUpdate
	q := db.WithContext(ctx).Where("ticker = ?", ticker).Order("created_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}
