// Package services – LedgerService
//
// This file implements the sourced-deal ledger. Every ledger insert runs
// pipeline auto-sync in the same transaction, so an ingested deal and the
// pipeline entry it creates commit or roll back together.
package services

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/dealflow-admin/internal/domain"
	"github.com/tbourn/dealflow-admin/internal/repo"
)

// LedgerService records sourced deals and keeps the pipeline populated.
type LedgerService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
}

// NewLedgerService constructs a LedgerService.
func NewLedgerService(db *gorm.DB) *LedgerService {
	return &LedgerService{DB: db}
}

// BulkResult summarizes a bulk load.
type BulkResult struct {
	Inserted int `json:"inserted"`
	Synced   int `json:"synced"`
}

// Create inserts a ledger deal and auto-syncs it into the pipeline. It
// reports whether a pipeline entry was created.
func (s *LedgerService) Create(ctx context.Context, d *domain.LedgerDeal) (bool, error) {
	tr := otel.Tracer("services/LedgerService")
	ctx, span := tr.Start(ctx, "Create",
		trace.WithAttributes(attribute.String("deal.company", d.CompanyName)),
	)
	defer span.End()

	if err := normalizeLedger(d); err != nil {
		return false, err
	}
	var synced bool
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.CreateLedgerDeal(ctx, tx, d); err != nil {
			return err
		}
		var err error
		synced, err = autoSync(ctx, tx, d)
		return err
	})
	if err != nil {
		return false, err
	}
	return synced, nil
}

// BulkCreate inserts every deal and auto-syncs each inside one transaction.
// Pairs repeated within the batch create a single pipeline entry. Any
// invalid deal rejects the whole batch.
func (s *LedgerService) BulkCreate(ctx context.Context, deals []domain.LedgerDeal) (*BulkResult, error) {
	tr := otel.Tracer("services/LedgerService")
	ctx, span := tr.Start(ctx, "BulkCreate",
		trace.WithAttributes(attribute.Int("deals.count", len(deals))),
	)
	defer span.End()

	for i := range deals {
		if err := normalizeLedger(&deals[i]); err != nil {
			return nil, fmt.Errorf("deal %d: %w", i, err)
		}
	}

	res := &BulkResult{}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range deals {
			if err := repo.CreateLedgerDeal(ctx, tx, &deals[i]); err != nil {
				return err
			}
			res.Inserted++
			created, err := autoSync(ctx, tx, &deals[i])
			if err != nil {
				return err
			}
			if created {
				res.Synced++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// List returns ledger deals, newest first.
func (s *LedgerService) List(ctx context.Context, limit int) ([]domain.LedgerDeal, error) {
	tr := otel.Tracer("services/LedgerService")
	ctx, span := tr.Start(ctx, "List",
		trace.WithAttributes(attribute.Int("limit", limit)),
	)
	defer span.End()

	out, err := repo.ListLedgerDeals(ctx, s.DB, limit)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.LedgerDeal{}
	}
	return out, nil
}

func normalizeLedger(d *domain.LedgerDeal) error {
	d.CompanyName = strings.TrimSpace(d.CompanyName)
	if d.CompanyName == "" {
		return fmt.Errorf("%w: company_name is required", ErrInvalidDeal)
	}
	d.DealType = strings.ToLower(strings.TrimSpace(d.DealType))
	if d.DealType == "" {
		d.DealType = domain.DealTypeBuy
	}
	if d.DealType != domain.DealTypeBuy && d.DealType != domain.DealTypeSell {
		return fmt.Errorf("%w: deal_type must be buy or sell", ErrInvalidDeal)
	}
	d.PartnerName = strings.TrimSpace(d.PartnerName)
	d.Source = strings.TrimSpace(d.Source)
	if d.Source == "" {
		d.Source = domain.SourceManual
	}
	d.ID = 0
	return nil
}
