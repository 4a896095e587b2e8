// Package services – IssuerService
//
// This file implements issuer lookup and enrichment-profile persistence.
// Saving a profile also appends an IssuerUpdate audit row in the same
// transaction, mirroring how pipeline mutations append history.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/dealflow-admin/internal/domain"
	"github.com/tbourn/dealflow-admin/internal/kpi"
	"github.com/tbourn/dealflow-admin/internal/repo"
)

// IssuerService owns issuers and their enrichment profiles.
type IssuerService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Now is the clock used for enriched_at; defaults to time.Now.
	Now func() time.Time
}

// NewIssuerService constructs an IssuerService.
func NewIssuerService(db *gorm.DB) *IssuerService {
	return &IssuerService{DB: db, Now: time.Now}
}

// ListIssuers returns issuers matching f, ordered by ticker.
func (s *IssuerService) ListIssuers(ctx context.Context, f repo.IssuerFilter) ([]domain.Issuer, error) {
	tr := otel.Tracer("services/IssuerService")
	ctx, span := tr.Start(ctx, "ListIssuers",
		trace.WithAttributes(
			attribute.String("issuer.file_key", f.FileKey),
			attribute.String("issuer.ticker", f.Ticker),
		),
	)
	defer span.End()

	out, err := repo.ListIssuers(ctx, s.DB, f)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.Issuer{}
	}
	return out, nil
}

// Get returns one issuer by ticker.
func (s *IssuerService) Get(ctx context.Context, ticker string) (*domain.Issuer, error) {
	is, err := repo.GetIssuer(ctx, s.DB, strings.TrimSpace(ticker))
	if err != nil {
		return nil, mapNotFound(err)
	}
	return is, nil
}

// Upsert creates or renames an issuer.
func (s *IssuerService) Upsert(ctx context.Context, is *domain.Issuer) error {
	is.Ticker = strings.ToUpper(strings.TrimSpace(is.Ticker))
	is.Name = strings.TrimSpace(is.Name)
	if is.Ticker == "" || is.Name == "" {
		return fmt.Errorf("%w: ticker and name are required", ErrInvalidDeal)
	}
	return repo.UpsertIssuer(ctx, s.DB, is)
}

// SaveProfile persists profile for ticker together with its KPI outcome and
// appends an audit row, all in one transaction.
func (s *IssuerService) SaveProfile(ctx context.Context, ticker, mode string, profile map[string]any, res kpi.Result) error {
	tr := otel.Tracer("services/IssuerService")
	ctx, span := tr.Start(ctx, "SaveProfile",
		trace.WithAttributes(
			attribute.String("issuer.ticker", ticker),
			attribute.String("enrichment.mode", mode),
			attribute.Int("kpi.score", res.Score),
		),
	)
	defer span.End()

	b, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	now := s.now()
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.SaveIssuerProfile(ctx, tx, ticker, datatypes.JSON(b), res.Score, res.Passed, now); err != nil {
			return mapNotFound(err)
		}
		return repo.CreateIssuerUpdate(ctx, tx, &domain.IssuerUpdate{
			Ticker:    ticker,
			Mode:      mode,
			Score:     res.Score,
			Passed:    res.Passed,
			CreatedAt: now,
		})
	})
}

// Updates returns the enrichment audit rows for ticker, newest first.
func (s *IssuerService) Updates(ctx context.Context, ticker string, limit int) ([]domain.IssuerUpdate, error) {
	return repo.ListIssuerUpdates(ctx, s.DB, ticker, limit)
}

func (s *IssuerService) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}
