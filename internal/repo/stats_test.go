package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/dealflow-admin/internal/domain"
)

func newTestDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()
	// Unique DB per test to avoid schema leaking across tests.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func seedDeal(t *testing.T, db *gorm.DB, company, partner string, stage domain.Stage, at time.Time) *domain.PipelineDeal {
	t.Helper()
	d := &domain.PipelineDeal{
		CompanyName: company,
		CompanyKey:  company,
		PartnerName: partner,
		PartnerKey:  partner,
		DealType:    domain.DealTypeBuy,
		Stage:       stage,
		Source:      domain.SourceManual,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	if err := db.Create(d).Error; err != nil {
		t.Fatalf("seed deal %s/%s: %v", company, partner, err)
	}
	return d
}

func TestTableStats_CountError_NoTable(t *testing.T) {
	db := newTestDB(t /* no migrations */)
	_, _, err := TableStats(context.Background(), db, &domain.PipelineDeal{})
	if err == nil {
		t.Fatalf("expected error due to missing pipeline_deals table")
	}
}

func TestTableStats_ZeroRows(t *testing.T) {
	db := newTestDB(t, &domain.PipelineDeal{})
	count, maxAt, err := TableStats(context.Background(), db, &domain.PipelineDeal{})
	if err != nil {
		t.Fatalf("TableStats error: %v", err)
	}
	if count != 0 || maxAt != nil {
		t.Fatalf("expected (0, nil), got (%d, %v)", count, maxAt)
	}
}

func TestTableStats_Success_Max(t *testing.T) {
	db := newTestDB(t, &domain.PipelineDeal{})

	t1 := time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)
	t2 := time.Date(2025, 3, 4, 10, 30, 0, 0, time.UTC) // max
	t3 := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)

	seedDeal(t, db, "a", "", domain.StageNewLead, t1)
	seedDeal(t, db, "b", "", domain.StageNewLead, t2)
	seedDeal(t, db, "c", "", domain.StageWon, t3)

	count, maxAt, err := TableStats(context.Background(), db, &domain.PipelineDeal{})
	if err != nil {
		t.Fatalf("TableStats error: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected count 3, got %d", count)
	}
	if maxAt == nil || !maxAt.Equal(t2) {
		t.Fatalf("expected maxUpdatedAt %v, got %v", t2, maxAt)
	}
}

// Force the second query (SELECT updated_at ...) to fail by renaming the column.
func TestTableStats_SelectLatest_ErrorPath(t *testing.T) {
	db := newTestDB(t, &domain.LedgerDeal{})

	now := time.Now().UTC()
	if err := db.Create(&domain.LedgerDeal{CompanyName: "x", DealType: "buy", Source: "manual", CreatedAt: now, UpdatedAt: now}).Error; err != nil {
		t.Fatalf("seed deal: %v", err)
	}

	if err := db.Exec(`ALTER TABLE deals RENAME COLUMN updated_at TO updated_at_old`).Error; err != nil {
		t.Fatalf("rename column: %v", err)
	}

	_, _, err := TableStats(context.Background(), db, &domain.LedgerDeal{})
	if err == nil {
		t.Fatalf("expected error from latest-updated select after column rename")
	}
}
