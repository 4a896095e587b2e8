package domain

import (
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:domain_models?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestTableNames(t *testing.T) {
	cases := map[string]string{
		(PipelineDeal{}).TableName():    "pipeline_deals",
		(PipelineHistory{}).TableName(): "pipeline_history",
		(LedgerDeal{}).TableName():      "deals",
		(Issuer{}).TableName():          "issuers",
		(IssuerUpdate{}).TableName():    "issuer_updates",
		(Setting{}).TableName():         "settings",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("TableName() = %q; want %q", got, want)
		}
	}
}

func TestStage_Valid_And_Closed(t *testing.T) {
	for _, s := range Stages {
		if !s.Valid() {
			t.Fatalf("%q should be valid", s)
		}
	}
	if Stage("archived").Valid() || Stage("").Valid() {
		t.Fatalf("unknown stages must be invalid")
	}
	if len(Stages) != 8 || Stages[0] != StageNewLead || Stages[7] != StageLost {
		t.Fatalf("unexpected stage order: %v", Stages)
	}
	if !StageWon.Closed() || !StageLost.Closed() || StageClosing.Closed() {
		t.Fatalf("only won/lost are closed")
	}
}

func TestMigrations_Indexes_AndUniquePair(t *testing.T) {
	db := newDomainDB(t)

	models := []any{&PipelineDeal{}, &PipelineHistory{}, &LedgerDeal{}, &Issuer{}, &IssuerUpdate{}, &Setting{}}
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	m := db.Migrator()
	for _, tbl := range models {
		if !m.HasTable(tbl) {
			t.Fatalf("expected table for %T to exist", tbl)
		}
	}
	if !m.HasIndex(&PipelineDeal{}, "ux_pipeline_company_partner") {
		t.Fatalf("expected unique index ux_pipeline_company_partner on pipeline_deals")
	}
	if !m.HasIndex(&PipelineHistory{}, "idx_history_deal") {
		t.Fatalf("expected index idx_history_deal on pipeline_history")
	}

	d1 := &PipelineDeal{
		CompanyName: "Acme", CompanyKey: "acme", PartnerKey: "",
		DealType: DealTypeBuy, Stage: StageNewLead, Source: SourceManual,
		Volume:       decimal.NewNullDecimal(decimal.NewFromInt(1000)),
		EmailThreads: datatypes.JSONSlice[string]{"t-1", "t-2"},
	}
	if err := db.Create(d1).Error; err != nil {
		t.Fatalf("insert d1: %v", err)
	}

	// Same company key with an empty partner collides.
	d2 := &PipelineDeal{CompanyName: "ACME ", CompanyKey: "acme", DealType: DealTypeSell, Stage: StageNewLead, Source: SourceManual}
	if err := db.Create(d2).Error; err == nil {
		t.Fatalf("expected unique violation on (company_key, partner_key)")
	}

	// A different partner is a different pair.
	d3 := &PipelineDeal{CompanyName: "Acme", CompanyKey: "acme", PartnerName: "Fund", PartnerKey: "fund", DealType: DealTypeBuy, Stage: StageNewLead, Source: SourceManual}
	if err := db.Create(d3).Error; err != nil {
		t.Fatalf("insert d3: %v", err)
	}

	var got PipelineDeal
	if err := db.First(&got, d1.ID).Error; err != nil {
		t.Fatalf("readback: %v", err)
	}
	if !got.Volume.Valid || !got.Volume.Decimal.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("volume roundtrip = %+v", got.Volume)
	}
	if got.PricePerShare.Valid {
		t.Fatalf("price_per_share should be NULL")
	}
	if len(got.EmailThreads) != 2 || got.EmailThreads[1] != "t-2" {
		t.Fatalf("email threads roundtrip = %v", got.EmailThreads)
	}

	// History has no FK: rows survive deletion of the deal.
	h := &PipelineHistory{DealID: d1.ID, Action: ActionCreated, ToStage: StageNewLead, TriggeredBy: TriggerManual, CreatedAt: time.Now().UTC()}
	if err := db.Create(h).Error; err != nil {
		t.Fatalf("insert history: %v", err)
	}
	if err := db.Delete(&PipelineDeal{}, d1.ID).Error; err != nil {
		t.Fatalf("delete d1: %v", err)
	}
	var cnt int64
	if err := db.Model(&PipelineHistory{}).Where("deal_id = ?", d1.ID).Count(&cnt).Error; err != nil {
		t.Fatalf("count history: %v", err)
	}
	if cnt != 1 {
		t.Fatalf("history should be retained after delete, got %d", cnt)
	}
}
