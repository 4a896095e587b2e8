// Package domain defines the persistence models for the deal pipeline, the
// sourced-deal ledger, issuers and their enrichment audit, and the settings
// store. These types are mapped with GORM and form the core data layer of the
// admin backend.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Stage is one discrete phase in the negotiation lifecycle of a pipeline entry.
type Stage string

// Pipeline stages in required display order.
const (
	StageNewLead      Stage = "new_lead"
	StageQualifying   Stage = "qualifying"
	StageProposal     Stage = "proposal"
	StageNegotiation  Stage = "negotiation"
	StageDueDiligence Stage = "due_diligence"
	StageClosing      Stage = "closing"
	StageWon          Stage = "won"
	StageLost         Stage = "lost"
)

// Stages lists every stage in display order.
var Stages = []Stage{
	StageNewLead, StageQualifying, StageProposal, StageNegotiation,
	StageDueDiligence, StageClosing, StageWon, StageLost,
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	for _, v := range Stages {
		if v == s {
			return true
		}
	}
	return false
}

// Closed reports whether s counts as closed for win-rate statistics.
// Closed stages are not structurally terminal; a deal may still move out.
func (s Stage) Closed() bool { return s == StageWon || s == StageLost }

// Deal types.
const (
	DealTypeBuy  = "buy"
	DealTypeSell = "sell"
)

// Provenance of pipeline entries and ledger deals.
const (
	SourceManual = "manual"
	SourceMailAI = "mailai"
)

// History actions.
const (
	ActionCreated     = "created"
	ActionStageChange = "stage_change"
	ActionUpdated     = "updated"
)

// History triggers.
const (
	TriggerManual   = "manual"
	TriggerAutoSync = "auto_sync"
)

// PipelineDeal is the CRM-style tracked negotiation record for a
// company/partner pair.
//
// CompanyKey and PartnerKey are case-folded, trimmed shadow copies of
// CompanyName and PartnerName. The unique index over them enforces at most one
// entry per pair; an empty partner is a valid key.
type PipelineDeal struct {
	ID            uint                        `json:"id,string" gorm:"primaryKey;autoIncrement"`
	CompanyName   string                      `json:"company_name"     gorm:"type:varchar(255);not null"`
	CompanyKey    string                      `json:"-"                gorm:"type:varchar(255);not null;uniqueIndex:ux_pipeline_company_partner,priority:1"`
	DealType      string                      `json:"deal_type"        gorm:"type:varchar(8);not null;default:'buy'"`
	Stage         Stage                       `json:"stage"            gorm:"type:varchar(32);not null;default:'new_lead';index"`
	PricePerShare decimal.NullDecimal         `json:"price_per_share" gorm:"type:numeric(30,10)"`
	Volume        decimal.NullDecimal         `json:"volume" gorm:"type:numeric(30,10)"`
	Valuation     decimal.NullDecimal         `json:"valuation" gorm:"type:numeric(30,10)"`
	Structure     string                      `json:"structure"        gorm:"type:varchar(255)"`
	ShareClass    string                      `json:"share_class"      gorm:"type:varchar(255)"`
	PartnerName   string                      `json:"partner_name"     gorm:"type:varchar(255)"`
	PartnerKey    string                      `json:"-"                gorm:"type:varchar(255);not null;default:'';uniqueIndex:ux_pipeline_company_partner,priority:2"`
	PartnerEmail  string                      `json:"partner_email"    gorm:"type:varchar(255)"`
	Probability   int                         `json:"probability"      gorm:"not null;default:0"`
	Notes         string                      `json:"notes"            gorm:"type:text"`
	Source        string                      `json:"source"           gorm:"type:varchar(32);not null;default:'manual'"`
	SourceID      *uint                       `json:"source_id,omitempty" gorm:"index"`
	EmailThreads  datatypes.JSONSlice[string] `json:"email_threads"    gorm:"type:text"`
	CreatedAt     time.Time                   `json:"created_at"`
	UpdatedAt     time.Time                   `json:"updated_at"       gorm:"index"`
}

// TableName returns the database table name for PipelineDeal.
func (PipelineDeal) TableName() string { return "pipeline_deals" }

// PipelineHistory is one append-only audit row for a pipeline entry.
//
// DealID carries no foreign-key constraint: rows outlive the deal they
// describe so that deletes remain auditable.
type PipelineHistory struct {
	ID          uint      `json:"id,string"      gorm:"primaryKey;autoIncrement"`
	DealID      uint      `json:"deal_id,string" gorm:"not null;index:idx_history_deal,priority:1"`
	Action      string    `json:"action"                gorm:"type:varchar(32);not null"`
	FromStage   Stage     `json:"from_stage,omitempty"  gorm:"type:varchar(32)"`
	ToStage     Stage     `json:"to_stage,omitempty"    gorm:"type:varchar(32)"`
	FieldName   string    `json:"field_name,omitempty"  gorm:"type:varchar(64)"`
	OldValue    string    `json:"old_value,omitempty"   gorm:"type:text"`
	NewValue    string    `json:"new_value,omitempty"   gorm:"type:text"`
	TriggeredBy string    `json:"triggered_by"          gorm:"type:varchar(16);not null;default:'manual'"`
	CreatedAt   time.Time `json:"created_at"            gorm:"index:idx_history_deal,priority:2"`
}

// TableName returns the database table name for PipelineHistory.
func (PipelineHistory) TableName() string { return "pipeline_history" }

// LedgerDeal is a sourced buy/sell intent, distinct from a pipeline entry,
// ingested from an external origin (e.g. email automation) or entered by hand.
type LedgerDeal struct {
	ID            uint                        `json:"id"     gorm:"primaryKey;autoIncrement"`
	CompanyName   string                      `json:"company_name"  gorm:"type:varchar(255);not null;index"`
	DealType      string                      `json:"deal_type"     gorm:"type:varchar(8);not null;default:'buy'"`
	PricePerShare decimal.NullDecimal         `json:"price_per_share" gorm:"type:numeric(30,10)"`
	Volume        decimal.NullDecimal         `json:"volume" gorm:"type:numeric(30,10)"`
	Valuation     decimal.NullDecimal         `json:"valuation" gorm:"type:numeric(30,10)"`
	Structure     string                      `json:"structure"     gorm:"type:varchar(255)"`
	ShareClass    string                      `json:"share_class"   gorm:"type:varchar(255)"`
	PartnerName   string                      `json:"partner_name"  gorm:"type:varchar(255)"`
	PartnerEmail  string                      `json:"partner_email" gorm:"type:varchar(255)"`
	Source        string                      `json:"source"        gorm:"type:varchar(32);not null;default:'manual'"`
	EmailThreads  datatypes.JSONSlice[string] `json:"email_threads" gorm:"type:text"`
	Notes         string                      `json:"notes"         gorm:"type:text"`
	CreatedAt     time.Time                   `json:"created_at"    gorm:"index"`
	UpdatedAt     time.Time                   `json:"updated_at"`
}

// TableName returns the database table name for LedgerDeal.
func (LedgerDeal) TableName() string { return "deals" }

// Issuer is a company tracked by the club and the unit of work of an
// auto-update run. FileKey groups issuers into partitions that queue filters
// can target.
type Issuer struct {
	Ticker     string         `json:"ticker"                gorm:"type:varchar(32);primaryKey"`
	Name       string         `json:"name"                  gorm:"type:varchar(255);not null"`
	FileKey    string         `json:"file_key"              gorm:"type:varchar(64);index"`
	Profile    datatypes.JSON `json:"profile,omitempty"     gorm:"type:text"`
	KPIScore   *int           `json:"kpi_score,omitempty"`
	KPIPassed  *bool          `json:"kpi_passed,omitempty"`
	EnrichedAt *time.Time     `json:"enriched_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// TableName returns the database table name for Issuer.
func (Issuer) TableName() string { return "issuers" }

// IssuerUpdate is an append-only audit row written whenever an enrichment
// profile is persisted for an issuer.
type IssuerUpdate struct {
	ID        uint      `json:"id"  gorm:"primaryKey;autoIncrement"`
	Ticker    string    `json:"ticker"     gorm:"type:varchar(32);not null;index"`
	Mode      string    `json:"mode"       gorm:"type:varchar(16);not null"`
	Score     int       `json:"score"`
	Passed    bool      `json:"passed"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for IssuerUpdate.
func (IssuerUpdate) TableName() string { return "issuer_updates" }

// Setting is one opaque JSON document in the key-value settings store.
type Setting struct {
	Key       string         `json:"key"        gorm:"type:varchar(64);primaryKey"`
	Value     datatypes.JSON `json:"value"      gorm:"type:text;not null"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TableName returns the database table name for Setting.
func (Setting) TableName() string { return "settings" }
