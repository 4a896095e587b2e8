// Package services – PipelineService
//
// This file implements the pipeline engine: the deal stage state machine and
// its append-only history. Every mutation of a pipeline entry and the history
// row that records it are written in a single transaction, so a deal is never
// observed without the audit row that explains it.
//
// Stages may move to any other stage; won and lost only matter for
// statistics. Uniqueness of (company, partner) is enforced by stored,
// case-folded shadow keys backed by a unique index.
//
// Observability: all public methods are OpenTelemetry-instrumented.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/dealflow-admin/internal/domain"
	"github.com/tbourn/dealflow-admin/internal/repo"
)

// autoSyncProbability is the probability given to entries created by AutoSync.
const autoSyncProbability = 20

// PipelineService owns pipeline entries and their history.
type PipelineService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
}

// NewPipelineService constructs a PipelineService.
func NewPipelineService(db *gorm.DB) *PipelineService {
	return &PipelineService{DB: db}
}

// DealInput carries the fields accepted when creating a pipeline entry.
// Zero values mean "not provided"; Stage defaults to new_lead, DealType to
// buy and Source to manual.
type DealInput struct {
	CompanyName   string              `json:"company_name" binding:"required" example:"Acme Robotics"`
	PartnerName   string              `json:"partner_name" example:"Northwind Capital"`
	PartnerEmail  string              `json:"partner_email" example:"deals@northwind.example"`
	DealType      string              `json:"deal_type" example:"buy"`
	Stage         domain.Stage        `json:"stage" example:"new_lead"`
	PricePerShare decimal.NullDecimal `json:"price_per_share" swaggertype:"string" example:"12.50"`
	Volume        decimal.NullDecimal `json:"volume" swaggertype:"string" example:"250000"`
	Valuation     decimal.NullDecimal `json:"valuation" swaggertype:"string" example:"1200000000"`
	Structure     string              `json:"structure" example:"direct"`
	ShareClass    string              `json:"share_class" example:"Series C preferred"`
	Probability   int                 `json:"probability" example:"40"`
	Notes         string              `json:"notes"`
	Source        string              `json:"source" example:"manual"`
	SourceID      *uint               `json:"source_id,omitempty"`
	EmailThreads  []string            `json:"email_threads"`
}

// DealDetail is a deal together with its most recent history.
// HistoryTotal counts every history row, including those past the page.
type DealDetail struct {
	Deal         *domain.PipelineDeal     `json:"deal"`
	History      []domain.PipelineHistory `json:"history"`
	HistoryTotal int64                    `json:"history_total"`
}

// PipelineStats are derived pipeline statistics.
type PipelineStats struct {
	Total int64 `json:"total"`
	// PipelineValue is the summed volume of deals that are neither won nor lost.
	PipelineValue decimal.Decimal `json:"pipeline_value" swaggertype:"string"`
	Won           int64           `json:"won"`
	Lost          int64           `json:"lost"`
	// WinRate is won / (won + lost), or 0 when nothing is closed.
	WinRate float64                `json:"win_rate"`
	ByStage map[domain.Stage]int64 `json:"by_stage"`
}

// NormalizeKey returns the case-folded, trimmed form of a company or partner
// name used for uniqueness. A fresh Caser is used per call since Casers are
// not safe for concurrent use.
func NormalizeKey(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// Create inserts a new pipeline entry and its `created` history row in one
// transaction. It returns ErrDuplicateDeal if the (company, partner) pair is
// taken and ErrInvalidDeal/ErrInvalidStage for bad input.
func (s *PipelineService) Create(ctx context.Context, in DealInput) (*domain.PipelineDeal, error) {
	tr := otel.Tracer("services/PipelineService")
	ctx, span := tr.Start(ctx, "Create",
		trace.WithAttributes(attribute.String("deal.company", in.CompanyName)),
	)
	defer span.End()

	d, err := newDeal(in)
	if err != nil {
		return nil, err
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := repo.FindPipelineDealByPair(ctx, tx, d.CompanyKey, d.PartnerKey); err == nil {
			return ErrDuplicateDeal
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := repo.CreatePipelineDeal(ctx, tx, d); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) || isDuplicate(err) {
				return ErrDuplicateDeal
			}
			return err
		}
		return repo.AppendHistory(ctx, tx, &domain.PipelineHistory{
			DealID:      d.ID,
			Action:      domain.ActionCreated,
			ToStage:     d.Stage,
			TriggeredBy: domain.TriggerManual,
		})
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ChangeStage moves a deal to stage and appends a `stage_change` row.
// Setting the current stage again is a no-op that writes no history.
func (s *PipelineService) ChangeStage(ctx context.Context, id uint, stage domain.Stage) (*domain.PipelineDeal, error) {
	tr := otel.Tracer("services/PipelineService")
	ctx, span := tr.Start(ctx, "ChangeStage",
		trace.WithAttributes(
			attribute.Int("deal.id", int(id)),
			attribute.String("deal.stage", string(stage)),
		),
	)
	defer span.End()

	if !stage.Valid() {
		return nil, ErrInvalidStage
	}

	var out *domain.PipelineDeal
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := repo.GetPipelineDeal(ctx, tx, id)
		if err != nil {
			return mapNotFound(err)
		}
		if d.Stage == stage {
			out = d
			return nil
		}
		from := d.Stage
		if err := repo.UpdatePipelineDeal(ctx, tx, id, map[string]any{"stage": stage}); err != nil {
			return mapNotFound(err)
		}
		if err := repo.AppendHistory(ctx, tx, &domain.PipelineHistory{
			DealID:      id,
			Action:      domain.ActionStageChange,
			FromStage:   from,
			ToStage:     stage,
			TriggeredBy: domain.TriggerManual,
		}); err != nil {
			return err
		}
		out, err = repo.GetPipelineDeal(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateFields applies a partial update. Only recognized fields are
// considered; each changed field is written and recorded as one history row
// (`stage_change` for stage, `updated` otherwise). It returns ErrNoChanges
// when nothing differs and ErrDuplicateDeal when a rename collides with
// another entry.
//
// patch values may be JSON-decoded (string, float64, nil, []any) or typed Go
// values (int, decimal.Decimal, []string, domain.Stage).
func (s *PipelineService) UpdateFields(ctx context.Context, id uint, patch map[string]any) (*domain.PipelineDeal, error) {
	tr := otel.Tracer("services/PipelineService")
	ctx, span := tr.Start(ctx, "UpdateFields",
		trace.WithAttributes(
			attribute.Int("deal.id", int(id)),
			attribute.Int("patch.keys", len(patch)),
		),
	)
	defer span.End()

	var out *domain.PipelineDeal
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := repo.GetPipelineDeal(ctx, tx, id)
		if err != nil {
			return mapNotFound(err)
		}

		changes, err := diffPatch(d, patch)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			return ErrNoChanges
		}

		updates := make(map[string]any, len(changes)+2)
		for _, ch := range changes {
			updates[ch.column] = ch.value
		}

		// Renames move the deal to a new (company, partner) pair.
		companyKey, partnerKey := d.CompanyKey, d.PartnerKey
		if v, ok := updates["company_name"]; ok {
			companyKey = NormalizeKey(v.(string))
		}
		if v, ok := updates["partner_name"]; ok {
			partnerKey = NormalizeKey(v.(string))
		}
		if companyKey != d.CompanyKey || partnerKey != d.PartnerKey {
			other, err := repo.FindPipelineDealByPair(ctx, tx, companyKey, partnerKey)
			if err == nil && other.ID != id {
				return ErrDuplicateDeal
			} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			updates["company_key"] = companyKey
			updates["partner_key"] = partnerKey
		}

		if err := repo.UpdatePipelineDeal(ctx, tx, id, updates); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) || isDuplicate(err) {
				return ErrDuplicateDeal
			}
			return mapNotFound(err)
		}

		for _, ch := range changes {
			h := &domain.PipelineHistory{DealID: id, TriggeredBy: domain.TriggerManual}
			if ch.column == "stage" {
				h.Action = domain.ActionStageChange
				h.FromStage = domain.Stage(ch.old)
				h.ToStage = domain.Stage(ch.new)
			} else {
				h.Action = domain.ActionUpdated
				h.FieldName = ch.column
				h.OldValue = ch.old
				h.NewValue = ch.new
			}
			if err := repo.AppendHistory(ctx, tx, h); err != nil {
				return err
			}
		}

		out, err = repo.GetPipelineDeal(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a deal. Its history rows are retained for audit.
func (s *PipelineService) Delete(ctx context.Context, id uint) error {
	tr := otel.Tracer("services/PipelineService")
	ctx, span := tr.Start(ctx, "Delete",
		trace.WithAttributes(attribute.Int("deal.id", int(id))),
	)
	defer span.End()

	return mapNotFound(repo.DeletePipelineDeal(ctx, s.DB, id))
}

// Get returns a deal with its most recent history (newest first, at most 50).
func (s *PipelineService) Get(ctx context.Context, id uint) (*DealDetail, error) {
	tr := otel.Tracer("services/PipelineService")
	ctx, span := tr.Start(ctx, "Get",
		trace.WithAttributes(attribute.Int("deal.id", int(id))),
	)
	defer span.End()

	d, err := repo.GetPipelineDeal(ctx, s.DB, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	hist, err := repo.ListHistory(ctx, s.DB, id, repo.MaxHistory)
	if err != nil {
		return nil, err
	}
	total, err := repo.CountHistory(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}
	return &DealDetail{Deal: d, History: hist, HistoryTotal: total}, nil
}

// History returns up to limit history rows for a deal that may no longer
// exist. limit is clamped to 50.
func (s *PipelineService) History(ctx context.Context, id uint, limit int) ([]domain.PipelineHistory, error) {
	tr := otel.Tracer("services/PipelineService")
	ctx, span := tr.Start(ctx, "History",
		trace.WithAttributes(
			attribute.Int("deal.id", int(id)),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	return repo.ListHistory(ctx, s.DB, id, limit)
}

// List returns all deals ordered by most recently updated first.
func (s *PipelineService) List(ctx context.Context) ([]domain.PipelineDeal, error) {
	tr := otel.Tracer("services/PipelineService")
	ctx, span := tr.Start(ctx, "List")
	defer span.End()

	out, err := repo.ListPipelineDeals(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.PipelineDeal{}
	}
	return out, nil
}

// Stats computes totals, open pipeline value, win rate and per-stage counts.
func (s *PipelineService) Stats(ctx context.Context) (*PipelineStats, error) {
	tr := otel.Tracer("services/PipelineService")
	ctx, span := tr.Start(ctx, "Stats")
	defer span.End()

	byStage, err := repo.CountPipelineDealsByStage(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	value, err := repo.SumOpenVolume(ctx, s.DB)
	if err != nil {
		return nil, err
	}

	st := &PipelineStats{
		PipelineValue: value,
		Won:           byStage[domain.StageWon],
		Lost:          byStage[domain.StageLost],
		ByStage:       make(map[domain.Stage]int64, len(domain.Stages)),
	}
	for _, stage := range domain.Stages {
		st.ByStage[stage] = byStage[stage]
		st.Total += byStage[stage]
	}
	if closed := st.Won + st.Lost; closed > 0 {
		st.WinRate = float64(st.Won) / float64(closed)
	}
	return st, nil
}

// AutoSync creates a pipeline entry for a ledger deal when none exists for
// its (company, partner) pair. It reports whether an entry was created and
// never creates a duplicate.
func (s *PipelineService) AutoSync(ctx context.Context, ld *domain.LedgerDeal) (bool, error) {
	tr := otel.Tracer("services/PipelineService")
	ctx, span := tr.Start(ctx, "AutoSync",
		trace.WithAttributes(
			attribute.Int("ledger.id", int(ld.ID)),
			attribute.String("deal.company", ld.CompanyName),
		),
	)
	defer span.End()

	var created bool
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		created, err = autoSync(ctx, tx, ld)
		return err
	})
	return created, err
}

// autoSync is the transaction-scoped body of AutoSync, shared with the ledger
// so that a ledger insert and its pipeline entry commit together.
func autoSync(ctx context.Context, tx *gorm.DB, ld *domain.LedgerDeal) (bool, error) {
	companyKey := NormalizeKey(ld.CompanyName)
	if companyKey == "" {
		return false, fmt.Errorf("%w: company_name is required", ErrInvalidDeal)
	}
	partnerKey := NormalizeKey(ld.PartnerName)

	if _, err := repo.FindPipelineDealByPair(ctx, tx, companyKey, partnerKey); err == nil {
		return false, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	source := ld.Source
	if source == "" {
		source = domain.SourceManual
	}
	dealType := ld.DealType
	if dealType != domain.DealTypeSell {
		dealType = domain.DealTypeBuy
	}
	sourceID := ld.ID
	d := &domain.PipelineDeal{
		CompanyName:   strings.TrimSpace(ld.CompanyName),
		CompanyKey:    companyKey,
		DealType:      dealType,
		Stage:         domain.StageNewLead,
		PricePerShare: ld.PricePerShare,
		Volume:        ld.Volume,
		Valuation:     ld.Valuation,
		Structure:     ld.Structure,
		ShareClass:    ld.ShareClass,
		PartnerName:   strings.TrimSpace(ld.PartnerName),
		PartnerKey:    partnerKey,
		PartnerEmail:  ld.PartnerEmail,
		Probability:   autoSyncProbability,
		Notes:         ld.Notes,
		Source:        source,
		SourceID:      &sourceID,
		EmailThreads:  ld.EmailThreads,
	}

	// A concurrent writer may have taken the pair since the lookup.
	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(d)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	if err := repo.AppendHistory(ctx, tx, &domain.PipelineHistory{
		DealID:      d.ID,
		Action:      domain.ActionCreated,
		ToStage:     domain.StageNewLead,
		TriggeredBy: domain.TriggerAutoSync,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// newDeal validates in and builds the row to insert.
func newDeal(in DealInput) (*domain.PipelineDeal, error) {
	company := strings.TrimSpace(in.CompanyName)
	if company == "" {
		return nil, fmt.Errorf("%w: company_name is required", ErrInvalidDeal)
	}
	dealType := strings.ToLower(strings.TrimSpace(in.DealType))
	if dealType == "" {
		dealType = domain.DealTypeBuy
	}
	if dealType != domain.DealTypeBuy && dealType != domain.DealTypeSell {
		return nil, fmt.Errorf("%w: deal_type must be buy or sell", ErrInvalidDeal)
	}
	stage := in.Stage
	if stage == "" {
		stage = domain.StageNewLead
	}
	if !stage.Valid() {
		return nil, ErrInvalidStage
	}
	if in.Probability < 0 || in.Probability > 100 {
		return nil, fmt.Errorf("%w: probability must be between 0 and 100", ErrInvalidDeal)
	}
	source := strings.TrimSpace(in.Source)
	if source == "" {
		source = domain.SourceManual
	}
	partner := strings.TrimSpace(in.PartnerName)

	return &domain.PipelineDeal{
		CompanyName:   company,
		CompanyKey:    NormalizeKey(company),
		DealType:      dealType,
		Stage:         stage,
		PricePerShare: in.PricePerShare,
		Volume:        in.Volume,
		Valuation:     in.Valuation,
		Structure:     strings.TrimSpace(in.Structure),
		ShareClass:    strings.TrimSpace(in.ShareClass),
		PartnerName:   partner,
		PartnerKey:    NormalizeKey(partner),
		PartnerEmail:  strings.TrimSpace(in.PartnerEmail),
		Probability:   in.Probability,
		Notes:         in.Notes,
		Source:        source,
		SourceID:      in.SourceID,
		EmailThreads:  datatypes.JSONSlice[string](in.EmailThreads),
	}, nil
}

// mapNotFound converts repo-level not found errors to ErrNotFound.
func mapNotFound(err error) error {
	if err != nil && isNotFound(err) {
		return ErrNotFound
	}
	return err
}

// isNotFound treats repo-level not found sentinels as "not found" in a
// driver-agnostic way. It also checks gorm.ErrRecordNotFound for safety.
func isNotFound(err error) bool {
	if errors.Is(err, repo.ErrNotFound) {
		return true
	}
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// isDuplicate attempts to detect unique-constraint violations across drivers
// that may not map to gorm.ErrDuplicatedKey.
func isDuplicate(err error) bool {
	// SQLite typically: "UNIQUE constraint failed"
	// Postgres typically: "duplicate key value violates unique constraint"
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}
