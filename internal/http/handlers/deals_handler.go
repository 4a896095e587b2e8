// Ledger HTTP handlers.
//
// This file exposes REST endpoints for sourced deals:
//   - GET  /deals       (list, newest first)
//   - POST /deals       (create + pipeline auto-sync)
//   - POST /deals/bulk  (bulk load + pipeline auto-sync)
package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/tbourn/dealflow-admin/internal/domain"
)

// maxBulkDeals caps a single bulk load.
const maxBulkDeals = 1000

//
// DTOs
//

// LedgerDealRequest is the JSON payload for one sourced deal.
type LedgerDealRequest struct {
	CompanyName   string              `json:"company_name" binding:"required" example:"Acme Robotics"`
	DealType      string              `json:"deal_type" example:"sell"`
	PricePerShare decimal.NullDecimal `json:"price_per_share" swaggertype:"string" example:"12.50"`
	Volume        decimal.NullDecimal `json:"volume" swaggertype:"string" example:"250000"`
	Valuation     decimal.NullDecimal `json:"valuation" swaggertype:"string" example:"1200000000"`
	Structure     string              `json:"structure" example:"SPV"`
	ShareClass    string              `json:"share_class" example:"common"`
	PartnerName   string              `json:"partner_name" example:"Northwind Capital"`
	PartnerEmail  string              `json:"partner_email" example:"deals@northwind.example"`
	Source        string              `json:"source" example:"mailai"`
	EmailThreads  []string            `json:"email_threads"`
	Notes         string              `json:"notes"`
}

func (r LedgerDealRequest) toDomain() domain.LedgerDeal {
	return domain.LedgerDeal{
		CompanyName:   r.CompanyName,
		DealType:      r.DealType,
		PricePerShare: r.PricePerShare,
		Volume:        r.Volume,
		Valuation:     r.Valuation,
		Structure:     r.Structure,
		ShareClass:    r.ShareClass,
		PartnerName:   r.PartnerName,
		PartnerEmail:  r.PartnerEmail,
		Source:        r.Source,
		EmailThreads:  datatypes.JSONSlice[string](r.EmailThreads),
		Notes:         r.Notes,
	}
}

// BulkDealsRequest is the JSON payload for a bulk load.
type BulkDealsRequest struct {
	Deals []LedgerDealRequest `json:"deals" binding:"required,min=1,dive"`
}

// CreateDealResponse is returned after a ledger insert.
type CreateDealResponse struct {
	Deal domain.LedgerDeal `json:"deal"`
	// Synced reports whether a new pipeline entry was created.
	Synced bool `json:"synced"`
}

// ListDealsResponse wraps ledger deals.
type ListDealsResponse struct {
	Deals []domain.LedgerDeal `json:"deals"`
}

//
// Handlers
//

// ListDeals godoc
// @ID          listDeals
// @Summary     List sourced deals
// @Tags        Deals
// @Produce     json
// @Security    ApiKeyAuth
//
// @Param       limit  query  int  false  "Max rows"  minimum(1) maximum(500) default(100)
//
// @Success     200  {object} handlers.ListDealsResponse
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /deals [get]
func (h *Handlers) ListDeals(c *gin.Context) {
	deals, err := h.ledger.List(c.Request.Context(), queryLimit(c, 100, 500))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListDealsResponse{Deals: deals})
}

// CreateDeal godoc
// @ID          createDeal
// @Summary     Record a sourced deal
// @Description Inserts the deal and creates a pipeline entry for its company and partner if none exists.
// @Tags        Deals
// @Accept      json
// @Produce     json
// @Security    ApiKeyAuth
//
// @Param       body  body  handlers.LedgerDealRequest  true  "Sourced deal"
//
// @Success     201  {object} handlers.CreateDealResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /deals [post]
func (h *Handlers) CreateDeal(c *gin.Context) {
	var req LedgerDealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "company_name required")
		return
	}
	d := req.toDomain()
	synced, err := h.ledger.Create(c.Request.Context(), &d)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, CreateDealResponse{Deal: d, Synced: synced})
}

// BulkCreateDeals godoc
// @ID          bulkCreateDeals
// @Summary     Bulk load sourced deals
// @Description Inserts every deal in one transaction and auto-syncs each into the pipeline. One invalid deal rejects the batch.
// @Tags        Deals
// @Accept      json
// @Produce     json
// @Security    ApiKeyAuth
//
// @Param       body  body  handlers.BulkDealsRequest  true  "Deals"
//
// @Success     201  {object} services.BulkResult
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /deals/bulk [post]
func (h *Handlers) BulkCreateDeals(c *gin.Context) {
	var req BulkDealsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "deals required; each needs company_name")
		return
	}
	if len(req.Deals) > maxBulkDeals {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("at most %d deals per request", maxBulkDeals))
		return
	}
	deals := make([]domain.LedgerDeal, len(req.Deals))
	for i, r := range req.Deals {
		deals[i] = r.toDomain()
	}
	res, err := h.ledger.BulkCreate(c.Request.Context(), deals)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, res)
}
