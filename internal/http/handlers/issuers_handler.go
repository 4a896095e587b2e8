package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/dealflow-admin/internal/domain"
	"github.com/tbourn/dealflow-admin/internal/repo"
)

// issuerUpdatesShown is how many audit rows accompany an issuer.
const issuerUpdatesShown = 20

// UpsertIssuerRequest is the JSON payload for creating or renaming an issuer.
type UpsertIssuerRequest struct {
	Ticker  string `json:"ticker" binding:"required" example:"ACME"`
	Name    string `json:"name" binding:"required" example:"Acme Robotics"`
	FileKey string `json:"file_key" example:"batch-2024-q1"`
}

// ListIssuersResponse wraps issuers.
type ListIssuersResponse struct {
	Issuers []domain.Issuer `json:"issuers"`
}

// IssuerResponse is one issuer with its recent enrichment audit rows.
type IssuerResponse struct {
	Issuer  *domain.Issuer        `json:"issuer"`
	Updates []domain.IssuerUpdate `json:"updates"`
}

// ListIssuers godoc
// @ID          listIssuers
// @Summary     List issuers
// @Tags        Issuers
// @Produce     json
// @Security    ApiKeyAuth
//
// @Param       file_key  query  string  false  "Only issuers in this partition"  example(batch-2024-q1)
//
// @Success     200  {object} handlers.ListIssuersResponse
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /issuers [get]
func (h *Handlers) ListIssuers(c *gin.Context) {
	f := repo.IssuerFilter{FileKey: strings.TrimSpace(c.Query("file_key"))}
	out, err := h.issuers.ListIssuers(c.Request.Context(), f)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListIssuersResponse{Issuers: out})
}

// UpsertIssuer godoc
// @ID          upsertIssuer
// @Summary     Create or rename an issuer
// @Tags        Issuers
// @Accept      json
// @Produce     json
// @Security    ApiKeyAuth
//
// @Param       body  body  handlers.UpsertIssuerRequest  true  "Issuer"
//
// @Success     200  {object} domain.Issuer
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Router      /issuers [post]
func (h *Handlers) UpsertIssuer(c *gin.Context) {
	var req UpsertIssuerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "ticker and name required")
		return
	}
	is := &domain.Issuer{Ticker: req.Ticker, Name: req.Name, FileKey: strings.TrimSpace(req.FileKey)}
	if err := h.issuers.Upsert(c.Request.Context(), is); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, is)
}

// GetIssuer godoc
// @ID          getIssuer
// @Summary     Get an issuer
// @Description Returns the issuer, its stored profile and the most recent enrichment audit rows.
// @Tags        Issuers
// @Produce     json
// @Security    ApiKeyAuth
//
// @Param       ticker  path  string  true  "Ticker"  example(ACME)
//
// @Success     200  {object} handlers.IssuerResponse
// @Failure     404  {object} handlers.ErrorResponse "Issuer not found"
// @Router      /issuers/{ticker} [get]
func (h *Handlers) GetIssuer(c *gin.Context) {
	ctx := c.Request.Context()
	ticker := tickerParam(c)
	is, err := h.issuers.Get(ctx, ticker)
	if err != nil {
		failErr(c, err)
		return
	}
	ups, err := h.issuers.Updates(ctx, ticker, issuerUpdatesShown)
	if err != nil {
		failErr(c, err)
		return
	}
	if ups == nil {
		ups = []domain.IssuerUpdate{}
	}
	ok(c, http.StatusOK, IssuerResponse{Issuer: is, Updates: ups})
}
