// Pipeline HTTP handlers.
//
// This file exposes REST endpoints for pipeline entries:
//   - GET    /pipeline              (list, ETag support)
//   - GET    /pipeline/stats        (derived statistics)
//   - POST   /pipeline              (create, Idempotency-Key support)
//   - GET    /pipeline/{id}         (entry with recent history)
//   - GET    /pipeline/{id}/history (history, newest first)
//   - PATCH  /pipeline/{id}         (field update)
//   - PUT    /pipeline/{id}/stage   (stage change)
//   - DELETE /pipeline/{id}         (delete; history is kept)
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/dealflow-admin/internal/domain"
	"github.com/tbourn/dealflow-admin/internal/http/middleware"
	"github.com/tbourn/dealflow-admin/internal/repo"
	"github.com/tbourn/dealflow-admin/internal/services"
)

// defaultIdempotencyTTL is how long a create can be replayed with the same
// key when Handlers.IdempotencyTTL is unset.
const defaultIdempotencyTTL = 24 * time.Hour

//
// DTOs
//

// ListPipelineResponse wraps every pipeline entry, newest first.
type ListPipelineResponse struct {
	Deals []domain.PipelineDeal `json:"deals"`
	Total int                   `json:"total"`
}

// ChangeStageRequest is the JSON payload for a stage change.
type ChangeStageRequest struct {
	Stage domain.Stage `json:"stage" binding:"required" example:"negotiation"`
}

// HistoryResponse wraps history rows for one deal.
type HistoryResponse struct {
	History []domain.PipelineHistory `json:"history"`
}

//
// Helpers
//

// pipelineDB returns the DB behind the concrete pipeline service, if any.
func (h *Handlers) pipelineDB() *gorm.DB {
	if svc, ok := h.pipeline.(*services.PipelineService); ok {
		return svc.DB
	}
	return nil
}

func (h *Handlers) idempotencyTTL() time.Duration {
	if h.IdempotencyTTL > 0 {
		return h.IdempotencyTTL
	}
	return defaultIdempotencyTTL
}

//
// Handlers
//

// ListPipeline godoc
// @ID          listPipeline
// @Summary     List pipeline entries
// @Description Returns every pipeline entry, newest first. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Pipeline
// @Produce     json
// @Security    ApiKeyAuth
//
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"pipeline:3:1700000000\")
//
// @Success     200  {object} handlers.ListPipelineResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     401  {object} handlers.ErrorResponse "Unauthorized"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /pipeline [get]
func (h *Handlers) ListPipeline(c *gin.Context) {
	ctx := c.Request.Context()

	// ETag pre-check (best effort).
	if db := h.pipelineDB(); db != nil {
		count, maxTS, err := repo.TableStats(ctx, db, &domain.PipelineDeal{})
		if err == nil && notModified(c, weakETag("pipeline", count, maxTS)) {
			return
		}
	}

	deals, err := h.pipeline.List(ctx)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListPipelineResponse{Deals: deals, Total: len(deals)})
}

// PipelineStats godoc
// @ID          pipelineStats
// @Summary     Pipeline statistics
// @Description Total count, open pipeline value, won/lost counts and win rate.
// @Tags        Pipeline
// @Produce     json
// @Security    ApiKeyAuth
//
// @Success     200  {object} services.PipelineStats
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /pipeline/stats [get]
func (h *Handlers) PipelineStats(c *gin.Context) {
	st, err := h.pipeline.Stats(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}

// CreatePipelineDeal godoc
// @ID          createPipelineDeal
// @Summary     Create a pipeline entry
// @Description Creates an entry and its "created" history row. Company and partner are unique case-insensitively.
// @Description Supports idempotency via the Idempotency-Key header (same key → same entry).
// @Tags        Pipeline
// @Accept      json
// @Produce     json
// @Security    ApiKeyAuth
//
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       body             body    services.DealInput  true  "New pipeline entry"
//
// @Success     201  {object}  domain.PipelineDeal
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     409  {object}  handlers.ErrorResponse  "Duplicate company/partner"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /pipeline [post]
func (h *Handlers) CreatePipelineDeal(c *gin.Context) {
	ctx := c.Request.Context()

	var in services.DealInput
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "company_name required")
		return
	}

	client := middleware.ClientID(c)
	scope := middleware.IdempotencyScope(c)
	idemKey, _ := middleware.GetIdempotencyKey(c)
	db := h.pipelineDB()

	// Idempotency (replay path).
	if idemKey != "" && db != nil {
		if rec, err := repo.GetIdempotency(ctx, db, client, scope, idemKey, time.Now().UTC()); err == nil && rec != nil {
			if id, err := strconv.ParseUint(rec.ResourceID, 10, 64); err == nil {
				if prev, err := repo.GetPipelineDeal(ctx, db, uint(id)); err == nil {
					replayed(c, rec.Status, prev)
					return
				}
			}
		}
	}

	d, err := h.pipeline.Create(ctx, in)
	if err != nil {
		failErr(c, err)
		return
	}

	// Idempotency (store path) – best effort.
	if idemKey != "" && db != nil {
		_, _ = repo.CreateIdempotency(ctx, db, client, scope, idemKey, strconv.FormatUint(uint64(d.ID), 10), http.StatusCreated, h.idempotencyTTL())
	}

	ok(c, http.StatusCreated, d)
}

// GetPipelineDeal godoc
// @ID          getPipelineDeal
// @Summary     Get a pipeline entry
// @Description Returns the entry together with its 50 most recent history rows.
// @Tags        Pipeline
// @Produce     json
// @Security    ApiKeyAuth
//
// @Param       id  path  int  true  "Deal ID"  example(42)
//
// @Success     200  {object} services.DealDetail
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Deal not found"
// @Router      /pipeline/{id} [get]
func (h *Handlers) GetPipelineDeal(c *gin.Context) {
	id, valid := dealID(c)
	if !valid {
		return
	}
	detail, err := h.pipeline.Get(c.Request.Context(), id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, detail)
}

// PipelineHistory godoc
// @ID          pipelineHistory
// @Summary     Deal history
// @Description Returns history rows for a deal, newest first. Rows outlive the deal.
// @Tags        Pipeline
// @Produce     json
// @Security    ApiKeyAuth
//
// @Param       id     path   int  true   "Deal ID"     example(42)
// @Param       limit  query  int  false  "Max rows"    minimum(1) maximum(50) default(50)
//
// @Success     200  {object} handlers.HistoryResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Router      /pipeline/{id}/history [get]
func (h *Handlers) PipelineHistory(c *gin.Context) {
	id, valid := dealID(c)
	if !valid {
		return
	}
	rows, err := h.pipeline.History(c.Request.Context(), id, queryLimit(c, repo.MaxHistory, repo.MaxHistory))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, HistoryResponse{History: rows})
}

// UpdatePipelineDeal godoc
// @ID          updatePipelineDeal
// @Summary     Update deal fields
// @Description Applies recognized fields that differ from the stored deal and writes one history row per changed field.
// @Description Unknown fields are ignored. A patch that changes nothing returns 422.
// @Tags        Pipeline
// @Accept      json
// @Produce     json
// @Security    ApiKeyAuth
//
// @Param       id    path  int     true  "Deal ID"  example(42)
// @Param       body  body  object  true  "Partial deal"
//
// @Success     200  {object} domain.PipelineDeal
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Deal not found"
// @Failure     409  {object} handlers.ErrorResponse "Duplicate company/partner"
// @Failure     422  {object} handlers.ErrorResponse "No changes"
// @Router      /pipeline/{id} [patch]
func (h *Handlers) UpdatePipelineDeal(c *gin.Context) {
	id, valid := dealID(c)
	if !valid {
		return
	}

	// Numbers stay json.Number so decimals keep their exact text.
	var patch map[string]any
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	if err := dec.Decode(&patch); err != nil || patch == nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "body must be a JSON object")
		return
	}

	d, err := h.pipeline.UpdateFields(c.Request.Context(), id, patch)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, d)
}

// ChangeStage godoc
// @ID          changeStage
// @Summary     Move a deal to another stage
// @Description Any stage may move to any other. Moving to the current stage is a no-op and writes no history.
// @Tags        Pipeline
// @Accept      json
// @Produce     json
// @Security    ApiKeyAuth
//
// @Param       id    path  int                          true  "Deal ID"  example(42)
// @Param       body  body  handlers.ChangeStageRequest  true  "Target stage"
//
// @Success     200  {object} domain.PipelineDeal
// @Failure     400  {object} handlers.ErrorResponse "Invalid stage"
// @Failure     404  {object} handlers.ErrorResponse "Deal not found"
// @Router      /pipeline/{id}/stage [put]
func (h *Handlers) ChangeStage(c *gin.Context) {
	id, valid := dealID(c)
	if !valid {
		return
	}
	var req ChangeStageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "stage required")
		return
	}
	d, err := h.pipeline.ChangeStage(c.Request.Context(), id, req.Stage)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, d)
}

// DeletePipelineDeal godoc
// @ID          deletePipelineDeal
// @Summary     Delete a pipeline entry
// @Description Removes the entry. Its history rows are kept.
// @Tags        Pipeline
// @Security    ApiKeyAuth
//
// @Param       id  path  int  true  "Deal ID"  example(42)
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Deal not found"
// @Router      /pipeline/{id} [delete]
func (h *Handlers) DeletePipelineDeal(c *gin.Context) {
	id, valid := dealID(c)
	if !valid {
		return
	}
	if err := h.pipeline.Delete(c.Request.Context(), id); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}
