// Package handlers exposes the admin REST API.
//
// Handlers are transport-thin: they validate input, call application services
// through the narrow interfaces below, and translate results and sentinel
// errors into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/dealflow-admin/internal/autoupdate"
	"github.com/tbourn/dealflow-admin/internal/domain"
	"github.com/tbourn/dealflow-admin/internal/http/middleware"
	"github.com/tbourn/dealflow-admin/internal/repo"
	"github.com/tbourn/dealflow-admin/internal/services"
	"github.com/tbourn/dealflow-admin/internal/utils"
)

//
// Service contracts (context-aware)
//

// PipelineService defines the pipeline engine operations consumed by HTTP
// handlers. Implementations must be safe for concurrent use.
type PipelineService interface {
	Create(ctx context.Context, in services.DealInput) (*domain.PipelineDeal, error)
	ChangeStage(ctx context.Context, id uint, stage domain.Stage) (*domain.PipelineDeal, error)
	UpdateFields(ctx context.Context, id uint, patch map[string]any) (*domain.PipelineDeal, error)
	Delete(ctx context.Context, id uint) error
	Get(ctx context.Context, id uint) (*services.DealDetail, error)
	History(ctx context.Context, id uint, limit int) ([]domain.PipelineHistory, error)
	List(ctx context.Context) ([]domain.PipelineDeal, error)
	Stats(ctx context.Context) (*services.PipelineStats, error)
}

// LedgerService defines sourced-deal ingestion. Every insert auto-syncs into
// the pipeline.
type LedgerService interface {
	Create(ctx context.Context, d *domain.LedgerDeal) (bool, error)
	BulkCreate(ctx context.Context, deals []domain.LedgerDeal) (*services.BulkResult, error)
	List(ctx context.Context, limit int) ([]domain.LedgerDeal, error)
}

// IssuerService defines access to issuers and their enrichment audit.
type IssuerService interface {
	ListIssuers(ctx context.Context, f repo.IssuerFilter) ([]domain.Issuer, error)
	Get(ctx context.Context, ticker string) (*domain.Issuer, error)
	Upsert(ctx context.Context, is *domain.Issuer) error
	Updates(ctx context.Context, ticker string, limit int) ([]domain.IssuerUpdate, error)
}

// SettingsService defines the settings documents editable over HTTP.
type SettingsService interface {
	AutoUpdateConfig(ctx context.Context) (services.AutoUpdateSettings, error)
	SaveAutoUpdateConfig(ctx context.Context, cfg services.AutoUpdateSettings) error
	DisplaySettings(ctx context.Context) (map[string]any, error)
	SaveDisplaySettings(ctx context.Context, doc map[string]any) error
}

// AutoUpdater is the auto-update orchestrator as seen by the HTTP layer.
type AutoUpdater interface {
	BuildQueue(ctx context.Context, mode string, filter autoupdate.Filter) (autoupdate.Status, error)
	Start(ctx context.Context) (autoupdate.Status, error)
	Pause(ctx context.Context) (autoupdate.Status, error)
	Stop(ctx context.Context) autoupdate.Status
	Retry(ticker string) (autoupdate.QueueItem, error)
	Status() autoupdate.Status
	Logs(limit int) []autoupdate.LogEntry
	Results(filter string) ([]autoupdate.TickerResult, error)
	Subscribe() (<-chan autoupdate.Event, func())
}

//
// Handler wiring
//

// Handlers groups the admin endpoints. Each dependency may be nil when the
// corresponding routes are not registered.
type Handlers struct {
	// IdempotencyTTL bounds how long a POST /pipeline key replays.
	IdempotencyTTL time.Duration

	pipeline PipelineService
	ledger   LedgerService
	issuers  IssuerService
	settings SettingsService
	auto     AutoUpdater
}

// New constructs and returns a Handlers instance bound to the given services.
func New(pipeline PipelineService, ledger LedgerService, issuers IssuerService, settings SettingsService, auto AutoUpdater) *Handlers {
	return &Handlers{
		pipeline: pipeline,
		ledger:   ledger,
		issuers:  issuers,
		settings: settings,
		auto:     auto,
	}
}

//
// Helpers
//

// dealID parses the :id path parameter.
func dealID(c *gin.Context) (uint, bool) {
	n, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || n == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "id must be a positive integer")
		return 0, false
	}
	return uint(n), true
}

// queryLimit reads ?limit= bounded to [1, max]; absent or invalid values
// yield def.
func queryLimit(c *gin.Context, def, max int) int {
	return utils.Limit(c.Query("limit"), def, max)
}

// tickerParam returns the :ticker path parameter in canonical upper case.
func tickerParam(c *gin.Context) string {
	return strings.ToUpper(strings.TrimSpace(c.Param("ticker")))
}

// failErr maps service and orchestrator errors to the error envelope.
// Unrecognized errors are logged and reported as a generic operation_failed
// so storage details stay out of responses.
func failErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, services.ErrDuplicateDeal):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, services.ErrNoChanges):
		fail(c, http.StatusUnprocessableEntity, ErrCodeNoChanges, "no recognized field differs from the stored deal")
	case errors.Is(err, services.ErrInvalidStage),
		errors.Is(err, services.ErrInvalidDeal),
		errors.Is(err, services.ErrInvalidSettings),
		errors.Is(err, autoupdate.ErrInvalidRequest):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, autoupdate.ErrRunning),
		errors.Is(err, autoupdate.ErrAlreadyRunning),
		errors.Is(err, autoupdate.ErrNotRunning),
		errors.Is(err, autoupdate.ErrEmptyQueue),
		errors.Is(err, autoupdate.ErrNothingPending),
		errors.Is(err, autoupdate.ErrNotRetryable):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
	default:
		middleware.LoggerFrom(c).Error().Err(err).Msg("unhandled service error")
		fail(c, http.StatusInternalServerError, ErrCodeOperationFailed, "operation failed")
	}
}
