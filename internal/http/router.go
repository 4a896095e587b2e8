// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, compression, API-key auth, idempotency, and rate
// limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	_ "github.com/tbourn/dealflow-admin/docs"
	"github.com/tbourn/dealflow-admin/internal/cache"
	"github.com/tbourn/dealflow-admin/internal/config"
	"github.com/tbourn/dealflow-admin/internal/http/handlers"
	"github.com/tbourn/dealflow-admin/internal/http/middleware"
	"github.com/tbourn/dealflow-admin/internal/repo"
	"github.com/tbourn/dealflow-admin/internal/services"
)

// Deps are the runtime dependencies the router binds handlers to.
type Deps struct {
	// DB backs every service and the idempotency store.
	DB *gorm.DB
	// AutoUpdate is the orchestrator; its routes are skipped when nil.
	AutoUpdate handlers.AutoUpdater
	// Cache is the optional research cache, reported by /health.
	Cache *cache.Redis
}

// corsHeaders are the request headers browsers may send cross-origin.
var corsHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderAPIKey, middleware.HeaderIdempotencyKey, "If-None-Match"}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), CORS and security
// headers, compression, health, metrics and docs endpoints, and then mounts
// the authenticated admin API under cfg.APIBasePath.
//
// Global middleware order:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. CORS and Security headers
//  8. Gzip (the SSE stream is excluded)
//
// API group order:
//  1. APIKeyAuth: establishes the client id
//  2. Idempotency validator (keyed by client id; before rate limiting to allow bypass on replay)
//  3. Rate limiter (per client/IP, bypass on replay)
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true
	apiBase := cfg.APIBasePath // e.g. "/api/v1"

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{middleware.HeaderAPIKey},
		QuietPaths:  []string{"/health", "/metrics"},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (4 MiB; bulk deal loads are the largest bodies)
	r.Use(limitBody(4 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     corsHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag", "Idempotency-Replayed"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     corsHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag", "Idempotency-Replayed"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS; API data is private and revalidated)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:         cfg.Security.EnableHSTS,
		HSTSMaxAge:         cfg.Security.HSTSMaxAge,
		NoStore:            false,
		RevalidatePrefixes: []string{apiBase},
		EnablePolicy:       true,
		DocsPrefix:         "/swagger",
	}))

	// 8) Compression; event streams must reach the client unbuffered.
	r.Use(gzip.Gzip(gzip.DefaultCompression,
		gzip.WithExcludedPaths([]string{joinPath(apiBase, "/autoupdate/events"), "/metrics"}),
	))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", health(deps))

	// API docs
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: services ← db
	db := deps.DB
	h := handlers.New(
		services.NewPipelineService(db),
		services.NewLedgerService(db),
		services.NewIssuerService(db),
		services.NewSettingsService(db),
		deps.AutoUpdate,
	)
	h.IdempotencyTTL = cfg.IdempotencyTTL

	// Admin API
	api := groupWithPrefix(r, apiBase)
	api.Use(middleware.APIKeyAuth(cfg.APIKey))
	api.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
		},
		func(ctx context.Context, clientID, scope, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, db, clientID, scope, key, now)
			if err != nil || rec == nil {
				return false, nil
			}
			return true, nil
		},
	))
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByClientOrIP())
	api.Use(rl.Handler())
	{
		// Pipeline
		api.GET("/pipeline", h.ListPipeline)
		api.GET("/pipeline/stats", h.PipelineStats)
		api.POST("/pipeline", h.CreatePipelineDeal)
		api.GET("/pipeline/:id", h.GetPipelineDeal)
		api.GET("/pipeline/:id/history", h.PipelineHistory)
		api.PATCH("/pipeline/:id", h.UpdatePipelineDeal)
		api.PUT("/pipeline/:id/stage", h.ChangeStage)
		api.DELETE("/pipeline/:id", h.DeletePipelineDeal)

		// Ledger
		api.GET("/deals", h.ListDeals)
		api.POST("/deals", h.CreateDeal)
		api.POST("/deals/bulk", h.BulkCreateDeals)

		// Issuers
		api.GET("/issuers", h.ListIssuers)
		api.POST("/issuers", h.UpsertIssuer)
		api.GET("/issuers/:ticker", h.GetIssuer)

		// Settings
		api.GET("/settings/display", h.GetDisplaySettings)
		api.PUT("/settings/display", h.PutDisplaySettings)
		api.GET("/autoupdate/config", h.GetAutoUpdateConfig)
		api.PUT("/autoupdate/config", h.PutAutoUpdateConfig)
	}

	if deps.AutoUpdate != nil {
		au := api.Group("/autoupdate")
		au.POST("/queue", h.BuildQueue)
		au.POST("/queue/:ticker/retry", h.RetryItem)
		au.POST("/start", h.StartAutoUpdate)
		au.POST("/pause", h.PauseAutoUpdate)
		au.POST("/stop", h.StopAutoUpdate)
		au.GET("/status", h.AutoUpdateStatus)
		au.GET("/log", h.AutoUpdateLog)
		au.GET("/results", h.AutoUpdateResults)
		au.GET("/events", h.AutoUpdateEvents)
	}
}

// health reports liveness plus database and cache reachability. A missing
// cache is reported as disabled and does not fail the check.
func health(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status, code := gin.H{"status": "ok", "db": "ok", "cache": "ok"}, http.StatusOK
		if sqlDB, err := deps.DB.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
			status["status"], status["db"], code = "degraded", "down", http.StatusServiceUnavailable
		}
		if err := deps.Cache.Ping(ctx); errors.Is(err, cache.ErrDisabled) {
			status["cache"] = "disabled"
		} else if err != nil {
			status["cache"] = "down"
		}
		c.JSON(code, status)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}

// joinPath appends p to the API base, treating "/" (or empty) as root.
func joinPath(base, p string) string {
	if base == "" || base == "/" {
		return p
	}
	return base + p
}
