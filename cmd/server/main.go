// Command server runs the dealflow admin API.
//
// @title                      Dealflow Admin API
// @version                    1.0
// @description                Admin backend for the deal pipeline, issuer auto-update runs and KPI validation.
// @BasePath                   /api/v1
// @securityDefinitions.apikey ApiKeyAuth
// @in                         header
// @name                       X-API-Key
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/dealflow-admin/docs"
	"github.com/tbourn/dealflow-admin/internal/autoupdate"
	"github.com/tbourn/dealflow-admin/internal/cache"
	"github.com/tbourn/dealflow-admin/internal/config"
	"github.com/tbourn/dealflow-admin/internal/enrichment"
	httpapi "github.com/tbourn/dealflow-admin/internal/http"
	"github.com/tbourn/dealflow-admin/internal/observability"
	"github.com/tbourn/dealflow-admin/internal/repo"
	"github.com/tbourn/dealflow-admin/internal/services"
	"github.com/tbourn/dealflow-admin/internal/sysutil"
)

// version is set at link time with -ldflags "-X main.version=...".
var version string

func main() {
	if sysutil.DotenvEnabled() {
		// a missing .env is fine; real deployments use the environment
		_ = godotenv.Load()
	}

	cfg := config.MustLoad()
	ver := sysutil.Version(version)
	sysutil.ConfigureLogging(os.Stderr, cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, ver)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	rdb, err := cache.NewRedis(ctx, cache.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   "dealflow:",
	})
	if err != nil {
		// research still works uncached
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable; research cache disabled")
		rdb = nil
	}
	defer func() { _ = rdb.Close() }()

	client := enrichment.NewClient(enrichment.Options{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Timeout:     cfg.LLM.Timeout,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})
	var researcher autoupdate.Researcher = client
	if rdb != nil {
		researcher = &enrichment.CachedResearcher{Next: client, Store: rdb, TTL: cfg.Redis.CacheTTL}
	}

	issuers := services.NewIssuerService(db)
	settings := services.NewSettingsService(db)
	ctrl := autoupdate.New(issuers, researcher, issuers, settings, autoupdate.Options{
		Pacing:     cfg.AutoUpdate.Pacing,
		LogLimit:   cfg.AutoUpdate.LogLimit,
		ItemBudget: cfg.AutoUpdate.ItemBudget,
	})

	// The run queue lives in memory, so a marker left by a previous process
	// describes a run that can no longer resume.
	if st, err := settings.RunState(ctx); err == nil && st != nil {
		log.Warn().
			Str("state", st.State).
			Str("mode", st.Mode).
			Int("total", st.Total).
			Time("started_at", st.StartedAt).
			Msg("clearing stale auto-update run marker")
		if err := settings.ClearRunState(ctx); err != nil {
			log.Warn().Err(err).Msg("clear stale run marker")
		}
	}

	gin.SetMode(cfg.GinMode)
	docs.SwaggerInfo.BasePath = cfg.APIBasePath
	docs.SwaggerInfo.Version = ver

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{DB: db, AutoUpdate: ctrl, Cache: rdb}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		// no WriteTimeout: the auto-update event stream is long-lived
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", ver).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), cfg.WriteTimeout)
	defer cancel()
	ctrl.Stop(sctx)
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
