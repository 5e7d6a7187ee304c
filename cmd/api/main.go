package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"capa-platform/internal/audit"
	"capa-platform/internal/auth"
	"capa-platform/internal/capa"
	"capa-platform/internal/config"
	"capa-platform/internal/httpapi"
	"capa-platform/internal/metrics"
	"capa-platform/internal/reporting"
	"capa-platform/pkg/logger"
	"capa-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// bulkSlotTTL bounds how long a crashed request can hold a bulk slot.
const bulkSlotTTL = 2 * time.Minute

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := config.LoadEnvFile(".env"); err != nil {
		slog.Error("env file load failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: cfg.DB.MaxOpenConns})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	slots, err := utils.NewSlotLimiter(rdb, "capa:bulk:", cfg.Capa.BulkSlotsPerActor, bulkSlotTTL)
	if err != nil {
		log.Error("bulk limiter init failed", "err", err)
		os.Exit(1)
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	ledger := audit.NewCachedReader(audit.NewPostgresRepo(db), rdb, cfg.Capa.AuditCacheTTL)
	h := httpapi.Handlers{
		CAPA: capa.NewService(
			capa.NewPostgresStore(db, cfg.Capa.LockTimeout),
			capa.Settings{BulkConcurrency: cfg.Capa.BulkConcurrency, Metrics: m},
		),
		Audit:   audit.NewService(ledger),
		Reports: reporting.NewService(ledger),
		Slots:   slots,
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, db, auth.RequireAccessToken(authManager), h)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
