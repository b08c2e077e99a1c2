package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agjmills/hoard/internal/accounts"
	"github.com/agjmills/hoard/internal/auth"
	"github.com/agjmills/hoard/internal/billing"
	"github.com/agjmills/hoard/internal/config"
	"github.com/agjmills/hoard/internal/database"
	"github.com/agjmills/hoard/internal/files"
	"github.com/agjmills/hoard/internal/logger"
	internalMiddleware "github.com/agjmills/hoard/internal/middleware"
	"github.com/agjmills/hoard/internal/plans"
	"github.com/agjmills/hoard/internal/quota"
	"github.com/agjmills/hoard/internal/routes"
	"github.com/agjmills/hoard/internal/storage"
	"github.com/agjmills/hoard/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger.Init(cfg.Env, cfg.LogLevel)

	logger.Info("configuration loaded",
		"max_upload_mb", float64(cfg.MaxUploadSize)/(1024*1024),
		"storage_backend", cfg.StorageBackend,
		"payment_mode", cfg.PaymentMode,
		"fallback", cfg.FallbackEnabled,
		"env", cfg.Env,
	)

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := database.Migrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	var (
		dataStore store.Store = store.NewGormStore(db)
		degraded  func() bool
	)
	if cfg.FallbackEnabled {
		fallback := store.NewFallbackStore(dataStore, store.NewMemoryStore(), cfg.FallbackProbeInterval)
		dataStore = fallback
		degraded = fallback.Degraded
	}

	backend, err := storage.NewBackendFromConfig(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	validateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = backend.ValidateAccess(validateCtx)
	cancel()
	if err != nil {
		log.Fatalf("Storage backend %s is not usable: %v", backend.Name(), err)
	}

	catalog := plans.NewCatalog(cfg)
	accountant := quota.NewAccountant(dataStore, catalog)

	var reconciler *quota.Reconciler
	if cfg.ReconcileInterval > 0 {
		reconciler = quota.NewReconciler(accountant, cfg.ReconcileInterval)
		reconciler.Start()
	}

	if cfg.PaymentMode == config.PaymentModeSandbox {
		logger.Warn("payment mode is sandbox: transaction ids are accepted without verification")
	}
	billingService := billing.NewService(dataStore, catalog, accountant, billing.NewVerifier(cfg), cfg.UPIID)

	validate := accounts.NewValidator()
	accountService, err := accounts.NewService(dataStore, catalog, accountant, backend, validate, cfg.BcryptCost)
	if err != nil {
		log.Fatalf("Failed to initialize accounts: %v", err)
	}
	if _, err := accountService.EnsureRoot(context.Background(), accounts.RootAccount{
		Username: cfg.RootUsername,
		Password: cfg.RootPassword,
		Email:    cfg.RootEmail,
	}); err != nil {
		log.Fatalf("Failed to provision root account: %v", err)
	}

	fileService := files.NewService(dataStore, catalog, accountant, backend, cfg.BaseURL)

	sessionManager, err := auth.NewSessionManager(db, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize session manager: %v", err)
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(internalMiddleware.LoggingMiddleware)
	r.Use(internalMiddleware.RecoverMiddleware)
	r.Use(internalMiddleware.SecurityHeaders)

	versionInfo := fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	routes.Setup(r, routes.Deps{
		Config:         cfg,
		Store:          dataStore,
		Storage:        backend,
		SessionManager: sessionManager,
		Catalog:        catalog,
		Accounts:       accountService,
		Files:          fileService,
		Billing:        billingService,
		Validate:       validate,
		Degraded:       degraded,
		Version:        versionInfo,
	})

	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting hoard server",
			"address", addr,
			"environment", cfg.Env,
			"version", versionInfo,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	if reconciler != nil {
		reconciler.Shutdown()
	}
	if closer, ok := backend.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close storage backend", "error", err)
		}
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}
