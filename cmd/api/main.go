package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orthodoxmetrics/recordsgo/internal/buildinfo"
	"github.com/orthodoxmetrics/recordsgo/internal/config"
	"github.com/orthodoxmetrics/recordsgo/internal/database"
	"github.com/orthodoxmetrics/recordsgo/internal/handlers"
	"github.com/orthodoxmetrics/recordsgo/internal/logging"
	"github.com/orthodoxmetrics/recordsgo/internal/middleware"
	"github.com/orthodoxmetrics/recordsgo/internal/models"
	"github.com/orthodoxmetrics/recordsgo/internal/services/session"
	"github.com/orthodoxmetrics/recordsgo/internal/services/transfer"
	"github.com/orthodoxmetrics/recordsgo/internal/services/triage"
	"github.com/orthodoxmetrics/recordsgo/internal/storage"
	"github.com/orthodoxmetrics/recordsgo/internal/websocket"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.NodeEnv, cfg.InstanceID)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	// 2. Framework database (Detects Embedded vs External automatically)
	db, err := database.Connect(cfg.Database, logger)
	if err != nil {
		logger.Fatalw("Failed to connect to database", "err", err)
	}
	// Note: db.Close() is called manually in shutdown handler below

	// 3. Auto-Migrate Schema
	logger.Info("🚀 Synchronizing database schema...")
	if err := db.AutoMigrate(
		&models.Church{},
		&models.OCRSession{},
		&models.SchedulerLease{},
	); err != nil {
		logger.Warnw("⚠️ Migration warning", "err", err)
	} else {
		logger.Info("✅ Schema synchronized successfully")
	}

	// Tenant databases live on the embedded server too unless configured elsewhere
	if host, port, ok := db.EmbeddedDSNHost(); ok && os.Getenv("TENANT_DB_HOST") == "" {
		cfg.Tenant.Host, cfg.Tenant.Port = host, port
		cfg.Tenant.Username, cfg.Tenant.Password = cfg.Database.Username, "postgres"
		cfg.Tenant.SSLMode = "disable"
	}

	// 4. Services
	resolver := database.NewResolver(db.DB, cfg.Tenant, nil, logger.Named("tenants"))

	transfers := transfer.NewService(resolver, transfer.Config{
		Policy: triage.Policy{
			AutoInsertThreshold: cfg.Transfer.AutoInsertThreshold,
			UrgentThreshold:     cfg.Transfer.UrgentThreshold,
		},
		ConfidenceScale: cfg.Transfer.ConfidenceScale,
		Timeout:         cfg.Transfer.Timeout,
		MaxRetries:      cfg.Transfer.MaxRetries,
		BatchSize:       cfg.Transfer.BatchSize,
		ReconcileWindow: cfg.Transfer.ReconcileWindow,
	}, logger.Named("transfer"))

	sessions := session.NewManager(db.DB, cfg.BaseURL, cfg.Session.TimeoutMinutes, logger.Named("session"))

	var store storage.BlobStore
	if cfg.Storage.Endpoint != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		minioStore, err := storage.NewMinIOStore(ctx, cfg.Storage)
		cancel()
		if err != nil {
			logger.Fatalw("Failed to initialize object storage", "err", err)
		}
		store = minioStore
		logger.Infow("🪣 MinIO storage ready", "endpoint", cfg.Storage.Endpoint, "bucket", cfg.Storage.Bucket)
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("⚠️ MINIO_ENDPOINT not set, uploads are kept in memory only")
	}

	hub := websocket.NewHub(logger.Named("ws"))
	go hub.Run()

	// 5. Background transfer scheduler
	lease := transfer.NewLease(db.DB, "ocr-transfer-scheduler", cfg.InstanceID, cfg.Transfer.LeaseTTL)
	scheduler := transfer.NewScheduler(transfers, resolver, lease, hub, transfer.SchedulerConfig{
		BatchSize:  cfg.Transfer.BatchSize,
		StaleAfter: cfg.Transfer.StaleAfter,
	}, logger.Named("scheduler"))

	var schedulerHandle *transfer.Handle
	if cfg.Transfer.SchedulerEnabled {
		schedulerHandle = scheduler.Start(time.Duration(cfg.Transfer.IntervalMinutes) * time.Minute)
	} else {
		logger.Info("Transfer scheduler disabled: TRANSFER_SCHEDULER_ENABLED=false")
	}

	// 6. HTTP router
	router := handlers.NewRouter(handlers.Deps{
		Config:    cfg,
		Sessions:  sessions,
		Transfers: transfers,
		Scheduler: scheduler,
		Tenants:   resolver,
		Store:     store,
		Hub:       hub,
		Log:       logger.Named("http"),
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           middleware.CaseInsensitiveMiddleware(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		logger.Infow("🚀 Server starting", "port", cfg.Port, "env", cfg.NodeEnv, "commit", buildinfo.Current().Commit)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("Failed to start server", "err", err)
		}
	}()

	sig := <-shutdown
	logger.Warnw("⚠️ Received signal, shutting down gracefully", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorw("HTTP server shutdown error", "err", err)
	}

	// Let an in-flight tick finish before the pools go away
	if schedulerHandle != nil {
		scheduler.Shutdown(schedulerHandle)
	}
	hub.Close()

	if err := resolver.Close(); err != nil {
		logger.Errorw("Tenant pool close error", "err", err)
	}

	// Close database (this also stops embedded PostgreSQL)
	logger.Info("🛑 Closing database connection...")
	if err := db.Close(); err != nil {
		logger.Errorw("Database close error", "err", err)
	}

	logger.Info("✅ Shutdown complete")
}
