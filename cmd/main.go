package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/request-gateway/payment_service/internal/api/routes"
	"github.com/request-gateway/payment_service/internal/infrastructure/config"
	"github.com/request-gateway/payment_service/internal/infrastructure/database"
	"github.com/request-gateway/payment_service/internal/infrastructure/di"
	"github.com/request-gateway/payment_service/pkg/graceful"
	"github.com/request-gateway/payment_service/pkg/logger"
	"github.com/request-gateway/payment_service/pkg/tracing"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Initialize logger
	log := logger.New(cfg.LogLevel, cfg.Environment)
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracingConfig := tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		CollectorURL: cfg.Tracing.CollectorURL,
		Environment:  cfg.Environment,
		SampleRate:   cfg.Tracing.SampleRate,
		Insecure:     cfg.Tracing.Insecure,
	}
	tracingShutdown, err := tracing.InitTracer(ctx, tracingConfig, log.Zap())
	if err != nil {
		log.Fatal("Failed to initialize tracing", "error", err)
	}

	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}

	if cfg.Database.AutoMigrate {
		if err := database.RunMigrations(db, cfg.Database.MigrationsPath); err != nil {
			log.Fatal("Failed to run migrations", "error", err)
		}
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	container, err := di.NewContainer(ctx, cfg, db, log)
	if err != nil {
		log.Fatal("Failed to create DI container", "error", err)
	}

	router := routes.SetupRoutes(container)

	server := &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	shutdown := graceful.NewShutdownManager(server, time.Duration(cfg.Server.ShutdownTimeout)*time.Second, log)

	if container.ChainIngestor != nil {
		if err := container.Wallets.Refresh(ctx); err != nil {
			log.Fatal("Failed to load monitored wallets", "error", err)
		}
		go container.Wallets.Run(ctx, cfg.Blockchain.WalletRefreshDuration())

		if err := container.Sweep.Start(ctx); err != nil {
			log.Fatal("Failed to start reconciliation sweep", "error", err)
		}
		if err := container.ChainIngestor.Start(ctx); err != nil {
			log.Fatal("Failed to start chain ingestor", "error", err)
		}
		// ingestor first so no block hook fires into a stopped sweep
		shutdown.Register(container.ChainIngestor)
		shutdown.Register(container.Sweep)
		shutdown.RegisterCloser("chain rpc", container.ChainClient)
		log.Info("Chain monitoring started", "tokens", len(cfg.Blockchain.Tokens), "billing_token", cfg.Blockchain.BillingToken)
	}

	shutdown.RegisterHook(tracingShutdown)
	shutdown.RegisterHook(func(context.Context) error {
		cancel()
		return nil
	})
	if container.Redis != nil {
		shutdown.RegisterCloser("redis", container.Redis)
	}
	shutdown.RegisterCloser("database", db)

	go func() {
		log.Info("Starting server",
			"port", cfg.Server.Port,
			"environment", cfg.Environment,
			"app_identifier", cfg.App.Identifier,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", "error", err)
		}
	}()

	shutdown.WaitForShutdown(ctx)
}
