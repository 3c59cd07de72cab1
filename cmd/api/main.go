// Package main is the entry point for the PalletSpace API server.
//
// It loads configuration, connects the database pool, wires the link engine
// (coordinator, ingestor, backfill) onto the HTTP chassis, and starts
// listening for requests. A background maintenance loop prunes expired dedup
// ledger entries.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/go-chi/chi/v5"

	"palletspace/internal/api/handlers"
	"palletspace/internal/config"
	"palletspace/internal/core"
	"palletspace/internal/db"
	"palletspace/internal/external"
	"palletspace/internal/link"
	"palletspace/internal/telemetry"
	"palletspace/internal/types"
)

// maintenanceInterval is how often the dedup ledger is pruned.
const maintenanceInterval = 6 * time.Hour

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("palletspace API starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database pool and repositories.
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	users := db.NewUserRepository(pool)
	events := db.NewEventRepository(pool)
	runs := db.NewBackfillRepository(pool)

	// Metrics: CloudWatch outside local, noop in local dev.
	metrics := newMetrics(ctx, cfg, logger)

	// Billing provider client.
	stripeClient := external.NewStripeClient(
		&http.Client{Timeout: cfg.Billing.HTTPTimeout},
		external.StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
			BaseURL:   cfg.Billing.APIBaseURL,
			Logger:    logger,
		},
	)

	// Link engine.
	coordCfg := link.DefaultCoordinatorConfig()
	coordCfg.RetryBackoff = cfg.Link.RetryBackoff
	coordCfg.PendingWait = cfg.Link.PendingWait
	coordinator := link.NewCoordinator(users, stripeClient, coordCfg, logger,
		link.WithMetrics(metrics),
	)

	ingestor := link.NewIngestor(events, users, logger, metrics)

	backfill := link.NewBackfill(users, runs, coordinator, link.BackfillConfig{
		BatchSize:   cfg.Link.BackfillBatchSize,
		Concurrency: cfg.Link.BackfillConcurrency,
	}, logger, metrics)

	// Ledger retention pruning in the background.
	maintenance := link.NewMaintenance(events, cfg.Link.EventRetention, logger)
	go maintenance.RunEvery(ctx, maintenanceInterval)

	// HTTP chassis.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = metrics
	srv.HealthProbes = []core.HealthProbe{
		core.ProbeFunc{ProbeName: "database", CheckFn: pool.Ping},
	}
	srv.RegisterOnShutdown(func(ctx context.Context) error {
		// Pauses any background backfill run after its current batch and
		// waits for the paused status to commit.
		backfill.Stop()
		return nil
	})

	authHandler := handlers.NewAuthHandler(users, coordinator, logger, srv.Validator)
	usersHandler := handlers.NewUsersHandler(users, coordinator, logger, srv.Validator)
	webhookHandler := handlers.NewStripeWebhookHandler(
		&external.StripeVerifier{},
		ingestor,
		cfg.Billing.StripeWebhookSecret.Unmask(),
		logger,
	)
	backfillHandler := handlers.NewBackfillHandler(backfill, runs, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		authHandler.RegisterRoutes,
		usersHandler.RegisterRoutes,
		webhookHandler.RegisterRoutes,
		func(r chi.Router) {
			r.Route("/admin", func(r chi.Router) {
				r.Use(core.AdminGate(cfg.Security.AdminAPIKey))
				backfillHandler.RegisterRoutes(r)
			})
		},
	)

	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// newMetrics builds the telemetry collector. Local development runs without
// CloudWatch; a failure to load AWS configuration degrades to noop metrics
// rather than blocking startup.
func newMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) telemetry.Collector {
	if cfg.Environment == "local" {
		return telemetry.Noop{}
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Warn("failed to load AWS config, metrics disabled", "error", err)
		return telemetry.Noop{}
	}

	client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = &cfg.AWS.EndpointURL
		}
	})
	return telemetry.NewCloudWatchCollector(client, cfg.AWS.MetricNamespace, slogAdapter{logger})
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Channel to capture server errors from ListenAndServe.
	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal or server error.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with a 10-second deadline.
	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}

// slogAdapter bridges *slog.Logger to the types.Logger interface.
type slogAdapter struct {
	l *slog.Logger
}

func (a slogAdapter) Info(msg string, args ...any)  { a.l.Info(msg, args...) }
func (a slogAdapter) Error(msg string, args ...any) { a.l.Error(msg, args...) }
func (a slogAdapter) Warn(msg string, args ...any)  { a.l.Warn(msg, args...) }
func (a slogAdapter) With(args ...any) types.Logger { return slogAdapter{a.l.With(args...)} }
