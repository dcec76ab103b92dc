// Package app wires the service together: storage, transport, the campaign
// pipeline, the scheduler and the HTTP server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mailkite/mailkite/internal/abtest"
	"github.com/mailkite/mailkite/internal/api"
	"github.com/mailkite/mailkite/internal/assign"
	"github.com/mailkite/mailkite/internal/campaign"
	"github.com/mailkite/mailkite/internal/config"
	"github.com/mailkite/mailkite/internal/db"
	"github.com/mailkite/mailkite/internal/dispatch"
	"github.com/mailkite/mailkite/internal/metrics"
	"github.com/mailkite/mailkite/internal/repository"
	"github.com/mailkite/mailkite/internal/scheduler"
	"github.com/mailkite/mailkite/internal/stats"
	"github.com/mailkite/mailkite/internal/tracking"
	"github.com/mailkite/mailkite/internal/transport"
)

// App is the main application.
type App struct {
	config    *config.Config
	database  *db.DB
	journal   *tracking.Journal
	apiServer *api.Server
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
}

// New builds the application from configuration.
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg)

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	journal, err := tracking.OpenJournal(cfg.Journal.Path)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to open event journal: %w", err)
	}

	m := metrics.New()

	campaigns := repository.NewCampaignRepository(database.DB)
	recipients := repository.NewRecipientRepository(database.DB)
	contacts := repository.NewContactRepository(database.DB)

	sender := transport.NewClient(cfg.Transport.BaseURL, cfg.Transport.APIKey, cfg.Transport.Timeout)
	dispatcher := dispatch.New(sender, recipients, m, logger, cfg.Server.BaseURL, dispatch.Config{
		Workers:       cfg.Dispatch.Workers,
		MaxAttempts:   cfg.Dispatch.MaxAttempts,
		RetryInterval: cfg.Dispatch.RetryInterval,
	})

	assigner := assign.New(campaigns, recipients, contacts, logger)
	aggregator := stats.NewAggregator(recipients)
	coord := abtest.NewCoordinator(campaigns, recipients, assigner, dispatcher, aggregator, logger)
	service := campaign.NewService(campaigns, recipients, assigner, dispatcher, coord, aggregator, logger)

	tracker := tracking.NewTracker(recipients, contacts, m, logger)
	trackingHandlers := tracking.NewHandlers(tracker, journal, m, logger)

	apiServer := api.NewServer(service, contacts, trackingHandlers, m, &cfg.Server, logger)
	sched := scheduler.New(campaigns, service, coord, journal, cfg.Scheduler.PollInterval, logger)

	return &App{
		config:    cfg,
		database:  database,
		journal:   journal,
		apiServer: apiServer,
		scheduler: sched,
		logger:    logger,
	}, nil
}

// Run starts all components and blocks until a signal or a server error.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting mailkite",
		"addr", a.config.Server.ListenAddr,
		"base_url", a.config.Server.BaseURL,
		"db", a.config.Database.Path,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops all components, letting in-flight requests and a running
// scheduler tick finish.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	a.scheduler.Stop()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown error", "error", err)
	}

	if err := a.journal.Close(); err != nil {
		a.logger.Error("journal close error", "error", err)
	}
	if err := a.database.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration.
func setupLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
