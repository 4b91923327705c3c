package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/bgtasks/internal/api"
	"github.com/phrazzld/bgtasks/internal/config"
	"github.com/phrazzld/bgtasks/internal/metrics"
	"github.com/phrazzld/bgtasks/internal/store"
	"github.com/phrazzld/bgtasks/internal/task"
)

// ShutdownTimeout bounds the HTTP drain and the wait for in-flight tasks.
const ShutdownTimeout = 30 * time.Second

// application holds all the shared application dependencies to simplify management
// and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	backend   store.QueueBackend
	collector *metrics.Collector
	manager   *task.Manager
	router    http.Handler
}

// newApplication opens the store, initializes the task manager and starts
// its workers and scheduler.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return buildApplication(ctx, cfg, logger, backend)
}

// buildApplication wires the application around an already open backend.
func buildApplication(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	backend store.QueueBackend,
) (*application, error) {
	app := &application{
		config:    cfg,
		logger:    logger,
		backend:   backend,
		collector: metrics.NewCollector(logger),
	}

	registry := task.NewRegistry(logger)
	registerDiagnostics(registry)

	app.manager = task.NewManager(
		managerConfig(cfg),
		sharedBackendFactory(backend),
		registry,
		app.collector,
		logger,
	)

	if err := app.manager.Initialize(ctx); err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("failed to initialize task manager: %w", err)
	}

	if err := app.startProcessing(); err != nil {
		app.manager.Shutdown(ctx)
		return nil, err
	}

	app.router = api.NewRouter(app.manager, logger)

	logger.Info("Application initialized successfully",
		"functions", registry.Functions())
	return app, nil
}

func (app *application) startProcessing() error {
	cfg := app.config

	if cfg.Worker.Count > 0 {
		if err := app.manager.StartWorkers(cfg.Worker.Count, cfg.Worker.Queue); err != nil {
			return fmt.Errorf("failed to start workers: %w", err)
		}
	}

	if cfg.Maintenance.Enabled {
		if err := app.manager.StartWorkers(1, task.MaintenanceQueue); err != nil {
			return fmt.Errorf("failed to start maintenance worker: %w", err)
		}
	}

	if cfg.Scheduler.Enabled {
		if err := app.manager.StartScheduler(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}
	return nil
}

func managerConfig(cfg *config.Config) task.ManagerConfig {
	mc := task.DefaultManagerConfig()
	mc.DefaultQueue = cfg.Worker.Queue
	mc.Worker.DequeueTimeout = time.Duration(cfg.Worker.DequeueTimeoutSeconds) * time.Second
	if cfg.Worker.ErrorPauseMillis > 0 {
		mc.Worker.ErrorPause = time.Duration(cfg.Worker.ErrorPauseMillis) * time.Millisecond
	}
	mc.SchedulerInterval = time.Duration(cfg.Scheduler.PollIntervalSeconds) * time.Second
	mc.StuckTaskAge = time.Duration(cfg.Worker.StuckTaskAgeMinutes) * time.Minute

	if cfg.Maintenance.Enabled {
		mc.MaintenanceCron = cfg.Maintenance.Cron
		mc.MaintenanceRetention = time.Duration(cfg.Maintenance.RetentionHours) * time.Hour
	}
	return mc
}

// Run serves HTTP until ctx is cancelled, then shuts everything down.
func (app *application) Run(ctx context.Context) error {
	if err := app.startHTTPServer(ctx, app.router); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// cleanup stops workers and the scheduler and closes the store.
func (app *application) cleanup(ctx context.Context) {
	app.manager.Shutdown(ctx)

	// Queues close the shared backend; a second Close is a no-op.
	if err := app.backend.Close(); err != nil {
		app.logger.Error("Error closing store", "error", err)
	}

	app.logger.Info("Application shutdown completed")
}
