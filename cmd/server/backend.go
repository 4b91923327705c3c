package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/bgtasks/internal/config"
	"github.com/phrazzld/bgtasks/internal/platform/memstore"
	"github.com/phrazzld/bgtasks/internal/platform/postgres"
	"github.com/phrazzld/bgtasks/internal/platform/redisstore"
	"github.com/phrazzld/bgtasks/internal/store"
	"github.com/phrazzld/bgtasks/internal/task"
)

// openBackend connects the store driver selected in cfg.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.QueueBackend, error) {
	switch cfg.Store.Driver {
	case "memory":
		logger.Warn("Using in-memory store; tasks do not survive a restart")
		return memstore.New(), nil

	case "redis":
		backend := redisstore.New(redisstore.NewClient(cfg.Redis), cfg.Redis.KeyPrefix)
		if err := backend.Ping(ctx); err != nil {
			_ = backend.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info("Redis store connected", "addr", cfg.Redis.Addr, "key_prefix", cfg.Redis.KeyPrefix)
		return backend, nil

	case "postgres":
		backend, err := postgres.Open(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		if cfg.Database.AutoMigrate {
			if err := postgres.Migrate(ctx, backend.DB(), logger); err != nil {
				_ = backend.Close()
				return nil, err
			}
		}
		logger.Info("Postgres store connected", "auto_migrate", cfg.Database.AutoMigrate)
		return backend, nil

	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

// sharedBackendFactory hands the same backend to every queue. Backends
// scope their data by queue name and tolerate repeated Close calls.
func sharedBackendFactory(backend store.QueueBackend) task.BackendFactory {
	return func(context.Context, string) (store.QueueBackend, error) {
		return backend, nil
	}
}

// runMigrations applies the postgres schema and exits.
func runMigrations(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Store.Driver != "postgres" {
		return fmt.Errorf("migrations require the postgres store driver, got %q", cfg.Store.Driver)
	}

	backend, err := postgres.Open(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error("Error closing database connection", "error", err)
		}
	}()

	return postgres.Migrate(ctx, backend.DB(), logger)
}
