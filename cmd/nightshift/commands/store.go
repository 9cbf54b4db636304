package commands

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dyluth/nightshift/internal/config"
	"github.com/dyluth/nightshift/internal/printer"
	"github.com/dyluth/nightshift/pkg/ledger"
)

// loadConfig reads the file named by --config and prints a formatted error on failure.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, printer.ErrorWithContext(
			"invalid configuration",
			err.Error(),
			map[string]string{"Config": configPath},
			[]string{fmt.Sprintf("Check %s, or pass --config <path>", configPath)},
		)
	}
	return cfg, nil
}

// openStore connects to the configured backend and verifies it answers.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ledger.Store, error) {
	var store ledger.Store

	switch cfg.Store.Backend {
	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid store.redis_url: %w", err)
		}
		client, err := ledger.NewClient(opts, cfg.Instance, ledger.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		store = client
	case config.BackendSQLite:
		sqlStore, err := ledger.OpenSQL(ctx, "sqlite", ledger.SQLiteDSN(cfg.Store.SQLitePath))
		if err != nil {
			return nil, err
		}
		store = sqlStore
	case config.BackendPostgres:
		sqlStore, err := ledger.OpenSQL(ctx, "postgres", cfg.Store.PostgresDSN)
		if err != nil {
			return nil, err
		}
		store = sqlStore
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}

	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("%s store not accessible: %w", cfg.Store.Backend, err)
	}
	return store, nil
}

// connect loads the config and opens its store, printing formatted errors.
func connect(ctx context.Context) (*config.Config, ledger.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	store, err := openStore(ctx, cfg, zap.NewNop())
	if err != nil {
		return nil, nil, printer.ErrorWithContext(
			"store unavailable",
			err.Error(),
			map[string]string{"Backend": cfg.Store.Backend, "Instance": cfg.Instance},
			[]string{"Check the store section of the configuration and that the store is running"},
		)
	}
	return cfg, store, nil
}
