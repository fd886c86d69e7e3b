// Package persistence selects the session-persistence backend from configuration.
package persistence

import (
	"context"
	"fmt"

	"github.com/dkeye/meetsync/internal/adapters/persistence/httpapi"
	"github.com/dkeye/meetsync/internal/adapters/persistence/memory"
	"github.com/dkeye/meetsync/internal/adapters/persistence/postgres"
	"github.com/dkeye/meetsync/internal/adapters/persistence/redis"
	"github.com/dkeye/meetsync/internal/config"
	"github.com/dkeye/meetsync/internal/core"
	"github.com/rs/zerolog/log"
)

// New builds the configured backend. The returned close func releases its connections.
func New(ctx context.Context, cfg config.PersistenceConfig) (core.SessionPersistence, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case "", "memory":
		log.Info().Str("module", "adapters.persistence").Msg("session persistence: memory")
		return memory.NewStore(), noop, nil

	case "redis":
		store, err := redis.NewStore(cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("module", "adapters.persistence").Str("prefix", cfg.Redis.KeyPrefix).Msg("session persistence: redis")
		return store, store.Close, nil

	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		store := postgres.NewStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info().Str("module", "adapters.persistence").Msg("session persistence: postgres")
		return store, store.Close, nil

	case "http":
		log.Info().Str("module", "adapters.persistence").Str("base_url", cfg.HTTP.BaseURL).Msg("session persistence: http")
		return httpapi.NewClient(cfg.HTTP.BaseURL, cfg.HTTP.Token, cfg.Timeout), noop, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown backend %q", config.ErrBackendConfig, cfg.Backend)
}
