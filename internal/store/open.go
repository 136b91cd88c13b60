// ABOUTME: Backend selection for the configured Store
// ABOUTME: Maps store.backend to the SQLite, Redis or file implementation

package store

import (
	"context"
	"fmt"

	"github.com/2389/wagate/internal/config"
	"github.com/redis/go-redis/v9"
)

// Open constructs the backend named by cfg.Backend and verifies it is reachable.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var (
		s   Store
		err error
	)

	switch cfg.Backend {
	case config.BackendSQLite:
		s, err = NewSQLiteStore(cfg.SQLitePath)
	case config.BackendRedis:
		s, err = NewRedisStore(RedisConfig{
			Client: redis.NewClient(&redis.Options{
				Addr: cfg.RedisAddr,
				DB:   cfg.RedisDB,
			}),
			KeyPrefix: cfg.RedisPrefix,
		})
	case config.BackendFile:
		s, err = NewFileStore(cfg.Dir)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("pinging %s store: %w", cfg.Backend, err)
	}
	return s, nil
}
