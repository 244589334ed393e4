package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/subscout/internal/config"
)

// Open builds the backend selected by cfg. The returned func releases its
// connections.
func Open(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Storage, func(), error) {
	switch cfg.Backend {
	case "", config.BackendMemory:
		return NewMemory(), func() {}, nil
	case config.BackendPostgres:
		pool, err := Connect(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		pg, err := NewPostgres(ctx, pool, cfg.Postgres.Table, logger)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return pg, pool.Close, nil
	case config.BackendRedis:
		r, err := NewRedis(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, nil, err
		}
		return r, func() {
			if err := r.Close(); err != nil {
				logger.Warn("Failed to close redis client.", zap.Error(err))
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
