// Package cache implements the Redis-backed pieces of the pipeline: the
// consent check cache and the event dedup set. Consumers treat every
// cache failure as a miss; an unreachable Redis degrades throughput, not
// correctness.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
	"github.com/eduflowhq/cdp-backend/internal/infrastructure/config"
)

// connectTimeout bounds the startup health check.
const connectTimeout = 5 * time.Second

// NewClient opens a Redis client from cfg and verifies connectivity
// before returning it. Callers own client.Close.
func NewClient(ctx context.Context, cfg *config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.URL,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.NewInternalError("failed to ping redis").WithCause(err)
	}

	logger.Info("redis client ready",
		zap.String("addr", cfg.URL),
		zap.Int("db", cfg.DB))

	return client, nil
}
