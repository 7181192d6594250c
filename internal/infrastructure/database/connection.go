// Package database implements the domain repository ports on PostgreSQL
// using pgx. Profiles, the consent ledger, the hash-chained audit log,
// erasure reports, and CRM mappings each get a repository over a shared
// connection pool.
package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
	"github.com/eduflowhq/cdp-backend/internal/infrastructure/config"
)

// NewPool opens a connection pool sized from cfg and verifies connectivity
// before returning it. Callers own pool.Close.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, errors.NewInternalError("failed to parse database url").WithCause(err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.NewInternalError("failed to create connection pool").WithCause(err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.NewInternalError("failed to ping database").WithCause(err)
	}

	logger.Info("database pool ready",
		zap.Int32("max_conns", cfg.MaxConns),
		zap.Int32("min_conns", cfg.MinConns))

	return pool, nil
}
