package main

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-ledger/internal/app"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// env holds the connections of one CLI invocation.
type env struct {
	cfg      *app.Config
	logger   *slog.Logger
	pool     *pgxpool.Pool
	redis    *redis.Client
	services *app.Services
}

func loadEnv() (*app.Config, *slog.Logger, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	return cfg, app.NewLogger(cfg), nil
}

// openEnv connects to PostgreSQL and, when reachable, Redis. Without Redis
// closure runs rely on the period row locks alone.
func openEnv(ctx context.Context) (*env, error) {
	cfg, logger, err := loadEnv()
	if err != nil {
		return nil, err
	}
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: logger, pool: pool}

	client, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Warn("redis unavailable, running without closure locks", slog.Any("error", err))
		e.services = app.NewServices(cfg, pool, nil, nil, logger)
		return e, nil
	}
	e.redis = client
	e.services = app.NewServices(cfg, pool, client, nil, logger)
	return e, nil
}

func (e *env) Close() {
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			e.logger.Warn("redis close", slog.Any("error", err))
		}
	}
	e.pool.Close()
}
