package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Session defaults applied unless the DSN sets them. A bounded lock_timeout
// turns a stuck row lock into SQLSTATE 55P03, which the TxRunner retries.
var sessionDefaults = map[string]string{
	"application_name": "odyssey-ledger",
	"lock_timeout":     "5s",
	"timezone":         "UTC",
}

// New creates a new PostgreSQL connection pool. A positive maxConns overrides
// the pool size parsed from the DSN.
func New(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("platform/db: parse config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	params := config.ConnConfig.RuntimeParams
	for key, value := range sessionDefaults {
		if _, ok := params[key]; !ok {
			params[key] = value
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("platform/db: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("platform/db: ping: %w", err)
	}
	return pool, nil
}
