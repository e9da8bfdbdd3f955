package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx. Stores take it so the
// same statements run standalone or inside a caller's transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Transactor runs fn inside one atomic unit of work.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, q Querier) error) error
}

// SQLSTATE codes that signal a transient conflict.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

// TxRunner executes functions in READ COMMITTED transactions and retries
// transient conflicts a bounded number of times. Correctness relies on the
// explicit row locks each caller takes, so every statement after a lock wait
// must observe the rows committed by the previous holder.
type TxRunner struct {
	pool     *pgxpool.Pool
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
	onRetry  func()
}

// NewTxRunner constructs a TxRunner. attempts below one default to three.
func NewTxRunner(pool *pgxpool.Pool, attempts int, logger *slog.Logger) *TxRunner {
	if attempts < 1 {
		attempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TxRunner{pool: pool, attempts: attempts, backoff: 25 * time.Millisecond, logger: logger}
}

// OnRetry registers a callback invoked before every retried attempt.
func (r *TxRunner) OnRetry(fn func()) *TxRunner {
	r.onRetry = fn
	return r
}

// WithTx implements Transactor.
func (r *TxRunner) WithTx(ctx context.Context, fn func(context.Context, Querier) error) error {
	if r == nil || r.pool == nil {
		return errors.New("platform/db: tx runner not initialised")
	}
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = r.once(ctx, fn)
		if err == nil || !shared.Retryable(err) {
			return err
		}
		if attempt == r.attempts {
			break
		}
		r.logger.Warn("transaction conflict, retrying", slog.Int("attempt", attempt), slog.Any("error", err))
		if r.onRetry != nil {
			r.onRetry()
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(time.Duration(attempt) * r.backoff):
		}
	}
	return fmt.Errorf("platform/db: gave up after %d attempts: %w", r.attempts, err)
}

func (r *TxRunner) once(ctx context.Context, fn func(context.Context, Querier) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", Classify(err))
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, tx); err != nil {
		return Classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", Classify(err))
	}

	return nil
}

// Classify wraps transient PostgreSQL conflicts with shared.ErrConcurrency and
// returns every other error untouched.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, shared.ErrConcurrency) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return fmt.Errorf("%w: %s", shared.ErrConcurrency, pgErr.Message)
		}
	}
	return err
}

// IsUniqueViolation reports whether err is a unique constraint failure on the
// named constraint. An empty constraint matches any unique violation.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
