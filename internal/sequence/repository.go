package sequence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// Store is the PostgreSQL Counter backed by the sequences table.
type Store struct{}

// NewStore constructs a Store.
func NewStore() *Store { return &Store{} }

// LockCounter creates the row when missing and locks it for the transaction.
func (s *Store) LockCounter(ctx context.Context, q db.Querier, key Key) (string, error) {
	const ensure = `INSERT INTO sequences (business_id, scope, year, last_code)
VALUES ($1, $2, $3, '')
ON CONFLICT (business_id, scope, year) DO NOTHING`
	if _, err := q.Exec(ctx, ensure, key.BusinessID, string(key.Scope), key.Year); err != nil {
		return "", fmt.Errorf("sequence: ensure counter: %w", err)
	}
	const lock = `SELECT last_code FROM sequences
WHERE business_id = $1 AND scope = $2 AND year = $3
FOR UPDATE`
	var last string
	if err := q.QueryRow(ctx, lock, key.BusinessID, string(key.Scope), key.Year).Scan(&last); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("sequence: counter row vanished for %s/%d", key.Scope, key.Year)
		}
		return "", fmt.Errorf("sequence: lock counter: %w", err)
	}
	return last, nil
}

// StoreCounter records code as the last issued one.
func (s *Store) StoreCounter(ctx context.Context, q db.Querier, key Key, code string) error {
	const sql = `UPDATE sequences SET last_code = $4, updated_at = NOW()
WHERE business_id = $1 AND scope = $2 AND year = $3`
	tag, err := q.Exec(ctx, sql, key.BusinessID, string(key.Scope), key.Year, code)
	if err != nil {
		return fmt.Errorf("sequence: store counter: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("sequence: store counter affected %d rows", tag.RowsAffected())
	}
	return nil
}
