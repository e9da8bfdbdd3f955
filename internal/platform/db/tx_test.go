package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

func TestClassifyMapsTransientCodes(t *testing.T) {
	for _, code := range []string{"40001", "40P01", "55P03"} {
		err := Classify(fmt.Errorf("insert: %w", &pgconn.PgError{Code: code, Message: "conflict"}))
		require.ErrorIs(t, err, shared.ErrConcurrency, code)
		require.True(t, shared.Retryable(err), code)
	}
}

func TestClassifyLeavesOtherErrors(t *testing.T) {
	plain := errors.New("boom")
	require.Same(t, plain, Classify(plain))

	unique := &pgconn.PgError{Code: "23505", ConstraintName: "uq_journal_heads_code"}
	require.False(t, shared.Retryable(Classify(unique)))
	require.True(t, IsUniqueViolation(unique, "uq_journal_heads_code"))
	require.True(t, IsUniqueViolation(unique, ""))
	require.False(t, IsUniqueViolation(unique, "uq_other"))
	require.Nil(t, Classify(nil))
}
