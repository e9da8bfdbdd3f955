package db

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrateURLRewritesScheme(t *testing.T) {
	require.Equal(t, "pgx5://u:p@localhost:5432/ledger?sslmode=disable", migrateURL("postgres://u:p@localhost:5432/ledger?sslmode=disable"))
	require.Equal(t, "pgx5://localhost/ledger", migrateURL("postgresql://localhost/ledger"))
	require.Equal(t, "pgx5://already", migrateURL("pgx5://already"))
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(migrationFS, "migrations/*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(migrationFS, "migrations/*.down.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)
	require.Len(t, downs, len(ups))
}
