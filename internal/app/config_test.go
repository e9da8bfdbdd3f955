package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PG_DSN", "postgres://ledger@localhost/ledger")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "0 0 1 * *", cfg.CloseCron)
	require.Equal(t, 3, cfg.TxMaxAttempts)
	require.Equal(t, 10*time.Minute, cfg.CloseLockTTL)
	require.Equal(t, time.UTC, cfg.Location())
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsUnknownTimezone(t *testing.T) {
	t.Setenv("TIMEZONE", "Mars/Olympus")
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadConfigRejectsZeroConcurrency(t *testing.T) {
	t.Setenv("CLOSE_CONCURRENCY", "0")
	_, err := LoadConfig()
	require.Error(t, err)
}
