package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	require.NoError(t, metrics.Track("ledger_period_close").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, metrics.Track("ledger_period_close").End(boom), boom)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues("ledger_period_close", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues("ledger_period_close", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.failures.WithLabelValues("ledger_period_close")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	require.NoError(t, metrics.Track("noop").End(nil))
	metrics.AddBrokenChains(1, "asset", 2)
	metrics.AddClosedPeriods("MONTH", 1)
}

func TestCountersIgnoreNonPositive(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	metrics.AddBrokenChains(7, "customer", 0)
	metrics.AddClosedPeriods("MONTH", 3)
	metrics.AddBrokenChains(0, "asset", 1)

	require.Equal(t, 3.0, testutil.ToFloat64(metrics.closedScopes.WithLabelValues("MONTH")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.brokenChains.WithLabelValues("0", "asset")))
}
