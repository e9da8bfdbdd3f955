package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/closing"
	"github.com/odyssey-erp/odyssey-ledger/internal/memstore"
	"github.com/odyssey-erp/odyssey-ledger/internal/periods"
)

func newCloseCLI(t *testing.T) (*CloseOpsCLI, *memstore.Store, int64) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()
	business := store.AddBusiness("Toko Maju")

	periodSvc := periods.NewService(store, store, logger)
	_, err := periodSvc.EnsureYear(context.Background(), business, 2024)
	require.NoError(t, err)

	closer := closing.NewService(store, store, store, store, logger)
	orchestrator := closing.NewOrchestrator(closing.OrchestratorConfig{
		Tx:      store,
		Repo:    store,
		Periods: periodSvc,
		Closer:  closer,
		Logger:  logger,
	})
	orchestrator.WithNow(func() time.Time { return time.Date(2024, time.April, 10, 8, 0, 0, 0, time.UTC) })

	cli, err := NewCloseOpsCLI(orchestrator, periodSvc, closer)
	require.NoError(t, err)
	return cli, store, business
}

func TestClosePeriodCommand(t *testing.T) {
	cli, store, business := newCloseCLI(t)
	ctx := context.Background()

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	for _, label := range []string{"2024-01", "2024-02"} {
		require.Equal(t, ExitOK, cli.PeriodCommand(ctx, ClosePeriodOptions{BusinessID: business, Period: label, Stdout: io.Discard, Stderr: stderr}), stderr.String())
	}
	code := cli.PeriodCommand(ctx, ClosePeriodOptions{
		BusinessID: business,
		Period:     "2024-03",
		Scope:      periods.ScopeMonth,
		JSONOutput: true,
		Stdout:     stdout,
		Stderr:     stderr,
	})
	require.Equal(t, ExitOK, code, stderr.String())
	var summary ClosePeriodSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.Equal(t, "2024-03", summary.Period)
	require.Equal(t, "2024-04", summary.Next)
	require.False(t, summary.AlreadyClosed)

	march, ok := store.Month(business, 2024, time.March)
	require.True(t, ok)
	require.True(t, march.IsClosed)

	stdout.Reset()
	code = cli.PeriodCommand(ctx, ClosePeriodOptions{BusinessID: business, Period: "2024-03", Stdout: stdout, Stderr: stderr})
	require.Equal(t, ExitOK, code)
	require.Contains(t, stdout.String(), "already closed")
}

func TestClosePeriodCommandRejects(t *testing.T) {
	cli, _, business := newCloseCLI(t)
	ctx := context.Background()

	cases := []struct {
		name string
		opts ClosePeriodOptions
		code int
		msg  string
	}{
		{"missing business", ClosePeriodOptions{Period: "2024-03"}, ExitUsage, "--business"},
		{"bad label", ClosePeriodOptions{BusinessID: business, Period: "03/2024"}, ExitUsage, "invalid period"},
		{"scope mismatch", ClosePeriodOptions{BusinessID: business, Period: "2024-Q1", Scope: periods.ScopeMonth}, ExitUsage, "not a MONTH"},
		{"unknown period", ClosePeriodOptions{BusinessID: business, Period: "2030-01"}, ExitFailure, "not found"},
		{"children open", ClosePeriodOptions{BusinessID: business, Period: "2024-Q1"}, ExitFailure, "2024-Q1"},
		{"not ended", ClosePeriodOptions{BusinessID: business, Period: "2024-04"}, ExitFailure, "2024-04"},
		{"earlier month open", ClosePeriodOptions{BusinessID: business, Period: "2024-03"}, ExitFailure, "close 2024-02 before 2024-03"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
			tc.opts.Stdout, tc.opts.Stderr = stdout, stderr
			require.Equal(t, tc.code, cli.PeriodCommand(ctx, tc.opts))
			require.Contains(t, stderr.String(), tc.msg)
			require.Empty(t, stdout.String())
		})
	}
}

func TestCloseRunCommand(t *testing.T) {
	cli, _, business := newCloseCLI(t)
	ctx := context.Background()

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	code := cli.RunCommand(ctx, CloseRunOptions{BusinessID: business, JSONOutput: true, Stdout: stdout, Stderr: stderr})
	require.Equal(t, ExitOK, code, stderr.String())

	var reports []closing.RunReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &reports))
	require.Len(t, reports, 1)
	require.Equal(t, []string{"2024-01", "2024-02", "2024-03"}, reports[0].Months)
	require.Equal(t, []string{"2024-Q1"}, reports[0].Quarters)

	stdout.Reset()
	code = cli.RunCommand(ctx, CloseRunOptions{Stdout: stdout, Stderr: stderr})
	require.Equal(t, ExitOK, code)
	require.Contains(t, stdout.String(), "nothing to close")

	require.Equal(t, ExitUsage, cli.RunCommand(ctx, CloseRunOptions{BusinessID: -1, Stdout: stdout, Stderr: stderr}))
}

func TestCloseRunCommandReportsPartialFailure(t *testing.T) {
	cli, store, _ := newCloseCLI(t)
	store.FailOnce("MarkClosed", context.DeadlineExceeded)

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	code := cli.RunCommand(context.Background(), CloseRunOptions{Stdout: stdout, Stderr: stderr})
	require.Equal(t, ExitPartial, code)
	require.Contains(t, stdout.String(), "error:")
	require.NotEmpty(t, stderr.String())
}
