package closing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/closing"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

func newOrchestrator(t *testing.T, w *world) (*closing.Orchestrator, *shared.Locker) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := shared.NewLocker(client, time.Minute)

	o := closing.NewOrchestrator(closing.OrchestratorConfig{
		Tx:          w.store,
		Repo:        w.store,
		Periods:     w.periods,
		Closer:      w.closer,
		Locker:      locker,
		Logger:      discard(),
		Concurrency: 2,
	})
	o.WithNow(func() time.Time { return w.now })
	return o, locker
}

func TestRunBusinessCatchesUpEarliestFirst(t *testing.T) {
	w := newWorld(t)
	w.postFirstQuarter(t)
	o, _ := newOrchestrator(t, w)
	w.now = day(2024, time.April, 2).Add(3 * time.Hour)

	report, err := o.RunBusiness(context.Background(), w.business)
	require.NoError(t, err)
	require.Equal(t, []string{"2024-01", "2024-02", "2024-03"}, report.Months)
	require.Equal(t, []string{"2024-Q1"}, report.Quarters)
	require.Empty(t, report.Years)
	require.False(t, report.Skipped)

	require.True(t, w.snapshot(time.April, ledger.SubjectCustomer, w.customer).Opening.Equal(amount("120")))

	again, err := o.RunBusiness(context.Background(), w.business)
	require.NoError(t, err)
	require.Empty(t, again.Months)
	require.Empty(t, again.Quarters)
}

func TestRunBusinessClosesPreviousYear(t *testing.T) {
	w := newWorld(t)
	o, _ := newOrchestrator(t, w)
	w.now = day(2025, time.January, 5)

	report, err := o.RunBusiness(context.Background(), w.business)
	require.NoError(t, err)
	require.Len(t, report.Months, 12)
	require.Len(t, report.Quarters, 4)
	require.Equal(t, []string{"2024"}, report.Years)

	_, ok := w.store.Month(w.business, 2025, time.January)
	require.True(t, ok, "current year is created on the way")
	jan, _ := w.store.Month(w.business, 2025, time.January)
	require.False(t, jan.IsClosed)
}

func TestRunBusinessSkipsWhenLockHeld(t *testing.T) {
	w := newWorld(t)
	o, locker := newOrchestrator(t, w)
	w.now = day(2024, time.April, 2)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, shared.CloseLockKey(w.business))
	require.NoError(t, err)

	report, err := o.RunBusiness(ctx, w.business)
	require.NoError(t, err)
	require.True(t, report.Skipped)
	require.Empty(t, report.Months)
	require.False(t, w.month(time.January).IsClosed)

	require.NoError(t, release(ctx))
	report, err = o.RunBusiness(ctx, w.business)
	require.NoError(t, err)
	require.Len(t, report.Months, 3)
}

func TestRunAllIsolatesFailingBusiness(t *testing.T) {
	w := newWorld(t)
	other := w.store.AddBusiness("Toko Sebelah")
	_, err := w.periods.EnsureYear(context.Background(), other, 2024)
	require.NoError(t, err)
	o := closing.NewOrchestrator(closing.OrchestratorConfig{
		Tx:      w.store,
		Repo:    w.store,
		Periods: w.periods,
		Closer:  w.closer,
		Logger:  discard(),
	})
	o.WithNow(func() time.Time { return w.now })
	w.now = day(2024, time.April, 2)

	boom := errors.New("lock timeout")
	w.store.FailOnce("MarkClosed", boom)

	reports, err := o.RunAll(context.Background())
	require.ErrorIs(t, err, boom)
	require.Len(t, reports, 2)

	require.Equal(t, w.business, reports[0].BusinessID)
	require.Empty(t, reports[0].Months)
	require.Len(t, reports[0].Errors, 1)
	require.False(t, w.month(time.January).IsClosed)

	require.Equal(t, other, reports[1].BusinessID)
	require.Len(t, reports[1].Months, 3)
	require.Equal(t, []string{"2024-Q1"}, reports[1].Quarters)
}
