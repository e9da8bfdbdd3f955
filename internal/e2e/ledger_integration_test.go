//go:build integration

package e2e

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/odyssey-erp/odyssey-ledger/internal/app"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/sequence"
)

type fixture struct {
	pool     *pgxpool.Pool
	services *app.Services
	business int64
	cash     int64
	revenue  int64
	customer int64
}

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("odyssey_ledger_test"),
		tcpostgres.WithUsername("odyssey"),
		tcpostgres.WithPassword("odyssey"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dsn := startPostgres(t)

	migrator, err := db.NewMigrator(dsn, logger)
	require.NoError(t, err)
	require.NoError(t, migrator.Up())
	require.NoError(t, migrator.Close())

	pool, err := db.New(ctx, dsn, 20)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	cfg := &app.Config{TxMaxAttempts: 5, CloseConcurrency: 2, CloseLockTTL: time.Minute, Timezone: "UTC"}
	f := &fixture{pool: pool, services: app.NewServices(cfg, pool, nil, nil, logger)}

	require.NoError(t, pool.QueryRow(ctx, `INSERT INTO businesses (name) VALUES ('Toko Maju') RETURNING id`).Scan(&f.business))
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO accounts (business_id, code, name, class) VALUES ($1, '1-1000', 'Kas', 'ASSET') RETURNING id`, f.business).Scan(&f.cash))
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO accounts (business_id, code, name, class) VALUES ($1, '4-1000', 'Penjualan', 'REVENUE') RETURNING id`, f.business).Scan(&f.revenue))
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO customers (business_id, code, name) VALUES ($1, 'CUS1-00001', 'Budi') RETURNING id`, f.business).Scan(&f.customer))

	_, err = f.services.Periods.EnsureYear(ctx, f.business, 2024)
	require.NoError(t, err)
	f.setNow(time.Date(2024, time.March, 20, 10, 0, 0, 0, time.UTC))
	return f
}

func (f *fixture) setNow(now time.Time) {
	clock := func() time.Time { return now }
	f.services.Ledger.WithNow(clock)
	f.services.Orchestrator.WithNow(clock)
}

func (f *fixture) post(ctx context.Context, scope sequence.Scope, date time.Time, debit, credit ledger.SubjectRef, total string) (ledger.JournalHead, error) {
	amount := decimal.RequireFromString(total)
	return f.services.Ledger.Post(ctx, ledger.PostingInput{
		BusinessID: f.business,
		Scope:      scope,
		Date:       date,
		EntryType:  string(scope),
		Lines: []ledger.LineInput{
			{Side: ledger.SideDebit, SubjectKind: debit.Kind, SubjectID: debit.ID, Amount: amount},
			{Side: ledger.SideCredit, SubjectKind: credit.Kind, SubjectID: credit.ID, Amount: amount},
		},
	})
}

func TestPostingCloseAndRollover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := ledger.SubjectRef{Kind: ledger.SubjectCustomer, ID: f.customer}
	revenue := ledger.SubjectRef{Kind: ledger.SubjectAccount, ID: f.revenue}
	cash := ledger.SubjectRef{Kind: ledger.SubjectAccount, ID: f.cash}

	sale, err := f.post(ctx, sequence.ScopeSale, time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC), customer, revenue, "100")
	require.NoError(t, err)
	require.Equal(t, "SAL1-202400001", sale.Code)

	_, err = f.post(ctx, sequence.ScopeCashReceipt, time.Date(2024, time.March, 6, 0, 0, 0, 0, time.UTC), cash, customer, "40")
	require.NoError(t, err)

	reports, err := f.services.Ledger.VerifyPeriod(ctx, f.business, mustMonth(t, f, "2024-03"))
	require.NoError(t, err)
	require.Len(t, reports, 3)

	f.setNow(time.Date(2024, time.April, 2, 1, 0, 0, 0, time.UTC))
	run, err := f.services.Orchestrator.RunBusiness(ctx, f.business)
	require.NoError(t, err)
	require.Equal(t, []string{"2024-01", "2024-02", "2024-03"}, run.Months)
	require.Equal(t, []string{"2024-Q1"}, run.Quarters)

	march, err := f.services.Closing.CustomerBalance(ctx, f.business, f.customer, mustMonth(t, f, "2024-03"))
	require.NoError(t, err)
	require.True(t, march.IsClosed)
	require.Equal(t, "60.00", march.Closing.StringFixed(2))

	april, err := f.services.Closing.CustomerBalance(ctx, f.business, f.customer, mustMonth(t, f, "2024-04"))
	require.NoError(t, err)
	require.Equal(t, "60.00", april.Opening.StringFixed(2))

	_, err = f.post(ctx, sequence.ScopeSale, time.Date(2024, time.March, 30, 0, 0, 0, 0, time.UTC), customer, revenue, "5")
	require.Error(t, err, "closed month rejects postings")
}

func TestConcurrentPostingsKeepChainConsistent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := ledger.SubjectRef{Kind: ledger.SubjectCustomer, ID: f.customer}
	revenue := ledger.SubjectRef{Kind: ledger.SubjectAccount, ID: f.revenue}
	date := time.Date(2024, time.March, 10, 0, 0, 0, 0, time.UTC)

	const workers, each = 8, 5
	var wg sync.WaitGroup
	errs := make(chan error, workers*each)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range each {
				if _, err := f.post(ctx, sequence.ScopeSale, date, customer, revenue, "10"); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	march := mustMonth(t, f, "2024-03")
	reports, err := f.services.Ledger.VerifyPeriod(ctx, f.business, march)
	require.NoError(t, err)
	for _, r := range reports {
		require.False(t, r.Broken)
		require.Equal(t, workers*each, r.Entries)
		require.Equal(t, "400.00", r.Final.StringFixed(2))
	}

	var codes int
	require.NoError(t, f.pool.QueryRow(ctx, `SELECT COUNT(DISTINCT code) FROM journal_heads WHERE business_id = $1`, f.business).Scan(&codes))
	require.Equal(t, workers*each, codes)
}

func mustMonth(t *testing.T, f *fixture, label string) int64 {
	t.Helper()
	p, err := f.services.Periods.Find(context.Background(), f.business, label)
	require.NoError(t, err)
	return p.ID
}
