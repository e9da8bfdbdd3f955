package closing_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/closing"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/memstore"
	"github.com/odyssey-erp/odyssey-ledger/internal/periods"
	"github.com/odyssey-erp/odyssey-ledger/internal/reversal"
	"github.com/odyssey-erp/odyssey-ledger/internal/sequence"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

type world struct {
	store    *memstore.Store
	periods  *periods.Service
	ledger   *ledger.Service
	closer   *closing.Service
	business int64
	cash     int64
	revenue  int64
	customer int64
	supplier int64
	now      time.Time
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newWorld(t *testing.T) *world {
	t.Helper()
	store := memstore.New()
	w := &world{store: store, now: day(2024, time.March, 20)}
	w.business = store.AddBusiness("Toko Maju")
	w.addSubjects(w.business)
	w.periods = periods.NewService(store, store, discard())
	_, err := w.periods.EnsureYear(context.Background(), w.business, 2024)
	require.NoError(t, err)

	clock := func() time.Time { return w.now }
	w.ledger = ledger.NewService(store, store, store, sequence.NewGenerator(store, store), store, discard())
	w.ledger.WithNow(clock)
	w.closer = closing.NewService(store, store, store, store, discard())
	w.closer.WithNow(clock)
	return w
}

func (w *world) addSubjects(business int64) {
	w.cash = w.store.AddAccount(business, "1-1000", ledger.ClassAsset)
	w.revenue = w.store.AddAccount(business, "4-1000", ledger.ClassRevenue)
	w.customer = w.store.AddCustomer(business, "CUS-00001")
	w.supplier = w.store.AddSupplier(business, "SUP-00001")
}

func (w *world) post(t *testing.T, date time.Time, debit, credit ledger.SubjectRef, total string) {
	t.Helper()
	w.now = date
	_, err := w.ledger.Post(context.Background(), ledger.PostingInput{
		BusinessID: w.business,
		Scope:      sequence.ScopeJournal,
		Date:       date,
		EntryType:  "General Journal",
		Lines: []ledger.LineInput{
			{Side: ledger.SideDebit, SubjectKind: debit.Kind, SubjectID: debit.ID, Amount: amount(total)},
			{Side: ledger.SideCredit, SubjectKind: credit.Kind, SubjectID: credit.ID, Amount: amount(total)},
		},
	})
	require.NoError(t, err)
}

func (w *world) customerRef() ledger.SubjectRef {
	return ledger.SubjectRef{Kind: ledger.SubjectCustomer, ID: w.customer}
}

func (w *world) account(id int64) ledger.SubjectRef {
	return ledger.SubjectRef{Kind: ledger.SubjectAccount, ID: id}
}

func (w *world) month(m time.Month) periods.Period {
	p, _ := w.store.Month(w.business, 2024, m)
	return p
}

func (w *world) snapshot(m time.Month, kind ledger.SubjectKind, id int64) ledger.Snapshot {
	snap, _ := w.store.Snapshot(ledger.SnapshotKey{BusinessID: w.business, PeriodID: w.month(m).ID, Kind: kind, SubjectID: id})
	return snap
}

// postFirstQuarter books a February sale of 100, a March receipt of 40 and a
// March sale of 60.
func (w *world) postFirstQuarter(t *testing.T) {
	t.Helper()
	w.post(t, day(2024, time.February, 10), w.customerRef(), w.account(w.revenue), "100")
	w.post(t, day(2024, time.March, 5), w.account(w.cash), w.customerRef(), "40")
	w.post(t, day(2024, time.March, 12), w.customerRef(), w.account(w.revenue), "60")
}

func (w *world) closeMonths(t *testing.T, months ...time.Month) {
	t.Helper()
	for _, m := range months {
		_, err := w.closer.CloseMonth(context.Background(), w.business, w.month(m).ID)
		require.NoError(t, err)
	}
}

func TestCloseMonthRollsClosingIntoNextOpening(t *testing.T) {
	w := newWorld(t)
	w.postFirstQuarter(t)
	w.now = day(2024, time.April, 2)

	w.closeMonths(t, time.January, time.February)
	feb := w.snapshot(time.February, ledger.SubjectCustomer, w.customer)
	require.True(t, feb.Closing.Equal(amount("100")))
	require.True(t, w.snapshot(time.March, ledger.SubjectCustomer, w.customer).Opening.Equal(amount("100")))

	result, err := w.closer.CloseMonth(context.Background(), w.business, w.month(time.March).ID)
	require.NoError(t, err)
	require.False(t, result.AlreadyClosed)
	require.True(t, result.Period.IsClosed)
	require.NotNil(t, result.Next)
	require.Equal(t, w.month(time.April).ID, result.Next.ID)
	require.Equal(t, 2, result.Accounts)
	require.Equal(t, 1, result.Customers)
	require.True(t, w.store.Period(w.month(time.March).ID).IsClosed)

	march := w.snapshot(time.March, ledger.SubjectCustomer, w.customer)
	require.True(t, march.DebitTotal.Equal(amount("60")))
	require.True(t, march.CreditTotal.Equal(amount("40")))
	require.True(t, march.Closing.Equal(amount("120")))
	require.True(t, w.snapshot(time.March, ledger.SubjectAccount, w.revenue).Closing.Equal(amount("160")))

	for _, key := range []struct {
		kind ledger.SubjectKind
		id   int64
	}{{ledger.SubjectCustomer, w.customer}, {ledger.SubjectAccount, w.revenue}, {ledger.SubjectAccount, w.cash}} {
		closed := w.snapshot(time.March, key.kind, key.id)
		next := w.snapshot(time.April, key.kind, key.id)
		require.True(t, next.Opening.Equal(closed.Closing), "%s %d", key.kind, key.id)
		require.True(t, next.DebitTotal.IsZero())
	}
}

func TestCloseMonthTwiceIsNoOp(t *testing.T) {
	w := newWorld(t)
	w.postFirstQuarter(t)
	w.now = day(2024, time.April, 2)
	ctx := context.Background()
	march := w.month(time.March).ID

	w.closeMonths(t, time.January, time.February)
	_, err := w.closer.CloseMonth(ctx, w.business, march)
	require.NoError(t, err)
	count := w.store.SnapshotCount()
	frozen := w.snapshot(time.March, ledger.SubjectCustomer, w.customer).Closing

	result, err := w.closer.CloseMonth(ctx, w.business, march)
	require.NoError(t, err)
	require.True(t, result.AlreadyClosed)
	require.Equal(t, count, w.store.SnapshotCount())
	require.True(t, w.snapshot(time.March, ledger.SubjectCustomer, w.customer).Closing.Equal(frozen))
}

func TestCloseMonthOutOfOrderIsRejected(t *testing.T) {
	w := newWorld(t)
	w.postFirstQuarter(t)
	w.now = day(2024, time.April, 2)
	ctx := context.Background()
	march := w.month(time.March).ID

	w.closeMonths(t, time.January)
	_, err := w.closer.CloseMonth(ctx, w.business, march)
	require.ErrorIs(t, err, closing.ErrEarlierOpen)
	require.ErrorIs(t, err, shared.ErrValidation)
	require.ErrorContains(t, err, "2024-02")
	require.False(t, w.store.Period(march).IsClosed)
	require.True(t, w.snapshot(time.March, ledger.SubjectCustomer, w.customer).DebitTotal.IsZero())

	w.closeMonths(t, time.February, time.March)
	closed := w.snapshot(time.March, ledger.SubjectCustomer, w.customer)
	require.True(t, closed.Opening.Equal(amount("100")))
	require.True(t, closed.DebitTotal.Equal(amount("60")))
	require.True(t, closed.CreditTotal.Equal(amount("40")))
	require.True(t, closed.Closing.Equal(amount("120")))

	result, err := w.closer.CloseMonth(ctx, w.business, w.month(time.February).ID)
	require.NoError(t, err)
	require.True(t, result.AlreadyClosed)
	require.True(t, w.snapshot(time.March, ledger.SubjectCustomer, w.customer).Opening.Equal(amount("100")))
	require.True(t, w.snapshot(time.April, ledger.SubjectCustomer, w.customer).Opening.Equal(amount("120")))
}

func TestCloseMonthRefusesWhenNextMonthClosed(t *testing.T) {
	w := newWorld(t)
	w.postFirstQuarter(t)
	w.now = day(2024, time.May, 2)
	ctx := context.Background()
	april := w.month(time.April)

	w.closeMonths(t, time.January, time.February)
	require.NoError(t, w.store.MarkClosed(ctx, nil, april.ID, april.End.AddDate(0, 0, 1)))
	_, err := w.closer.CloseMonth(ctx, w.business, w.month(time.March).ID)
	require.ErrorIs(t, err, closing.ErrNextClosed)
	require.ErrorIs(t, err, shared.ErrInconsistentState)
	require.False(t, w.store.Period(w.month(time.March).ID).IsClosed)
	require.True(t, w.snapshot(time.April, ledger.SubjectCustomer, w.customer).Opening.IsZero())
}

func TestCloseMonthRejectsUnendedAndWrongScope(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.now = day(2024, time.March, 31)

	_, err := w.closer.CloseMonth(ctx, w.business, w.month(time.March).ID)
	require.ErrorIs(t, err, closing.ErrNotEnded)
	require.False(t, w.store.Period(w.month(time.March).ID).IsClosed)

	_, err = w.closer.CloseMonth(ctx, w.business, w.month(time.March).ParentID)
	require.ErrorIs(t, err, closing.ErrWrongScope)

	_, err = w.closer.CloseMonth(ctx, w.business+99, w.month(time.February).ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestCloseMonthFailureLeavesMonthOpen(t *testing.T) {
	w := newWorld(t)
	w.postFirstQuarter(t)
	w.now = day(2024, time.April, 2)
	boom := errors.New("connection reset")
	w.closeMonths(t, time.January, time.February)

	w.store.FailOnce("MergeOpening", boom)
	_, err := w.closer.CloseMonth(context.Background(), w.business, w.month(time.March).ID)
	require.ErrorIs(t, err, boom)

	require.False(t, w.store.Period(w.month(time.March).ID).IsClosed)
	require.True(t, w.snapshot(time.March, ledger.SubjectCustomer, w.customer).DebitTotal.IsZero())
	_, ok := w.store.Snapshot(ledger.SnapshotKey{BusinessID: w.business, PeriodID: w.month(time.April).ID, Kind: ledger.SubjectCustomer, SubjectID: w.customer})
	require.False(t, ok)
}

func TestCloseMonthFreezesItems(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	item := w.store.AddItem(w.business, "Kopi 250g", amount("10"), amount("5"))

	require.NoError(t, w.closer.SeedSnapshot(ctx, closing.SeedInput{
		BusinessID:      w.business,
		Kind:            closing.SeedItem,
		SubjectID:       item,
		OpeningQuantity: amount("10"),
		OpeningValue:    amount("50"),
	}))
	w.store.AddDocument(memstore.Document{BusinessID: w.business, Kind: reversal.KindSale, Date: day(2024, time.March, 10)},
		memstore.DocumentLine{ItemID: item, Quantity: amount("3"), UnitAmount: amount("8")})
	w.store.AddDocument(memstore.Document{BusinessID: w.business, Kind: reversal.KindPurchase, Date: day(2024, time.March, 12)},
		memstore.DocumentLine{ItemID: item, Quantity: amount("5"), UnitAmount: amount("6")})
	w.store.AddDocument(memstore.Document{BusinessID: w.business, Kind: reversal.KindSale, Date: day(2024, time.March, 13), Reversed: true},
		memstore.DocumentLine{ItemID: item, Quantity: amount("1"), UnitAmount: amount("8")})
	w.store.SetItemStock(item, amount("12"), amount("5.5"))

	w.now = day(2024, time.April, 1)
	w.closeMonths(t, time.January, time.February)
	result, err := w.closer.CloseMonth(ctx, w.business, w.month(time.March).ID)
	require.NoError(t, err)
	require.Equal(t, 1, result.Items)

	march, ok := w.store.ItemSnapshot(w.business, w.month(time.March).ID, item)
	require.True(t, ok)
	require.True(t, march.QuantitySold.Equal(amount("3")))
	require.True(t, march.ValueSold.Equal(amount("24")))
	require.True(t, march.QuantityPurchased.Equal(amount("5")))
	require.True(t, march.ValuePurchased.Equal(amount("30")))
	require.True(t, march.ClosingQuantity.Equal(amount("12")))
	require.True(t, march.ClosingValue.Equal(amount("66")))

	april, ok := w.store.ItemSnapshot(w.business, w.month(time.April).ID, item)
	require.True(t, ok)
	require.True(t, april.OpeningQuantity.Equal(amount("12")))
	require.True(t, april.OpeningValue.Equal(amount("66")))

	balance, err := w.closer.ItemBalance(ctx, w.business, item, w.month(time.March).ParentID)
	require.NoError(t, err)
	require.True(t, balance.QuantitySold.Equal(amount("3")))
	require.True(t, balance.ClosingQuantity.Equal(amount("12")))
}

func TestCloseQuarterNeedsEveryMonth(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.now = day(2024, time.April, 2)
	q1 := w.month(time.January).ParentID

	w.closeMonths(t, time.January, time.February)
	_, err := w.closer.CloseQuarter(ctx, w.business, q1)
	require.ErrorIs(t, err, closing.ErrChildrenOpen)
	require.False(t, w.store.Period(q1).IsClosed)

	w.closeMonths(t, time.March)
	result, err := w.closer.CloseQuarter(ctx, w.business, q1)
	require.NoError(t, err)
	require.True(t, result.Period.IsClosed)

	result, err = w.closer.CloseQuarter(ctx, w.business, q1)
	require.NoError(t, err)
	require.True(t, result.AlreadyClosed)

	_, err = w.closer.CloseQuarter(ctx, w.business, w.month(time.April).ParentID)
	require.ErrorIs(t, err, closing.ErrNotEnded)

	year := w.store.Period(q1).ParentID
	_, err = w.closer.CloseQuarter(ctx, w.business, year)
	require.ErrorIs(t, err, closing.ErrWrongScope)
	_, err = w.closer.CloseYear(ctx, w.business, year)
	require.ErrorIs(t, err, closing.ErrNotEnded)
}

func TestBalancesAcrossScopes(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.postFirstQuarter(t)
	w.now = day(2024, time.April, 2)
	w.closeMonths(t, time.January, time.February, time.March)

	q1 := w.month(time.January).ParentID
	revenue, err := w.closer.AccountBalance(ctx, w.business, w.revenue, q1)
	require.NoError(t, err)
	require.True(t, revenue.Opening.IsZero())
	require.True(t, revenue.Credit.Equal(amount("160")))
	require.True(t, revenue.Closing.Equal(amount("160")))
	require.False(t, revenue.IsClosed)

	march, err := w.closer.CustomerBalance(ctx, w.business, w.customer, w.month(time.March).ID)
	require.NoError(t, err)
	require.True(t, march.Opening.Equal(amount("100")))
	require.True(t, march.Closing.Equal(amount("120")))
	require.True(t, march.IsClosed)

	w.post(t, day(2024, time.April, 2), w.account(w.cash), w.customerRef(), "20")
	april, err := w.closer.CustomerBalance(ctx, w.business, w.customer, w.month(time.April).ID)
	require.NoError(t, err)
	require.True(t, april.Opening.Equal(amount("120")))
	require.True(t, april.Credit.Equal(amount("20")))
	require.True(t, april.Closing.Equal(amount("100")))

	supplier, err := w.closer.SupplierBalance(ctx, w.business, w.supplier, w.month(time.April).ID)
	require.NoError(t, err)
	require.True(t, supplier.Closing.IsZero())

	_, err = w.closer.AccountBalance(ctx, w.business, w.customer, q1)
	require.ErrorIs(t, err, ledger.ErrSubjectNotFound)
}

func TestSeedSnapshot(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	equity := w.store.AddAccount(w.business, "3-1000", ledger.ClassEquity)

	seed := closing.SeedInput{BusinessID: w.business, Kind: closing.SeedAccount, SubjectID: w.cash, Opening: amount("500")}
	require.NoError(t, w.closer.SeedSnapshot(ctx, seed))
	seed.Opening = amount("1")
	require.NoError(t, w.closer.SeedSnapshot(ctx, seed))
	require.True(t, w.snapshot(time.March, ledger.SubjectAccount, w.cash).Opening.Equal(amount("500")))

	w.post(t, day(2024, time.March, 3), w.account(w.cash), w.account(equity), "25")
	entries := w.store.BookEntries(ledger.BookAsset)
	require.Len(t, entries, 1)
	require.True(t, entries[0].RunningBalance.Equal(amount("525")))

	err := w.closer.SeedSnapshot(ctx, closing.SeedInput{BusinessID: w.business, Kind: "WAREHOUSE", SubjectID: 1})
	require.ErrorIs(t, err, closing.ErrUnknownSeeded)
	err = w.closer.SeedSnapshot(ctx, closing.SeedInput{BusinessID: w.business, Kind: closing.SeedItem, SubjectID: 9999})
	require.ErrorIs(t, err, closing.ErrItemNotFound)
	err = w.closer.SeedSnapshot(ctx, closing.SeedInput{BusinessID: w.business, Kind: closing.SeedCustomer, SubjectID: 9999})
	require.ErrorIs(t, err, ledger.ErrSubjectNotFound)
	err = w.closer.SeedSnapshot(ctx, closing.SeedInput{Kind: closing.SeedCustomer, SubjectID: w.customer})
	require.ErrorIs(t, err, shared.ErrValidation)
}
