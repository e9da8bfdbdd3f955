package closing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/periods"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Repository abstracts snapshot persistence and the movement aggregates
// closure reads.
type Repository interface {
	ListBusinesses(ctx context.Context, q db.Querier) ([]int64, error)
	PeriodSnapshots(ctx context.Context, q db.Querier, businessID, periodID int64) ([]ledger.Snapshot, error)
	BookMovements(ctx context.Context, q db.Querier, businessID int64, book ledger.Book, start, end time.Time) (map[int64]Totals, error)
	SaveSnapshot(ctx context.Context, q db.Querier, snap ledger.Snapshot) error
	MergeOpening(ctx context.Context, q db.Querier, key ledger.SnapshotKey, opening decimal.Decimal) error

	ItemSnapshots(ctx context.Context, q db.Querier, businessID, periodID int64) ([]ItemSnapshot, error)
	FindItemSnapshot(ctx context.Context, q db.Querier, businessID, periodID, itemID int64) (ItemSnapshot, error)
	ItemMovements(ctx context.Context, q db.Querier, businessID int64, start, end time.Time) (map[int64]ItemMovement, error)
	ItemStocks(ctx context.Context, q db.Querier, businessID int64, itemIDs []int64) (map[int64]ItemStock, error)
	SaveItemSnapshot(ctx context.Context, q db.Querier, snap ItemSnapshot) error
	InsertItemOpening(ctx context.Context, q db.Querier, snap ItemSnapshot) error
}

// Metrics observes closure outcomes.
type Metrics interface {
	ObserveClosure(scope string, err error)
}

// Service closes periods and answers balance queries.
type Service struct {
	tx       db.Transactor
	repo     Repository
	periods  periods.Repository
	ledger   ledger.Repository
	appender *ledger.Appender
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time
	loc      *time.Location
}

// NewService constructs a closing Service.
func NewService(tx db.Transactor, repo Repository, periodRepo periods.Repository, ledgerRepo ledger.Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tx:       tx,
		repo:     repo,
		periods:  periodRepo,
		ledger:   ledgerRepo,
		appender: ledger.NewAppender(ledgerRepo, periodRepo),
		logger:   logger,
		now:      time.Now,
		loc:      time.UTC,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithLocation sets the timezone "today" is evaluated in.
func (s *Service) WithLocation(loc *time.Location) {
	if loc != nil {
		s.loc = loc
	}
}

// WithMetrics attaches a closure metrics sink.
func (s *Service) WithMetrics(m Metrics) {
	s.metrics = m
}

func (s *Service) today() time.Time {
	return periods.Day(s.now().In(s.loc))
}

func (s *Service) observe(scope periods.Scope, err error) {
	if s.metrics != nil {
		s.metrics.ObserveClosure(string(scope), err)
	}
}

// CloseMonth freezes the month's snapshots, rolls openings into the next month
// and marks the month closed, all in one transaction under an exclusive lock on
// the period row. Closing a closed month is a no-op. Months close in calendar
// order: the previous month must already be closed.
func (s *Service) CloseMonth(ctx context.Context, businessID, periodID int64) (CloseResult, error) {
	today := s.today()
	var result CloseResult
	err := s.tx.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
		result = CloseResult{}
		month, err := s.periods.LockPeriod(ctx, q, businessID, periodID)
		if err != nil {
			return err
		}
		result.Period = month
		if month.Scope != periods.ScopeMonth {
			return fmt.Errorf("%w: %s is a %s", ErrWrongScope, month.Label(), month.Scope)
		}
		if month.IsClosed {
			result.AlreadyClosed = true
			return nil
		}
		if !month.Ended(today) {
			return fmt.Errorf("%w: %s ends %s", ErrNotEnded, month.Label(), month.End.Format(time.DateOnly))
		}

		prev, err := s.periods.PreviousMonth(ctx, q, businessID, month.Start)
		switch {
		case err == nil:
			if !prev.IsClosed {
				return fmt.Errorf("%w: close %s before %s", ErrEarlierOpen, prev.Label(), month.Label())
			}
		case errors.Is(err, periods.ErrPeriodNotFound):
		default:
			return err
		}

		next, err := s.periods.NextMonth(ctx, q, businessID, month.End)
		switch {
		case err == nil:
			if next.IsClosed {
				return fmt.Errorf("%w: %s is closed while %s is open", ErrNextClosed, next.Label(), month.Label())
			}
			result.Next = &next
		case errors.Is(err, periods.ErrPeriodNotFound):
		default:
			return err
		}

		if result.Items, err = s.closeItems(ctx, q, month, result.Next); err != nil {
			return err
		}
		counts, err := s.closeBalances(ctx, q, month, result.Next)
		if err != nil {
			return err
		}
		result.Accounts = counts[ledger.SubjectAccount]
		result.Customers = counts[ledger.SubjectCustomer]
		result.Suppliers = counts[ledger.SubjectSupplier]

		if err := s.periods.MarkClosed(ctx, q, month.ID, today); err != nil {
			return err
		}
		result.Period.IsClosed = true
		result.Period.ClosingDate = &today
		return nil
	})
	s.observe(periods.ScopeMonth, err)
	if err != nil {
		return CloseResult{}, err
	}
	if !result.AlreadyClosed {
		s.logger.Info("month closed",
			slog.Int64("business_id", businessID),
			slog.String("period", result.Period.Label()),
			slog.Int("accounts", result.Accounts),
			slog.Int("customers", result.Customers),
			slog.Int("suppliers", result.Suppliers),
			slog.Int("items", result.Items),
		)
	}
	return result, nil
}

func (s *Service) closeItems(ctx context.Context, q db.Querier, month periods.Period, next *periods.Period) (int, error) {
	snaps, err := s.repo.ItemSnapshots(ctx, q, month.BusinessID, month.ID)
	if err != nil || len(snaps) == 0 {
		return 0, err
	}
	moves, err := s.repo.ItemMovements(ctx, q, month.BusinessID, month.Start, month.End)
	if err != nil {
		return 0, err
	}
	ids := make([]int64, len(snaps))
	for i, snap := range snaps {
		ids[i] = snap.ItemID
	}
	stocks, err := s.repo.ItemStocks(ctx, q, month.BusinessID, ids)
	if err != nil {
		return 0, err
	}
	for _, snap := range snaps {
		move := moves[snap.ItemID]
		stock, ok := stocks[snap.ItemID]
		if !ok {
			return 0, fmt.Errorf("%w %d", ErrItemNotFound, snap.ItemID)
		}
		snap.QuantitySold = zeroIfUnset(move.QuantitySold)
		snap.ValueSold = zeroIfUnset(move.ValueSold)
		snap.QuantityPurchased = zeroIfUnset(move.QuantityPurchased)
		snap.ValuePurchased = zeroIfUnset(move.ValuePurchased)
		snap.ClosingQuantity = stock.Quantity
		snap.ClosingValue = stock.Value()
		if err := s.repo.SaveItemSnapshot(ctx, q, snap); err != nil {
			return 0, err
		}
		if next == nil {
			continue
		}
		err := s.repo.InsertItemOpening(ctx, q, ItemSnapshot{
			BusinessID:      month.BusinessID,
			PeriodID:        next.ID,
			ItemID:          snap.ItemID,
			OpeningQuantity: snap.ClosingQuantity,
			OpeningValue:    snap.ClosingValue,
		})
		if err != nil {
			return 0, err
		}
	}
	return len(snaps), nil
}

func (s *Service) closeBalances(ctx context.Context, q db.Querier, month periods.Period, next *periods.Period) (map[ledger.SubjectKind]int, error) {
	snaps, err := s.repo.PeriodSnapshots(ctx, q, month.BusinessID, month.ID)
	if err != nil {
		return nil, err
	}
	counts := make(map[ledger.SubjectKind]int)
	if len(snaps) == 0 {
		return counts, nil
	}

	var accounts []ledger.SubjectRef
	for _, snap := range snaps {
		if snap.Kind == ledger.SubjectAccount {
			accounts = append(accounts, ledger.SubjectRef{Kind: snap.Kind, ID: snap.SubjectID})
		}
	}
	books, err := s.ledger.ResolveSubjects(ctx, q, month.BusinessID, accounts)
	if err != nil {
		return nil, err
	}

	moves := make(map[ledger.SubjectKind]map[int64]Totals)
	for _, book := range ledger.Books() {
		perSubject, err := s.repo.BookMovements(ctx, q, month.BusinessID, book, month.Start, month.End)
		if err != nil {
			return nil, err
		}
		kind := book.Kind()
		if moves[kind] == nil {
			moves[kind] = make(map[int64]Totals)
		}
		for id, t := range perSubject {
			moves[kind][id] = moves[kind][id].Add(t)
		}
	}

	for _, snap := range snaps {
		normal, err := normalSide(snap, books)
		if err != nil {
			return nil, err
		}
		t := moves[snap.Kind][snap.SubjectID]
		snap.DebitTotal = zeroIfUnset(t.Debit)
		snap.CreditTotal = zeroIfUnset(t.Credit)
		snap.Closing = ledger.Apply(normal, snap.Opening, snap.DebitTotal, snap.CreditTotal)
		if err := s.repo.SaveSnapshot(ctx, q, snap); err != nil {
			return nil, err
		}
		if next != nil {
			key := snap.SnapshotKey
			key.PeriodID = next.ID
			if err := s.repo.MergeOpening(ctx, q, key, snap.Closing); err != nil {
				return nil, err
			}
		}
		counts[snap.Kind]++
	}
	return counts, nil
}

func normalSide(snap ledger.Snapshot, books map[ledger.SubjectRef]ledger.Book) (ledger.Side, error) {
	switch snap.Kind {
	case ledger.SubjectCustomer:
		return ledger.BookCustomer.Normal(), nil
	case ledger.SubjectSupplier:
		return ledger.BookSupplier.Normal(), nil
	}
	book, ok := books[ledger.SubjectRef{Kind: snap.Kind, ID: snap.SubjectID}]
	if !ok {
		return "", fmt.Errorf("%w: closing: snapshot for unknown account %d", shared.ErrInconsistentState, snap.SubjectID)
	}
	return book.Normal(), nil
}

// CloseQuarter marks a quarter closed once all of its months are closed.
// Quarterly figures are derived from the months on read.
func (s *Service) CloseQuarter(ctx context.Context, businessID, periodID int64) (CloseResult, error) {
	return s.closeParent(ctx, businessID, periodID, periods.ScopeQuarter)
}

// CloseYear marks a year closed once all of its quarters are closed.
func (s *Service) CloseYear(ctx context.Context, businessID, periodID int64) (CloseResult, error) {
	return s.closeParent(ctx, businessID, periodID, periods.ScopeYear)
}

func (s *Service) closeParent(ctx context.Context, businessID, periodID int64, scope periods.Scope) (CloseResult, error) {
	today := s.today()
	var result CloseResult
	err := s.tx.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
		result = CloseResult{}
		p, err := s.periods.LockPeriod(ctx, q, businessID, periodID)
		if err != nil {
			return err
		}
		result.Period = p
		if p.Scope != scope {
			return fmt.Errorf("%w: %s is a %s", ErrWrongScope, p.Label(), p.Scope)
		}
		if p.IsClosed {
			result.AlreadyClosed = true
			return nil
		}
		if !p.Ended(today) {
			return fmt.Errorf("%w: %s ends %s", ErrNotEnded, p.Label(), p.End.Format(time.DateOnly))
		}
		children, err := s.periods.Children(ctx, q, p.BusinessID, p.ID)
		if err != nil {
			return err
		}
		if !periods.AllClosed(children) {
			return fmt.Errorf("%w: %s", ErrChildrenOpen, p.Label())
		}
		if err := s.periods.MarkClosed(ctx, q, p.ID, today); err != nil {
			return err
		}
		result.Period.IsClosed = true
		result.Period.ClosingDate = &today
		return nil
	})
	s.observe(scope, err)
	if err != nil {
		return CloseResult{}, err
	}
	if !result.AlreadyClosed {
		s.logger.Info("period closed", slog.Int64("business_id", businessID), slog.String("period", result.Period.Label()))
	}
	return result, nil
}

// SeedSnapshot creates the first snapshot of a new subject in the live month.
// Seeding an existing snapshot leaves it untouched.
func (s *Service) SeedSnapshot(ctx context.Context, in SeedInput) error {
	if in.BusinessID <= 0 || in.SubjectID <= 0 {
		return fmt.Errorf("%w: closing: business and subject required", shared.ErrValidation)
	}
	opening := zeroIfUnset(in.Opening)
	return s.tx.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
		month, err := s.periods.LiveMonth(ctx, q, in.BusinessID, s.today(), periods.LockShare)
		if err != nil {
			return err
		}
		if in.Kind == SeedItem {
			stocks, err := s.repo.ItemStocks(ctx, q, in.BusinessID, []int64{in.SubjectID})
			if err != nil {
				return err
			}
			if _, ok := stocks[in.SubjectID]; !ok {
				return fmt.Errorf("%w %d", ErrItemNotFound, in.SubjectID)
			}
			return s.repo.InsertItemOpening(ctx, q, ItemSnapshot{
				BusinessID:      in.BusinessID,
				PeriodID:        month.ID,
				ItemID:          in.SubjectID,
				OpeningQuantity: zeroIfUnset(in.OpeningQuantity),
				OpeningValue:    zeroIfUnset(in.OpeningValue),
			})
		}
		kind := ledger.SubjectKind(in.Kind)
		switch kind {
		case ledger.SubjectAccount, ledger.SubjectCustomer, ledger.SubjectSupplier:
		default:
			return fmt.Errorf("%w %q", ErrUnknownSeeded, in.Kind)
		}
		ref := ledger.SubjectRef{Kind: kind, ID: in.SubjectID}
		books, err := s.ledger.ResolveSubjects(ctx, q, in.BusinessID, []ledger.SubjectRef{ref})
		if err != nil {
			return err
		}
		if _, ok := books[ref]; !ok {
			return fmt.Errorf("%w %s", ledger.ErrSubjectNotFound, ref)
		}
		return s.ledger.InsertSnapshot(ctx, q, ledger.SnapshotKey{
			BusinessID: in.BusinessID,
			PeriodID:   month.ID,
			Kind:       kind,
			SubjectID:  in.SubjectID,
		}, opening)
	})
}

func zeroIfUnset(d decimal.Decimal) decimal.Decimal {
	if d.IsZero() {
		return decimal.Zero
	}
	return d
}
