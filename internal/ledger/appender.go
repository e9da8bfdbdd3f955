package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/periods"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// AppendInput is one sub-ledger row to append to the live month.
type AppendInput struct {
	HeadID      int64
	Book        Book
	SubjectID   int64
	Date        time.Time
	Type        string
	Description string
	Debit       decimal.Decimal
	Credit      decimal.Decimal
}

// Appender is the only writer of sub-ledger rows. It serialises appends per
// chain by locking the subject's snapshot row in the month and rejects
// entries that would break chronological order.
type Appender struct {
	repo    Repository
	periods PeriodLocator
}

// NewAppender constructs an Appender.
func NewAppender(repo Repository, periods PeriodLocator) *Appender {
	return &Appender{repo: repo, periods: periods}
}

// Append writes inputs into month and returns the stored entries in input
// order. Locks are taken in (book, subject) order.
func (a *Appender) Append(ctx context.Context, q db.Querier, businessID int64, month periods.Period, inputs []AppendInput) ([]Entry, error) {
	order := make([]int, len(inputs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		x, y := inputs[order[i]], inputs[order[j]]
		if x.Book != y.Book {
			return x.Book < y.Book
		}
		return x.SubjectID < y.SubjectID
	})

	out := make([]Entry, len(inputs))
	locked := make(map[ChainKey]struct{})
	for _, idx := range order {
		in := inputs[idx]
		if !in.Book.Valid() {
			return nil, fmt.Errorf("ledger: unknown book %q", in.Book)
		}
		key := ChainKey{Book: in.Book, SubjectID: in.SubjectID}
		if _, ok := locked[key]; !ok {
			if _, err := a.LockOpening(ctx, q, businessID, month, key); err != nil {
				return nil, err
			}
			locked[key] = struct{}{}
		}
		entry, err := a.appendOne(ctx, q, businessID, month, in)
		if err != nil {
			return nil, err
		}
		out[idx] = entry
	}
	return out, nil
}

func (a *Appender) appendOne(ctx context.Context, q db.Querier, businessID int64, month periods.Period, in AppendInput) (Entry, error) {
	day := periods.Day(in.Date)
	if !month.Contains(day) {
		return Entry{}, ErrDateOutsideLive
	}
	previous, err := a.repo.LatestEntry(ctx, q, businessID, in.Book, in.SubjectID, month.ID)
	var balance decimal.Decimal
	switch {
	case err == nil:
		if day.Before(previous.Date) {
			return Entry{}, fmt.Errorf("%w: %s %d at %s, latest %s", ErrOutOfOrder, in.Book, in.SubjectID,
				day.Format(time.DateOnly), previous.Date.Format(time.DateOnly))
		}
		balance = previous.RunningBalance
	case errors.Is(err, ErrEntryNotFound):
		snap, err := a.repo.FindSnapshot(ctx, q, SnapshotKey{
			BusinessID: businessID,
			PeriodID:   month.ID,
			Kind:       in.Book.Kind(),
			SubjectID:  in.SubjectID,
		})
		if err != nil {
			return Entry{}, err
		}
		balance = snap.Opening
	default:
		return Entry{}, err
	}

	entry := Entry{
		BusinessID:     businessID,
		HeadID:         in.HeadID,
		Book:           in.Book,
		SubjectID:      in.SubjectID,
		PeriodID:       month.ID,
		Date:           day,
		Type:           in.Type,
		Description:    in.Description,
		Debit:          in.Debit,
		Credit:         in.Credit,
		RunningBalance: in.Book.Apply(balance, in.Debit, in.Credit),
	}
	id, err := a.repo.InsertEntry(ctx, q, entry)
	if err != nil {
		return Entry{}, err
	}
	entry.ID = id
	return entry, nil
}

// LockOpening locks the subject's snapshot in month, creating it first with
// the opening carried from the previous month when absent.
func (a *Appender) LockOpening(ctx context.Context, q db.Querier, businessID int64, month periods.Period, key ChainKey) (decimal.Decimal, error) {
	snapKey := SnapshotKey{BusinessID: businessID, PeriodID: month.ID, Kind: key.Book.Kind(), SubjectID: key.SubjectID}
	opening, err := a.repo.LockSnapshot(ctx, q, snapKey)
	if err == nil {
		return opening, nil
	}
	if !errors.Is(err, ErrSnapshotMissing) {
		return decimal.Zero, err
	}
	carried, err := a.CarriedOpening(ctx, q, businessID, month, key)
	if err != nil {
		return decimal.Zero, err
	}
	if err := a.repo.InsertSnapshot(ctx, q, snapKey, carried); err != nil {
		return decimal.Zero, err
	}
	return a.repo.LockSnapshot(ctx, q, snapKey)
}

// CarriedOpening derives the opening of key in month from the month before:
// its closing balance when closed, otherwise its opening plus movements.
func (a *Appender) CarriedOpening(ctx context.Context, q db.Querier, businessID int64, month periods.Period, key ChainKey) (decimal.Decimal, error) {
	prev, err := a.periods.PreviousMonth(ctx, q, businessID, month.Start)
	if errors.Is(err, periods.ErrPeriodNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	snap, err := a.repo.FindSnapshot(ctx, q, SnapshotKey{
		BusinessID: businessID,
		PeriodID:   prev.ID,
		Kind:       key.Book.Kind(),
		SubjectID:  key.SubjectID,
	})
	if errors.Is(err, ErrSnapshotMissing) {
		if prev.IsClosed {
			return decimal.Zero, nil
		}
		return a.CarriedOpening(ctx, q, businessID, prev, key)
	}
	if err != nil {
		return decimal.Zero, err
	}
	if prev.IsClosed {
		return snap.Closing, nil
	}
	debit, credit, err := a.repo.Movements(ctx, q, businessID, key, prev.ID)
	if err != nil {
		return decimal.Zero, err
	}
	return key.Book.Apply(snap.Opening, debit, credit), nil
}
