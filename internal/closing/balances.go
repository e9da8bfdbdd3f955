package closing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/periods"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// AccountBalance returns an account's figures for a period of any scope.
func (s *Service) AccountBalance(ctx context.Context, businessID, accountID, periodID int64) (Balance, error) {
	return s.subjectBalance(ctx, businessID, ledger.SubjectRef{Kind: ledger.SubjectAccount, ID: accountID}, periodID)
}

// CustomerBalance returns a customer's receivable figures for a period.
func (s *Service) CustomerBalance(ctx context.Context, businessID, customerID, periodID int64) (Balance, error) {
	return s.subjectBalance(ctx, businessID, ledger.SubjectRef{Kind: ledger.SubjectCustomer, ID: customerID}, periodID)
}

// SupplierBalance returns a supplier's payable figures for a period.
func (s *Service) SupplierBalance(ctx context.Context, businessID, supplierID, periodID int64) (Balance, error) {
	return s.subjectBalance(ctx, businessID, ledger.SubjectRef{Kind: ledger.SubjectSupplier, ID: supplierID}, periodID)
}

func (s *Service) subjectBalance(ctx context.Context, businessID int64, ref ledger.SubjectRef, periodID int64) (Balance, error) {
	var out Balance
	err := s.tx.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
		books, err := s.ledger.ResolveSubjects(ctx, q, businessID, []ledger.SubjectRef{ref})
		if err != nil {
			return err
		}
		book, ok := books[ref]
		if !ok {
			return fmt.Errorf("%w %s", ledger.ErrSubjectNotFound, ref)
		}
		p, err := s.periods.GetPeriod(ctx, q, businessID, periodID)
		if err != nil {
			return err
		}
		months, err := s.monthsOf(ctx, q, p)
		if err != nil {
			return err
		}
		out = Balance{Subject: ref, Period: p, IsClosed: p.IsClosed}
		for i, month := range months {
			mb, err := s.monthBalance(ctx, q, book, ref.ID, month)
			if err != nil {
				return err
			}
			if i == 0 {
				out.Opening = mb.Opening
				out.Debit, out.Credit = decimal.Zero, decimal.Zero
			}
			out.Debit = out.Debit.Add(mb.Debit)
			out.Credit = out.Credit.Add(mb.Credit)
			out.Closing = mb.Closing
		}
		return nil
	})
	return out, err
}

func (s *Service) monthsOf(ctx context.Context, q db.Querier, p periods.Period) ([]periods.Period, error) {
	if p.Scope == periods.ScopeMonth {
		return []periods.Period{p}, nil
	}
	months, err := s.periods.MonthsWithin(ctx, q, p.BusinessID, p.Start, p.End)
	if err != nil {
		return nil, err
	}
	if len(months) == 0 {
		return nil, fmt.Errorf("%w: no months within %s", periods.ErrPeriodNotFound, p.Label())
	}
	return months, nil
}

// monthBalance reads a closed month from its snapshot and computes an open
// month from its opening plus live movements.
func (s *Service) monthBalance(ctx context.Context, q db.Querier, book ledger.Book, subjectID int64, month periods.Period) (Balance, error) {
	key := ledger.ChainKey{Book: book, SubjectID: subjectID}
	snap, err := s.ledger.FindSnapshot(ctx, q, ledger.SnapshotKey{
		BusinessID: month.BusinessID,
		PeriodID:   month.ID,
		Kind:       book.Kind(),
		SubjectID:  subjectID,
	})
	found := err == nil
	if err != nil && !errors.Is(err, ledger.ErrSnapshotMissing) {
		return Balance{}, err
	}
	if month.IsClosed && found {
		return Balance{Opening: snap.Opening, Debit: snap.DebitTotal, Credit: snap.CreditTotal, Closing: snap.Closing}, nil
	}
	opening := snap.Opening
	if !found {
		opening, err = s.appender.CarriedOpening(ctx, q, month.BusinessID, month, key)
		if err != nil {
			return Balance{}, err
		}
	}
	debit, credit, err := s.ledger.Movements(ctx, q, month.BusinessID, key, month.ID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{Opening: opening, Debit: debit, Credit: credit, Closing: book.Apply(opening, debit, credit)}, nil
}

// ItemBalance returns an item's quantity and value figures for a period.
// Open months report the live stock as closing.
func (s *Service) ItemBalance(ctx context.Context, businessID, itemID, periodID int64) (ItemBalance, error) {
	var out ItemBalance
	err := s.tx.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
		stocks, err := s.repo.ItemStocks(ctx, q, businessID, []int64{itemID})
		if err != nil {
			return err
		}
		stock, ok := stocks[itemID]
		if !ok {
			return fmt.Errorf("%w %d", ErrItemNotFound, itemID)
		}
		p, err := s.periods.GetPeriod(ctx, q, businessID, periodID)
		if err != nil {
			return err
		}
		months, err := s.monthsOf(ctx, q, p)
		if err != nil {
			return err
		}
		out = ItemBalance{ItemID: itemID, Period: p, IsClosed: p.IsClosed}
		out.ItemSnapshot = ItemSnapshot{BusinessID: businessID, PeriodID: p.ID, ItemID: itemID}
		for i, month := range months {
			mb, err := s.itemMonth(ctx, q, itemID, month, stock)
			if err != nil {
				return err
			}
			if i == 0 {
				out.OpeningQuantity, out.OpeningValue = mb.OpeningQuantity, mb.OpeningValue
			}
			out.QuantitySold = out.QuantitySold.Add(mb.QuantitySold)
			out.ValueSold = out.ValueSold.Add(mb.ValueSold)
			out.QuantityPurchased = out.QuantityPurchased.Add(mb.QuantityPurchased)
			out.ValuePurchased = out.ValuePurchased.Add(mb.ValuePurchased)
			out.ClosingQuantity, out.ClosingValue = mb.ClosingQuantity, mb.ClosingValue
		}
		return nil
	})
	return out, err
}

func (s *Service) itemMonth(ctx context.Context, q db.Querier, itemID int64, month periods.Period, stock ItemStock) (ItemSnapshot, error) {
	snap, err := s.repo.FindItemSnapshot(ctx, q, month.BusinessID, month.ID, itemID)
	found := err == nil
	if err != nil && !errors.Is(err, ErrItemSnapMiss) {
		return ItemSnapshot{}, err
	}
	if month.IsClosed && found {
		return snap, nil
	}
	moves, err := s.repo.ItemMovements(ctx, q, month.BusinessID, month.Start, month.End)
	if err != nil {
		return ItemSnapshot{}, err
	}
	move := moves[itemID]
	snap.ItemID = itemID
	snap.PeriodID = month.ID
	snap.QuantitySold = zeroIfUnset(move.QuantitySold)
	snap.ValueSold = zeroIfUnset(move.ValueSold)
	snap.QuantityPurchased = zeroIfUnset(move.QuantityPurchased)
	snap.ValuePurchased = zeroIfUnset(move.ValuePurchased)
	snap.ClosingQuantity = stock.Quantity
	snap.ClosingValue = stock.Value()
	return snap, nil
}
