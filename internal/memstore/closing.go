package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/closing"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/periods"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/reversal"
)

func (s *Store) ListBusinesses(context.Context, db.Querier) ([]int64, error) {
	ids := make([]int64, 0, len(s.st.businesses))
	for id := range s.st.businesses {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) PeriodSnapshots(_ context.Context, _ db.Querier, businessID, periodID int64) ([]ledger.Snapshot, error) {
	var out []ledger.Snapshot
	for key, snap := range s.st.snapshots {
		if key.BusinessID == businessID && key.PeriodID == periodID {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].SubjectID < out[j].SubjectID
	})
	return out, nil
}

func (s *Store) BookMovements(_ context.Context, _ db.Querier, businessID int64, book ledger.Book, start, end time.Time) (map[int64]closing.Totals, error) {
	start, end = periods.Day(start), periods.Day(end)
	out := make(map[int64]closing.Totals)
	for _, e := range s.st.entries {
		if e.Book != book || e.BusinessID != businessID || e.Date.Before(start) || e.Date.After(end) {
			continue
		}
		out[e.SubjectID] = out[e.SubjectID].Add(closing.Totals{Debit: e.Debit, Credit: e.Credit})
	}
	return out, nil
}

func (s *Store) SaveSnapshot(_ context.Context, _ db.Querier, snap ledger.Snapshot) error {
	if err := s.injected("SaveSnapshot"); err != nil {
		return err
	}
	current, ok := s.st.snapshots[snap.SnapshotKey]
	if !ok {
		return nil
	}
	current.DebitTotal, current.CreditTotal, current.Closing = snap.DebitTotal, snap.CreditTotal, snap.Closing
	s.st.snapshots[snap.SnapshotKey] = current
	return nil
}

func (s *Store) MergeOpening(_ context.Context, _ db.Querier, key ledger.SnapshotKey, opening decimal.Decimal) error {
	if err := s.injected("MergeOpening"); err != nil {
		return err
	}
	s.st.snapshots[key] = ledger.Snapshot{
		SnapshotKey: key,
		Opening:     opening,
		DebitTotal:  decimal.Zero,
		CreditTotal: decimal.Zero,
		Closing:     opening,
	}
	return nil
}

func (s *Store) ItemSnapshots(_ context.Context, _ db.Querier, businessID, periodID int64) ([]closing.ItemSnapshot, error) {
	var out []closing.ItemSnapshot
	for key, snap := range s.st.itemSnaps {
		if key.businessID == businessID && key.periodID == periodID {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

func (s *Store) FindItemSnapshot(_ context.Context, _ db.Querier, businessID, periodID, itemID int64) (closing.ItemSnapshot, error) {
	snap, ok := s.st.itemSnaps[itemKey{businessID, periodID, itemID}]
	if !ok {
		return closing.ItemSnapshot{}, closing.ErrItemSnapMiss
	}
	return snap, nil
}

func (s *Store) ItemMovements(_ context.Context, _ db.Querier, businessID int64, start, end time.Time) (map[int64]closing.ItemMovement, error) {
	start, end = periods.Day(start), periods.Day(end)
	out := make(map[int64]closing.ItemMovement)
	for _, line := range s.st.docLines {
		doc := s.st.documents[line.DocumentID]
		if doc.BusinessID != businessID || doc.Reversed || doc.Date.Before(start) || doc.Date.After(end) {
			continue
		}
		m := zeroMovement(out[line.ItemID])
		value := line.Quantity.Mul(line.UnitAmount)
		switch doc.Kind {
		case reversal.KindSale:
			m.QuantitySold = m.QuantitySold.Add(line.Quantity)
			m.ValueSold = m.ValueSold.Add(value).Round(2)
		case reversal.KindPurchase:
			m.QuantityPurchased = m.QuantityPurchased.Add(line.Quantity)
			m.ValuePurchased = m.ValuePurchased.Add(value).Round(2)
		default:
			continue
		}
		out[line.ItemID] = m
	}
	return out, nil
}

func zeroMovement(m closing.ItemMovement) closing.ItemMovement {
	for _, d := range []*decimal.Decimal{&m.QuantitySold, &m.ValueSold, &m.QuantityPurchased, &m.ValuePurchased} {
		if d.IsZero() {
			*d = decimal.Zero
		}
	}
	return m
}

func (s *Store) ItemStocks(_ context.Context, _ db.Querier, businessID int64, itemIDs []int64) (map[int64]closing.ItemStock, error) {
	out := make(map[int64]closing.ItemStock, len(itemIDs))
	for _, id := range itemIDs {
		item, ok := s.st.items[id]
		if !ok || item.BusinessID != businessID {
			continue
		}
		out[id] = closing.ItemStock{Quantity: item.Quantity, UnitCost: item.UnitCost}
	}
	return out, nil
}

func (s *Store) SaveItemSnapshot(_ context.Context, _ db.Querier, snap closing.ItemSnapshot) error {
	key := itemKey{snap.BusinessID, snap.PeriodID, snap.ItemID}
	current, ok := s.st.itemSnaps[key]
	if !ok {
		return nil
	}
	current.QuantitySold, current.ValueSold = snap.QuantitySold, snap.ValueSold
	current.QuantityPurchased, current.ValuePurchased = snap.QuantityPurchased, snap.ValuePurchased
	current.ClosingQuantity, current.ClosingValue = snap.ClosingQuantity, snap.ClosingValue
	s.st.itemSnaps[key] = current
	return nil
}

func (s *Store) InsertItemOpening(_ context.Context, _ db.Querier, snap closing.ItemSnapshot) error {
	key := itemKey{snap.BusinessID, snap.PeriodID, snap.ItemID}
	if _, ok := s.st.itemSnaps[key]; ok {
		return nil
	}
	s.st.itemSnaps[key] = closing.ItemSnapshot{
		BusinessID:        snap.BusinessID,
		PeriodID:          snap.PeriodID,
		ItemID:            snap.ItemID,
		OpeningQuantity:   snap.OpeningQuantity,
		OpeningValue:      snap.OpeningValue,
		QuantitySold:      decimal.Zero,
		ValueSold:         decimal.Zero,
		QuantityPurchased: decimal.Zero,
		ValuePurchased:    decimal.Zero,
		ClosingQuantity:   snap.OpeningQuantity,
		ClosingValue:      snap.OpeningValue,
	}
	return nil
}
