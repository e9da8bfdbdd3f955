package memstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/reversal"
)

func (s *Store) LockDocument(_ context.Context, _ db.Querier, businessID int64, kind reversal.Kind, id int64) (reversal.Target, error) {
	doc, ok := s.st.documents[id]
	if !ok || doc.BusinessID != businessID || doc.Kind != kind {
		return reversal.Target{}, fmt.Errorf("%w: %s %d", reversal.ErrDocumentNotFound, kind, id)
	}
	if doc.HeadID == 0 {
		return reversal.Target{}, fmt.Errorf("%w: %s %s", reversal.ErrNotPosted, kind, doc.Code)
	}
	return reversal.Target{
		Kind:        kind,
		BusinessID:  businessID,
		ID:          doc.ID,
		Code:        doc.Code,
		HeadID:      doc.HeadID,
		Status:      doc.Status,
		Reversed:    doc.Reversed,
		Total:       doc.Total,
		InvoiceKind: doc.InvoiceKind,
		InvoiceID:   doc.InvoiceID,
	}, nil
}

func (s *Store) HeadOwner(_ context.Context, _ db.Querier, businessID, headID int64) (reversal.Target, bool, error) {
	for _, doc := range s.st.documents {
		if doc.BusinessID == businessID && doc.HeadID == headID && doc.Kind != reversal.KindJournal {
			return reversal.Target{Kind: doc.Kind, BusinessID: businessID, ID: doc.ID, Code: doc.Code, HeadID: headID}, true, nil
		}
	}
	return reversal.Target{}, false, nil
}

func (s *Store) MarkDocumentReversed(_ context.Context, _ db.Querier, businessID int64, kind reversal.Kind, id int64) error {
	doc, ok := s.st.documents[id]
	if !ok || doc.BusinessID != businessID || doc.Kind != kind || doc.Reversed {
		return fmt.Errorf("%w: %s %d", reversal.ErrAlreadyReversed, kind, id)
	}
	doc.Status = reversal.StatusReversed
	doc.Reversed = true
	s.st.documents[id] = doc
	return nil
}

func (s *Store) DocumentLines(_ context.Context, _ db.Querier, businessID int64, kind reversal.Kind, id int64) ([]reversal.DocumentLine, error) {
	doc, ok := s.st.documents[id]
	if !ok || doc.BusinessID != businessID || doc.Kind != kind {
		return nil, nil
	}
	var out []reversal.DocumentLine
	for _, line := range s.st.docLines {
		if line.DocumentID == id {
			out = append(out, reversal.DocumentLine{ItemID: line.ItemID, Quantity: line.Quantity, UnitAmount: line.UnitAmount})
		}
	}
	return out, nil
}

func (s *Store) AdjustItemQuantity(_ context.Context, _ db.Querier, businessID, itemID int64, delta decimal.Decimal) error {
	item, ok := s.st.items[itemID]
	if !ok || item.BusinessID != businessID {
		return fmt.Errorf("%w %d", reversal.ErrItemNotFound, itemID)
	}
	item.Quantity = item.Quantity.Add(delta)
	s.st.items[itemID] = item
	return nil
}

func (s *Store) PurchaseLots(_ context.Context, _ db.Querier, businessID, itemID int64) ([]reversal.Lot, error) {
	type lot struct {
		doc Document
		reversal.Lot
	}
	var lots []lot
	for _, line := range s.st.docLines {
		doc := s.st.documents[line.DocumentID]
		if line.ItemID != itemID || doc.BusinessID != businessID || doc.Kind != reversal.KindPurchase || doc.Reversed {
			continue
		}
		lots = append(lots, lot{doc: doc, Lot: reversal.Lot{Quantity: line.Quantity, UnitCost: line.UnitAmount}})
	}
	sort.SliceStable(lots, func(i, j int) bool { return lots[i].doc.Date.Before(lots[j].doc.Date) })
	out := make([]reversal.Lot, len(lots))
	for i, l := range lots {
		out[i] = l.Lot
	}
	return out, nil
}

func (s *Store) SetItemUnitCost(_ context.Context, _ db.Querier, businessID, itemID int64, cost decimal.Decimal) error {
	item, ok := s.st.items[itemID]
	if !ok || item.BusinessID != businessID {
		return fmt.Errorf("%w %d", reversal.ErrItemNotFound, itemID)
	}
	item.UnitCost = cost
	s.st.items[itemID] = item
	return nil
}

func (s *Store) InvoicePaid(_ context.Context, _ db.Querier, businessID int64, kind reversal.Kind, id int64) (decimal.Decimal, error) {
	paid := decimal.Zero
	for _, doc := range s.st.documents {
		if doc.BusinessID != businessID || doc.Reversed || doc.InvoiceKind != kind || doc.InvoiceID != id {
			continue
		}
		if doc.Kind == reversal.KindPayment || doc.Kind == reversal.KindCashReceipt {
			paid = paid.Add(doc.Total)
		}
	}
	return paid, nil
}

func (s *Store) UpdateInvoicePayment(_ context.Context, _ db.Querier, businessID int64, kind reversal.Kind, id int64, paid decimal.Decimal, status string) error {
	if err := s.injected("UpdateInvoicePayment"); err != nil {
		return err
	}
	doc, ok := s.st.documents[id]
	if !ok || doc.BusinessID != businessID || doc.Kind != kind {
		return fmt.Errorf("%w: %s %d", reversal.ErrDocumentNotFound, kind, id)
	}
	doc.Paid = paid
	doc.PaymentStatus = status
	s.st.documents[id] = doc
	return nil
}
