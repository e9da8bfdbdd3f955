package reversal

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// SaleDocument reverses sales: stock sold is put back and the sale's payment
// status is recomputed.
type SaleDocument struct {
	repo Repository
}

func (SaleDocument) Kind() Kind { return KindSale }

func (d SaleDocument) Lock(ctx context.Context, q db.Querier, businessID, id int64) (Target, error) {
	return d.repo.LockDocument(ctx, q, businessID, KindSale, id)
}

func (d SaleDocument) MarkReversed(ctx context.Context, q db.Querier, t Target) error {
	return d.repo.MarkDocumentReversed(ctx, q, t.BusinessID, KindSale, t.ID)
}

func (d SaleDocument) Cleanup(ctx context.Context, q db.Querier, t Target) error {
	lines, err := d.repo.DocumentLines(ctx, q, t.BusinessID, KindSale, t.ID)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if err := d.repo.AdjustItemQuantity(ctx, q, t.BusinessID, line.ItemID, line.Quantity); err != nil {
			return err
		}
	}
	return refreshPayment(ctx, q, d.repo, t.BusinessID, KindSale, t.ID, t)
}

// PurchaseDocument reverses purchases: stock received is removed and the
// weighted average cost is recomputed from the lots that remain.
type PurchaseDocument struct {
	repo Repository
}

func (PurchaseDocument) Kind() Kind { return KindPurchase }

func (d PurchaseDocument) Lock(ctx context.Context, q db.Querier, businessID, id int64) (Target, error) {
	return d.repo.LockDocument(ctx, q, businessID, KindPurchase, id)
}

func (d PurchaseDocument) MarkReversed(ctx context.Context, q db.Querier, t Target) error {
	return d.repo.MarkDocumentReversed(ctx, q, t.BusinessID, KindPurchase, t.ID)
}

func (d PurchaseDocument) Cleanup(ctx context.Context, q db.Querier, t Target) error {
	lines, err := d.repo.DocumentLines(ctx, q, t.BusinessID, KindPurchase, t.ID)
	if err != nil {
		return err
	}
	seen := make(map[int64]struct{}, len(lines))
	for _, line := range lines {
		if err := d.repo.AdjustItemQuantity(ctx, q, t.BusinessID, line.ItemID, line.Quantity.Neg()); err != nil {
			return err
		}
		if _, ok := seen[line.ItemID]; ok {
			continue
		}
		seen[line.ItemID] = struct{}{}
		lots, err := d.repo.PurchaseLots(ctx, q, t.BusinessID, line.ItemID)
		if err != nil {
			return err
		}
		if cost, ok := WeightedCost(lots); ok {
			if err := d.repo.SetItemUnitCost(ctx, q, t.BusinessID, line.ItemID, cost); err != nil {
				return err
			}
		}
	}
	return refreshPayment(ctx, q, d.repo, t.BusinessID, KindPurchase, t.ID, t)
}

// PaymentDocument reverses payments and cash receipts, recomputing the paid
// amount and status of the invoice they settled.
type PaymentDocument struct {
	repo Repository
	kind Kind
}

func (d PaymentDocument) Kind() Kind { return d.kind }

func (d PaymentDocument) Lock(ctx context.Context, q db.Querier, businessID, id int64) (Target, error) {
	return d.repo.LockDocument(ctx, q, businessID, d.kind, id)
}

func (d PaymentDocument) MarkReversed(ctx context.Context, q db.Querier, t Target) error {
	return d.repo.MarkDocumentReversed(ctx, q, t.BusinessID, d.kind, t.ID)
}

func (d PaymentDocument) Cleanup(ctx context.Context, q db.Querier, t Target) error {
	if t.InvoiceID == 0 {
		return nil
	}
	invoice, err := d.repo.LockDocument(ctx, q, t.BusinessID, t.InvoiceKind, t.InvoiceID)
	if err != nil {
		return fmt.Errorf("reversal: invoice of %s: %w", t.Code, err)
	}
	return refreshPayment(ctx, q, d.repo, t.BusinessID, t.InvoiceKind, t.InvoiceID, invoice)
}

// JournalDocument reverses manual journal heads; there is no document beyond
// the head itself. Heads posted for a sale, purchase, payment or cash receipt
// must be reversed through their document so its status and side effects
// follow.
type JournalDocument struct {
	repo   Repository
	ledger ledger.Repository
}

func (JournalDocument) Kind() Kind { return KindJournal }

func (d JournalDocument) Lock(ctx context.Context, q db.Querier, businessID, id int64) (Target, error) {
	head, err := d.ledger.LoadHead(ctx, q, businessID, id, true)
	if err != nil {
		return Target{}, err
	}
	owner, owned, err := d.repo.HeadOwner(ctx, q, businessID, head.ID)
	if err != nil {
		return Target{}, err
	}
	if owned {
		return Target{}, fmt.Errorf("%w: %s is posted by %s %s (id %d)", ErrHeadOwned, head.Code, owner.Kind, owner.Code, owner.ID)
	}
	return Target{
		Kind:       KindJournal,
		BusinessID: businessID,
		ID:         head.ID,
		Code:       head.Code,
		HeadID:     head.ID,
		Reversed:   head.Reversed,
		Total:      head.Amount,
	}, nil
}

func (JournalDocument) MarkReversed(context.Context, db.Querier, Target) error { return nil }

func (JournalDocument) Cleanup(context.Context, db.Querier, Target) error { return nil }

func refreshPayment(ctx context.Context, q db.Querier, repo Repository, businessID int64, kind Kind, id int64, invoice Target) error {
	paid, err := repo.InvoicePaid(ctx, q, businessID, kind, id)
	if err != nil {
		return err
	}
	return repo.UpdateInvoicePayment(ctx, q, businessID, kind, id, paid, PaymentStatus(invoice.Total, paid))
}
