package reversal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// Store is the PostgreSQL Repository over the collaborator document tables.
type Store struct{}

// NewStore constructs a Store.
func NewStore() *Store { return &Store{} }

var _ Repository = (*Store)(nil)

func documentTable(kind Kind) (string, error) {
	switch kind {
	case KindSale:
		return "sales", nil
	case KindPurchase:
		return "purchases", nil
	case KindPayment:
		return "payments", nil
	case KindCashReceipt:
		return "cash_receipts", nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownKind, kind)
}

// LockDocument loads a document FOR UPDATE.
func (s *Store) LockDocument(ctx context.Context, q db.Querier, businessID int64, kind Kind, id int64) (Target, error) {
	var sql string
	switch kind {
	case KindSale, KindPurchase:
		table, _ := documentTable(kind)
		sql = `SELECT id, code, journal_head_id, status, is_reversed, total, '', 0 FROM ` + table + `
WHERE business_id = $1 AND id = $2 FOR UPDATE`
	case KindPayment:
		sql = `SELECT id, code, journal_head_id, status, is_reversed, amount, invoice_kind, invoice_id FROM payments
WHERE business_id = $1 AND id = $2 FOR UPDATE`
	case KindCashReceipt:
		sql = `SELECT id, code, journal_head_id, status, is_reversed, amount, 'SALE', sale_id FROM cash_receipts
WHERE business_id = $1 AND id = $2 FOR UPDATE`
	default:
		return Target{}, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
	t := Target{Kind: kind, BusinessID: businessID}
	var headID *int64
	var invoiceKind string
	err := q.QueryRow(ctx, sql, businessID, id).Scan(&t.ID, &t.Code, &headID, &t.Status, &t.Reversed, &t.Total, &invoiceKind, &t.InvoiceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Target{}, fmt.Errorf("%w: %s %d", ErrDocumentNotFound, kind, id)
	}
	if err != nil {
		return Target{}, err
	}
	if headID == nil {
		return Target{}, fmt.Errorf("%w: %s %s", ErrNotPosted, kind, t.Code)
	}
	t.HeadID = *headID
	t.InvoiceKind = Kind(invoiceKind)
	return t, nil
}

// HeadOwner finds the collaborator document whose journal_head_id is headID.
func (s *Store) HeadOwner(ctx context.Context, q db.Querier, businessID, headID int64) (Target, bool, error) {
	const sql = `SELECT kind, id, code FROM (
	SELECT 'SALE' AS kind, id, code FROM sales WHERE business_id = $1 AND journal_head_id = $2
	UNION ALL
	SELECT 'PURCHASE', id, code FROM purchases WHERE business_id = $1 AND journal_head_id = $2
	UNION ALL
	SELECT 'PAYMENT', id, code FROM payments WHERE business_id = $1 AND journal_head_id = $2
	UNION ALL
	SELECT 'CASH_RECEIPT', id, code FROM cash_receipts WHERE business_id = $1 AND journal_head_id = $2
) owners LIMIT 1`
	t := Target{BusinessID: businessID, HeadID: headID}
	var kind string
	err := q.QueryRow(ctx, sql, businessID, headID).Scan(&kind, &t.ID, &t.Code)
	if errors.Is(err, pgx.ErrNoRows) {
		return Target{}, false, nil
	}
	if err != nil {
		return Target{}, false, err
	}
	t.Kind = Kind(kind)
	return t, true, nil
}

// MarkDocumentReversed flips status and is_reversed.
func (s *Store) MarkDocumentReversed(ctx context.Context, q db.Querier, businessID int64, kind Kind, id int64) error {
	table, err := documentTable(kind)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `UPDATE `+table+` SET status = $3, is_reversed = TRUE
WHERE business_id = $1 AND id = $2 AND NOT is_reversed`, businessID, id, StatusReversed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s %d", ErrAlreadyReversed, kind, id)
	}
	return nil
}

// DocumentLines lists the item lines of a sale or purchase.
func (s *Store) DocumentLines(ctx context.Context, q db.Querier, businessID int64, kind Kind, id int64) ([]DocumentLine, error) {
	var sql string
	switch kind {
	case KindSale:
		sql = `SELECT l.item_id, l.quantity, l.unit_price FROM sale_lines l
JOIN sales d ON d.id = l.sale_id
WHERE d.business_id = $1 AND d.id = $2 ORDER BY l.id`
	case KindPurchase:
		sql = `SELECT l.item_id, l.quantity, l.unit_cost FROM purchase_lines l
JOIN purchases d ON d.id = l.purchase_id
WHERE d.business_id = $1 AND d.id = $2 ORDER BY l.id`
	default:
		return nil, nil
	}
	rows, err := q.Query(ctx, sql, businessID, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DocumentLine
	for rows.Next() {
		var line DocumentLine
		if err := rows.Scan(&line.ItemID, &line.Quantity, &line.UnitAmount); err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

// AdjustItemQuantity adds delta to the live quantity of an item.
func (s *Store) AdjustItemQuantity(ctx context.Context, q db.Querier, businessID, itemID int64, delta decimal.Decimal) error {
	tag, err := q.Exec(ctx, `UPDATE items SET quantity = quantity + $3 WHERE business_id = $1 AND id = $2`, businessID, itemID, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w %d", ErrItemNotFound, itemID)
	}
	return nil
}

// PurchaseLots lists the non-reversed purchase lines of an item.
func (s *Store) PurchaseLots(ctx context.Context, q db.Querier, businessID, itemID int64) ([]Lot, error) {
	rows, err := q.Query(ctx, `SELECT pl.quantity, pl.unit_cost
FROM purchase_lines pl
JOIN purchases p ON p.id = pl.purchase_id
WHERE p.business_id = $1 AND pl.item_id = $2 AND NOT p.is_reversed
ORDER BY p.date, pl.id`, businessID, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Lot
	for rows.Next() {
		var lot Lot
		if err := rows.Scan(&lot.Quantity, &lot.UnitCost); err != nil {
			return nil, err
		}
		out = append(out, lot)
	}
	return out, rows.Err()
}

// SetItemUnitCost overwrites the unit cost of an item.
func (s *Store) SetItemUnitCost(ctx context.Context, q db.Querier, businessID, itemID int64, cost decimal.Decimal) error {
	tag, err := q.Exec(ctx, `UPDATE items SET unit_cost = $3 WHERE business_id = $1 AND id = $2`, businessID, itemID, cost)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w %d", ErrItemNotFound, itemID)
	}
	return nil
}

// InvoicePaid sums non-reversed payments, and for sales cash receipts, settled
// against an invoice.
func (s *Store) InvoicePaid(ctx context.Context, q db.Querier, businessID int64, kind Kind, id int64) (decimal.Decimal, error) {
	sql := `SELECT COALESCE(SUM(amount), 0) FROM payments
WHERE business_id = $1 AND invoice_kind = $3 AND invoice_id = $2 AND NOT is_reversed`
	if kind == KindSale {
		sql = `SELECT
  COALESCE((SELECT SUM(amount) FROM payments
            WHERE business_id = $1 AND invoice_kind = $3 AND invoice_id = $2 AND NOT is_reversed), 0)
+ COALESCE((SELECT SUM(amount) FROM cash_receipts
            WHERE business_id = $1 AND sale_id = $2 AND NOT is_reversed), 0)`
	}
	var paid decimal.Decimal
	if err := q.QueryRow(ctx, sql, businessID, id, string(kind)).Scan(&paid); err != nil {
		return decimal.Zero, err
	}
	return paid, nil
}

// UpdateInvoicePayment stores the recomputed paid amount and payment status.
func (s *Store) UpdateInvoicePayment(ctx context.Context, q db.Querier, businessID int64, kind Kind, id int64, paid decimal.Decimal, status string) error {
	if kind != KindSale && kind != KindPurchase {
		return fmt.Errorf("%w: reversal: %s is not an invoice", ErrUnknownKind, kind)
	}
	table, _ := documentTable(kind)
	_, err := q.Exec(ctx, `UPDATE `+table+` SET paid_amount = $3, payment_status = $4
WHERE business_id = $1 AND id = $2`, businessID, id, paid, status)
	return err
}
