package closing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// Store is the PostgreSQL Repository.
type Store struct{}

// NewStore constructs a Store.
func NewStore() *Store { return &Store{} }

var _ Repository = (*Store)(nil)

// ListBusinesses returns every tenant id.
func (s *Store) ListBusinesses(ctx context.Context, q db.Querier) ([]int64, error) {
	rows, err := q.Query(ctx, `SELECT id FROM businesses ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PeriodSnapshots lists the account and partner snapshots of a period.
func (s *Store) PeriodSnapshots(ctx context.Context, q db.Querier, businessID, periodID int64) ([]ledger.Snapshot, error) {
	const sql = `SELECT subject_kind, subject_id, opening_balance, debit_total, credit_total, closing_balance
FROM balance_snapshots
WHERE business_id = $1 AND period_id = $2
ORDER BY subject_kind, subject_id`
	rows, err := q.Query(ctx, sql, businessID, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Snapshot
	for rows.Next() {
		snap := ledger.Snapshot{SnapshotKey: ledger.SnapshotKey{BusinessID: businessID, PeriodID: periodID}}
		var kind string
		if err := rows.Scan(&kind, &snap.SubjectID, &snap.Opening, &snap.DebitTotal, &snap.CreditTotal, &snap.Closing); err != nil {
			return nil, err
		}
		snap.Kind = ledger.SubjectKind(kind)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// BookMovements sums debit and credit per subject of one book over a date range.
func (s *Store) BookMovements(ctx context.Context, q db.Querier, businessID int64, book ledger.Book, start, end time.Time) (map[int64]Totals, error) {
	sql := `SELECT subject_id, COALESCE(SUM(debit), 0), COALESCE(SUM(credit), 0) FROM ` + book.Table() + `
WHERE business_id = $1 AND date BETWEEN $2 AND $3
GROUP BY subject_id`
	rows, err := q.Query(ctx, sql, businessID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]Totals)
	for rows.Next() {
		var id int64
		var t Totals
		if err := rows.Scan(&id, &t.Debit, &t.Credit); err != nil {
			return nil, err
		}
		out[id] = t
	}
	return out, rows.Err()
}

// SaveSnapshot persists closing figures.
func (s *Store) SaveSnapshot(ctx context.Context, q db.Querier, snap ledger.Snapshot) error {
	const sql = `UPDATE balance_snapshots
SET debit_total = $5, credit_total = $6, closing_balance = $7
WHERE business_id = $1 AND period_id = $2 AND subject_kind = $3 AND subject_id = $4`
	_, err := q.Exec(ctx, sql, snap.BusinessID, snap.PeriodID, string(snap.Kind), snap.SubjectID,
		snap.DebitTotal, snap.CreditTotal, snap.Closing)
	return err
}

// MergeOpening sets the opening of the snapshot, creating it when absent, and
// resets its totals.
func (s *Store) MergeOpening(ctx context.Context, q db.Querier, key ledger.SnapshotKey, opening decimal.Decimal) error {
	const sql = `INSERT INTO balance_snapshots (business_id, period_id, subject_kind, subject_id, opening_balance, closing_balance)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT ON CONSTRAINT uq_balance_snapshots DO UPDATE
SET opening_balance = EXCLUDED.opening_balance,
    debit_total = 0,
    credit_total = 0,
    closing_balance = EXCLUDED.opening_balance`
	_, err := q.Exec(ctx, sql, key.BusinessID, key.PeriodID, string(key.Kind), key.SubjectID, opening)
	return err
}

const itemSnapshotColumns = `business_id, period_id, item_id, opening_quantity, opening_value, quantity_sold, value_sold,
quantity_purchased, value_purchased, closing_quantity, closing_value`

func scanItemSnapshot(row pgx.Row) (ItemSnapshot, error) {
	var snap ItemSnapshot
	err := row.Scan(&snap.BusinessID, &snap.PeriodID, &snap.ItemID, &snap.OpeningQuantity, &snap.OpeningValue,
		&snap.QuantitySold, &snap.ValueSold, &snap.QuantityPurchased, &snap.ValuePurchased,
		&snap.ClosingQuantity, &snap.ClosingValue)
	if errors.Is(err, pgx.ErrNoRows) {
		return ItemSnapshot{}, ErrItemSnapMiss
	}
	return snap, err
}

// ItemSnapshots lists the item snapshots of a period.
func (s *Store) ItemSnapshots(ctx context.Context, q db.Querier, businessID, periodID int64) ([]ItemSnapshot, error) {
	rows, err := q.Query(ctx, `SELECT `+itemSnapshotColumns+` FROM item_snapshots
WHERE business_id = $1 AND period_id = $2 ORDER BY item_id`, businessID, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ItemSnapshot
	for rows.Next() {
		snap, err := scanItemSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// FindItemSnapshot loads one item snapshot.
func (s *Store) FindItemSnapshot(ctx context.Context, q db.Querier, businessID, periodID, itemID int64) (ItemSnapshot, error) {
	return scanItemSnapshot(q.QueryRow(ctx, `SELECT `+itemSnapshotColumns+` FROM item_snapshots
WHERE business_id = $1 AND period_id = $2 AND item_id = $3`, businessID, periodID, itemID))
}

// ItemMovements aggregates sold and purchased quantity and value per item for
// documents dated in [start, end], excluding reversed documents.
func (s *Store) ItemMovements(ctx context.Context, q db.Querier, businessID int64, start, end time.Time) (map[int64]ItemMovement, error) {
	out := make(map[int64]ItemMovement)
	const sold = `SELECT sl.item_id, SUM(sl.quantity), SUM(sl.quantity * sl.unit_price)
FROM sale_lines sl
JOIN sales s ON s.id = sl.sale_id
WHERE s.business_id = $1 AND NOT s.is_reversed AND s.date BETWEEN $2 AND $3
GROUP BY sl.item_id`
	err := scanMovements(ctx, q, sold, businessID, start, end, func(id int64, qty, value decimal.Decimal) {
		m := out[id]
		m.QuantitySold, m.ValueSold = qty, value.Round(2)
		out[id] = m
	})
	if err != nil {
		return nil, err
	}
	const purchased = `SELECT pl.item_id, SUM(pl.quantity), SUM(pl.quantity * pl.unit_cost)
FROM purchase_lines pl
JOIN purchases p ON p.id = pl.purchase_id
WHERE p.business_id = $1 AND NOT p.is_reversed AND p.date BETWEEN $2 AND $3
GROUP BY pl.item_id`
	err = scanMovements(ctx, q, purchased, businessID, start, end, func(id int64, qty, value decimal.Decimal) {
		m := out[id]
		m.QuantityPurchased, m.ValuePurchased = qty, value.Round(2)
		out[id] = m
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanMovements(ctx context.Context, q db.Querier, sql string, businessID int64, start, end time.Time, apply func(int64, decimal.Decimal, decimal.Decimal)) error {
	rows, err := q.Query(ctx, sql, businessID, start, end)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var qty, value decimal.Decimal
		if err := rows.Scan(&id, &qty, &value); err != nil {
			return err
		}
		apply(id, qty, value)
	}
	return rows.Err()
}

// ItemStocks reads live quantity and unit cost of items.
func (s *Store) ItemStocks(ctx context.Context, q db.Querier, businessID int64, itemIDs []int64) (map[int64]ItemStock, error) {
	rows, err := q.Query(ctx, `SELECT id, quantity, unit_cost FROM items WHERE business_id = $1 AND id = ANY($2)`, businessID, itemIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]ItemStock, len(itemIDs))
	for rows.Next() {
		var id int64
		var stock ItemStock
		if err := rows.Scan(&id, &stock.Quantity, &stock.UnitCost); err != nil {
			return nil, err
		}
		out[id] = stock
	}
	return out, rows.Err()
}

// SaveItemSnapshot persists the closing figures of an item snapshot.
func (s *Store) SaveItemSnapshot(ctx context.Context, q db.Querier, snap ItemSnapshot) error {
	const sql = `UPDATE item_snapshots
SET quantity_sold = $4, value_sold = $5, quantity_purchased = $6, value_purchased = $7,
    closing_quantity = $8, closing_value = $9
WHERE business_id = $1 AND period_id = $2 AND item_id = $3`
	_, err := q.Exec(ctx, sql, snap.BusinessID, snap.PeriodID, snap.ItemID, snap.QuantitySold, snap.ValueSold,
		snap.QuantityPurchased, snap.ValuePurchased, snap.ClosingQuantity, snap.ClosingValue)
	return err
}

// InsertItemOpening creates an item snapshot unless one exists; an existing
// snapshot is never overwritten.
func (s *Store) InsertItemOpening(ctx context.Context, q db.Querier, snap ItemSnapshot) error {
	const sql = `INSERT INTO item_snapshots (business_id, period_id, item_id, opening_quantity, opening_value,
closing_quantity, closing_value)
VALUES ($1, $2, $3, $4, $5, $4, $5)
ON CONFLICT ON CONSTRAINT uq_item_snapshots DO NOTHING`
	_, err := q.Exec(ctx, sql, snap.BusinessID, snap.PeriodID, snap.ItemID, snap.OpeningQuantity, snap.OpeningValue)
	return err
}
