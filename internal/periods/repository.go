package periods

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Repository abstracts persistence of periods. Every method runs on the
// supplied querier so callers can compose it into their own transaction.
type Repository interface {
	GetPeriod(ctx context.Context, q db.Querier, businessID, id int64) (Period, error)
	LockPeriod(ctx context.Context, q db.Querier, businessID, id int64) (Period, error)
	FindPeriodByStart(ctx context.Context, q db.Querier, businessID int64, scope Scope, start time.Time) (Period, error)
	InsertPeriod(ctx context.Context, q db.Querier, p Period) (int64, error)
	LiveMonth(ctx context.Context, q db.Querier, businessID int64, day time.Time, mode LockMode) (Period, error)
	OpenEnded(ctx context.Context, q db.Querier, businessID int64, scope Scope, today time.Time) ([]Period, error)
	Children(ctx context.Context, q db.Querier, businessID, parentID int64) ([]Period, error)
	NextMonth(ctx context.Context, q db.Querier, businessID int64, after time.Time) (Period, error)
	PreviousMonth(ctx context.Context, q db.Querier, businessID int64, before time.Time) (Period, error)
	MonthsWithin(ctx context.Context, q db.Querier, businessID int64, start, end time.Time) ([]Period, error)
	MarkClosed(ctx context.Context, q db.Querier, id int64, closingDate time.Time) error
}

// Store is the PostgreSQL Repository.
type Store struct{}

// NewStore constructs a Store.
func NewStore() *Store { return &Store{} }

const periodColumns = `id, business_id, scope, start_date, end_date, COALESCE(parent_id, 0), is_closed, closing_date`

func scanPeriod(row pgx.Row) (Period, error) {
	var p Period
	var scope string
	if err := row.Scan(&p.ID, &p.BusinessID, &scope, &p.Start, &p.End, &p.ParentID, &p.IsClosed, &p.ClosingDate); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrPeriodNotFound
		}
		return Period{}, err
	}
	p.Scope = Scope(scope)
	return p, nil
}

func collectPeriods(rows pgx.Rows) ([]Period, error) {
	defer rows.Close()
	var out []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPeriod loads a period by id within the business.
func (s *Store) GetPeriod(ctx context.Context, q db.Querier, businessID, id int64) (Period, error) {
	sql := `SELECT ` + periodColumns + ` FROM periods WHERE business_id = $1 AND id = $2`
	return scanPeriod(q.QueryRow(ctx, sql, businessID, id))
}

// LockPeriod loads a period with SELECT ... FOR UPDATE.
func (s *Store) LockPeriod(ctx context.Context, q db.Querier, businessID, id int64) (Period, error) {
	sql := `SELECT ` + periodColumns + ` FROM periods WHERE business_id = $1 AND id = $2 FOR UPDATE`
	return scanPeriod(q.QueryRow(ctx, sql, businessID, id))
}

// FindPeriodByStart resolves a period by its natural key.
func (s *Store) FindPeriodByStart(ctx context.Context, q db.Querier, businessID int64, scope Scope, start time.Time) (Period, error) {
	sql := `SELECT ` + periodColumns + ` FROM periods WHERE business_id = $1 AND scope = $2 AND start_date = $3`
	return scanPeriod(q.QueryRow(ctx, sql, businessID, string(scope), start))
}

// InsertPeriod creates a period. A concurrent creator of the same tree surfaces as a
// retryable conflict.
func (s *Store) InsertPeriod(ctx context.Context, q db.Querier, p Period) (int64, error) {
	const sql = `INSERT INTO periods (business_id, scope, start_date, end_date, parent_id)
VALUES ($1, $2, $3, $4, $5) RETURNING id`
	var parent any
	if p.ParentID > 0 {
		parent = p.ParentID
	}
	var id int64
	err := q.QueryRow(ctx, sql, p.BusinessID, string(p.Scope), p.Start, p.End, parent).Scan(&id)
	if db.IsUniqueViolation(err, "uq_periods_scope_start") {
		return 0, fmt.Errorf("%w: periods: %s %s created concurrently", shared.ErrConcurrency, p.Scope, p.Start.Format("2006-01-02"))
	}
	return id, err
}

// LiveMonth returns the month containing day, locked per mode.
func (s *Store) LiveMonth(ctx context.Context, q db.Querier, businessID int64, day time.Time, mode LockMode) (Period, error) {
	sql := `SELECT ` + periodColumns + ` FROM periods
WHERE business_id = $1 AND scope = 'MONTH' AND start_date <= $2 AND end_date >= $2`
	switch mode {
	case LockShare:
		sql += ` FOR SHARE`
	case LockUpdate:
		sql += ` FOR UPDATE`
	}
	p, err := scanPeriod(q.QueryRow(ctx, sql, businessID, Day(day)))
	if errors.Is(err, ErrPeriodNotFound) {
		return Period{}, ErrNoLiveMonth
	}
	return p, err
}

// OpenEnded lists open periods of scope that ended before today, earliest first.
func (s *Store) OpenEnded(ctx context.Context, q db.Querier, businessID int64, scope Scope, today time.Time) ([]Period, error) {
	sql := `SELECT ` + periodColumns + ` FROM periods
WHERE business_id = $1 AND scope = $2 AND NOT is_closed AND end_date < $3
ORDER BY end_date ASC`
	rows, err := q.Query(ctx, sql, businessID, string(scope), Day(today))
	if err != nil {
		return nil, err
	}
	return collectPeriods(rows)
}

// Children lists the direct children of a period in calendar order.
func (s *Store) Children(ctx context.Context, q db.Querier, businessID, parentID int64) ([]Period, error) {
	sql := `SELECT ` + periodColumns + ` FROM periods WHERE business_id = $1 AND parent_id = $2 ORDER BY start_date`
	rows, err := q.Query(ctx, sql, businessID, parentID)
	if err != nil {
		return nil, err
	}
	return collectPeriods(rows)
}

// NextMonth returns the earliest month starting after the given date.
func (s *Store) NextMonth(ctx context.Context, q db.Querier, businessID int64, after time.Time) (Period, error) {
	sql := `SELECT ` + periodColumns + ` FROM periods
WHERE business_id = $1 AND scope = 'MONTH' AND start_date > $2
ORDER BY start_date ASC LIMIT 1`
	return scanPeriod(q.QueryRow(ctx, sql, businessID, Day(after)))
}

// PreviousMonth returns the latest month ending before the given date.
func (s *Store) PreviousMonth(ctx context.Context, q db.Querier, businessID int64, before time.Time) (Period, error) {
	sql := `SELECT ` + periodColumns + ` FROM periods
WHERE business_id = $1 AND scope = 'MONTH' AND end_date < $2
ORDER BY end_date DESC LIMIT 1`
	return scanPeriod(q.QueryRow(ctx, sql, businessID, Day(before)))
}

// MonthsWithin lists months fully inside [start, end].
func (s *Store) MonthsWithin(ctx context.Context, q db.Querier, businessID int64, start, end time.Time) ([]Period, error) {
	sql := `SELECT ` + periodColumns + ` FROM periods
WHERE business_id = $1 AND scope = 'MONTH' AND start_date >= $2 AND end_date <= $3
ORDER BY start_date`
	rows, err := q.Query(ctx, sql, businessID, Day(start), Day(end))
	if err != nil {
		return nil, err
	}
	return collectPeriods(rows)
}

// MarkClosed flags the period closed. Closed periods are never re-opened.
func (s *Store) MarkClosed(ctx context.Context, q db.Querier, id int64, closingDate time.Time) error {
	const sql = `UPDATE periods SET is_closed = TRUE, closing_date = $2 WHERE id = $1 AND NOT is_closed`
	tag, err := q.Exec(ctx, sql, id, Day(closingDate))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: periods: period %d already closed", shared.ErrAlreadyClosed, id)
	}
	return nil
}
