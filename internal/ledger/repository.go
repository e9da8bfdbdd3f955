package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Store is the PostgreSQL Repository. Sub-ledger table names come only from
// the book registry.
type Store struct{}

// NewStore constructs a Store.
func NewStore() *Store { return &Store{} }

var _ Repository = (*Store)(nil)

// ResolveSubjects maps subjects of the business to their books. Unknown
// subjects are absent from the result.
func (s *Store) ResolveSubjects(ctx context.Context, q db.Querier, businessID int64, refs []SubjectRef) (map[SubjectRef]Book, error) {
	byKind := make(map[SubjectKind][]int64)
	for _, ref := range refs {
		byKind[ref.Kind] = append(byKind[ref.Kind], ref.ID)
	}
	out := make(map[SubjectRef]Book, len(refs))
	if ids := byKind[SubjectAccount]; len(ids) > 0 {
		rows, err := q.Query(ctx, `SELECT id, class FROM accounts WHERE business_id = $1 AND id = ANY($2)`, businessID, ids)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id int64
			var class string
			if err := rows.Scan(&id, &class); err != nil {
				rows.Close()
				return nil, err
			}
			book, err := BookForClass(AccountClass(class))
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[SubjectRef{Kind: SubjectAccount, ID: id}] = book
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	for kind, table := range map[SubjectKind]string{SubjectCustomer: "customers", SubjectSupplier: "suppliers"} {
		ids := byKind[kind]
		if len(ids) == 0 {
			continue
		}
		book, _ := BookForPartner(kind)
		rows, err := q.Query(ctx, `SELECT id FROM `+table+` WHERE business_id = $1 AND id = ANY($2)`, businessID, ids)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			out[SubjectRef{Kind: kind, ID: id}] = book
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// BlockedChains returns the blocks covering any of keys.
func (s *Store) BlockedChains(ctx context.Context, q db.Querier, businessID int64, keys []ChainKey) ([]Block, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	books := make([]string, len(keys))
	ids := make([]int64, len(keys))
	for i, k := range keys {
		books[i] = string(k.Book)
		ids[i] = k.SubjectID
	}
	const sql = `SELECT b.business_id, b.book, b.subject_id, b.reason, b.detected_at
FROM ledger_blocks b
JOIN UNNEST($2::text[], $3::bigint[]) AS k(book, subject_id)
  ON k.book = b.book AND k.subject_id = b.subject_id
WHERE b.business_id = $1
ORDER BY b.book, b.subject_id`
	rows, err := q.Query(ctx, sql, businessID, books, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Block
	for rows.Next() {
		var b Block
		var book string
		if err := rows.Scan(&b.BusinessID, &book, &b.SubjectID, &b.Reason, &b.DetectedAt); err != nil {
			return nil, err
		}
		b.Book = Book(book)
		out = append(out, b)
	}
	return out, rows.Err()
}

const headColumns = `id, business_id, code, date, entry_type, transaction_number, amount, description,
reversed, COALESCE(source_module, ''), source_id, COALESCE(created_by, 0)`

func scanHead(row pgx.Row) (JournalHead, error) {
	var h JournalHead
	var source *uuid.UUID
	if err := row.Scan(&h.ID, &h.BusinessID, &h.Code, &h.Date, &h.EntryType, &h.TransactionNumber, &h.Amount,
		&h.Description, &h.Reversed, &h.SourceModule, &source, &h.CreatedBy); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalHead{}, ErrHeadNotFound
		}
		return JournalHead{}, err
	}
	if source != nil {
		h.SourceID = *source
	}
	return h, nil
}

// HeadBySource resolves the head posted for a source document.
func (s *Store) HeadBySource(ctx context.Context, q db.Querier, businessID int64, module string, sourceID uuid.UUID) (JournalHead, error) {
	sql := `SELECT ` + headColumns + ` FROM journal_heads
WHERE business_id = $1 AND source_module = $2 AND source_id = $3`
	return scanHead(q.QueryRow(ctx, sql, businessID, module, sourceID))
}

// InsertHead persists a journal head.
func (s *Store) InsertHead(ctx context.Context, q db.Querier, h JournalHead) (int64, error) {
	const sql = `INSERT INTO journal_heads (business_id, code, date, entry_type, transaction_number, amount,
description, source_module, source_id, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, NULLIF($10, 0))
RETURNING id`
	var source any
	if h.SourceID != uuid.Nil {
		source = h.SourceID
	}
	var id int64
	err := q.QueryRow(ctx, sql, h.BusinessID, h.Code, h.Date, h.EntryType, h.TransactionNumber, h.Amount,
		h.Description, h.SourceModule, source, h.CreatedBy).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ledger: insert head: %w", err)
	}
	return id, nil
}

// InsertLine persists a journal line.
func (s *Store) InsertLine(ctx context.Context, q db.Querier, l JournalLine) (int64, error) {
	const sql = `INSERT INTO journal_lines (head_id, business_id, description, side, subject_kind, subject_id,
amount, date, transaction_number)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id`
	var id int64
	err := q.QueryRow(ctx, sql, l.HeadID, l.BusinessID, l.Description, string(l.Side), string(l.Subject.Kind),
		l.Subject.ID, l.Amount, l.Date, l.TransactionNumber).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ledger: insert line: %w", err)
	}
	return id, nil
}

// LoadHead loads a head with its journal lines, optionally locking the head.
func (s *Store) LoadHead(ctx context.Context, q db.Querier, businessID, headID int64, forUpdate bool) (JournalHead, error) {
	sql := `SELECT ` + headColumns + ` FROM journal_heads WHERE business_id = $1 AND id = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	head, err := scanHead(q.QueryRow(ctx, sql, businessID, headID))
	if err != nil {
		return JournalHead{}, err
	}
	rows, err := q.Query(ctx, `SELECT id, head_id, business_id, description, side, subject_kind, subject_id,
amount, date, transaction_number
FROM journal_lines WHERE business_id = $1 AND head_id = $2 ORDER BY id`, businessID, headID)
	if err != nil {
		return JournalHead{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l JournalLine
		var side, kind string
		if err := rows.Scan(&l.ID, &l.HeadID, &l.BusinessID, &l.Description, &side, &kind, &l.Subject.ID,
			&l.Amount, &l.Date, &l.TransactionNumber); err != nil {
			return JournalHead{}, err
		}
		l.Side = Side(side)
		l.Subject.Kind = SubjectKind(kind)
		head.Lines = append(head.Lines, l)
	}
	return head, rows.Err()
}

// MarkHeadReversed flips the reversal flag and suffixes the entry type.
func (s *Store) MarkHeadReversed(ctx context.Context, q db.Querier, businessID, headID int64) error {
	const sql = `UPDATE journal_heads SET reversed = TRUE, entry_type = entry_type || ' - Reversed'
WHERE business_id = $1 AND id = $2 AND NOT reversed`
	tag, err := q.Exec(ctx, sql, businessID, headID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: journal head %d", shared.ErrAlreadyReversed, headID)
	}
	return nil
}

const entryColumns = `id, business_id, head_id, subject_id, period_id, date, type, description, debit, credit, running_balance`

func scanEntry(row pgx.Row, book Book) (Entry, error) {
	e := Entry{Book: book}
	if err := row.Scan(&e.ID, &e.BusinessID, &e.HeadID, &e.SubjectID, &e.PeriodID, &e.Date, &e.Type,
		&e.Description, &e.Debit, &e.Credit, &e.RunningBalance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, err
	}
	return e, nil
}

func collectEntries(rows pgx.Rows, book Book) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows, book)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// HeadEntries returns the sub-ledger rows of a head across every book.
func (s *Store) HeadEntries(ctx context.Context, q db.Querier, businessID, headID int64) ([]Entry, error) {
	var out []Entry
	for _, book := range registry {
		rows, err := q.Query(ctx, `SELECT `+entryColumns+` FROM `+book.Table()+`
WHERE business_id = $1 AND head_id = $2 ORDER BY date, id`, businessID, headID)
		if err != nil {
			return nil, err
		}
		entries, err := collectEntries(rows, book)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

// LockSnapshot locks the snapshot row and returns its opening balance.
func (s *Store) LockSnapshot(ctx context.Context, q db.Querier, key SnapshotKey) (decimal.Decimal, error) {
	const sql = `SELECT opening_balance FROM balance_snapshots
WHERE business_id = $1 AND period_id = $2 AND subject_kind = $3 AND subject_id = $4
FOR UPDATE`
	var opening decimal.Decimal
	err := q.QueryRow(ctx, sql, key.BusinessID, key.PeriodID, string(key.Kind), key.SubjectID).Scan(&opening)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrSnapshotMissing
	}
	return opening, err
}

// FindSnapshot reads a snapshot row without locking it.
func (s *Store) FindSnapshot(ctx context.Context, q db.Querier, key SnapshotKey) (Snapshot, error) {
	const sql = `SELECT opening_balance, debit_total, credit_total, closing_balance FROM balance_snapshots
WHERE business_id = $1 AND period_id = $2 AND subject_kind = $3 AND subject_id = $4`
	snap := Snapshot{SnapshotKey: key}
	err := q.QueryRow(ctx, sql, key.BusinessID, key.PeriodID, string(key.Kind), key.SubjectID).
		Scan(&snap.Opening, &snap.DebitTotal, &snap.CreditTotal, &snap.Closing)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrSnapshotMissing
	}
	return snap, err
}

// InsertSnapshot creates a snapshot row unless one exists.
func (s *Store) InsertSnapshot(ctx context.Context, q db.Querier, key SnapshotKey, opening decimal.Decimal) error {
	const sql = `INSERT INTO balance_snapshots (business_id, period_id, subject_kind, subject_id, opening_balance, closing_balance)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT ON CONSTRAINT uq_balance_snapshots DO NOTHING`
	_, err := q.Exec(ctx, sql, key.BusinessID, key.PeriodID, string(key.Kind), key.SubjectID, opening)
	return err
}

// LatestEntry returns the last entry of a chain by (date, id).
func (s *Store) LatestEntry(ctx context.Context, q db.Querier, businessID int64, book Book, subjectID, periodID int64) (Entry, error) {
	sql := `SELECT ` + entryColumns + ` FROM ` + book.Table() + `
WHERE business_id = $1 AND subject_id = $2 AND period_id = $3
ORDER BY date DESC, id DESC LIMIT 1`
	return scanEntry(q.QueryRow(ctx, sql, businessID, subjectID, periodID), book)
}

// InsertEntry appends a row to the entry's book.
func (s *Store) InsertEntry(ctx context.Context, q db.Querier, e Entry) (int64, error) {
	sql := `INSERT INTO ` + e.Book.Table() + ` (business_id, head_id, subject_id, period_id, date, type, description,
debit, credit, running_balance)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id`
	var id int64
	err := q.QueryRow(ctx, sql, e.BusinessID, e.HeadID, e.SubjectID, e.PeriodID, e.Date, e.Type, e.Description,
		e.Debit, e.Credit, e.RunningBalance).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ledger: insert %s entry: %w", e.Book, err)
	}
	return id, nil
}

// Movements sums debit and credit of a chain within a period.
func (s *Store) Movements(ctx context.Context, q db.Querier, businessID int64, key ChainKey, periodID int64) (decimal.Decimal, decimal.Decimal, error) {
	sql := `SELECT COALESCE(SUM(debit), 0), COALESCE(SUM(credit), 0) FROM ` + key.Book.Table() + `
WHERE business_id = $1 AND subject_id = $2 AND period_id = $3`
	var debit, credit decimal.Decimal
	err := q.QueryRow(ctx, sql, businessID, key.SubjectID, periodID).Scan(&debit, &credit)
	return debit, credit, err
}

// ChainEntries lists a chain in (date, id) order. A positive limit keeps the
// latest rows only.
func (s *Store) ChainEntries(ctx context.Context, q db.Querier, businessID int64, key ChainKey, periodID int64, limit int) ([]Entry, error) {
	sql := `SELECT ` + entryColumns + ` FROM ` + key.Book.Table() + `
WHERE business_id = $1 AND subject_id = $2 AND period_id = $3
ORDER BY date, id`
	args := []any{businessID, key.SubjectID, periodID}
	if limit > 0 {
		sql = `SELECT * FROM (SELECT ` + entryColumns + ` FROM ` + key.Book.Table() + `
WHERE business_id = $1 AND subject_id = $2 AND period_id = $3
ORDER BY date DESC, id DESC LIMIT $4) latest ORDER BY date, id`
		args = append(args, limit)
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows, key.Book)
}

// ActiveChains lists the chains with at least one entry in the period.
func (s *Store) ActiveChains(ctx context.Context, q db.Querier, businessID, periodID int64) ([]ChainKey, error) {
	var out []ChainKey
	for _, book := range registry {
		rows, err := q.Query(ctx, `SELECT DISTINCT subject_id FROM `+book.Table()+`
WHERE business_id = $1 AND period_id = $2 ORDER BY subject_id`, businessID, periodID)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, ChainKey{Book: book, SubjectID: id})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AddPartnerTotals moves a customer or supplier accumulator.
func (s *Store) AddPartnerTotals(ctx context.Context, q db.Querier, businessID int64, ref SubjectRef, debit, credit decimal.Decimal) error {
	var table string
	switch ref.Kind {
	case SubjectCustomer:
		table = "customers"
	case SubjectSupplier:
		table = "suppliers"
	default:
		return fmt.Errorf("ledger: %s has no accumulators", ref.Kind)
	}
	tag, err := q.Exec(ctx, `UPDATE `+table+` SET total_debit = total_debit + $3, total_credit = total_credit + $4
WHERE business_id = $1 AND id = $2`, businessID, ref.ID, debit, credit)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w %s", ErrSubjectNotFound, ref)
	}
	return nil
}

// InsertBlock records a frozen chain; repeated detections keep the first.
func (s *Store) InsertBlock(ctx context.Context, q db.Querier, b Block) error {
	const sql = `INSERT INTO ledger_blocks (business_id, book, subject_id, reason, detected_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (business_id, book, subject_id) DO NOTHING`
	_, err := q.Exec(ctx, sql, b.BusinessID, string(b.Book), b.SubjectID, b.Reason, b.DetectedAt)
	return err
}

// DeleteBlock removes a block and reports whether one existed.
func (s *Store) DeleteBlock(ctx context.Context, q db.Querier, businessID int64, key ChainKey) (bool, error) {
	tag, err := q.Exec(ctx, `DELETE FROM ledger_blocks WHERE business_id = $1 AND book = $2 AND subject_id = $3`,
		businessID, string(key.Book), key.SubjectID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
