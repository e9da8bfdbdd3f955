package memstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

func uniqueViolation(constraint string) error {
	return &pgconn.PgError{Code: "23505", ConstraintName: constraint, Message: "duplicate key value violates unique constraint"}
}

func (s *Store) ResolveSubjects(_ context.Context, _ db.Querier, businessID int64, refs []ledger.SubjectRef) (map[ledger.SubjectRef]ledger.Book, error) {
	out := make(map[ledger.SubjectRef]ledger.Book, len(refs))
	for _, ref := range refs {
		switch ref.Kind {
		case ledger.SubjectAccount:
			acc, ok := s.st.accounts[ref.ID]
			if !ok || acc.BusinessID != businessID {
				continue
			}
			book, err := ledger.BookForClass(acc.Class)
			if err != nil {
				return nil, err
			}
			out[ref] = book
		case ledger.SubjectCustomer:
			if p, ok := s.st.customers[ref.ID]; ok && p.BusinessID == businessID {
				out[ref] = ledger.BookCustomer
			}
		case ledger.SubjectSupplier:
			if p, ok := s.st.suppliers[ref.ID]; ok && p.BusinessID == businessID {
				out[ref] = ledger.BookSupplier
			}
		}
	}
	return out, nil
}

func (s *Store) BlockedChains(_ context.Context, _ db.Querier, businessID int64, keys []ledger.ChainKey) ([]ledger.Block, error) {
	var out []ledger.Block
	for _, key := range keys {
		if b, ok := s.st.blocks[blockKey{businessID, key.Book, key.SubjectID}]; ok {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Book != out[j].Book {
			return out[i].Book < out[j].Book
		}
		return out[i].SubjectID < out[j].SubjectID
	})
	return out, nil
}

func (s *Store) HeadBySource(_ context.Context, _ db.Querier, businessID int64, module string, sourceID uuid.UUID) (ledger.JournalHead, error) {
	for _, h := range s.st.heads {
		if h.BusinessID == businessID && h.SourceModule == module && h.SourceID == sourceID {
			return h, nil
		}
	}
	return ledger.JournalHead{}, ledger.ErrHeadNotFound
}

func (s *Store) InsertHead(_ context.Context, _ db.Querier, h ledger.JournalHead) (int64, error) {
	if err := s.injected("InsertHead"); err != nil {
		return 0, err
	}
	for _, other := range s.st.heads {
		if other.BusinessID != h.BusinessID {
			continue
		}
		if other.Code == h.Code {
			return 0, fmt.Errorf("ledger: insert head: %w", uniqueViolation("uq_journal_heads_code"))
		}
		if h.SourceModule != "" && other.SourceModule == h.SourceModule && other.SourceID == h.SourceID {
			return 0, fmt.Errorf("ledger: insert head: %w", uniqueViolation("uq_journal_heads_source"))
		}
	}
	h.ID = s.st.id()
	h.Lines, h.Entries = nil, nil
	s.st.heads[h.ID] = h
	return h.ID, nil
}

func (s *Store) InsertLine(_ context.Context, _ db.Querier, l ledger.JournalLine) (int64, error) {
	if err := s.injected("InsertLine"); err != nil {
		return 0, err
	}
	l.ID = s.st.id()
	s.st.lines = append(s.st.lines, l)
	return l.ID, nil
}

func (s *Store) LoadHead(_ context.Context, _ db.Querier, businessID, headID int64, _ bool) (ledger.JournalHead, error) {
	h, ok := s.st.heads[headID]
	if !ok || h.BusinessID != businessID {
		return ledger.JournalHead{}, ledger.ErrHeadNotFound
	}
	for _, l := range s.st.lines {
		if l.HeadID == headID {
			h.Lines = append(h.Lines, l)
		}
	}
	return h, nil
}

func (s *Store) MarkHeadReversed(_ context.Context, _ db.Querier, businessID, headID int64) error {
	h, ok := s.st.heads[headID]
	if !ok || h.BusinessID != businessID || h.Reversed {
		return fmt.Errorf("%w: journal head %d", shared.ErrAlreadyReversed, headID)
	}
	h.Reversed = true
	h.EntryType += " - Reversed"
	s.st.heads[headID] = h
	return nil
}

func (s *Store) HeadEntries(_ context.Context, _ db.Querier, businessID, headID int64) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for _, book := range ledger.Books() {
		var entries []ledger.Entry
		for _, e := range s.st.entries {
			if e.Book == book && e.BusinessID == businessID && e.HeadID == headID {
				entries = append(entries, e)
			}
		}
		sortEntries(entries)
		out = append(out, entries...)
	}
	return out, nil
}

func (s *Store) LockSnapshot(_ context.Context, _ db.Querier, key ledger.SnapshotKey) (decimal.Decimal, error) {
	snap, ok := s.st.snapshots[key]
	if !ok {
		return decimal.Zero, ledger.ErrSnapshotMissing
	}
	return snap.Opening, nil
}

func (s *Store) FindSnapshot(_ context.Context, _ db.Querier, key ledger.SnapshotKey) (ledger.Snapshot, error) {
	snap, ok := s.st.snapshots[key]
	if !ok {
		return ledger.Snapshot{}, ledger.ErrSnapshotMissing
	}
	return snap, nil
}

func (s *Store) InsertSnapshot(_ context.Context, _ db.Querier, key ledger.SnapshotKey, opening decimal.Decimal) error {
	if _, ok := s.st.snapshots[key]; ok {
		return nil
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

func (s *Store) chain(businessID int64, key ledger.ChainKey, periodID int64) []ledger.Entry {
	var out []ledger.Entry
	for _, e := range s.st.entries {
		if e.Book == key.Book && e.BusinessID == businessID && e.SubjectID == key.SubjectID && e.PeriodID == periodID {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

func (s *Store) LatestEntry(_ context.Context, _ db.Querier, businessID int64, book ledger.Book, subjectID, periodID int64) (ledger.Entry, error) {
	entries := s.chain(businessID, ledger.ChainKey{Book: book, SubjectID: subjectID}, periodID)
	if len(entries) == 0 {
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return entries[len(entries)-1], nil
}

func (s *Store) InsertEntry(_ context.Context, _ db.Querier, e ledger.Entry) (int64, error) {
	if err := s.injected("InsertEntry"); err != nil {
		return 0, err
	}
	e.ID = s.st.id()
	s.st.entries = append(s.st.entries, e)
	return e.ID, nil
}

func (s *Store) Movements(_ context.Context, _ db.Querier, businessID int64, key ledger.ChainKey, periodID int64) (decimal.Decimal, decimal.Decimal, error) {
	debit, credit := decimal.Zero, decimal.Zero
	for _, e := range s.chain(businessID, key, periodID) {
		debit = debit.Add(e.Debit)
		credit = credit.Add(e.Credit)
	}
	return debit, credit, nil
}

func (s *Store) ChainEntries(_ context.Context, _ db.Querier, businessID int64, key ledger.ChainKey, periodID int64, limit int) ([]ledger.Entry, error) {
	entries := s.chain(businessID, key, periodID)
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

func (s *Store) ActiveChains(_ context.Context, _ db.Querier, businessID, periodID int64) ([]ledger.ChainKey, error) {
	var out []ledger.ChainKey
	for _, book := range ledger.Books() {
		seen := make(map[int64]struct{})
		var ids []int64
		for _, e := range s.st.entries {
			if e.Book != book || e.BusinessID != businessID || e.PeriodID != periodID {
				continue
			}
			if _, ok := seen[e.SubjectID]; !ok {
				seen[e.SubjectID] = struct{}{}
				ids = append(ids, e.SubjectID)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			out = append(out, ledger.ChainKey{Book: book, SubjectID: id})
		}
	}
	return out, nil
}

func (s *Store) AddPartnerTotals(_ context.Context, _ db.Querier, businessID int64, ref ledger.SubjectRef, debit, credit decimal.Decimal) error {
	if err := s.injected("AddPartnerTotals"); err != nil {
		return err
	}
	partners := s.st.customers
	if ref.Kind == ledger.SubjectSupplier {
		partners = s.st.suppliers
	} else if ref.Kind != ledger.SubjectCustomer {
		return fmt.Errorf("ledger: %s has no accumulators", ref.Kind)
	}
	p, ok := partners[ref.ID]
	if !ok || p.BusinessID != businessID {
		return fmt.Errorf("%w %s", ledger.ErrSubjectNotFound, ref)
	}
	p.TotalDebit = p.TotalDebit.Add(debit)
	p.TotalCredit = p.TotalCredit.Add(credit)
	partners[ref.ID] = p
	return nil
}

func (s *Store) InsertBlock(_ context.Context, _ db.Querier, b ledger.Block) error {
	key := blockKey{b.BusinessID, b.Book, b.SubjectID}
	if _, ok := s.st.blocks[key]; !ok {
		s.st.blocks[key] = b
	}
	return nil
}

func (s *Store) DeleteBlock(_ context.Context, _ db.Querier, businessID int64, key ledger.ChainKey) (bool, error) {
	k := blockKey{businessID, key.Book, key.SubjectID}
	if _, ok := s.st.blocks[k]; !ok {
		return false, nil
	}
	delete(s.st.blocks, k)
	return true, nil
}
