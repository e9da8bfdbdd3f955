// Package memstore keeps the whole ledger schema in memory. It implements the
// repositories of sequence, periods, ledger, closing and reversal plus the
// transactor, so services can be exercised together without PostgreSQL.
// WithTx serialises transactions and restores the previous state when fn fails.
package memstore

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/closing"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/periods"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/reversal"
	"github.com/odyssey-erp/odyssey-ledger/internal/sequence"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Account is a real account of the chart.
type Account struct {
	ID         int64
	BusinessID int64
	Code       string
	Class      ledger.AccountClass
}

// Partner is a customer or supplier with its accumulators.
type Partner struct {
	ID          int64
	BusinessID  int64
	Code        string
	TotalDebit  decimal.Decimal
	TotalCredit decimal.Decimal
}

// Item is a stock item with live quantity and unit cost.
type Item struct {
	ID         int64
	BusinessID int64
	Name       string
	Quantity   decimal.Decimal
	UnitCost   decimal.Decimal
}

// Document is a sale, purchase, payment or cash receipt.
type Document struct {
	ID            int64
	BusinessID    int64
	Kind          reversal.Kind
	Code          string
	Date          time.Time
	HeadID        int64
	Status        string
	Reversed      bool
	Total         decimal.Decimal
	Paid          decimal.Decimal
	PaymentStatus string
	InvoiceKind   reversal.Kind
	InvoiceID     int64
}

// DocumentLine is an item line of a sale or purchase.
type DocumentLine struct {
	DocumentID int64
	ItemID     int64
	Quantity   decimal.Decimal
	UnitAmount decimal.Decimal
}

type itemKey struct {
	businessID, periodID, itemID int64
}

type blockKey struct {
	businessID int64
	book       ledger.Book
	subjectID  int64
}

type state struct {
	nextID     int64
	businesses map[int64]string
	periods    map[int64]periods.Period
	accounts   map[int64]Account
	customers  map[int64]Partner
	suppliers  map[int64]Partner
	items      map[int64]Item
	counters   map[sequence.Key]string
	heads      map[int64]ledger.JournalHead
	lines      []ledger.JournalLine
	entries    []ledger.Entry
	snapshots  map[ledger.SnapshotKey]ledger.Snapshot
	itemSnaps  map[itemKey]closing.ItemSnapshot
	blocks     map[blockKey]ledger.Block
	documents  map[int64]Document
	docLines   []DocumentLine
	audits     []shared.AuditLog
}

func newState() *state {
	return &state{
		businesses: make(map[int64]string),
		periods:    make(map[int64]periods.Period),
		accounts:   make(map[int64]Account),
		customers:  make(map[int64]Partner),
		suppliers:  make(map[int64]Partner),
		items:      make(map[int64]Item),
		counters:   make(map[sequence.Key]string),
		heads:      make(map[int64]ledger.JournalHead),
		snapshots:  make(map[ledger.SnapshotKey]ledger.Snapshot),
		itemSnaps:  make(map[itemKey]closing.ItemSnapshot),
		blocks:     make(map[blockKey]ledger.Block),
		documents:  make(map[int64]Document),
	}
}

func (s *state) clone() *state {
	return &state{
		nextID:     s.nextID,
		businesses: maps.Clone(s.businesses),
		periods:    maps.Clone(s.periods),
		accounts:   maps.Clone(s.accounts),
		customers:  maps.Clone(s.customers),
		suppliers:  maps.Clone(s.suppliers),
		items:      maps.Clone(s.items),
		counters:   maps.Clone(s.counters),
		heads:      maps.Clone(s.heads),
		lines:      slices.Clone(s.lines),
		entries:    slices.Clone(s.entries),
		snapshots:  maps.Clone(s.snapshots),
		itemSnaps:  maps.Clone(s.itemSnaps),
		blocks:     maps.Clone(s.blocks),
		documents:  maps.Clone(s.documents),
		docLines:   slices.Clone(s.docLines),
		audits:     slices.Clone(s.audits),
	}
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// Store is the in-memory database.
type Store struct {
	mu       sync.Mutex
	st       *state
	failures map[string]*failure
	txCount  int
}

// New returns an empty Store.
func New() *Store {
	return &Store{st: newState(), failures: make(map[string]*failure)}
}

var (
	_ db.Transactor        = (*Store)(nil)
	_ sequence.Counter     = (*Store)(nil)
	_ periods.Repository   = (*Store)(nil)
	_ ledger.Repository    = (*Store)(nil)
	_ ledger.PeriodLocator = (*Store)(nil)
	_ closing.Repository   = (*Store)(nil)
	_ reversal.Repository  = (*Store)(nil)
)

// WithTx runs fn with a nil querier while holding the store. Every change fn
// made is discarded when it returns an error.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, db.Querier) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCount++
	saved := s.st.clone()
	if err := fn(ctx, nil); err != nil {
		s.st = saved
		return err
	}
	return nil
}

type failure struct {
	remaining int
	err       error
}

// FailOnce makes the next call of the named repository method return err.
func (s *Store) FailOnce(method string, err error) {
	s.FailAt(method, 1, err)
}

// FailAt makes the nth next call of the named repository method return err.
func (s *Store) FailAt(method string, nth int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = &failure{remaining: nth, err: err}
}

func (s *Store) injected(method string) error {
	f, ok := s.failures[method]
	if !ok {
		return nil
	}
	f.remaining--
	if f.remaining > 0 {
		return nil
	}
	delete(s.failures, method)
	return f.err
}

// Transactions reports how many transactions ran.
func (s *Store) Transactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txCount
}

// AddBusiness registers a tenant.
func (s *Store) AddBusiness(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.st.id()
	s.st.businesses[id] = name
	return id
}

// AddAccount registers a real account.
func (s *Store) AddAccount(businessID int64, code string, class ledger.AccountClass) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.st.id()
	s.st.accounts[id] = Account{ID: id, BusinessID: businessID, Code: code, Class: class}
	return id
}

// AddCustomer registers a customer.
func (s *Store) AddCustomer(businessID int64, code string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.st.id()
	s.st.customers[id] = Partner{ID: id, BusinessID: businessID, Code: code, TotalDebit: decimal.Zero, TotalCredit: decimal.Zero}
	return id
}

// AddSupplier registers a supplier.
func (s *Store) AddSupplier(businessID int64, code string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.st.id()
	s.st.suppliers[id] = Partner{ID: id, BusinessID: businessID, Code: code, TotalDebit: decimal.Zero, TotalCredit: decimal.Zero}
	return id
}

// AddItem registers a stock item.
func (s *Store) AddItem(businessID int64, name string, quantity, unitCost decimal.Decimal) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.st.id()
	s.st.items[id] = Item{ID: id, BusinessID: businessID, Name: name, Quantity: quantity, UnitCost: unitCost}
	return id
}

// AddDocument registers a collaborator document with its item lines.
func (s *Store) AddDocument(doc Document, lines ...DocumentLine) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc.ID = s.st.id()
	doc.Date = periods.Day(doc.Date)
	if doc.Status == "" {
		doc.Status = "Posted"
	}
	if doc.PaymentStatus == "" {
		doc.PaymentStatus = reversal.PaymentUnpaid
	}
	if doc.Kind == reversal.KindCashReceipt {
		doc.InvoiceKind = reversal.KindSale
	}
	s.st.documents[doc.ID] = doc
	for _, line := range lines {
		line.DocumentID = doc.ID
		s.st.docLines = append(s.st.docLines, line)
	}
	return doc.ID
}

// LinkHead records the journal head a document was posted as.
func (s *Store) LinkHead(documentID, headID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.st.documents[documentID]
	doc.HeadID = headID
	s.st.documents[documentID] = doc
}

// Doc returns a document.
func (s *Store) Doc(id int64) Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.documents[id]
}

// Customer returns a customer.
func (s *Store) Customer(id int64) Partner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.customers[id]
}

// Supplier returns a supplier.
func (s *Store) Supplier(id int64) Partner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.suppliers[id]
}

// Item returns an item.
func (s *Store) Item(id int64) Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.items[id]
}

// SetItemStock overwrites an item's live quantity and cost.
func (s *Store) SetItemStock(id int64, quantity, unitCost decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.st.items[id]
	item.Quantity, item.UnitCost = quantity, unitCost
	s.st.items[id] = item
}

// Period returns a period by id.
func (s *Store) Period(id int64) periods.Period {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.periods[id]
}

// Month returns the month of business starting on the first of year/month.
func (s *Store) Month(businessID int64, year int, month time.Month) (periods.Period, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	for _, p := range s.st.periods {
		if p.BusinessID == businessID && p.Scope == periods.ScopeMonth && p.Start.Equal(start) {
			return p, true
		}
	}
	return periods.Period{}, false
}

// PeriodsOf lists every period of a business ordered by scope then start.
func (s *Store) PeriodsOf(businessID int64) []periods.Period {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []periods.Period
	for _, p := range s.st.periods {
		if p.BusinessID == businessID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

// Snapshot returns a balance snapshot.
func (s *Store) Snapshot(key ledger.SnapshotKey) (ledger.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.st.snapshots[key]
	return snap, ok
}

// ItemSnapshot returns an item snapshot.
func (s *Store) ItemSnapshot(businessID, periodID, itemID int64) (closing.ItemSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.st.itemSnaps[itemKey{businessID, periodID, itemID}]
	return snap, ok
}

// SnapshotCount counts balance and item snapshots.
func (s *Store) SnapshotCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.snapshots) + len(s.st.itemSnaps)
}

// BookEntries returns every entry of a book in (date, id) order.
func (s *Store) BookEntries(book ledger.Book) []ledger.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.Entry
	for _, e := range s.st.entries {
		if e.Book == book {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

// EntryCount counts sub-ledger rows across books.
func (s *Store) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.entries)
}

// HeadCount counts journal heads.
func (s *Store) HeadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.heads)
}

// LineCount counts journal lines.
func (s *Store) LineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.lines)
}

// SetRunningBalance overwrites the stored balance of an entry.
func (s *Store) SetRunningBalance(entryID int64, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.st.entries {
		if s.st.entries[i].ID == entryID {
			s.st.entries[i].RunningBalance = balance
		}
	}
}

// Blocks lists chain blocks.
func (s *Store) Blocks() []ledger.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Block, 0, len(s.st.blocks))
	for _, b := range s.st.blocks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Book != out[j].Book {
			return out[i].Book < out[j].Book
		}
		return out[i].SubjectID < out[j].SubjectID
	})
	return out
}

// AuditLogs lists recorded audit entries in order.
func (s *Store) AuditLogs() []shared.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.st.audits)
}

// Record implements the post-commit audit port.
func (s *Store) Record(ctx context.Context, log shared.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.RecordWith(ctx, nil, log)
}

// RecordWith implements the in-transaction audit port.
func (s *Store) RecordWith(_ context.Context, _ shared.Execer, log shared.AuditLog) error {
	if err := s.injected("RecordWith"); err != nil {
		return err
	}
	s.st.audits = append(s.st.audits, log)
	return nil
}

func sortEntries(entries []ledger.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Date.Equal(entries[j].Date) {
			return entries[i].Date.Before(entries[j].Date)
		}
		return entries[i].ID < entries[j].ID
	})
}
