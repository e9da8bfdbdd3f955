package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/periods"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/sequence"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Repository abstracts ledger persistence. Methods run on the supplied querier
// so the reversal engine and closure can compose them into their transactions.
type Repository interface {
	ResolveSubjects(ctx context.Context, q db.Querier, businessID int64, refs []SubjectRef) (map[SubjectRef]Book, error)
	BlockedChains(ctx context.Context, q db.Querier, businessID int64, keys []ChainKey) ([]Block, error)
	HeadBySource(ctx context.Context, q db.Querier, businessID int64, module string, sourceID uuid.UUID) (JournalHead, error)
	InsertHead(ctx context.Context, q db.Querier, head JournalHead) (int64, error)
	InsertLine(ctx context.Context, q db.Querier, line JournalLine) (int64, error)
	LoadHead(ctx context.Context, q db.Querier, businessID, headID int64, forUpdate bool) (JournalHead, error)
	MarkHeadReversed(ctx context.Context, q db.Querier, businessID, headID int64) error
	HeadEntries(ctx context.Context, q db.Querier, businessID, headID int64) ([]Entry, error)

	LockSnapshot(ctx context.Context, q db.Querier, key SnapshotKey) (decimal.Decimal, error)
	FindSnapshot(ctx context.Context, q db.Querier, key SnapshotKey) (Snapshot, error)
	InsertSnapshot(ctx context.Context, q db.Querier, key SnapshotKey, opening decimal.Decimal) error

	LatestEntry(ctx context.Context, q db.Querier, businessID int64, book Book, subjectID, periodID int64) (Entry, error)
	InsertEntry(ctx context.Context, q db.Querier, entry Entry) (int64, error)
	Movements(ctx context.Context, q db.Querier, businessID int64, key ChainKey, periodID int64) (decimal.Decimal, decimal.Decimal, error)
	ChainEntries(ctx context.Context, q db.Querier, businessID int64, key ChainKey, periodID int64, limit int) ([]Entry, error)
	ActiveChains(ctx context.Context, q db.Querier, businessID, periodID int64) ([]ChainKey, error)
	AddPartnerTotals(ctx context.Context, q db.Querier, businessID int64, ref SubjectRef, debit, credit decimal.Decimal) error

	InsertBlock(ctx context.Context, q db.Querier, block Block) error
	DeleteBlock(ctx context.Context, q db.Querier, businessID int64, key ChainKey) (bool, error)
}

// PeriodLocator is the part of the period hierarchy the ledger reads.
type PeriodLocator interface {
	GetPeriod(ctx context.Context, q db.Querier, businessID, id int64) (periods.Period, error)
	LiveMonth(ctx context.Context, q db.Querier, businessID int64, day time.Time, mode periods.LockMode) (periods.Period, error)
	PreviousMonth(ctx context.Context, q db.Querier, businessID int64, before time.Time) (periods.Period, error)
}

// CodeIssuer issues document codes inside the caller's transaction.
type CodeIssuer interface {
	NextIn(ctx context.Context, q db.Querier, key sequence.Key) (string, error)
}

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Metrics observes posting outcomes.
type Metrics interface {
	ObservePosting(err error)
}

// Service posts balanced journal heads into the typed sub-ledgers.
type Service struct {
	tx       db.Transactor
	repo     Repository
	periods  PeriodLocator
	codes    CodeIssuer
	appender *Appender
	audit    AuditPort
	metrics  Metrics
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
	loc      *time.Location
}

// NewService constructs the posting service.
func NewService(tx db.Transactor, repo Repository, locator PeriodLocator, codes CodeIssuer, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tx:       tx,
		repo:     repo,
		periods:  locator,
		codes:    codes,
		appender: NewAppender(repo, locator),
		audit:    audit,
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
		loc:      time.UTC,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithLocation sets the timezone "today" is evaluated in.
func (s *Service) WithLocation(loc *time.Location) {
	if loc != nil {
		s.loc = loc
	}
}

// WithMetrics attaches a posting metrics sink.
func (s *Service) WithMetrics(m Metrics) {
	s.metrics = m
}

// Appender exposes the append primitive for engines that write mirrored rows.
func (s *Service) Appender() *Appender {
	return s.appender
}

// Today returns the current business date.
func (s *Service) Today() time.Time {
	return periods.Day(s.now().In(s.loc))
}

// Post validates and persists one journal head with its lines and sub-ledger
// entries. Nothing is written when any step fails.
func (s *Service) Post(ctx context.Context, input PostingInput) (JournalHead, error) {
	head, err := s.post(ctx, input)
	if s.metrics != nil {
		s.metrics.ObservePosting(err)
	}
	if err != nil {
		if errors.Is(err, shared.ErrInconsistentState) {
			s.logger.Error("posting rejected", slog.Int64("business_id", input.BusinessID), slog.Any("error", err))
		}
		return JournalHead{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			BusinessID: head.BusinessID,
			ActorID:    input.ActorID,
			Action:     "journal.post",
			Entity:     "journal_head",
			EntityID:   fmt.Sprintf("%d", head.ID),
			Meta: map[string]any{
				"code":          head.Code,
				"amount":        head.Amount.StringFixed(2),
				"source_module": input.SourceModule,
				"source_id":     sourceString(input.SourceID),
			},
			At: s.now(),
		})
	}
	return head, nil
}

func (s *Service) post(ctx context.Context, input PostingInput) (JournalHead, error) {
	if err := input.Validate(s.validate); err != nil {
		return JournalHead{}, err
	}
	today := s.Today()
	date := periods.Day(input.Date)
	if date.After(today) {
		return JournalHead{}, fmt.Errorf("%w: %s is after %s", ErrDateOutsideLive, date.Format(time.DateOnly), today.Format(time.DateOnly))
	}

	var head JournalHead
	err := s.tx.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
		month, err := s.periods.LiveMonth(ctx, q, input.BusinessID, today, periods.LockShare)
		if err != nil {
			return err
		}
		if month.IsClosed {
			return periods.ErrPeriodClosed
		}
		if !month.Contains(date) {
			return fmt.Errorf("%w: %s not in %s", ErrDateOutsideLive, date.Format(time.DateOnly), month.Label())
		}

		books, err := s.resolve(ctx, q, input.BusinessID, input.Refs())
		if err != nil {
			return err
		}

		if input.SourceModule != "" {
			_, err := s.repo.HeadBySource(ctx, q, input.BusinessID, input.SourceModule, input.SourceID)
			if err == nil {
				return fmt.Errorf("%w: %s/%s", ErrSourceAlreadyPosted, input.SourceModule, input.SourceID)
			}
			if !errors.Is(err, ErrHeadNotFound) {
				return err
			}
		}

		code, err := s.codes.NextIn(ctx, q, sequence.Key{BusinessID: input.BusinessID, Scope: input.Scope, Year: date.Year()})
		if err != nil {
			return err
		}

		head = JournalHead{
			BusinessID:        input.BusinessID,
			Code:              code,
			Date:              date,
			EntryType:         input.EntryType,
			TransactionNumber: input.TransactionNumber,
			Amount:            input.Total(),
			Description:       input.Description,
			SourceModule:      input.SourceModule,
			SourceID:          input.SourceID,
			CreatedBy:         input.ActorID,
		}
		head.ID, err = s.repo.InsertHead(ctx, q, head)
		if err != nil {
			if db.IsUniqueViolation(err, "uq_journal_heads_source") {
				return ErrSourceAlreadyPosted
			}
			return err
		}

		appends := make([]AppendInput, 0, len(input.Lines))
		for _, in := range input.Lines {
			ref := SubjectRef{Kind: in.SubjectKind, ID: in.SubjectID}
			line := JournalLine{
				HeadID:            head.ID,
				BusinessID:        input.BusinessID,
				Description:       in.Description,
				Side:              in.Side,
				Subject:           ref,
				Amount:            in.Amount,
				Date:              date,
				TransactionNumber: input.TransactionNumber,
			}
			line.ID, err = s.repo.InsertLine(ctx, q, line)
			if err != nil {
				return err
			}
			head.Lines = append(head.Lines, line)

			entryType := in.Type
			if entryType == "" {
				entryType = input.EntryType
			}
			ap := AppendInput{
				HeadID:      head.ID,
				Book:        books[ref],
				SubjectID:   ref.ID,
				Date:        date,
				Type:        entryType,
				Description: in.Description,
				Debit:       decimal.Zero,
				Credit:      decimal.Zero,
			}
			if in.Side == SideDebit {
				ap.Debit = in.Amount
			} else {
				ap.Credit = in.Amount
			}
			appends = append(appends, ap)
		}

		head.Entries, err = s.appender.Append(ctx, q, input.BusinessID, month, appends)
		if err != nil {
			return err
		}
		return ApplyPartnerTotals(ctx, q, s.repo, input.BusinessID, head.Entries)
	})
	if err != nil {
		return JournalHead{}, err
	}
	return head, nil
}

// resolve maps every subject to its book and rejects blocked chains.
func (s *Service) resolve(ctx context.Context, q db.Querier, businessID int64, refs []SubjectRef) (map[SubjectRef]Book, error) {
	books, err := s.repo.ResolveSubjects(ctx, q, businessID, refs)
	if err != nil {
		return nil, err
	}
	keys := make([]ChainKey, 0, len(refs))
	for _, ref := range refs {
		book, ok := books[ref]
		if !ok {
			return nil, fmt.Errorf("%w %s", ErrSubjectNotFound, ref)
		}
		keys = append(keys, ChainKey{Book: book, SubjectID: ref.ID})
	}
	blocks, err := s.repo.BlockedChains(ctx, q, businessID, keys)
	if err != nil {
		return nil, err
	}
	if len(blocks) > 0 {
		return nil, fmt.Errorf("%w: %s %d: %s", ErrSubjectBlocked, blocks[0].Book, blocks[0].SubjectID, blocks[0].Reason)
	}
	return books, nil
}

// ApplyPartnerTotals adds the customer and supplier movements of entries to the
// partners' running debit and credit accumulators.
func ApplyPartnerTotals(ctx context.Context, q db.Querier, repo Repository, businessID int64, entries []Entry) error {
	type totals struct{ debit, credit decimal.Decimal }
	sums := make(map[SubjectRef]*totals)
	var order []SubjectRef
	for _, e := range entries {
		if e.Book != BookCustomer && e.Book != BookSupplier {
			continue
		}
		ref := SubjectRef{Kind: e.Book.Kind(), ID: e.SubjectID}
		t, ok := sums[ref]
		if !ok {
			t = &totals{debit: decimal.Zero, credit: decimal.Zero}
			sums[ref] = t
			order = append(order, ref)
		}
		t.debit = t.debit.Add(e.Debit)
		t.credit = t.credit.Add(e.Credit)
	}
	for _, ref := range order {
		t := sums[ref]
		if err := repo.AddPartnerTotals(ctx, q, businessID, ref, t.debit, t.credit); err != nil {
			return err
		}
	}
	return nil
}

// History returns the ledger rows of one subject ordered by (date, id). A zero
// PeriodID selects the live month.
func (s *Service) History(ctx context.Context, query HistoryQuery) ([]Entry, error) {
	if query.BusinessID <= 0 || query.Subject.ID <= 0 {
		return nil, fmt.Errorf("%w: ledger: business and subject required", shared.ErrValidation)
	}
	var out []Entry
	err := s.tx.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
		books, err := s.repo.ResolveSubjects(ctx, q, query.BusinessID, []SubjectRef{query.Subject})
		if err != nil {
			return err
		}
		book, ok := books[query.Subject]
		if !ok {
			return fmt.Errorf("%w %s", ErrSubjectNotFound, query.Subject)
		}
		periodID := query.PeriodID
		if periodID == 0 {
			month, err := s.periods.LiveMonth(ctx, q, query.BusinessID, s.Today(), periods.LockNone)
			if err != nil {
				return err
			}
			periodID = month.ID
		}
		out, err = s.repo.ChainEntries(ctx, q, query.BusinessID, ChainKey{Book: book, SubjectID: query.Subject.ID}, periodID, query.Limit)
		return err
	})
	return out, err
}

// Head loads a journal head with its lines and sub-ledger entries.
func (s *Service) Head(ctx context.Context, businessID, headID int64) (JournalHead, error) {
	var head JournalHead
	err := s.tx.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
		var err error
		head, err = s.repo.LoadHead(ctx, q, businessID, headID, false)
		if err != nil {
			return err
		}
		head.Entries, err = s.repo.HeadEntries(ctx, q, businessID, headID)
		return err
	})
	return head, err
}

func sourceString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}
