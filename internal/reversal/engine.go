package reversal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/periods"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Repository abstracts the collaborator documents a reversal reads and flips.
type Repository interface {
	LockDocument(ctx context.Context, q db.Querier, businessID int64, kind Kind, id int64) (Target, error)
	// HeadOwner returns the document posted through headID, if any.
	HeadOwner(ctx context.Context, q db.Querier, businessID, headID int64) (Target, bool, error)
	MarkDocumentReversed(ctx context.Context, q db.Querier, businessID int64, kind Kind, id int64) error
	DocumentLines(ctx context.Context, q db.Querier, businessID int64, kind Kind, id int64) ([]DocumentLine, error)
	AdjustItemQuantity(ctx context.Context, q db.Querier, businessID, itemID int64, delta decimal.Decimal) error
	PurchaseLots(ctx context.Context, q db.Querier, businessID, itemID int64) ([]Lot, error)
	SetItemUnitCost(ctx context.Context, q db.Querier, businessID, itemID int64, cost decimal.Decimal) error
	InvoicePaid(ctx context.Context, q db.Querier, businessID int64, kind Kind, id int64) (decimal.Decimal, error)
	UpdateInvoicePayment(ctx context.Context, q db.Querier, businessID int64, kind Kind, id int64, paid decimal.Decimal, status string) error
}

// Document handles the kind specific parts of a reversal.
type Document interface {
	Kind() Kind
	// Lock loads the document under a row lock.
	Lock(ctx context.Context, q db.Querier, businessID, id int64) (Target, error)
	// MarkReversed flips the document's status fields.
	MarkReversed(ctx context.Context, q db.Querier, t Target) error
	// Cleanup restores side effects such as stock and invoice payment status.
	Cleanup(ctx context.Context, q db.Querier, t Target) error
}

// AuditRecorder writes the audit record inside the reversal transaction.
type AuditRecorder interface {
	RecordWith(ctx context.Context, db shared.Execer, log shared.AuditLog) error
}

// Metrics observes reversal outcomes.
type Metrics interface {
	ObserveReversal(kind string, err error)
}

// Engine undoes prior postings by appending mirrored rows across every
// registered book.
type Engine struct {
	tx       db.Transactor
	repo     Repository
	ledger   ledger.Repository
	periods  ledger.PeriodLocator
	appender *ledger.Appender
	audit    AuditRecorder
	metrics  Metrics
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
	loc      *time.Location
	handlers map[Kind]Document
}

// NewEngine constructs an Engine with handlers for sales, purchases,
// payments, cash receipts and manual journals.
func NewEngine(tx db.Transactor, repo Repository, ledgerRepo ledger.Repository, locator ledger.PeriodLocator, audit AuditRecorder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		tx:       tx,
		repo:     repo,
		ledger:   ledgerRepo,
		periods:  locator,
		appender: ledger.NewAppender(ledgerRepo, locator),
		audit:    audit,
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
		loc:      time.UTC,
		handlers: make(map[Kind]Document),
	}
	e.Register(SaleDocument{repo: repo})
	e.Register(PurchaseDocument{repo: repo})
	e.Register(PaymentDocument{repo: repo, kind: KindPayment})
	e.Register(PaymentDocument{repo: repo, kind: KindCashReceipt})
	e.Register(JournalDocument{repo: repo, ledger: ledgerRepo})
	return e
}

// Register installs or replaces the handler for d.Kind().
func (e *Engine) Register(d Document) {
	e.handlers[d.Kind()] = d
}

// WithNow overrides the clock for testing.
func (e *Engine) WithNow(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// WithLocation sets the timezone "today" is evaluated in.
func (e *Engine) WithLocation(loc *time.Location) {
	if loc != nil {
		e.loc = loc
	}
}

// WithMetrics attaches a reversal metrics sink.
func (e *Engine) WithMetrics(m Metrics) {
	e.metrics = m
}

// Reverse undoes the posting of a document. The original rows stay untouched;
// mirrored lines and entries dated today are appended to the live month and the
// head is flagged reversed. Any failure leaves the posting intact.
func (e *Engine) Reverse(ctx context.Context, in ReverseInput) (Result, error) {
	res, err := e.reverse(ctx, in)
	if e.metrics != nil {
		e.metrics.ObserveReversal(string(in.Kind), err)
	}
	if err != nil {
		if errors.Is(err, shared.ErrInconsistentState) {
			e.logger.Error("reversal rejected", slog.Int64("business_id", in.BusinessID),
				slog.String("kind", string(in.Kind)), slog.Int64("document_id", in.DocumentID), slog.Any("error", err))
		}
		return Result{}, err
	}
	e.logger.Info("document reversed",
		slog.Int64("business_id", in.BusinessID),
		slog.String("kind", string(in.Kind)),
		slog.String("code", res.Code),
		slog.Int("entries", len(res.Entries)),
	)
	return res, nil
}

func (e *Engine) reverse(ctx context.Context, in ReverseInput) (Result, error) {
	if err := e.validate.Struct(in); err != nil {
		return Result{}, fmt.Errorf("%w: reversal: %v", shared.ErrValidation, err)
	}
	handler, ok := e.handlers[in.Kind]
	if !ok {
		return Result{}, fmt.Errorf("%w %q", ErrUnknownKind, in.Kind)
	}
	today := periods.Day(e.now().In(e.loc))

	var res Result
	err := e.tx.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
		month, err := e.periods.LiveMonth(ctx, q, in.BusinessID, today, periods.LockShare)
		if err != nil {
			return err
		}
		if month.IsClosed {
			return periods.ErrPeriodClosed
		}

		target, err := handler.Lock(ctx, q, in.BusinessID, in.DocumentID)
		if err != nil {
			return err
		}
		if target.Reversed {
			return fmt.Errorf("%w: %s %s", ErrAlreadyReversed, strings.ToLower(string(in.Kind)), target.Code)
		}
		head, err := e.ledger.LoadHead(ctx, q, in.BusinessID, target.HeadID, true)
		if err != nil {
			return err
		}
		if head.Reversed {
			return fmt.Errorf("%w: journal %s", ErrAlreadyReversed, head.Code)
		}
		entries, err := e.ledger.HeadEntries(ctx, q, in.BusinessID, head.ID)
		if err != nil {
			return err
		}
		if err := e.checkBlocks(ctx, q, in.BusinessID, entries); err != nil {
			return err
		}

		if err := handler.MarkReversed(ctx, q, target); err != nil {
			return err
		}
		if err := e.ledger.MarkHeadReversed(ctx, q, in.BusinessID, head.ID); err != nil {
			return err
		}

		res = Result{Kind: in.Kind, DocumentID: target.ID, HeadID: head.ID, Code: target.Code, Date: today}
		for _, line := range head.Lines {
			mirror := line
			mirror.ID = 0
			mirror.Side = line.Side.Opposite()
			mirror.Description = RevPrefix + line.Description
			mirror.Date = today
			mirror.ID, err = e.ledger.InsertLine(ctx, q, mirror)
			if err != nil {
				return err
			}
			res.Lines = append(res.Lines, mirror)
		}

		appends := make([]ledger.AppendInput, 0, len(entries))
		for _, entry := range entries {
			appends = append(appends, ledger.AppendInput{
				HeadID:      head.ID,
				Book:        entry.Book,
				SubjectID:   entry.SubjectID,
				Date:        today,
				Type:        entry.Type,
				Description: RevPrefix + entry.Description,
				Debit:       entry.Credit,
				Credit:      entry.Debit,
			})
		}
		res.Entries, err = e.appender.Append(ctx, q, in.BusinessID, month, appends)
		if err != nil {
			return err
		}
		if err := ledger.ApplyPartnerTotals(ctx, q, e.ledger, in.BusinessID, res.Entries); err != nil {
			return err
		}

		if err := handler.Cleanup(ctx, q, target); err != nil {
			return err
		}
		if e.audit == nil {
			return nil
		}
		kind := strings.ToLower(string(in.Kind))
		return e.audit.RecordWith(ctx, q, shared.AuditLog{
			BusinessID: in.BusinessID,
			ActorID:    in.ActorID,
			Action:     kind + ".reverse",
			Entity:     kind,
			EntityID:   fmt.Sprintf("%d", target.ID),
			Meta: map[string]any{
				"code":    target.Code,
				"head_id": head.ID,
				"entries": len(res.Entries),
				"reason":  in.Reason,
			},
			At: e.now(),
		})
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (e *Engine) checkBlocks(ctx context.Context, q db.Querier, businessID int64, entries []ledger.Entry) error {
	seen := make(map[ledger.ChainKey]struct{}, len(entries))
	keys := make([]ledger.ChainKey, 0, len(entries))
	for _, entry := range entries {
		key := ledger.ChainKey{Book: entry.Book, SubjectID: entry.SubjectID}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil
	}
	blocks, err := e.ledger.BlockedChains(ctx, q, businessID, keys)
	if err != nil {
		return err
	}
	if len(blocks) > 0 {
		return fmt.Errorf("%w: %s %d: %s", ledger.ErrSubjectBlocked, blocks[0].Book, blocks[0].SubjectID, blocks[0].Reason)
	}
	return nil
}
