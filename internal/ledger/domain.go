package ledger

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/sequence"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Side is the debit or credit side of a journal line.
type Side string

const (
	SideDebit  Side = "DEBIT"
	SideCredit Side = "CREDIT"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideDebit {
		return SideCredit
	}
	return SideDebit
}

// SubjectKind is what a line posts against.
type SubjectKind string

const (
	SubjectAccount  SubjectKind = "ACCOUNT"
	SubjectCustomer SubjectKind = "CUSTOMER"
	SubjectSupplier SubjectKind = "SUPPLIER"
)

// SubjectRef addresses a real account or a business partner.
type SubjectRef struct {
	Kind SubjectKind
	ID   int64
}

func (r SubjectRef) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

// ChainKey identifies one running-balance chain within a period.
type ChainKey struct {
	Book      Book
	SubjectID int64
}

// SnapshotKey addresses one balance snapshot row.
type SnapshotKey struct {
	BusinessID int64
	PeriodID   int64
	Kind       SubjectKind
	SubjectID  int64
}

// Snapshot is the per-period balance record of an account or partner.
type Snapshot struct {
	SnapshotKey
	Opening     decimal.Decimal
	DebitTotal  decimal.Decimal
	CreditTotal decimal.Decimal
	Closing     decimal.Decimal
}

// JournalHead groups the lines and entries of one business event.
type JournalHead struct {
	ID                int64
	BusinessID        int64
	Code              string
	Date              time.Time
	EntryType         string
	TransactionNumber string
	Amount            decimal.Decimal
	Description       string
	Reversed          bool
	SourceModule      string
	SourceID          uuid.UUID
	CreatedBy         int64
	Lines             []JournalLine
	Entries           []Entry
}

// JournalLine is one narrative debit or credit row.
type JournalLine struct {
	ID                int64
	HeadID            int64
	BusinessID        int64
	Description       string
	Side              Side
	Subject           SubjectRef
	Amount            decimal.Decimal
	Date              time.Time
	TransactionNumber string
}

// DebitRef returns the subject when the line is a debit.
func (l JournalLine) DebitRef() *SubjectRef {
	if l.Side != SideDebit {
		return nil
	}
	ref := l.Subject
	return &ref
}

// CreditRef returns the subject when the line is a credit.
func (l JournalLine) CreditRef() *SubjectRef {
	if l.Side != SideCredit {
		return nil
	}
	ref := l.Subject
	return &ref
}

// Entry is one row of a typed sub-ledger.
type Entry struct {
	ID             int64
	BusinessID     int64
	HeadID         int64
	Book           Book
	SubjectID      int64
	PeriodID       int64
	Date           time.Time
	Type           string
	Description    string
	Debit          decimal.Decimal
	Credit         decimal.Decimal
	RunningBalance decimal.Decimal
}

// Block freezes a chain after an integrity failure.
type Block struct {
	BusinessID int64
	Book       Book
	SubjectID  int64
	Reason     string
	DetectedAt time.Time
}

// LineInput describes one side of a posting.
type LineInput struct {
	Side        Side            `validate:"required,oneof=DEBIT CREDIT"`
	SubjectKind SubjectKind     `validate:"required,oneof=ACCOUNT CUSTOMER SUPPLIER"`
	SubjectID   int64           `validate:"required,gt=0"`
	Amount      decimal.Decimal `validate:"-"`
	Type        string          `validate:"max=64"`
	Description string          `validate:"max=255"`
}

// PostingInput carries everything needed to post one journal head.
type PostingInput struct {
	BusinessID        int64          `validate:"required,gt=0"`
	Scope             sequence.Scope `validate:"required"`
	Date              time.Time      `validate:"required"`
	EntryType         string         `validate:"required,max=64"`
	TransactionNumber string         `validate:"max=64"`
	Description       string         `validate:"max=255"`
	SourceModule      string         `validate:"max=32"`
	SourceID          uuid.UUID      `validate:"-"`
	ActorID           int64          `validate:"gte=0"`
	Lines             []LineInput    `validate:"required,min=2,dive"`
}

// HistoryQuery filters ledger transaction history for one subject.
type HistoryQuery struct {
	BusinessID int64
	Subject    SubjectRef
	PeriodID   int64
	Limit      int
}

// ChainReport is the outcome of replaying one running-balance chain.
type ChainReport struct {
	Key        ChainKey
	PeriodID   int64
	Entries    int
	Opening    decimal.Decimal
	Final      decimal.Decimal
	Broken     bool
	BrokenAtID int64
	Expected   decimal.Decimal
	Actual     decimal.Decimal
}

// Errors returned by the ledger.
var (
	ErrUnbalanced          = fmt.Errorf("%w: ledger: journal lines must balance", shared.ErrValidation)
	ErrInvalidAmount       = fmt.Errorf("%w: ledger: line amounts must be positive with at most two decimals", shared.ErrValidation)
	ErrDateOutsideLive     = fmt.Errorf("%w: ledger: date must fall in the open month and not after today", shared.ErrValidation)
	ErrOutOfOrder          = fmt.Errorf("%w: ledger: date precedes the latest entry of the subject", shared.ErrValidation)
	ErrSourceAlreadyPosted = fmt.Errorf("%w: ledger: source document already posted", shared.ErrValidation)
	ErrSubjectNotFound     = fmt.Errorf("%w: ledger subject", shared.ErrNotFound)
	ErrHeadNotFound        = fmt.Errorf("%w: journal head", shared.ErrNotFound)
	ErrEntryNotFound       = fmt.Errorf("%w: ledger entry", shared.ErrNotFound)
	ErrSnapshotMissing     = fmt.Errorf("%w: balance snapshot", shared.ErrNotFound)
	ErrSubjectBlocked      = fmt.Errorf("%w: ledger: subject blocked pending reconciliation", shared.ErrInconsistentState)
	ErrChainBroken         = fmt.Errorf("%w: ledger: running balance chain broken", shared.ErrInconsistentState)
)

// Validate checks the posting before any write.
func (in PostingInput) Validate(v *validator.Validate) error {
	if err := v.Struct(in); err != nil {
		return fmt.Errorf("%w: ledger: %v", shared.ErrValidation, err)
	}
	if _, ok := in.Scope.Prefix(); !ok {
		return fmt.Errorf("%w %q", sequence.ErrUnknownScope, in.Scope)
	}
	if in.SourceModule != "" && in.SourceID == uuid.Nil {
		return fmt.Errorf("%w: ledger: source id required with source module", shared.ErrValidation)
	}
	debit, credit := decimal.Zero, decimal.Zero
	for _, line := range in.Lines {
		if !ValidAmount(line.Amount) {
			return ErrInvalidAmount
		}
		if line.Side == SideDebit {
			debit = debit.Add(line.Amount)
		} else {
			credit = credit.Add(line.Amount)
		}
	}
	if !debit.Equal(credit) {
		return fmt.Errorf("%w: debit %s credit %s", ErrUnbalanced, debit.StringFixed(2), credit.StringFixed(2))
	}
	return nil
}

// ValidAmount reports whether a is positive and representable in NUMERIC(18,2).
func ValidAmount(a decimal.Decimal) bool {
	return a.IsPositive() && a.Equal(a.Round(2))
}

// Total returns the debit side sum, which equals the credit side sum once
// validated.
func (in PostingInput) Total() decimal.Decimal {
	total := decimal.Zero
	for _, line := range in.Lines {
		if line.Side == SideDebit {
			total = total.Add(line.Amount)
		}
	}
	return total
}

// Refs returns the distinct subjects referenced by the posting.
func (in PostingInput) Refs() []SubjectRef {
	seen := make(map[SubjectRef]struct{}, len(in.Lines))
	var out []SubjectRef
	for _, line := range in.Lines {
		ref := SubjectRef{Kind: line.SubjectKind, ID: line.SubjectID}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}
