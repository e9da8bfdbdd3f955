package reversal

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Kind names the document being reversed.
type Kind string

const (
	KindSale        Kind = "SALE"
	KindPurchase    Kind = "PURCHASE"
	KindPayment     Kind = "PAYMENT"
	KindCashReceipt Kind = "CASH_RECEIPT"
	KindJournal     Kind = "JOURNAL"
)

// Document statuses and payment statuses written on reversal.
const (
	StatusReversed = "Reversed"

	PaymentPaid    = "Paid"
	PaymentPartial = "Partial"
	PaymentUnpaid  = "Unpaid"
)

// RevPrefix marks descriptions of mirrored rows.
const RevPrefix = "Rev - "

// ReverseInput identifies the document to undo.
type ReverseInput struct {
	BusinessID int64  `validate:"required,gt=0"`
	Kind       Kind   `validate:"required,oneof=SALE PURCHASE PAYMENT CASH_RECEIPT JOURNAL"`
	DocumentID int64  `validate:"required,gt=0"`
	ActorID    int64  `validate:"gte=0"`
	Reason     string `validate:"max=255"`
}

// Target is a locked document together with the journal head it posted.
type Target struct {
	Kind        Kind
	BusinessID  int64
	ID          int64
	Code        string
	HeadID      int64
	Status      string
	Reversed    bool
	Total       decimal.Decimal
	InvoiceKind Kind
	InvoiceID   int64
}

// DocumentLine is one item line of a sale or purchase.
type DocumentLine struct {
	ItemID     int64
	Quantity   decimal.Decimal
	UnitAmount decimal.Decimal
}

// Lot is one remaining purchase line used for weighted average cost.
type Lot struct {
	Quantity decimal.Decimal
	UnitCost decimal.Decimal
}

// Result describes the mirrored rows written by a reversal.
type Result struct {
	Kind       Kind
	DocumentID int64
	HeadID     int64
	Code       string
	Date       time.Time
	Lines      []ledger.JournalLine
	Entries    []ledger.Entry
}

// Errors returned by the reversal engine.
var (
	ErrUnknownKind      = fmt.Errorf("%w: reversal: no handler for document kind", shared.ErrValidation)
	ErrDocumentNotFound = fmt.Errorf("%w: document", shared.ErrNotFound)
	ErrNotPosted        = fmt.Errorf("%w: reversal: document has no journal head", shared.ErrValidation)
	ErrItemNotFound     = fmt.Errorf("%w: item", shared.ErrNotFound)
	ErrAlreadyReversed  = fmt.Errorf("%w: reversal", shared.ErrAlreadyReversed)
	ErrHeadOwned        = fmt.Errorf("%w: reversal: journal head belongs to a document", shared.ErrValidation)
)

// PaymentStatus derives the payment status of an invoice from its total and
// the amount paid against it.
func PaymentStatus(total, paid decimal.Decimal) string {
	switch {
	case !paid.IsPositive():
		return PaymentUnpaid
	case paid.GreaterThanOrEqual(total):
		return PaymentPaid
	default:
		return PaymentPartial
	}
}

// WeightedCost returns the quantity weighted unit cost of lots, rounded to
// cents. ok is false when no quantity remains.
func WeightedCost(lots []Lot) (decimal.Decimal, bool) {
	qty, value := decimal.Zero, decimal.Zero
	for _, lot := range lots {
		qty = qty.Add(lot.Quantity)
		value = value.Add(lot.Quantity.Mul(lot.UnitCost))
	}
	if !qty.IsPositive() {
		return decimal.Zero, false
	}
	return value.Div(qty).Round(2), true
}
