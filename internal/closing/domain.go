package closing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/periods"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// CloseResult summarises one closure.
type CloseResult struct {
	Period        periods.Period
	AlreadyClosed bool
	Next          *periods.Period
	Accounts      int
	Customers     int
	Suppliers     int
	Items         int
}

// Totals is a debit and credit pair.
type Totals struct {
	Debit  decimal.Decimal
	Credit decimal.Decimal
}

// Add accumulates o into t.
func (t Totals) Add(o Totals) Totals {
	return Totals{Debit: t.Debit.Add(o.Debit), Credit: t.Credit.Add(o.Credit)}
}

// ItemSnapshot is the per-period quantity and value record of an item.
type ItemSnapshot struct {
	BusinessID        int64
	PeriodID          int64
	ItemID            int64
	OpeningQuantity   decimal.Decimal
	OpeningValue      decimal.Decimal
	QuantitySold      decimal.Decimal
	ValueSold         decimal.Decimal
	QuantityPurchased decimal.Decimal
	ValuePurchased    decimal.Decimal
	ClosingQuantity   decimal.Decimal
	ClosingValue      decimal.Decimal
}

// ItemMovement aggregates non-reversed sales and purchases of an item.
type ItemMovement struct {
	QuantitySold      decimal.Decimal
	ValueSold         decimal.Decimal
	QuantityPurchased decimal.Decimal
	ValuePurchased    decimal.Decimal
}

// ItemStock is the live quantity and unit cost of an item.
type ItemStock struct {
	Quantity decimal.Decimal
	UnitCost decimal.Decimal
}

// Value returns quantity times unit cost.
func (s ItemStock) Value() decimal.Decimal {
	return s.Quantity.Mul(s.UnitCost).Round(2)
}

// Balance is the figure of one account or partner over a period of any scope.
type Balance struct {
	Subject  ledger.SubjectRef
	Period   periods.Period
	Opening  decimal.Decimal
	Debit    decimal.Decimal
	Credit   decimal.Decimal
	Closing  decimal.Decimal
	IsClosed bool
}

// ItemBalance is the figure of one item over a period of any scope.
type ItemBalance struct {
	ItemID int64
	Period periods.Period
	ItemSnapshot
	IsClosed bool
}

// SubjectKind extends the ledger subject kinds with items for seeding.
type SubjectKind string

const (
	SeedAccount  SubjectKind = "ACCOUNT"
	SeedCustomer SubjectKind = "CUSTOMER"
	SeedSupplier SubjectKind = "SUPPLIER"
	SeedItem     SubjectKind = "ITEM"
)

// SeedInput creates the first snapshot of a new subject in the live month.
type SeedInput struct {
	BusinessID      int64
	Kind            SubjectKind
	SubjectID       int64
	Opening         decimal.Decimal
	OpeningQuantity decimal.Decimal
	OpeningValue    decimal.Decimal
}

// Errors returned by closing.
var (
	ErrChildrenOpen  = fmt.Errorf("%w: closing: child periods still open", shared.ErrValidation)
	ErrNotEnded      = fmt.Errorf("%w: closing: period has not ended", shared.ErrValidation)
	ErrWrongScope    = fmt.Errorf("%w: closing: wrong period scope", shared.ErrValidation)
	ErrEarlierOpen   = fmt.Errorf("%w: closing: an earlier month is still open", shared.ErrValidation)
	ErrNextClosed    = fmt.Errorf("%w: closing: next month closed before this one", shared.ErrInconsistentState)
	ErrItemNotFound  = fmt.Errorf("%w: item", shared.ErrNotFound)
	ErrItemSnapMiss  = fmt.Errorf("%w: item snapshot", shared.ErrNotFound)
	ErrUnknownSeeded = fmt.Errorf("%w: closing: unknown subject kind", shared.ErrValidation)
)
