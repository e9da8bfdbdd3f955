package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Book is one typed sub-ledger.
type Book string

const (
	BookAsset     Book = "asset"
	BookLiability Book = "liability"
	BookEquity    Book = "equity"
	BookRevenue   Book = "revenue"
	BookExpense   Book = "expense"
	BookCustomer  Book = "customer"
	BookSupplier  Book = "supplier"
)

type bookSpec struct {
	table  string
	kind   SubjectKind
	normal Side
}

// registry lists every book in lock order. Reversal and closure iterate it
// instead of naming tables.
var registry = []Book{BookAsset, BookLiability, BookEquity, BookRevenue, BookExpense, BookCustomer, BookSupplier}

var specs = map[Book]bookSpec{
	BookAsset:     {table: "asset_ledger", kind: SubjectAccount, normal: SideDebit},
	BookLiability: {table: "liability_ledger", kind: SubjectAccount, normal: SideCredit},
	BookEquity:    {table: "equity_ledger", kind: SubjectAccount, normal: SideCredit},
	BookRevenue:   {table: "revenue_ledger", kind: SubjectAccount, normal: SideCredit},
	BookExpense:   {table: "expense_ledger", kind: SubjectAccount, normal: SideDebit},
	BookCustomer:  {table: "customer_ledger", kind: SubjectCustomer, normal: SideDebit},
	BookSupplier:  {table: "supplier_ledger", kind: SubjectSupplier, normal: SideCredit},
}

// Books returns all registered books.
func Books() []Book {
	out := make([]Book, len(registry))
	copy(out, registry)
	return out
}

// AccountBooks returns the five books keyed by real accounts.
func AccountBooks() []Book {
	return []Book{BookAsset, BookLiability, BookEquity, BookRevenue, BookExpense}
}

// Valid reports whether b is registered.
func (b Book) Valid() bool {
	_, ok := specs[b]
	return ok
}

// Table returns the sub-ledger table name.
func (b Book) Table() string {
	return specs[b].table
}

// Kind returns the subject kind the book is keyed by.
func (b Book) Kind() SubjectKind {
	return specs[b].kind
}

// Normal returns the normal balance side of the book.
func (b Book) Normal() Side {
	return specs[b].normal
}

// Apply moves balance by one entry according to the book's normal side.
func (b Book) Apply(balance, debit, credit decimal.Decimal) decimal.Decimal {
	return Apply(b.Normal(), balance, debit, credit)
}

// Apply moves balance by debit and credit: debit-normal balances grow with
// debits, credit-normal balances grow with credits.
func Apply(normal Side, balance, debit, credit decimal.Decimal) decimal.Decimal {
	if normal == SideCredit {
		return balance.Add(credit).Sub(debit)
	}
	return balance.Add(debit).Sub(credit)
}

// AccountClass is the chart-of-accounts class of a real account.
type AccountClass string

const (
	ClassAsset     AccountClass = "ASSET"
	ClassLiability AccountClass = "LIABILITY"
	ClassEquity    AccountClass = "EQUITY"
	ClassRevenue   AccountClass = "REVENUE"
	ClassExpense   AccountClass = "EXPENSE"
)

// BookForClass maps an account class to its book.
func BookForClass(class AccountClass) (Book, error) {
	switch class {
	case ClassAsset:
		return BookAsset, nil
	case ClassLiability:
		return BookLiability, nil
	case ClassEquity:
		return BookEquity, nil
	case ClassRevenue:
		return BookRevenue, nil
	case ClassExpense:
		return BookExpense, nil
	default:
		return "", fmt.Errorf("%w: ledger: unknown account class %q", shared.ErrInconsistentState, class)
	}
}

// BookForPartner maps a partner subject kind to its book.
func BookForPartner(kind SubjectKind) (Book, bool) {
	switch kind {
	case SubjectCustomer:
		return BookCustomer, true
	case SubjectSupplier:
		return BookSupplier, true
	default:
		return "", false
	}
}
