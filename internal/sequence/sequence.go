package sequence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Scope identifies a family of document codes.
type Scope string

const (
	ScopeJournal     Scope = "JOURNAL"
	ScopeSale        Scope = "SALE"
	ScopePurchase    Scope = "PURCHASE"
	ScopePayment     Scope = "PAYMENT"
	ScopeCashReceipt Scope = "CASH_RECEIPT"
	ScopeTransfer    Scope = "TRANSFER"
	ScopeCustomer    Scope = "CUSTOMER"
	ScopeSupplier    Scope = "SUPPLIER"
)

var prefixes = map[Scope]string{
	ScopeJournal:     "JV",
	ScopeSale:        "SAL",
	ScopePurchase:    "PUR",
	ScopePayment:     "PAY",
	ScopeCashReceipt: "RCT",
	ScopeTransfer:    "TRF",
	ScopeCustomer:    "CUS",
	ScopeSupplier:    "SUP",
}

var (
	// ErrUnknownScope is returned for scopes without a registered prefix.
	ErrUnknownScope = fmt.Errorf("%w: sequence: unknown scope", shared.ErrValidation)
	// ErrCorruptCode is returned when the stored last code cannot be parsed.
	ErrCorruptCode = fmt.Errorf("%w: sequence: corrupt stored code", shared.ErrInconsistentState)
)

// Prefix returns the code prefix registered for the scope.
func (s Scope) Prefix() (string, bool) {
	p, ok := prefixes[s]
	return p, ok
}

// Yearly reports whether codes of this scope restart every year. Partner
// scopes carry no year component.
func (s Scope) Yearly() bool {
	return s != ScopeCustomer && s != ScopeSupplier
}

// ParseScope resolves a scope name, case-insensitively.
func ParseScope(raw string) (Scope, error) {
	s := Scope(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := prefixes[s]; !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownScope, raw)
	}
	return s, nil
}

// Key addresses one counter row.
type Key struct {
	BusinessID int64
	Scope      Scope
	Year       int
}

// Normalize validates the key and zeroes the year for yearless scopes.
func (k Key) Normalize() (Key, error) {
	if k.BusinessID <= 0 {
		return k, fmt.Errorf("%w: sequence: business id required", shared.ErrValidation)
	}
	if _, ok := k.Scope.Prefix(); !ok {
		return k, fmt.Errorf("%w %q", ErrUnknownScope, k.Scope)
	}
	if !k.Scope.Yearly() {
		k.Year = 0
		return k, nil
	}
	if k.Year < 1000 || k.Year > 9999 {
		return k, fmt.Errorf("%w: sequence: year %d out of range", shared.ErrValidation, k.Year)
	}
	return k, nil
}

func (k Key) head() string {
	prefix, _ := k.Scope.Prefix()
	head := prefix + strconv.FormatInt(k.BusinessID, 10) + "-"
	if k.Scope.Yearly() {
		head += strconv.Itoa(k.Year)
	}
	return head
}

// Format renders the code for seq under key.
func Format(key Key, seq int) string {
	return fmt.Sprintf("%s%05d", key.head(), seq)
}

// Parse extracts the numeric suffix of code. An empty code parses as zero.
func Parse(key Key, code string) (int, error) {
	if code == "" {
		return 0, nil
	}
	head := key.head()
	if !strings.HasPrefix(code, head) {
		return 0, fmt.Errorf("%w %q", ErrCorruptCode, code)
	}
	digits := code[len(head):]
	if digits == "" {
		return 0, fmt.Errorf("%w %q", ErrCorruptCode, code)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w %q", ErrCorruptCode, code)
		}
	}
	seq, err := strconv.Atoi(digits)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("%w %q", ErrCorruptCode, code)
	}
	return seq, nil
}

// Counter persists the last issued code per key. LockCounter must hold the row
// until the surrounding transaction ends.
type Counter interface {
	LockCounter(ctx context.Context, q db.Querier, key Key) (string, error)
	StoreCounter(ctx context.Context, q db.Querier, key Key, code string) error
}

// Next issues the code following the last stored one. It must run inside the
// transaction that consumes the code so the counter row stays locked.
func Next(ctx context.Context, q db.Querier, counter Counter, key Key) (string, error) {
	key, err := key.Normalize()
	if err != nil {
		return "", err
	}
	last, err := counter.LockCounter(ctx, q, key)
	if err != nil {
		return "", err
	}
	seq, err := Parse(key, last)
	if err != nil {
		return "", err
	}
	code := Format(key, seq+1)
	if err := counter.StoreCounter(ctx, q, key, code); err != nil {
		return "", err
	}
	return code, nil
}

// Generator issues codes either in its own transaction or in a caller's.
type Generator struct {
	tx      db.Transactor
	counter Counter
}

// NewGenerator constructs a Generator.
func NewGenerator(tx db.Transactor, counter Counter) *Generator {
	return &Generator{tx: tx, counter: counter}
}

// Next issues one code in a dedicated transaction.
func (g *Generator) Next(ctx context.Context, key Key) (string, error) {
	if g == nil || g.tx == nil || g.counter == nil {
		return "", errors.New("sequence: generator not initialised")
	}
	var code string
	err := g.tx.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
		var err error
		code, err = Next(ctx, q, g.counter, key)
		return err
	})
	return code, err
}

// NextIn issues one code inside the caller's transaction.
func (g *Generator) NextIn(ctx context.Context, q db.Querier, key Key) (string, error) {
	if g == nil || g.counter == nil {
		return "", errors.New("sequence: generator not initialised")
	}
	return Next(ctx, q, g.counter, key)
}
