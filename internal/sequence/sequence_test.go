package sequence

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

type memoryCounter struct {
	mu    sync.Mutex
	codes map[Key]string
}

func newMemoryCounter() *memoryCounter {
	return &memoryCounter{codes: make(map[Key]string)}
}

func (m *memoryCounter) LockCounter(_ context.Context, _ db.Querier, key Key) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[key], nil
}

func (m *memoryCounter) StoreCounter(_ context.Context, _ db.Querier, key Key, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[key] = code
	return nil
}

// lockingTx serialises transactions the way the counter row lock does.
type lockingTx struct {
	mu sync.Mutex
}

func (l *lockingTx) WithTx(ctx context.Context, fn func(context.Context, db.Querier) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(ctx, nil)
}

func TestFormatAndParse(t *testing.T) {
	sale := Key{BusinessID: 12, Scope: ScopeSale, Year: 2024}
	require.Equal(t, "SAL12-202400001", Format(sale, 1))

	seq, err := Parse(sale, "SAL12-202400042")
	require.NoError(t, err)
	require.Equal(t, 42, seq)

	customer := Key{BusinessID: 3, Scope: ScopeCustomer}
	require.Equal(t, "CUS3-00007", Format(customer, 7))

	seq, err = Parse(customer, "")
	require.NoError(t, err)
	require.Zero(t, seq)
}

func TestParseRejectsCorruptCodes(t *testing.T) {
	key := Key{BusinessID: 1, Scope: ScopeJournal, Year: 2024}
	for _, code := range []string{"JV1-2024", "JV1-2024ABC", "SAL1-202400001", "JV2-202400001", "JV1-202300009"} {
		_, err := Parse(key, code)
		require.ErrorIs(t, err, ErrCorruptCode, code)
		require.ErrorIs(t, err, shared.ErrInconsistentState)
	}
}

func TestNextIncrementsStoredCode(t *testing.T) {
	counter := newMemoryCounter()
	key := Key{BusinessID: 5, Scope: ScopePayment, Year: 2024}
	counter.codes[key] = "PAY5-202400009"

	code, err := Next(context.Background(), nil, counter, key)
	require.NoError(t, err)
	require.Equal(t, "PAY5-202400010", code)
	require.Equal(t, "PAY5-202400010", counter.codes[key])
}

func TestNextNeverReusesAfterCorruption(t *testing.T) {
	counter := newMemoryCounter()
	key := Key{BusinessID: 5, Scope: ScopePayment, Year: 2024}
	counter.codes[key] = "garbage"

	_, err := Next(context.Background(), nil, counter, key)
	require.ErrorIs(t, err, ErrCorruptCode)
	require.Equal(t, "garbage", counter.codes[key])
}

func TestNextYearlessScopeIgnoresYear(t *testing.T) {
	counter := newMemoryCounter()
	first, err := Next(context.Background(), nil, counter, Key{BusinessID: 2, Scope: ScopeSupplier, Year: 2023})
	require.NoError(t, err)
	second, err := Next(context.Background(), nil, counter, Key{BusinessID: 2, Scope: ScopeSupplier, Year: 2024})
	require.NoError(t, err)
	require.Equal(t, "SUP2-00001", first)
	require.Equal(t, "SUP2-00002", second)
}

func TestNextValidatesKey(t *testing.T) {
	counter := newMemoryCounter()
	_, err := Next(context.Background(), nil, counter, Key{BusinessID: 1, Scope: "INVOICE", Year: 2024})
	require.ErrorIs(t, err, ErrUnknownScope)

	_, err = Next(context.Background(), nil, counter, Key{Scope: ScopeSale, Year: 2024})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = Next(context.Background(), nil, counter, Key{BusinessID: 1, Scope: ScopeSale})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestGeneratorConcurrentCallersGetUniqueCodes(t *testing.T) {
	gen := NewGenerator(&lockingTx{}, newMemoryCounter())
	key := Key{BusinessID: 9, Scope: ScopeSale, Year: 2024}

	const callers = 64
	codes := make(chan string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, err := gen.Next(context.Background(), key)
			if err != nil {
				t.Error(err)
				return
			}
			codes <- code
		}()
	}
	wg.Wait()
	close(codes)

	seen := make(map[string]struct{}, callers)
	for code := range codes {
		_, dup := seen[code]
		require.False(t, dup, "duplicate code %s", code)
		seen[code] = struct{}{}
	}
	require.Len(t, seen, callers)
	require.Contains(t, seen, "SAL9-202400064")
}

type failingCounter struct{ *memoryCounter }

func (f *failingCounter) StoreCounter(context.Context, db.Querier, Key, string) error {
	return errors.New("disk full")
}

func TestGeneratorPropagatesStoreFailure(t *testing.T) {
	gen := NewGenerator(&lockingTx{}, &failingCounter{memoryCounter: newMemoryCounter()})
	_, err := gen.Next(context.Background(), Key{BusinessID: 1, Scope: ScopeTransfer, Year: 2024})
	require.EqualError(t, err, "disk full")
}

func TestParseScope(t *testing.T) {
	scope, err := ParseScope(" cash_receipt ")
	require.NoError(t, err)
	require.Equal(t, ScopeCashReceipt, scope)

	_, err = ParseScope("invoice")
	require.ErrorIs(t, err, ErrUnknownScope)
}
