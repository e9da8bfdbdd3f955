package shared

import "errors"

// Error kinds shared by every ledger package. Package level errors wrap one of
// these so callers can branch with errors.Is without knowing the package.
var (
	// ErrValidation indicates malformed or rule-breaking input; never retried.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates an unknown account, partner, period or document.
	ErrNotFound = errors.New("not found")
	// ErrConcurrency indicates a lock timeout, deadlock or serialization failure.
	ErrConcurrency = errors.New("concurrent update conflict")
	// ErrAlreadyReversed guards against reversing a posting twice.
	ErrAlreadyReversed = errors.New("already reversed")
	// ErrAlreadyClosed guards against closing a period twice.
	ErrAlreadyClosed = errors.New("already closed")
	// ErrInconsistentState indicates persisted data that breaks a ledger invariant.
	ErrInconsistentState = errors.New("inconsistent ledger state")
)

// Retryable reports whether err is safe to retry automatically.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrency)
}
