package shared

import (
	"fmt"
	"testing"
)

func TestRetryableFollowsWrappedKind(t *testing.T) {
	wrapped := fmt.Errorf("ledger: lock subject: %w", ErrConcurrency)
	if !Retryable(wrapped) {
		t.Fatalf("expected wrapped concurrency error to be retryable")
	}
	if Retryable(fmt.Errorf("%w: unbalanced", ErrValidation)) {
		t.Fatalf("validation errors must not be retried")
	}
}
