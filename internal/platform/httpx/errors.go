// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Status maps a ledger error kind to an HTTP status code.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, shared.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, shared.ErrAlreadyClosed), errors.Is(err, shared.ErrAlreadyReversed):
		return http.StatusConflict
	case errors.Is(err, shared.ErrConcurrency):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RespondError maps domain errors to HTTP responses using RFC7807. Internal
// errors never leak their message.
func RespondError(w http.ResponseWriter, err error) {
	status := Status(err)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		detail = ""
	}
	Problem(w, status, http.StatusText(status), detail)
}
