package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/odyssey-erp/odyssey-ledger/internal/sequence"
)

// CodeIssuer issues one document code in its own transaction.
type CodeIssuer interface {
	Next(ctx context.Context, key sequence.Key) (string, error)
}

// SeqOpsCLI issues document codes for back-office corrections.
type SeqOpsCLI struct {
	issuer CodeIssuer
}

// NewSeqOpsCLI constructs the helper.
func NewSeqOpsCLI(issuer CodeIssuer) (*SeqOpsCLI, error) {
	if issuer == nil {
		return nil, errors.New("seq cli: issuer not configured")
	}
	return &SeqOpsCLI{issuer: issuer}, nil
}

// SeqNextOptions defines flags for the seq next command.
type SeqNextOptions struct {
	BusinessID int64
	Scope      string
	Year       int
	Stdout     io.Writer
	Stderr     io.Writer
}

// NextCommand issues and prints the next code of a scope. Year is ignored
// for partner scopes.
func (c *SeqOpsCLI) NextCommand(ctx context.Context, opts SeqNextOptions) int {
	stdout, stderr := writers(opts.Stdout, opts.Stderr)
	scope, err := sequence.ParseScope(opts.Scope)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "seq next: %v\n", err)
		return ExitUsage
	}
	key, err := sequence.Key{BusinessID: opts.BusinessID, Scope: scope, Year: opts.Year}.Normalize()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "seq next: %v\n", err)
		return ExitUsage
	}
	code, err := c.issuer.Next(ctx, key)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "seq next: %v\n", err)
		return ExitFailure
	}
	_, _ = fmt.Fprintln(stdout, code)
	return ExitOK
}
