package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/odyssey-erp/odyssey-ledger/internal/closing"
	"github.com/odyssey-erp/odyssey-ledger/internal/periods"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

// Exit codes shared by the operator commands.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
	// ExitPartial reports a run that finished with per-business errors.
	ExitPartial = 10
)

// PeriodFinder resolves a period label for a business.
type PeriodFinder interface {
	Find(ctx context.Context, businessID int64, label string) (periods.Period, error)
}

// PeriodCloser closes one period of a given scope.
type PeriodCloser interface {
	CloseMonth(ctx context.Context, businessID, periodID int64) (closing.CloseResult, error)
	CloseQuarter(ctx context.Context, businessID, periodID int64) (closing.CloseResult, error)
	CloseYear(ctx context.Context, businessID, periodID int64) (closing.CloseResult, error)
}

// CloseOpsCLI runs period closure by hand, outside the scheduler.
type CloseOpsCLI struct {
	runner  jobs.ClosureRunner
	periods PeriodFinder
	closer  PeriodCloser
}

// NewCloseOpsCLI constructs the helper.
func NewCloseOpsCLI(runner jobs.ClosureRunner, finder PeriodFinder, closer PeriodCloser) (*CloseOpsCLI, error) {
	if runner == nil || finder == nil || closer == nil {
		return nil, errors.New("close cli: dependencies not configured")
	}
	return &CloseOpsCLI{runner: runner, periods: finder, closer: closer}, nil
}

// CloseRunOptions defines flags for the close run command.
type CloseRunOptions struct {
	BusinessID int64
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// RunCommand closes every ended period of one business, or of all
// businesses when BusinessID is zero.
func (c *CloseOpsCLI) RunCommand(ctx context.Context, opts CloseRunOptions) int {
	stdout, stderr := writers(opts.Stdout, opts.Stderr)
	if opts.BusinessID < 0 {
		_, _ = fmt.Fprintln(stderr, "close run: --business must not be negative")
		return ExitUsage
	}
	var (
		reports []closing.RunReport
		err     error
	)
	if opts.BusinessID > 0 {
		var report closing.RunReport
		report, err = c.runner.RunBusiness(ctx, opts.BusinessID)
		reports = []closing.RunReport{report}
	} else {
		reports, err = c.runner.RunAll(ctx)
	}
	if reports == nil {
		reports = []closing.RunReport{}
	}
	if opts.JSONOutput {
		if encErr := json.NewEncoder(stdout).Encode(reports); encErr != nil {
			_, _ = fmt.Fprintf(stderr, "close run: encode json: %v\n", encErr)
			return ExitFailure
		}
	} else {
		renderRunHuman(stdout, reports)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "close run: %v\n", err)
		return ExitPartial
	}
	return ExitOK
}

func renderRunHuman(out io.Writer, reports []closing.RunReport) {
	if len(reports) == 0 {
		_, _ = fmt.Fprintln(out, "No businesses to close.")
		return
	}
	for _, r := range reports {
		switch {
		case r.Skipped:
			_, _ = fmt.Fprintf(out, "business %d: skipped, closure already running\n", r.BusinessID)
			continue
		case len(r.Months)+len(r.Quarters)+len(r.Years) == 0:
			_, _ = fmt.Fprintf(out, "business %d: nothing to close\n", r.BusinessID)
		default:
			_, _ = fmt.Fprintf(out, "business %d: closed %s\n", r.BusinessID,
				strings.Join(append(append(append([]string{}, r.Months...), r.Quarters...), r.Years...), ", "))
		}
		for _, e := range r.Errors {
			_, _ = fmt.Fprintf(out, " - error: %s\n", e)
		}
	}
}

// ClosePeriodOptions defines flags for closing one period by label.
type ClosePeriodOptions struct {
	BusinessID int64
	Period     string
	// Scope, when set, must match the scope of Period.
	Scope      periods.Scope
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// ClosePeriodSummary is the JSON view of one closure.
type ClosePeriodSummary struct {
	BusinessID    int64  `json:"business_id"`
	Period        string `json:"period"`
	AlreadyClosed bool   `json:"already_closed"`
	Next          string `json:"next,omitempty"`
	Accounts      int    `json:"accounts"`
	Customers     int    `json:"customers"`
	Suppliers     int    `json:"suppliers"`
	Items         int    `json:"items"`
}

// PeriodCommand closes the period addressed by label, e.g. "2024-03".
func (c *CloseOpsCLI) PeriodCommand(ctx context.Context, opts ClosePeriodOptions) int {
	stdout, stderr := writers(opts.Stdout, opts.Stderr)
	if opts.BusinessID <= 0 {
		_, _ = fmt.Fprintln(stderr, "close: --business is required and must be positive")
		return ExitUsage
	}
	scope, _, err := periods.ParseLabel(opts.Period)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "close: invalid period %q (expected YYYY, YYYY-Qn or YYYY-MM)\n", opts.Period)
		return ExitUsage
	}
	if opts.Scope != "" && opts.Scope != scope {
		_, _ = fmt.Fprintf(stderr, "close: period %q is a %s, not a %s\n", opts.Period, scope, opts.Scope)
		return ExitUsage
	}
	period, err := c.periods.Find(ctx, opts.BusinessID, opts.Period)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "close: %v\n", err)
		return ExitFailure
	}

	var result closing.CloseResult
	switch scope {
	case periods.ScopeYear:
		result, err = c.closer.CloseYear(ctx, opts.BusinessID, period.ID)
	case periods.ScopeQuarter:
		result, err = c.closer.CloseQuarter(ctx, opts.BusinessID, period.ID)
	default:
		result, err = c.closer.CloseMonth(ctx, opts.BusinessID, period.ID)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "close %s: %v\n", period.Label(), err)
		return ExitFailure
	}

	summary := ClosePeriodSummary{
		BusinessID:    opts.BusinessID,
		Period:        period.Label(),
		AlreadyClosed: result.AlreadyClosed,
		Accounts:      result.Accounts,
		Customers:     result.Customers,
		Suppliers:     result.Suppliers,
		Items:         result.Items,
	}
	if result.Next != nil {
		summary.Next = result.Next.Label()
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(stderr, "close: encode json: %v\n", err)
			return ExitFailure
		}
		return ExitOK
	}
	if summary.AlreadyClosed {
		_, _ = fmt.Fprintf(stdout, "%s already closed\n", summary.Period)
		return ExitOK
	}
	_, _ = fmt.Fprintf(stdout, "%s closed: %d accounts, %d customers, %d suppliers, %d items\n",
		summary.Period, summary.Accounts, summary.Customers, summary.Suppliers, summary.Items)
	if summary.Next != "" {
		_, _ = fmt.Fprintf(stdout, "opening balances carried into %s\n", summary.Next)
	}
	return ExitOK
}

func writers(stdout, stderr io.Writer) (io.Writer, io.Writer) {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return stdout, stderr
}
