package closing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-ledger/internal/periods"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Locker provides the cross-worker mutual exclusion for closure runs.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(context.Context) error, error)
}

// PeriodFinder is the part of the period service the orchestrator drives.
type PeriodFinder interface {
	EnsureYear(ctx context.Context, businessID int64, year int) (periods.Period, error)
	FindClosableMonth(ctx context.Context, businessID int64, today time.Time) (periods.Period, bool, error)
	FindClosableQuarter(ctx context.Context, businessID int64, today time.Time) (periods.Period, bool, error)
	FindClosableYear(ctx context.Context, businessID int64, today time.Time) (periods.Period, bool, error)
}

// RunReport records what one business run closed.
type RunReport struct {
	BusinessID int64    `json:"business_id"`
	Months     []string `json:"months,omitempty"`
	Quarters   []string `json:"quarters,omitempty"`
	Years      []string `json:"years,omitempty"`
	Skipped    bool     `json:"skipped,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// Orchestrator runs the scheduled closure per business.
type Orchestrator struct {
	tx          db.Transactor
	repo        Repository
	periods     PeriodFinder
	closer      *Service
	locker      Locker
	logger      *slog.Logger
	concurrency int
	maxMonths   int
	now         func() time.Time
	loc         *time.Location
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	Tx          db.Transactor
	Repo        Repository
	Periods     PeriodFinder
	Closer      *Service
	Locker      Locker
	Logger      *slog.Logger
	Concurrency int
	Location    *time.Location
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Orchestrator{
		tx:          cfg.Tx,
		repo:        cfg.Repo,
		periods:     cfg.Periods,
		closer:      cfg.Closer,
		locker:      cfg.Locker,
		logger:      logger,
		concurrency: concurrency,
		maxMonths:   120,
		now:         time.Now,
		loc:         loc,
	}
}

// WithNow overrides the clock for deterministic tests, including the
// closer's.
func (o *Orchestrator) WithNow(now func() time.Time) {
	if now == nil {
		return
	}
	o.now = now
	if o.closer != nil {
		o.closer.WithNow(now)
	}
}

// RunAll runs every business with bounded concurrency. A failing business
// does not stop the others.
func (o *Orchestrator) RunAll(ctx context.Context) ([]RunReport, error) {
	ids, err := o.Businesses(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		reports = make([]RunReport, 0, len(ids))
		errs    []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			report, err := o.RunBusiness(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			reports = append(reports, report)
			if err != nil {
				errs = append(errs, fmt.Errorf("business %d: %w", id, err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].BusinessID < reports[j].BusinessID })
	return reports, errors.Join(errs...)
}

// Businesses lists every tenant id in ascending order.
func (o *Orchestrator) Businesses(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := o.tx.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
		var err error
		ids, err = o.repo.ListBusinesses(ctx, q)
		return err
	})
	return ids, err
}

// RunBusiness ensures the current year exists, closes every ended month
// earliest first, then the closable quarters and years. Each step stands on
// its own: a failing quarter or year close keeps the months closed.
func (o *Orchestrator) RunBusiness(ctx context.Context, businessID int64) (RunReport, error) {
	report := RunReport{BusinessID: businessID}
	if o.locker != nil {
		release, err := o.locker.Acquire(ctx, shared.CloseLockKey(businessID))
		if errors.Is(err, shared.ErrLockHeld) {
			report.Skipped = true
			o.logger.Info("closure skipped, lock held", slog.Int64("business_id", businessID))
			return report, nil
		}
		if err != nil {
			return report, err
		}
		defer func() {
			if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
				o.logger.Warn("release closure lock", slog.Int64("business_id", businessID), slog.Any("error", rerr))
			}
		}()
	}

	today := periods.Day(o.now().In(o.loc))
	var errs []error
	record := func(step string, err error) {
		errs = append(errs, fmt.Errorf("%s: %w", step, err))
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", step, err))
		o.logger.Error("closure step failed", slog.Int64("business_id", businessID), slog.String("step", step), slog.Any("error", err))
	}

	if _, err := o.periods.EnsureYear(ctx, businessID, today.Year()); err != nil {
		record("ensure year", err)
	}

	for i := 0; i < o.maxMonths; i++ {
		month, ok, err := o.periods.FindClosableMonth(ctx, businessID, today)
		if err != nil {
			record("find month", err)
			break
		}
		if !ok {
			break
		}
		if _, err := o.closer.CloseMonth(ctx, businessID, month.ID); err != nil {
			record("close month "+month.Label(), err)
			break
		}
		report.Months = append(report.Months, month.Label())
	}

	report.Quarters = o.closeParents(ctx, businessID, today, periods.ScopeQuarter, record)
	report.Years = o.closeParents(ctx, businessID, today, periods.ScopeYear, record)

	return report, errors.Join(errs...)
}

func (o *Orchestrator) closeParents(ctx context.Context, businessID int64, today time.Time, scope periods.Scope, record func(string, error)) []string {
	find, closeFn := o.periods.FindClosableQuarter, o.closer.CloseQuarter
	if scope == periods.ScopeYear {
		find, closeFn = o.periods.FindClosableYear, o.closer.CloseYear
	}
	var closed []string
	for i := 0; i < o.maxMonths; i++ {
		p, ok, err := find(ctx, businessID, today)
		if err != nil {
			record("find "+string(scope), err)
			return closed
		}
		if !ok {
			return closed
		}
		if _, err := closeFn(ctx, businessID, p.ID); err != nil {
			record("close "+p.Label(), err)
			return closed
		}
		closed = append(closed, p.Label())
	}
	return closed
}
