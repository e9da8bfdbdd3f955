package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/periods"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// BusinessLister enumerates tenants.
type BusinessLister interface {
	Businesses(ctx context.Context) ([]int64, error)
}

// MonthLocator resolves the month containing a day.
type MonthLocator interface {
	Current(ctx context.Context, businessID int64, today time.Time) (periods.Period, error)
}

// ChainVerifier replays the running-balance chains of a period.
type ChainVerifier interface {
	VerifyPeriod(ctx context.Context, businessID, periodID int64) ([]ledger.ChainReport, error)
}

// Locker guards a business against concurrent verification.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(context.Context) error, error)
}

// LedgerIntegrityJob replays every chain of the live month and freezes the
// broken ones. Broken chains are findings, not job failures.
type LedgerIntegrityJob struct {
	Businesses BusinessLister
	Months     MonthLocator
	Verifier   ChainVerifier
	Locker     Locker
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
	clock      func() time.Time
}

// IntegrityResult summarises one business.
type IntegrityResult struct {
	BusinessID int64
	Chains     int
	Broken     map[ledger.Book]int
	Skipped    bool
}

// NewLedgerIntegrityJob constructs the job handler.
func NewLedgerIntegrityJob(businesses BusinessLister, months MonthLocator, verifier ChainVerifier, locker Locker, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{
		Businesses: businesses,
		Months:     months,
		Verifier:   verifier,
		Locker:     locker,
		Logger:     logger,
		Metrics:    metrics,
		clock:      time.Now,
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (j *LedgerIntegrityJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}

// Handle executes the integrity job.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Businesses == nil || j.Months == nil || j.Verifier == nil {
		return errors.New("ledger integrity: dependencies not configured")
	}
	payload, err := decodeBusinessPayload(task)
	if err != nil {
		j.log().Error("decode payload", slog.Any("error", err))
		return asynq.SkipRetry
	}
	tracker := j.metrics().Track(TaskLedgerIntegrity)
	_, err = j.Run(ctx, payload.BusinessID)
	return tracker.End(err)
}

// Run verifies one business, or every business when businessID is zero.
func (j *LedgerIntegrityJob) Run(ctx context.Context, businessID int64) ([]IntegrityResult, error) {
	ids := []int64{businessID}
	if businessID == 0 {
		var err error
		if ids, err = j.Businesses.Businesses(ctx); err != nil {
			return nil, err
		}
	}
	var (
		results []IntegrityResult
		errs    []error
	)
	for _, id := range ids {
		result, err := j.verifyBusiness(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("business %d: %w", id, err))
			j.log().Error("verify business", slog.Int64("business_id", id), slog.Any("error", err))
			continue
		}
		results = append(results, result)
	}
	return results, errors.Join(errs...)
}

func (j *LedgerIntegrityJob) verifyBusiness(ctx context.Context, businessID int64) (IntegrityResult, error) {
	result := IntegrityResult{BusinessID: businessID, Broken: make(map[ledger.Book]int)}
	if j.Locker != nil {
		release, err := j.Locker.Acquire(ctx, shared.IntegrityLockKey(businessID))
		if errors.Is(err, shared.ErrLockHeld) {
			result.Skipped = true
			return result, nil
		}
		if err != nil {
			return result, err
		}
		defer func() {
			if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
				j.log().Warn("release integrity lock", slog.Int64("business_id", businessID), slog.Any("error", rerr))
			}
		}()
	}

	month, err := j.Months.Current(ctx, businessID, j.now())
	if errors.Is(err, periods.ErrNoLiveMonth) {
		j.log().Info("no live month", slog.Int64("business_id", businessID))
		return result, nil
	}
	if err != nil {
		return result, err
	}

	reports, err := j.Verifier.VerifyPeriod(ctx, businessID, month.ID)
	if err != nil && !errors.Is(err, ledger.ErrChainBroken) {
		return result, err
	}
	result.Chains = len(reports)
	for _, r := range reports {
		if !r.Broken {
			continue
		}
		result.Broken[r.Key.Book]++
		j.log().Warn("broken chain blocked",
			slog.Int64("business_id", businessID),
			slog.String("book", string(r.Key.Book)),
			slog.Int64("subject_id", r.Key.SubjectID),
			slog.Int64("entry_id", r.BrokenAtID),
		)
	}
	for book, n := range result.Broken {
		j.metrics().AddBrokenChains(businessID, string(book), n)
	}
	return result, nil
}

func (j *LedgerIntegrityJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *LedgerIntegrityJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerIntegrity))
	}
	return slog.Default().With(slog.String("job", TaskLedgerIntegrity))
}

func (j *LedgerIntegrityJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now()
}
