package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/internal/closing"
	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/periods"
)

// ClosureRunner is the closure orchestrator as seen by the job.
type ClosureRunner interface {
	RunAll(ctx context.Context) ([]closing.RunReport, error)
	RunBusiness(ctx context.Context, businessID int64) (closing.RunReport, error)
}

// PeriodCloseJob closes every ended period on schedule.
type PeriodCloseJob struct {
	Runner  ClosureRunner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewPeriodCloseJob constructs the job handler.
func NewPeriodCloseJob(runner ClosureRunner, logger *slog.Logger, metrics *jobmetrics.Metrics) *PeriodCloseJob {
	return &PeriodCloseJob{Runner: runner, Logger: logger, Metrics: metrics}
}

// Handle executes the period close job. A malformed payload is not retried.
func (j *PeriodCloseJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Runner == nil {
		return errors.New("period close: dependencies not configured")
	}
	payload, err := decodeBusinessPayload(task)
	if err != nil {
		j.log().Error("decode payload", slog.Any("error", err))
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskPeriodClose)
	start := time.Now()
	var reports []closing.RunReport
	if payload.BusinessID > 0 {
		var report closing.RunReport
		report, err = j.Runner.RunBusiness(ctx, payload.BusinessID)
		reports = []closing.RunReport{report}
	} else {
		reports, err = j.Runner.RunAll(ctx)
	}

	var months, quarters, years, skipped int
	for _, r := range reports {
		months += len(r.Months)
		quarters += len(r.Quarters)
		years += len(r.Years)
		if r.Skipped {
			skipped++
		}
	}
	m := j.metrics()
	m.AddClosedPeriods(string(periods.ScopeMonth), months)
	m.AddClosedPeriods(string(periods.ScopeQuarter), quarters)
	m.AddClosedPeriods(string(periods.ScopeYear), years)

	attrs := []any{
		slog.Int("businesses", len(reports)),
		slog.Int("months", months),
		slog.Int("quarters", quarters),
		slog.Int("years", years),
		slog.Int("skipped", skipped),
		slog.Duration("duration", time.Since(start)),
	}
	if err != nil {
		j.log().Error("period close finished with errors", append(attrs, slog.Any("error", err))...)
	} else {
		j.log().Info("period close finished", attrs...)
	}
	return tracker.End(err)
}

func (j *PeriodCloseJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *PeriodCloseJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskPeriodClose))
	}
	return slog.Default().With(slog.String("job", TaskPeriodClose))
}
