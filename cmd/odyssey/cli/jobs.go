package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

// Enqueuer submits tasks to the queue.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    Enqueuer
	inspector jobs.QueueInspector
	closers   []io.Closer
	now       func() time.Time
}

// NewJobsCLI initialises the CLI helpers against Redis.
func NewJobsCLI(opts asynq.RedisClientOpt) *JobsCLI {
	client := asynq.NewClient(opts)
	inspector := asynq.NewInspector(opts)
	c := NewJobsCLIWith(client, inspector)
	c.closers = []io.Closer{inspector, client}
	return c
}

// NewJobsCLIWith builds the helpers from existing queue handles.
func NewJobsCLIWith(client Enqueuer, inspector jobs.QueueInspector) *JobsCLI {
	return &JobsCLI{client: client, inspector: inspector, now: time.Now}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var errs []error
	for _, closer := range c.closers {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}

// JobsTriggerOptions defines flags for the jobs trigger command.
type JobsTriggerOptions struct {
	Task       string
	BusinessID int64
	Stdout     io.Writer
	Stderr     io.Writer
}

// TriggerCommand enqueues a ledger task immediately.
func (c *JobsCLI) TriggerCommand(ctx context.Context, opts JobsTriggerOptions) int {
	stdout, stderr := writers(opts.Stdout, opts.Stderr)
	if c == nil || c.client == nil {
		_, _ = fmt.Fprintln(stderr, "jobs trigger: client not configured")
		return ExitFailure
	}
	task, err := jobs.NewTask(opts.Task, opts.BusinessID, c.now())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "jobs trigger: %v\n", err)
		return ExitUsage
	}
	info, err := c.client.EnqueueContext(ctx, task, asynq.MaxRetry(3))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "jobs trigger: %v\n", err)
		return ExitFailure
	}
	_, _ = fmt.Fprintf(stdout, "enqueued %s id=%s queue=%s\n", task.Type(), info.ID, info.Queue)
	return ExitOK
}

// JobsStatsOptions defines flags for the jobs stats command.
type JobsStatsOptions struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// StatsCommand prints the default queue counters.
func (c *JobsCLI) StatsCommand(_ context.Context, opts JobsStatsOptions) int {
	stdout, stderr := writers(opts.Stdout, opts.Stderr)
	if c == nil || c.inspector == nil {
		_, _ = fmt.Fprintln(stderr, "jobs stats: inspector not configured")
		return ExitFailure
	}
	stats, err := jobs.Stats(c.inspector)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "jobs stats: %v\n", err)
		return ExitFailure
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(stdout).Encode(stats); err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs stats: encode json: %v\n", err)
			return ExitFailure
		}
		return ExitOK
	}
	_, _ = fmt.Fprintf(stdout, "queue %s: pending=%d active=%d scheduled=%d retry=%d archived=%d failed=%d\n",
		stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived, stats.Failed)
	return ExitOK
}
