package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/cmd/odyssey/cli"
	"github.com/odyssey-erp/odyssey-ledger/internal/periods"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// --- migrate ---

type migrateCmd struct{}

func (*migrateCmd) Name() string     { return "migrate" }
func (*migrateCmd) Synopsis() string { return "apply or roll back the ledger schema" }
func (*migrateCmd) Usage() string {
	return `odyssey migrate up|down

  up applies every pending migration; down rolls back one step.
`
}
func (*migrateCmd) SetFlags(*flag.FlagSet) {}

func (*migrateCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, logger, err := loadEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return subcommands.ExitFailure
	}
	m, err := db.NewMigrator(cfg.PGDSN, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return subcommands.ExitFailure
	}
	defer func() { _ = m.Close() }()
	return subcommands.ExitStatus(cli.MigrateCommand(m, f.Arg(0), os.Stderr))
}

// --- close ---

type closeCmd struct{}

func (*closeCmd) Name() string     { return "close" }
func (*closeCmd) Synopsis() string { return "close ended periods" }
func (*closeCmd) Usage() string {
	return `odyssey close run [-business N] [-json]
odyssey close month|quarter|year -business N -period P [-json]

  run closes every ended month, quarter and year, as the scheduler does.
  month, quarter and year close one period addressed by label
  (2024-03, 2024-Q1, 2024).
`
}
func (*closeCmd) SetFlags(*flag.FlagSet) {}

func (*closeCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	sub := subcommands.NewCommander(f, "odyssey close")
	sub.Register(&closeRunCmd{}, "")
	sub.Register(&closePeriodCmd{scope: periods.ScopeMonth}, "")
	sub.Register(&closePeriodCmd{scope: periods.ScopeQuarter}, "")
	sub.Register(&closePeriodCmd{scope: periods.ScopeYear}, "")
	return sub.Execute(ctx)
}

func openCloseCLI(ctx context.Context) (*cli.CloseOpsCLI, func(), error) {
	e, err := openEnv(ctx)
	if err != nil {
		return nil, nil, err
	}
	c, err := cli.NewCloseOpsCLI(e.services.Orchestrator, e.services.Periods, e.services.Closing)
	if err != nil {
		e.Close()
		return nil, nil, err
	}
	return c, e.Close, nil
}

type closeRunCmd struct {
	business int64
	json     bool
}

func (*closeRunCmd) Name() string     { return "run" }
func (*closeRunCmd) Synopsis() string { return "close every ended period" }
func (*closeRunCmd) Usage() string    { return "odyssey close run [-business N] [-json]\n" }
func (c *closeRunCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.business, "business", 0, "Business to close; all businesses when zero")
	f.BoolVar(&c.json, "json", false, "Print the run reports as JSON")
}

func (c *closeRunCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	ops, done, err := openCloseCLI(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "close run: %v\n", err)
		return subcommands.ExitFailure
	}
	defer done()
	return subcommands.ExitStatus(ops.RunCommand(ctx, cli.CloseRunOptions{BusinessID: c.business, JSONOutput: c.json}))
}

type closePeriodCmd struct {
	scope    periods.Scope
	business int64
	period   string
	json     bool
}

func (c *closePeriodCmd) Name() string {
	switch c.scope {
	case periods.ScopeQuarter:
		return "quarter"
	case periods.ScopeYear:
		return "year"
	default:
		return "month"
	}
}
func (c *closePeriodCmd) Synopsis() string { return "close one " + c.Name() }
func (c *closePeriodCmd) Usage() string {
	return fmt.Sprintf("odyssey close %s -business N -period P [-json]\n", c.Name())
}
func (c *closePeriodCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.business, "business", 0, "Business owning the period")
	f.StringVar(&c.period, "period", "", "Period label, e.g. 2024-03, 2024-Q1 or 2024")
	f.BoolVar(&c.json, "json", false, "Print the result as JSON")
}

func (c *closePeriodCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	ops, done, err := openCloseCLI(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "close %s: %v\n", c.Name(), err)
		return subcommands.ExitFailure
	}
	defer done()
	return subcommands.ExitStatus(ops.PeriodCommand(ctx, cli.ClosePeriodOptions{
		BusinessID: c.business,
		Period:     c.period,
		Scope:      c.scope,
		JSONOutput: c.json,
	}))
}

// --- seq ---

type seqCmd struct{}

func (*seqCmd) Name() string     { return "seq" }
func (*seqCmd) Synopsis() string { return "issue document codes" }
func (*seqCmd) Usage() string {
	return "odyssey seq next -business N -scope S [-year Y]\n"
}
func (*seqCmd) SetFlags(*flag.FlagSet) {}

func (*seqCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	sub := subcommands.NewCommander(f, "odyssey seq")
	sub.Register(&seqNextCmd{}, "")
	return sub.Execute(ctx)
}

type seqNextCmd struct {
	business int64
	scope    string
	year     int
}

func (*seqNextCmd) Name() string     { return "next" }
func (*seqNextCmd) Synopsis() string { return "issue the next code of a scope" }
func (*seqNextCmd) Usage() string {
	return `odyssey seq next -business N -scope S [-year Y]

  Scopes: JOURNAL, SALE, PURCHASE, PAYMENT, CASH_RECEIPT, TRANSFER, CUSTOMER, SUPPLIER.
`
}
func (c *seqNextCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.business, "business", 0, "Business issuing the code")
	f.StringVar(&c.scope, "scope", "", "Document scope")
	f.IntVar(&c.year, "year", 0, "Fiscal year; defaults to the current year in TIMEZONE")
}

func (c *seqNextCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	e, err := openEnv(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seq next: %v\n", err)
		return subcommands.ExitFailure
	}
	defer e.Close()
	ops, err := cli.NewSeqOpsCLI(e.services.Sequence)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seq next: %v\n", err)
		return subcommands.ExitFailure
	}
	year := c.year
	if year == 0 {
		year = e.services.Ledger.Today().Year()
	}
	return subcommands.ExitStatus(ops.NextCommand(ctx, cli.SeqNextOptions{BusinessID: c.business, Scope: c.scope, Year: year}))
}

// --- jobs ---

type jobsCmd struct{}

func (*jobsCmd) Name() string     { return "jobs" }
func (*jobsCmd) Synopsis() string { return "trigger ledger jobs and inspect the queue" }
func (*jobsCmd) Usage() string {
	return `odyssey jobs trigger [-business N] <task>
odyssey jobs stats [-json]

  Tasks: ledger:period-close, ledger:integrity.
`
}
func (*jobsCmd) SetFlags(*flag.FlagSet) {}

func (*jobsCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	sub := subcommands.NewCommander(f, "odyssey jobs")
	sub.Register(&jobsTriggerCmd{}, "")
	sub.Register(&jobsStatsCmd{}, "")
	return sub.Execute(ctx)
}

func openJobsCLI() (*cli.JobsCLI, error) {
	cfg, _, err := loadEnv()
	if err != nil {
		return nil, err
	}
	return cli.NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}), nil
}

type jobsTriggerCmd struct {
	business int64
}

func (*jobsTriggerCmd) Name() string     { return "trigger" }
func (*jobsTriggerCmd) Synopsis() string { return "enqueue a ledger task now" }
func (*jobsTriggerCmd) Usage() string    { return "odyssey jobs trigger [-business N] <task>\n" }
func (c *jobsTriggerCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.business, "business", 0, "Limit the task to one business")
}

func (c *jobsTriggerCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	ops, err := openJobsCLI()
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobs trigger: %v\n", err)
		return subcommands.ExitFailure
	}
	defer func() { _ = ops.Close() }()
	return subcommands.ExitStatus(ops.TriggerCommand(ctx, cli.JobsTriggerOptions{Task: f.Arg(0), BusinessID: c.business}))
}

type jobsStatsCmd struct {
	json bool
}

func (*jobsStatsCmd) Name() string     { return "stats" }
func (*jobsStatsCmd) Synopsis() string { return "print queue counters" }
func (*jobsStatsCmd) Usage() string    { return "odyssey jobs stats [-json]\n" }
func (c *jobsStatsCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.json, "json", false, "Print the counters as JSON")
}

func (c *jobsStatsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	ops, err := openJobsCLI()
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobs stats: %v\n", err)
		return subcommands.ExitFailure
	}
	defer func() { _ = ops.Close() }()
	return subcommands.ExitStatus(ops.StatsCommand(ctx, cli.JobsStatsOptions{JSONOutput: c.json}))
}
