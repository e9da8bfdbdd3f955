package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-ledger/internal/closing"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	"github.com/odyssey-erp/odyssey-ledger/internal/periods"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/reversal"
	"github.com/odyssey-erp/odyssey-ledger/internal/sequence"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Services is the ledger engine wired against PostgreSQL and Redis.
type Services struct {
	Tx           *db.TxRunner
	Sequence     *sequence.Generator
	Periods      *periods.Service
	Ledger       *ledger.Service
	Closing      *closing.Service
	Orchestrator *closing.Orchestrator
	Reversal     *reversal.Engine
	Locker       *shared.Locker
}

// NewServices builds the service graph shared by the worker and the CLI.
// redisClient may be nil; closure runs then rely on row locks alone.
func NewServices(cfg *Config, pool *pgxpool.Pool, redisClient redis.UniversalClient, metrics *observability.Metrics, logger *slog.Logger) *Services {
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location()

	tx := db.NewTxRunner(pool, cfg.TxMaxAttempts, logger)
	if metrics != nil {
		tx.OnRetry(metrics.ObserveTxRetry)
	}

	periodStore := periods.NewStore()
	ledgerStore := ledger.NewStore()
	auditLogger := shared.NewAuditLogger(pool)

	seq := sequence.NewGenerator(tx, sequence.NewStore())
	periodSvc := periods.NewService(tx, periodStore, logger)

	ledgerSvc := ledger.NewService(tx, ledgerStore, periodStore, seq, auditLogger, logger)
	ledgerSvc.WithLocation(loc)

	closer := closing.NewService(tx, closing.NewStore(), periodStore, ledgerStore, logger)
	closer.WithLocation(loc)

	engine := reversal.NewEngine(tx, reversal.NewStore(), ledgerStore, periodStore, auditLogger, logger)
	engine.WithLocation(loc)

	if metrics != nil {
		ledgerSvc.WithMetrics(metrics)
		closer.WithMetrics(metrics)
		engine.WithMetrics(metrics)
	}

	var locker *shared.Locker
	orchestratorCfg := closing.OrchestratorConfig{
		Tx:          tx,
		Repo:        closing.NewStore(),
		Periods:     periodSvc,
		Closer:      closer,
		Logger:      logger,
		Concurrency: cfg.CloseConcurrency,
		Location:    loc,
	}
	if redisClient != nil {
		locker = shared.NewLocker(redisClient, cfg.CloseLockTTL)
		orchestratorCfg.Locker = locker
	}

	return &Services{
		Tx:           tx,
		Sequence:     seq,
		Periods:      periodSvc,
		Ledger:       ledgerSvc,
		Closing:      closer,
		Orchestrator: closing.NewOrchestrator(orchestratorCfg),
		Reversal:     engine,
		Locker:       locker,
	}
}
