package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/internal/app"
	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	if err := run(ctx, stop, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	services := app.NewServices(cfg, pool, redisClient, metrics, logger)

	closeJob := jobs.NewPeriodCloseJob(services.Orchestrator, logger, metrics.Jobs())
	integrityJob := jobs.NewLedgerIntegrityJob(
		services.Orchestrator,
		services.Periods,
		services.Ledger,
		services.Locker,
		logger,
		metrics.Jobs(),
	)

	now := time.Now()
	closeTask, err := jobs.NewPeriodCloseTask(0, now)
	if err != nil {
		return err
	}
	integrityTask, err := jobs.NewLedgerIntegrityTask(0, now)
	if err != nil {
		return err
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerQueueSize,
		Location:    cfg.Location(),
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskPeriodClose, Handler: closeJob.Handle},
			{Type: jobs.TaskLedgerIntegrity, Handler: integrityJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.CloseCron, Task: closeTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.IntegrityCron, Task: integrityTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		return err
	}

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:     logger,
		Config:     cfg,
		Metrics:    metrics,
		JobHandler: jobs.NewHandler(inspector, logger),
		Checks: map[string]app.Pinger{
			"postgres": app.PingFunc(pool.Ping),
			"redis": app.PingFunc(func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			}),
		},
	})
	server := &http.Server{
		Addr:         cfg.OpsAddr,
		Handler:      router,
		ReadTimeout:  cfg.OpsReadTimeout,
		WriteTimeout: cfg.OpsWriteTimeout,
	}
	go func() {
		logger.Info("starting ops server", slog.String("addr", cfg.OpsAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server", slog.Any("error", err))
			stop()
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown", slog.Any("error", err))
		}
	}()

	logger.Info("worker started",
		slog.String("close_cron", cfg.CloseCron),
		slog.String("integrity_cron", cfg.IntegrityCron),
		slog.String("timezone", cfg.Timezone),
	)
	return worker.Run(ctx)
}
