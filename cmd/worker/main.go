package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"tokostok/backend/internal/config"
	"tokostok/backend/internal/jobs"
	"tokostok/backend/internal/observability"
	"tokostok/backend/internal/service"
	pgstore "tokostok/backend/internal/store/postgres"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logger := config.NewLogger(cfg, os.Stdout)

	if cfg.DatabaseURL == "" || cfg.RedisAddr == "" {
		logger.Fatal("worker needs DATABASE_URL and REDIS_ADDR")
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	repo, err := pgstore.New(connectCtx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		logger.WithError(err).Fatal("connect database")
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.WithError(err).Warn("database close")
		}
	}()

	metrics := observability.NewMetrics()
	svc := service.New(repo, service.Options{
		Logger:  logger,
		Metrics: metrics,
	})
	integrityJob := jobs.NewStockIntegrityJob(svc, logger)

	integrityTask, err := jobs.NewStockIntegrityTask("cron")
	if err != nil {
		logger.WithError(err).Fatal("build integrity task")
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
		Logger: logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskStockIntegrity, Handler: integrityJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.IntegrityCron, Task: integrityTask},
		},
	})
	if err != nil {
		logger.WithError(err).Fatal("init worker")
	}

	metricsServer := metrics.Server(cfg.WorkerMetricsAddr)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("worker metrics server stopped")
		}
	}()

	logger.WithFields(logrus.Fields{"cron": cfg.IntegrityCron, "metrics_addr": cfg.WorkerMetricsAddr}).Info("worker started")
	runErr := worker.Run(ctx)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("worker metrics shutdown")
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.WithError(runErr).Fatal("worker run")
	}
	logger.Info("worker stopped")
}
