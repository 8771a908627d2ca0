package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"tokostok/backend/internal/domain"
)

const (
	// QueueDefault is the queue every ledger maintenance task runs on.
	QueueDefault = "default"
	// TaskStockIntegrity recomputes stock aggregates from batches.
	TaskStockIntegrity = "stock:integrity"
)

// IntegrityChecker is the part of the ledger service the worker needs.
type IntegrityChecker interface {
	VerifyStockIntegrity(ctx context.Context) ([]domain.StockDrift, error)
}

// StockIntegrityPayload records what queued the check, "cron" for scheduled runs.
type StockIntegrityPayload struct {
	Trigger string `json:"trigger"`
}

func NewStockIntegrityTask(trigger string) (*asynq.Task, error) {
	body, err := json.Marshal(StockIntegrityPayload{Trigger: trigger})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockIntegrity, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

type StockIntegrityJob struct {
	checker IntegrityChecker
	logger  logrus.FieldLogger
}

func NewStockIntegrityJob(checker IntegrityChecker, logger logrus.FieldLogger) *StockIntegrityJob {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &StockIntegrityJob{checker: checker, logger: logger.WithField("job", TaskStockIntegrity)}
}

// Handle runs one integrity pass. Drift is reported, not repaired, so the
// task succeeds whenever the check itself could run.
func (j *StockIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.checker == nil {
		return errors.New("stock integrity: handler not configured")
	}
	var payload StockIntegrityPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	drift, err := j.checker.VerifyStockIntegrity(ctx)
	if err != nil {
		j.logger.WithError(err).Error("stock integrity check failed")
		return err
	}

	entry := j.logger.WithField("drifted_products", len(drift))
	if payload.Trigger != "" {
		entry = entry.WithField("trigger", payload.Trigger)
	}
	if len(drift) > 0 {
		entry.Warn("stock integrity check found drift")
		return nil
	}
	entry.Info("stock integrity check passed")
	return nil
}

// Worker wraps the asynq server and its scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    logrus.FieldLogger
}

type TaskHandler struct {
	Type    string
	Handler asynq.HandlerFunc
}

// CronRegistration wires a cron expression to a prepared task.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Logger      logrus.FieldLogger
	Concurrency int
	Handlers    []TaskHandler
	Cron        []CronRegistration
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}

	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			QueueDefault: 1,
		},
		Logger: asynqLogger{cfg.Logger.WithField("module", "asynq")},
	})
	mux := asynq.NewServeMux()
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			continue
		}
		mux.HandleFunc(h.Type, h.Handler)
	}

	var scheduler *asynq.Scheduler
	if len(cfg.Cron) > 0 {
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC})
		for _, entry := range cfg.Cron {
			if entry.Spec == "" || entry.Task == nil {
				continue
			}
			if _, err := scheduler.Register(entry.Spec, entry.Task, entry.Options...); err != nil {
				return nil, err
			}
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: cfg.Logger}, nil
}

// Run processes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	select {
	case <-ctx.Done():
		w.logger.Info("worker shutting down")
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		return err
	}
}

// asynqLogger routes asynq's internal logging through logrus.
type asynqLogger struct {
	logger logrus.FieldLogger
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug(args...) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info(args...) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn(args...) }
func (l asynqLogger) Error(args ...any) { l.logger.Error(args...) }
func (l asynqLogger) Fatal(args ...any) { l.logger.Fatal(args...) }
