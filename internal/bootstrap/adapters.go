package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/Xkonti/crude-functions-core/config"
	"github.com/Xkonti/crude-functions-core/internal/adapters/processor"
	"github.com/Xkonti/crude-functions-core/internal/adapters/reaper"
	schedrunner "github.com/Xkonti/crude-functions-core/internal/adapters/scheduler"
	"github.com/Xkonti/crude-functions-core/internal/data/cryptoutil"
	"github.com/Xkonti/crude-functions-core/internal/domain/event"
	domainjob "github.com/Xkonti/crude-functions-core/internal/domain/job"
	"github.com/Xkonti/crude-functions-core/internal/observability/statsd"
	"github.com/Xkonti/crude-functions-core/internal/service"
	"github.com/Xkonti/crude-functions-core/internal/service/failurenotifier"
)

//nolint:ireturn // Returning Encryptor interface is required for runner injection.
func resolveEncryptor(enc cryptoutil.Encryptor, logger *slog.Logger) cryptoutil.Encryptor {
	if enc != nil {
		return enc
	}
	if logger != nil {
		logger.Warn("no encryptor provided; using noop encryptor")
	}
	return &cryptoutil.NoopEncryptor{}
}

// SchedulerConfig contains configuration for the scheduler loop.
type SchedulerConfig struct {
	DB     *sql.DB
	Logger *slog.Logger
	Config config.SchedulerConfig

	// Scheduler, when set, is driven directly; otherwise a service is wired
	// from DB. Events feeds the completion fast path either way.
	Scheduler       *service.SchedulerService
	Events          *event.Bus
	Metrics         statsd.Sink
	Encryptor       cryptoutil.Encryptor
	FailureNotifier *failurenotifier.Service
}

// RunScheduler starts the scheduler loop and blocks until ctx is cancelled.
func RunScheduler(ctx context.Context, cfg SchedulerConfig) error {
	if cfg.Scheduler == nil {
		cfg.Encryptor = resolveEncryptor(cfg.Encryptor, cfg.Logger)
	}

	runner, err := schedrunner.NewRunner(schedrunner.RunnerOptions{
		DB:              cfg.DB,
		Config:          cfg.Config,
		Logger:          cfg.Logger,
		Events:          cfg.Events,
		Scheduler:       cfg.Scheduler,
		Metrics:         cfg.Metrics,
		Encryptor:       cfg.Encryptor,
		FailureNotifier: cfg.FailureNotifier,
	})
	if err != nil {
		return fmt.Errorf("create scheduler runner: %w", err)
	}

	return runner.Run(ctx)
}

// ProcessorConfig contains configuration for the job processor.
type ProcessorConfig struct {
	DB       *sql.DB
	Logger   *slog.Logger
	Config   config.ProcessorConfig
	Registry *domainjob.Registry
	OwnerID  string

	// Queue, when set, is used directly; otherwise a queue service is wired
	// from DB.
	Queue           *service.QueueService
	Encryptor       cryptoutil.Encryptor
	Events          event.Publisher
	Metrics         statsd.Sink
	FailureNotifier *failurenotifier.Service
}

// RunProcessor starts the worker pool and blocks until ctx is cancelled.
func RunProcessor(ctx context.Context, cfg ProcessorConfig) error {
	if cfg.Queue == nil {
		cfg.Encryptor = resolveEncryptor(cfg.Encryptor, cfg.Logger)
	}

	proc, err := processor.NewProcessor(processor.Options{
		DB:                    cfg.DB,
		Logger:                cfg.Logger,
		Registry:              cfg.Registry,
		Concurrency:           cfg.Config.Concurrency,
		Lease:                 cfg.Config.JobLease,
		PollInterval:          cfg.Config.PollInterval,
		OrphanReclaimInterval: cfg.Config.OrphanReclaimInterval,
		OwnerID:               cfg.OwnerID,
		Queue:                 cfg.Queue,
		Encryptor:             cfg.Encryptor,
		Events:                cfg.Events,
		Metrics:               cfg.Metrics,
		FailureNotifier:       cfg.FailureNotifier,
	})
	if err != nil {
		return fmt.Errorf("create processor: %w", err)
	}

	return proc.Run(ctx)
}

// ReaperConfig contains configuration for the reaper.
type ReaperConfig struct {
	DB      *sql.DB
	Logger  *slog.Logger
	Config  config.ReaperConfig
	Metrics statsd.Sink
}

// RunReaper starts the retention loop and blocks until ctx is cancelled.
func RunReaper(ctx context.Context, cfg ReaperConfig) error {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		DB:      cfg.DB,
		Config:  cfg.Config,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}

	return runner.Run(ctx)
}
