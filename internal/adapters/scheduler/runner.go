// Package scheduler provides the adapter that hosts the schedule loop:
// the fire tick, the completion poll, and the completion event fast path.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Xkonti/crude-functions-core/config"
	"github.com/Xkonti/crude-functions-core/internal/data"
	"github.com/Xkonti/crude-functions-core/internal/data/cryptoutil"
	"github.com/Xkonti/crude-functions-core/internal/domain/event"
	obserrors "github.com/Xkonti/crude-functions-core/internal/observability/errors"
	"github.com/Xkonti/crude-functions-core/internal/observability/metrics"
	"github.com/Xkonti/crude-functions-core/internal/observability/statsd"
	"github.com/Xkonti/crude-functions-core/internal/service"
	"github.com/Xkonti/crude-functions-core/internal/service/failurenotifier"
)

// completionBuffer bounds the channel between the event bus and the runner
// loop. The bus must never block on the scheduler, so overflow is dropped;
// the completion poll resolves whatever the fast path misses.
const completionBuffer = 64

// Runner provides a simple adapter to run the scheduler loop.
// It constructs the scheduler service, recovers persisted state on start,
// then drives the fire tick and the completion poll at their configured
// intervals until the context is cancelled.
type Runner struct {
	scheduler   *service.SchedulerService
	cfg         config.SchedulerConfig
	logger      *slog.Logger
	metrics     statsd.Sink
	events      *event.Bus
	completions chan event.JobCompleted
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB     *sql.DB
	Config config.SchedulerConfig
	Logger *slog.Logger
	Events *event.Bus

	// Optional dependency injections for testing/decoupling
	Scheduler       *service.SchedulerService
	Metrics         statsd.Sink
	Encryptor       cryptoutil.Encryptor
	FailureNotifier *failurenotifier.Service
	TimeProvider    data.TimeProvider
}

// NewRunner creates a new scheduler runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	scheduler, err := wireSchedulerService(opts)
	if err != nil {
		return nil, fmt.Errorf("wire scheduler service: %w", err)
	}

	return &Runner{
		scheduler:   scheduler,
		cfg:         opts.Config,
		logger:      opts.Logger.With("component", "scheduler_runner"),
		metrics:     opts.Metrics,
		events:      opts.Events,
		completions: make(chan event.JobCompleted, completionBuffer),
	}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.DB == nil && opts.Scheduler == nil {
		return errors.New("either DB or Scheduler must be provided")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Config.Sanitize()
	return nil
}

// wireSchedulerService wires up all dependencies for the scheduler service.
func wireSchedulerService(opts RunnerOptions) (*service.SchedulerService, error) {
	if opts.Scheduler != nil {
		return opts.Scheduler, nil
	}

	repoCfg := data.RepoConfig{Logger: opts.Logger, TimeProvider: opts.TimeProvider}

	// A nil *event.Bus must stay a nil interface inside the service.
	var publisher event.Publisher
	if opts.Events != nil {
		publisher = opts.Events
	}

	return service.NewSchedulerService(service.SchedulerServiceOptions{
		Repo:                data.NewScheduleRepo(opts.DB, repoCfg),
		Jobs:                data.NewJobRepo(opts.DB, repoCfg),
		TimeProvider:        opts.TimeProvider,
		Logger:              opts.Logger,
		Events:              publisher,
		FailureNotifier:     opts.FailureNotifier,
		Encryptor:           opts.Encryptor,
		BatchSize:           opts.Config.BatchSize,
		CompletionBatchSize: opts.Config.CompletionBatchSize,
	})
}

// Run starts the scheduler loop and runs until the context is cancelled.
// Transient schedules are purged and tracked jobs reconciled before the
// first tick so a restart cannot double-fire or strand a schedule.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting scheduler runner",
		"tick_interval", r.cfg.TickInterval,
		"completion_check_interval", r.cfg.CompletionCheckInterval,
	)

	if err := r.scheduler.Startup(ctx); err != nil {
		return fmt.Errorf("scheduler startup: %w", err)
	}

	if r.events != nil {
		unsubscribe := r.events.Subscribe(event.TypeJobCompleted, r.enqueueCompletion)
		defer unsubscribe()
	}

	tick := time.NewTicker(r.cfg.TickInterval)
	defer tick.Stop()

	poll := time.NewTicker(r.cfg.CompletionCheckInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "scheduler runner stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case now := <-tick.C:
			r.runTick(ctx, now)

		case now := <-poll.C:
			r.runCompletionPoll(ctx, now)

		case evt := <-r.completions:
			if err := r.scheduler.HandleCompletion(ctx, evt); err != nil {
				r.logger.ErrorContext(ctx, "completion fast path failed",
					"job_id", evt.JobID,
					"error", err,
				)
			}
		}
	}
}

// enqueueCompletion runs on the publisher's goroutine and must not block it.
func (r *Runner) enqueueCompletion(_ context.Context, evt event.Event) error {
	completed, ok := evt.(event.JobCompleted)
	if !ok {
		return nil
	}

	select {
	case r.completions <- completed:
	default:
		// Dropped events are resolved by the next completion poll.
		r.logger.Debug("completion buffer full", "job_id", completed.JobID)
	}
	return nil
}

func (r *Runner) runTick(ctx context.Context, now time.Time) {
	start := time.Now()
	fired, err := r.scheduler.Tick(ctx, now)
	elapsed := time.Since(start)

	r.emitTickMetrics(fired, elapsed, err)

	if err != nil {
		r.logger.ErrorContext(ctx, "scheduler tick failed", "error", err)
		// Continue running despite errors
		return
	}
	if fired > 0 {
		r.logger.InfoContext(ctx, "fired due schedules", "count", fired)
	}
}

func (r *Runner) runCompletionPoll(ctx context.Context, now time.Time) {
	resolved, err := r.scheduler.ResolveCompletions(ctx, now)

	r.emitCompletionMetrics(resolved, err)

	if err != nil {
		r.logger.ErrorContext(ctx, "completion poll failed", "error", err)
		return
	}
	if resolved > 0 {
		r.logger.InfoContext(ctx, "resolved tracked completions", "count", resolved)
	}
}

func (r *Runner) emitTickMetrics(fired int, elapsed time.Duration, err error) {
	if r.metrics == nil {
		return
	}

	tags := map[string]string{
		"result": metrics.ResultOf(err, fired),
	}

	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	r.metrics.Count("scheduler.tick", 1, tags)

	if fired > 0 {
		r.metrics.Count("scheduler.jobs_enqueued", int64(fired), tags)
	}

	if elapsed > 0 {
		r.metrics.Timing("scheduler.tick_duration", elapsed, metrics.CloneTags(tags))
	}

	if err == nil {
		r.metrics.Gauge("scheduler.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func (r *Runner) emitCompletionMetrics(resolved int, err error) {
	if r.metrics == nil {
		return
	}

	tags := map[string]string{
		"result": metrics.ResultOf(err, resolved),
	}

	r.metrics.Count("scheduler.completion_poll", 1, tags)

	if resolved > 0 {
		r.metrics.Count("scheduler.completions_resolved", int64(resolved), tags)
	}
}
