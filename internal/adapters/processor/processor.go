// Package processor pulls queued jobs and executes their registered handlers.
package processor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Xkonti/crude-functions-core/internal/data"
	"github.com/Xkonti/crude-functions-core/internal/data/cryptoutil"
	"github.com/Xkonti/crude-functions-core/internal/domain/event"
	domainjob "github.com/Xkonti/crude-functions-core/internal/domain/job"
	"github.com/Xkonti/crude-functions-core/internal/domain/model"
	"github.com/Xkonti/crude-functions-core/internal/instance"
	obserrors "github.com/Xkonti/crude-functions-core/internal/observability/errors"
	"github.com/Xkonti/crude-functions-core/internal/observability/metrics"
	"github.com/Xkonti/crude-functions-core/internal/observability/statsd"
	"github.com/Xkonti/crude-functions-core/internal/service"
	"github.com/Xkonti/crude-functions-core/internal/service/failurenotifier"
	"golang.org/x/sync/errgroup"
)

const (
	defaultLease                 = 60 * time.Second
	defaultPollInterval          = time.Second
	defaultOrphanReclaimInterval = 30 * time.Second
)

// Options configures the job processor adapter.
type Options struct {
	DB       *sql.DB
	Logger   *slog.Logger
	Registry *domainjob.Registry // handlers to execute; at least one required

	// Worker settings
	Concurrency           int           // worker goroutines; defaults to 1
	Lease                 time.Duration // per-job lease; zero uses the queue default
	PollInterval          time.Duration // claim retry floor when notifications are quiet; defaults to 1s
	OrphanReclaimInterval time.Duration // defaults to 30s

	// OwnerID identifies this process as the lease holder; defaults to the
	// shared instance identity.
	OwnerID string

	// Optional dependency injections (useful for tests/decoupling)
	Queue           *service.QueueService
	Encryptor       cryptoutil.Encryptor
	Events          event.Publisher
	Metrics         statsd.Sink
	FailureNotifier *failurenotifier.Service
}

// Processor claims jobs for the registered types and runs them on a worker
// pool, heartbeating each lease while the handler works.
type Processor struct {
	queue           *service.QueueService
	registry        *domainjob.Registry
	logger          *slog.Logger
	ownerID         string
	lease           time.Duration
	workers         int
	pollInterval    time.Duration
	reclaimInterval time.Duration
	metrics         statsd.Sink
}

// NewProcessor wires the queue service and constructs a processor for the
// registry's job types.
func NewProcessor(opts Options) (*Processor, error) {
	if opts.Registry == nil || opts.Registry.Len() == 0 {
		return nil, errors.New("at least one job handler must be registered")
	}
	if opts.DB == nil && opts.Queue == nil {
		return nil, errors.New("either DB or Queue must be provided")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	reclaimInterval := opts.OrphanReclaimInterval
	if reclaimInterval <= 0 {
		reclaimInterval = defaultOrphanReclaimInterval
	}
	ownerID := opts.OwnerID
	if ownerID == "" {
		ownerID = instance.Default().ID()
	}

	queue := opts.Queue
	if queue == nil {
		lease := opts.Lease
		if lease <= 0 {
			lease = defaultLease
		}
		queue = service.MustNewQueueService(service.QueueServiceOptions{
			Repo:            data.NewJobRepo(opts.DB, data.RepoConfig{}),
			DefaultLease:    lease,
			Logger:          opts.Logger,
			Events:          opts.Events,
			Encryptor:       opts.Encryptor,
			FailureNotifier: opts.FailureNotifier,
		})
	}

	return &Processor{
		queue:           queue,
		registry:        opts.Registry,
		logger:          logger.With("component", "processor"),
		ownerID:         ownerID,
		lease:           opts.Lease,
		workers:         workers,
		pollInterval:    pollInterval,
		reclaimInterval: reclaimInterval,
		metrics:         opts.Metrics,
	}, nil
}

// Run reclaims orphans once, then starts the worker pool and the reclaim
// ticker. It blocks until the context is cancelled; the first worker error
// cancels the group.
func (p *Processor) Run(ctx context.Context) error {
	types := p.registry.Types()
	p.logger.InfoContext(ctx, "starting job processor",
		"types", types,
		"workers", p.workers,
		"owner_id", p.ownerID,
	)

	if _, err := p.queue.ReclaimOrphans(ctx); err != nil {
		// Startup reclaim is best effort; the ticker retries.
		p.logger.ErrorContext(ctx, "startup orphan reclaim failed", "error", err)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return p.runReclaimLoop(gctx) })
	for range p.workers {
		group.Go(func() error { return p.runWorkerLoop(gctx, types) })
	}
	return group.Wait()
}

// runReclaimLoop periodically returns expired-lease jobs to the pending
// queue. Reclaim errors are logged and retried on the next tick.
func (p *Processor) runReclaimLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.queue.ReclaimOrphans(ctx); err != nil && ctx.Err() == nil {
				p.logger.ErrorContext(ctx, "orphan reclaim failed", "error", err)
			}
		}
	}
}

// runWorkerLoop implements the claim loop for a single worker.
func (p *Processor) runWorkerLoop(ctx context.Context, types []model.JobType) error {
	unsub, notify := p.queue.Subscribe(types)
	defer unsub()

	for ctx.Err() == nil {
		job, err := p.queue.Claim(ctx, service.ClaimRequest{
			Types:   types,
			OwnerID: p.ownerID,
			Lease:   p.lease,
		})
		switch {
		case err == nil:
			if job != nil {
				p.processJob(ctx, job)
			}
		case errors.Is(err, model.ErrNoJobsAvailable):
			if !p.waitForWork(ctx, notify) {
				return nil
			}
		default:
			p.logger.ErrorContext(ctx, "failed to claim next job", "error", err)
			return err
		}
	}
	return ctx.Err()
}

// waitForWork blocks until a job notification arrives, the poll interval
// elapses, or the context is cancelled. The interval is the floor that keeps
// claims flowing when the listen connection is quiet or broken.
func (p *Processor) waitForWork(ctx context.Context, notify <-chan struct{}) bool {
	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-notify:
		return true
	case <-timer.C:
		return true
	}
}

// processJob runs one claimed job to a finished state: start, heartbeat,
// invoke the handler, record the outcome.
func (p *Processor) processJob(ctx context.Context, job *model.Job) {
	start := time.Now()
	emit := func(transition, result string, err error) {
		metrics.EmitJobLifecycle(p.metrics, metrics.JobMetric{
			JobType:    string(job.Type),
			Transition: transition,
			Result:     result,
			Duration:   time.Since(start),
			Err:        err,
		})
	}

	running, err := p.queue.Start(ctx, job.ID, p.ownerID)
	if err != nil {
		// The lease was lost between claim and start (reclaim or cancel won
		// the race); the job is no longer ours to run.
		p.logger.WarnContext(ctx, "could not start claimed job", "job_id", job.ID, "error", err)
		emit("start", metrics.ResultError, err)
		return
	}

	payload, err := p.queue.DecryptPayload(running)
	if err != nil {
		p.finish(ctx, running, model.OutcomeFailed, nil, err, emit)
		return
	}

	token := domainjob.NewCancellationToken()
	if running.CancelRequested {
		token.Cancel()
	}
	stopHeartbeat := p.startHeartbeat(ctx, running.ID, token)

	result, handlerErr := p.invokeHandler(ctx, running, payload, token)
	stopHeartbeat()

	if ctx.Err() != nil && errors.Is(handlerErr, context.Canceled) {
		// Shutdown interrupted the handler. Leave the row alone: the lease
		// expires and reclaim returns it to pending without burning an attempt.
		p.logger.InfoContext(ctx, "abandoning job on shutdown", "job_id", running.ID)
		return
	}

	p.finish(ctx, running, outcomeFor(handlerErr), result, handlerErr, emit)
}

// invokeHandler runs the registered handler, converting panics to errors.
func (p *Processor) invokeHandler(
	ctx context.Context,
	job *model.Job,
	payload []byte,
	token *domainjob.CancellationToken,
) (result []byte, err error) {
	fn, ok := p.registry.Get(job.Type)
	if !ok {
		return nil, fmt.Errorf("no handler registered for job type %s", job.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			p.logger.ErrorContext(ctx, "job handler panicked",
				"job_id", job.ID,
				"job_type", job.Type,
				"panic", r,
			)
		}
	}()

	return fn(ctx, payload, token)
}

// finish records the outcome of the attempt. cause is the handler (or
// decrypt) error that produced a failed outcome; nil otherwise.
func (p *Processor) finish(
	ctx context.Context,
	job *model.Job,
	outcome model.Outcome,
	result []byte,
	cause error,
	emit func(transition, result string, err error),
) {
	var errMsg string
	if outcome == model.OutcomeFailed && cause != nil {
		errMsg = cause.Error()
	}

	finished, transitioned, err := p.queue.Finish(ctx, service.FinishRequest{
		JobID:      job.ID,
		OwnerID:    p.ownerID,
		Outcome:    outcome,
		Result:     result,
		ErrMsg:     errMsg,
		ErrorClass: obserrors.Classify(cause),
		Metadata:   map[string]string{"component": "processor"},
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "finish job failed",
			"job_id", job.ID,
			"outcome", outcome,
			"error", err,
		)
		emit(string(outcome), metrics.ResultError, err)
		return
	}

	if outcome == model.OutcomeFailed {
		emit(string(outcome), metrics.ResultError, cause)
	} else {
		metricResult := metrics.ResultNoop
		if transitioned {
			metricResult = metrics.ResultSuccess
		}
		emit(string(outcome), metricResult, nil)
	}

	if transitioned && finished.Status == model.JobStatusPending {
		p.logger.InfoContext(ctx, "job failed, retry scheduled",
			"job_id", finished.ID,
			"attempt", finished.Attempt,
			"scheduled_for", finished.ScheduledFor,
		)
	}
}

// outcomeFor maps a handler error to the outcome it should record.
func outcomeFor(err error) model.Outcome {
	switch {
	case err == nil:
		return model.OutcomeSucceeded
	case errors.Is(err, domainjob.ErrCancelled):
		return model.OutcomeCancelled
	default:
		return model.OutcomeFailed
	}
}

// startHeartbeat extends the job lease on a ticker derived from the lease
// duration and refreshes the cancellation token from the row's flag. A lost
// lease cancels the token and ends the loop: a stale owner must stop writing.
// It returns a stop function.
func (p *Processor) startHeartbeat(ctx context.Context, jobID string, token *domainjob.CancellationToken) func() {
	interval := p.queue.LeasePolicy().Resolve(p.lease).HeartbeatInterval()
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !p.heartbeatOnce(ctx, jobID, token) {
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() { close(done) }
}

// heartbeatOnce performs a single lease extension. Returns false when the
// loop should stop because the lease is no longer held.
func (p *Processor) heartbeatOnce(ctx context.Context, jobID string, token *domainjob.CancellationToken) bool {
	result, err := p.queue.Heartbeat(ctx, service.HeartbeatRequest{
		JobID:   jobID,
		OwnerID: p.ownerID,
		Extend:  p.lease,
	})
	if err != nil {
		if ctx.Err() == nil {
			p.logger.ErrorContext(ctx, "heartbeat failed", "job_id", jobID, "error", err)
		}
		return true
	}
	if !result.OK {
		// Lease lost: the job was reclaimed or finished elsewhere. Stop the
		// handler so the stale owner does not race the new one.
		p.logger.WarnContext(ctx, "lease lost, cancelling handler", "job_id", jobID)
		token.Cancel()
		return false
	}
	if result.CancelRequested {
		// Keep heartbeating after a cancel request: the lease must stay ours
		// while the handler winds down to its next safe point.
		token.Cancel()
	}
	return true
}
