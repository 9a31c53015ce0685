package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Xkonti/crude-functions-core/internal/core"
	"github.com/Xkonti/crude-functions-core/internal/data/cryptoutil"
	"github.com/Xkonti/crude-functions-core/internal/domain/event"
	domainjob "github.com/Xkonti/crude-functions-core/internal/domain/job"
	"github.com/Xkonti/crude-functions-core/internal/domain/model"
	"github.com/Xkonti/crude-functions-core/internal/observability/notify"
	"github.com/Xkonti/crude-functions-core/internal/service/failurenotifier"
)

// DefaultStatsCacheTTL bounds how stale cached queue statistics may be.
const DefaultStatsCacheTTL = 5 * time.Second

const statsCacheKeyPrefix = "crudefn:queue:stats:"

// QueueServiceOptions groups dependencies for QueueService.
type QueueServiceOptions struct {
	Repo            core.JobRepository        // Required: job repository
	DefaultLease    time.Duration             // Required: default lease duration for claimed jobs
	Logger          *slog.Logger              // Optional: structured logger
	Events          event.Publisher           // Optional: lifecycle event bus
	FailureNotifier *failurenotifier.Service  // Optional: failure notification fan-out
	LeasePolicy     *domainjob.LeasePolicy    // Optional: override default lease policy
	Notifier        domainjob.Notifier        // Optional: custom job availability notifier
	NotifierOptions domainjob.NotifierOptions // Optional: configure default notifier behaviour
	Encryptor       cryptoutil.Encryptor      // Optional: required only for encrypted payloads
	Cache           core.CacheRepository      // Optional: short-TTL stats cache
	StatsCacheTTL   time.Duration             // Optional: stats cache TTL, defaults to 5s
}

// QueueService provides business logic for job queue operations.
//
// This service manages:
// - Enqueueing, with optional payload encryption at rest
// - Claim, start, heartbeat, and finish transitions for workers
// - Cooperative cancellation
// - Lifecycle events on the in-process bus
// - Pub/sub notification system for job availability
// - Graceful shutdown of all listeners.
type QueueService struct {
	repo            core.JobRepository
	leasePolicy     *domainjob.LeasePolicy
	notifier        domainjob.Notifier
	logger          *slog.Logger
	events          event.Publisher
	failureNotifier *failurenotifier.Service
	encryptor       cryptoutil.Encryptor
	cache           core.CacheRepository
	statsCacheTTL   time.Duration
}

// NewQueueService constructs a new QueueService.
func NewQueueService(opts QueueServiceOptions) (*QueueService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}

	var leasePolicy *domainjob.LeasePolicy
	switch {
	case opts.LeasePolicy != nil:
		leasePolicy = opts.LeasePolicy
	case opts.DefaultLease > 0:
		var err error
		leasePolicy, err = domainjob.NewLeasePolicy(opts.DefaultLease)
		if err != nil {
			return nil, fmt.Errorf("create lease policy: %w", err)
		}
	default:
		return nil, errors.New("DefaultLease must be positive")
	}

	notifier := opts.Notifier
	if notifier == nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			options.Waiter = opts.Repo
		}
		var err error
		notifier, err = domainjob.NewNotifier(options)
		if err != nil {
			return nil, fmt.Errorf("create job notifier: %w", err)
		}
	}

	statsCacheTTL := opts.StatsCacheTTL
	if statsCacheTTL <= 0 {
		statsCacheTTL = DefaultStatsCacheTTL
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "queue_service")
		logger.Debug("QueueService initialized",
			"default_lease", leasePolicy.Default(),
		)
	}

	return &QueueService{
		repo:            opts.Repo,
		leasePolicy:     leasePolicy,
		notifier:        notifier,
		logger:          logger,
		events:          opts.Events,
		failureNotifier: opts.FailureNotifier,
		encryptor:       opts.Encryptor,
		cache:           opts.Cache,
		statsCacheTTL:   statsCacheTTL,
	}, nil
}

// MustNewQueueService constructs a new QueueService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewQueueService(opts QueueServiceOptions) *QueueService {
	svc, err := NewQueueService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create QueueService: %v", err))
	}
	return svc
}

// LeasePolicy exposes the lease policy so the processor can derive heartbeat
// cadence from the same resolution the claim used.
func (s *QueueService) LeasePolicy() *domainjob.LeasePolicy {
	return s.leasePolicy
}

// Enqueue persists a new pending job. When the request asks for payload
// encryption the payload is sealed before it reaches storage.
func (s *QueueService) Enqueue(ctx context.Context, req *model.EnqueueRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("enqueue request is required")
	}

	if req.EncryptPayload {
		sealed, err := s.sealPayload(req)
		if err != nil {
			return nil, err
		}
		req = sealed
	}

	job, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	if s.logger != nil {
		s.logger.DebugContext(
			ctx,
			"job enqueued",
			"id",
			job.ID,
			"type",
			job.Type,
			"scheduled_for",
			job.ScheduledFor,
		)
	}

	if s.events != nil {
		s.events.Publish(ctx, event.JobEnqueued{
			JobID:        job.ID,
			JobType:      job.Type,
			ScheduledFor: job.ScheduledFor,
		})
	}

	return job, nil
}

// sealPayload returns a copy of the request with the payload encrypted.
func (s *QueueService) sealPayload(req *model.EnqueueRequest) (*model.EnqueueRequest, error) {
	if s.encryptor == nil {
		return nil, errors.New("payload encryption requested but no encryptor configured")
	}
	ciphertext, err := s.encryptor.Encrypt(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("encrypt payload: %w", err)
	}
	sealed := *req
	sealed.Payload = []byte(ciphertext)
	return &sealed, nil
}

// DecryptPayload returns the job's payload in plaintext form. Unencrypted
// payloads pass through unchanged.
func (s *QueueService) DecryptPayload(job *model.Job) ([]byte, error) {
	if job == nil || !job.PayloadEncrypted {
		if job == nil {
			return nil, errors.New("job is required")
		}
		return job.Payload, nil
	}
	if s.encryptor == nil {
		return nil, fmt.Errorf("job %s has an encrypted payload but no encryptor is configured", job.ID)
	}
	plaintext, err := s.encryptor.Decrypt(string(job.Payload))
	if err != nil {
		return nil, fmt.Errorf("decrypt payload for job %s: %w", job.ID, err)
	}
	return plaintext, nil
}

// ClaimRequest describes a claim attempt by a worker.
type ClaimRequest struct {
	Types   []model.JobType
	OwnerID string
	// Lease is the requested lease duration; zero uses the default.
	Lease time.Duration
}

// Claim reserves the next eligible job of one of the given types for the
// owner. Returns model.ErrNoJobsAvailable when nothing is eligible.
func (s *QueueService) Claim(ctx context.Context, req ClaimRequest) (*model.Job, error) {
	decision := s.leasePolicy.Resolve(req.Lease)
	if decision.Clamped() && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped sub-second lease duration to 1 second",
			"requested_duration", decision.Requested,
			"owner_id", req.OwnerID)
	}

	job, err := s.repo.ClaimOne(ctx, core.ClaimParams{
		Types:        req.Types,
		OwnerID:      req.OwnerID,
		LeaseSeconds: decision.Seconds,
	})
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}

	if s.logger != nil {
		s.logger.DebugContext(
			ctx,
			"job claimed",
			"id",
			job.ID,
			"type",
			job.Type,
			"lease_seconds",
			decision.Seconds,
		)
	}

	return job, nil
}

// Start transitions a claimed job to running for its current owner.
func (s *QueueService) Start(ctx context.Context, jobID, ownerID string) (*model.Job, error) {
	job, err := s.repo.Start(ctx, core.StartParams{
		JobID:   jobID,
		OwnerID: ownerID,
	})
	if err != nil {
		return nil, fmt.Errorf("start job %s: %w", jobID, err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "job started", "id", job.ID, "attempt", job.Attempt)
	}

	if s.events != nil {
		s.events.Publish(ctx, event.JobStarted{
			JobID:   job.ID,
			Attempt: job.Attempt,
		})
	}

	return job, nil
}

// HeartbeatRequest describes a lease extension attempt.
type HeartbeatRequest struct {
	JobID   string
	OwnerID string
	// Extend is the requested lease extension; zero uses the default.
	Extend time.Duration
}

// Heartbeat extends the lease on a job and reports whether cancellation has
// been requested. OK=false means the caller no longer owns the job.
func (s *QueueService) Heartbeat(ctx context.Context, req HeartbeatRequest) (model.HeartbeatResult, error) {
	decision := s.leasePolicy.Resolve(req.Extend)
	if decision.Clamped() && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped sub-second heartbeat duration to 1 second",
			"requested_duration", decision.Requested,
			"job_id", req.JobID)
	}

	result, err := s.repo.Heartbeat(ctx, core.HeartbeatParams{
		JobID:        req.JobID,
		OwnerID:      req.OwnerID,
		LeaseSeconds: decision.Seconds,
	})
	if err != nil {
		return model.HeartbeatResult{}, fmt.Errorf("heartbeat job %s: %w", req.JobID, err)
	}

	if s.logger != nil && !result.OK {
		s.logger.WarnContext(ctx, "heartbeat rejected, lease lost",
			"job_id", req.JobID,
			"owner_id", req.OwnerID,
		)
	}

	return result, nil
}

// FinishRequest describes a terminal outcome report from a worker.
type FinishRequest struct {
	JobID   string
	OwnerID string
	Outcome model.Outcome
	// Result is the handler's return value; persisted only on success.
	Result json.RawMessage
	// ErrMsg is recorded as the job's last error on failure.
	ErrMsg string
	// ErrorClass and Metadata enrich failure notifications.
	ErrorClass string
	Metadata   map[string]string
}

// Finish records the outcome of a job attempt. Failed jobs with retries left
// return to pending with backoff; exhausted or cancelled jobs become
// terminal. The bool reports whether this call performed the transition.
func (s *QueueService) Finish(ctx context.Context, req FinishRequest) (*model.Job, bool, error) {
	job, transitioned, err := s.repo.Finish(ctx, core.FinishParams{
		JobID:   req.JobID,
		OwnerID: req.OwnerID,
		Outcome: req.Outcome,
		Result:  req.Result,
		ErrMsg:  req.ErrMsg,
	})
	if err != nil {
		return nil, false, fmt.Errorf("finish job %s: %w", req.JobID, err)
	}
	if !transitioned {
		if s.logger != nil {
			s.logger.DebugContext(ctx, "finish was a no-op",
				"job_id", req.JobID,
				"outcome", req.Outcome,
				"status", job.Status,
			)
		}
		return job, false, nil
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "job finished",
			"id", job.ID,
			"outcome", req.Outcome,
			"status", job.Status,
			"attempt", job.Attempt,
		)
	}

	if job.Status.Terminal() {
		s.publishCompleted(ctx, job, req)
	}
	if job.Status == model.JobStatusFailed {
		s.notifyTerminalFailure(ctx, job, req)
	}

	return job, true, nil
}

// publishCompleted announces a terminal transition on the event bus. Retried
// failures stay pending and do not complete.
func (s *QueueService) publishCompleted(ctx context.Context, job *model.Job, req FinishRequest) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, event.JobCompleted{
		JobID:         job.ID,
		Outcome:       req.Outcome,
		Result:        job.Result,
		Error:         job.LastError,
		ReferenceType: job.ReferenceType,
		ReferenceID:   job.ReferenceID,
	})
}

func (s *QueueService) notifyTerminalFailure(ctx context.Context, job *model.Job, req FinishRequest) {
	if s.failureNotifier == nil || !s.failureNotifier.Enabled() {
		return
	}

	payload := notify.JobFailurePayload{
		JobID:       job.ID,
		JobType:     string(job.Type),
		Attempt:     job.Attempt,
		MaxRetries:  job.MaxRetries,
		FinalStatus: string(job.Status),
		Error:       req.ErrMsg,
		ErrorClass:  req.ErrorClass,
		Severity:    notify.SeverityCritical,
		OccurredAt:  time.Now(),
		Metadata:    req.Metadata,
	}
	if job.ReferenceType != nil {
		payload.ReferenceType = *job.ReferenceType
	}
	if job.ReferenceID != nil {
		payload.ReferenceID = *job.ReferenceID
	}
	s.failureNotifier.NotifyJobFailure(ctx, payload)
}

// RequestCancel flags a job for cooperative cancellation. Pending jobs are
// cancelled immediately; running jobs observe the flag on their next
// heartbeat. The bool reports whether this call cancelled the job outright.
func (s *QueueService) RequestCancel(ctx context.Context, id string) (*model.Job, bool, error) {
	job, cancelledNow, err := s.repo.RequestCancel(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("request cancel for job %s: %w", id, err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job cancellation requested",
			"id", id,
			"cancelled_now", cancelledNow,
			"status", job.Status,
		)
	}

	// A pending job cancels without ever reaching a worker, so the terminal
	// event has to be published here.
	if cancelledNow && s.events != nil {
		s.events.Publish(ctx, event.JobCompleted{
			JobID:         job.ID,
			Outcome:       model.OutcomeCancelled,
			Error:         job.LastError,
			ReferenceType: job.ReferenceType,
			ReferenceID:   job.ReferenceID,
		})
	}

	return job, cancelledNow, nil
}

// GetByID returns a job by its ID.
func (s *QueueService) GetByID(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job by id %s: %w", id, err)
	}
	return job, nil
}

// GetByReference returns the jobs linked to a domain entity, newest first.
func (s *QueueService) GetByReference(ctx context.Context, params core.ReferenceParams) ([]*model.Job, error) {
	if params.ReferenceType == "" || params.ReferenceID == "" {
		return nil, errors.New("reference type and reference id are required")
	}
	jobs, err := s.repo.GetByReference(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("get jobs by reference %s/%s: %w", params.ReferenceType, params.ReferenceID, err)
	}
	return jobs, nil
}

// List returns jobs matching the given filters for admin views.
// Pagination defaults are normalized here to avoid drift across layers.
func (s *QueueService) List(ctx context.Context, opts *model.JobListOptions) ([]*model.Job, error) {
	if opts == nil {
		opts = &model.JobListOptions{}
	}
	p := normalizePagination(opts.Limit, opts.Offset)
	opts.Limit = p.Limit
	opts.Offset = p.Offset

	jobs, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Stats returns per-status job counts, optionally restricted to one type.
// Results are served from a short-TTL cache when one is configured.
func (s *QueueService) Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error) {
	key := statsCacheKeyPrefix + string(jobType)

	if cached := s.cachedStats(ctx, key); cached != nil {
		return cached, nil
	}

	stats, err := s.repo.Stats(ctx, jobType)
	if err != nil {
		return nil, fmt.Errorf("get job stats for type %q: %w", jobType, err)
	}

	s.storeStats(ctx, key, stats)
	return stats, nil
}

func (s *QueueService) cachedStats(ctx context.Context, key string) *model.JobStats {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		if s.logger != nil {
			s.logger.DebugContext(ctx, "stats cache read failed", "key", key, "error", err)
		}
		return nil
	}
	if raw == nil {
		return nil
	}
	var stats model.JobStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		if s.logger != nil {
			s.logger.DebugContext(ctx, "stats cache entry malformed", "key", key, "error", err)
		}
		return nil
	}
	return &stats
}

func (s *QueueService) storeStats(ctx context.Context, key string, stats *model.JobStats) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(stats)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, s.statsCacheTTL); err != nil && s.logger != nil {
		s.logger.DebugContext(ctx, "stats cache write failed", "key", key, "error", err)
	}
}

// ReclaimOrphans returns expired-lease jobs to the pending queue so other
// workers can pick them up.
func (s *QueueService) ReclaimOrphans(ctx context.Context) (int64, error) {
	reclaimed, err := s.repo.ReclaimOrphans(ctx)
	if err != nil {
		return 0, fmt.Errorf("reclaim orphaned jobs: %w", err)
	}

	if s.logger != nil && reclaimed > 0 {
		s.logger.InfoContext(ctx, "reclaimed orphaned jobs", "count", reclaimed)
	}

	return reclaimed, nil
}

// Delete safely deletes a job by ID with state machine safety checks.
// Only jobs outside claimed/running can be deleted.
func (s *QueueService) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("job id is required")
	}

	err := s.repo.Delete(ctx, id)
	if err != nil {
		if s.logger != nil {
			s.logger.DebugContext(ctx, "failed to delete job", "id", id, "error", err)
		}
		return fmt.Errorf("delete job %s: %w", id, err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job deleted", "id", id)
	}

	return nil
}

// Subscribe creates a subscription for job notifications of the given types.
// Returns an unsubscribe function and a channel that receives wakeups.
func (s *QueueService) Subscribe(types []model.JobType) (func(), <-chan struct{}) {
	if s.notifier == nil {
		ch := make(chan struct{})
		close(ch)
		return func() {}, ch
	}
	return s.notifier.Subscribe(types)
}

// StopAllListeners stops all active job notification listeners.
// This should be called during graceful shutdown to clean up goroutines.
func (s *QueueService) StopAllListeners() {
	if s.logger != nil {
		s.logger.Info("stopping all job listeners")
	}

	if s.notifier != nil {
		s.notifier.StopAll()
	}
}

// paginationParams holds normalized pagination parameters.
type paginationParams struct {
	Limit  int
	Offset int
}

// normalizePagination clamps pagination parameters to safe defaults.
// Default limit: 50, max limit: 1000, min offset: 0.
func normalizePagination(limit, offset int) paginationParams {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return paginationParams{Limit: limit, Offset: offset}
}
