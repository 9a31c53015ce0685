// Package service provides business logic services for the job system.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Xkonti/crude-functions-core/internal/core"
	"github.com/Xkonti/crude-functions-core/internal/data"
	"github.com/Xkonti/crude-functions-core/internal/data/cryptoutil"
	"github.com/Xkonti/crude-functions-core/internal/domain/event"
	"github.com/Xkonti/crude-functions-core/internal/domain/model"
	domainschedule "github.com/Xkonti/crude-functions-core/internal/domain/schedule"
	apperrors "github.com/Xkonti/crude-functions-core/internal/errors"
	"github.com/Xkonti/crude-functions-core/internal/observability/notify"
	"github.com/Xkonti/crude-functions-core/internal/service/failurenotifier"
)

// DefaultScheduleBatchSize bounds how many due schedules one tick processes.
const DefaultScheduleBatchSize = 100

// DefaultCompletionBatchSize bounds how many tracked completions one
// resolution pass processes.
const DefaultCompletionBatchSize = 100

// SchedulerServiceOptions holds the dependencies for creating a SchedulerService.
type SchedulerServiceOptions struct {
	Repo                core.ScheduleRepository  // Required: schedule repository
	Jobs                core.JobRepository       // Required: tracked-job lookups and manual triggers
	TimeProvider        data.TimeProvider        // Optional: defaults to real time
	Logger              *slog.Logger             // Optional: structured logger
	Events              event.Publisher          // Optional: lifecycle event bus
	FailureNotifier     *failurenotifier.Service // Optional: schedule pause notifications
	Encryptor           cryptoutil.Encryptor     // Optional: required only for encrypted payloads
	BatchSize           int                      // Optional: due schedules per tick, defaults to 100
	CompletionBatchSize int                      // Optional: completions per pass, defaults to 100
}

// SchedulerService manages schedule registrations and drives the two halves
// of schedule advancement: firing due schedules and resolving the tracked
// jobs of sequential and dynamic schedules.
//
// Safe under concurrent replicas: fires and completion resolutions serialize
// per schedule on an advisory lock, and every advance is guarded on the row
// still being in the state the decision was computed from.
type SchedulerService struct {
	repo                core.ScheduleRepository
	jobs                core.JobRepository
	timeProvider        data.TimeProvider
	logger              *slog.Logger
	events              event.Publisher
	failureNotifier     *failurenotifier.Service
	encryptor           cryptoutil.Encryptor
	batchSize           int
	completionBatchSize int
}

// NewSchedulerService creates a new SchedulerService with the given dependencies.
func NewSchedulerService(opts SchedulerServiceOptions) (*SchedulerService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ScheduleRepository is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultScheduleBatchSize
	}
	if opts.CompletionBatchSize <= 0 {
		opts.CompletionBatchSize = DefaultCompletionBatchSize
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "scheduler_service")
	}

	return &SchedulerService{
		repo:                opts.Repo,
		jobs:                opts.Jobs,
		timeProvider:        opts.TimeProvider,
		logger:              logger,
		events:              opts.Events,
		failureNotifier:     opts.FailureNotifier,
		encryptor:           opts.Encryptor,
		batchSize:           opts.BatchSize,
		completionBatchSize: opts.CompletionBatchSize,
	}, nil
}

// MustNewSchedulerService constructs a new SchedulerService and panics on error.
func MustNewSchedulerService(opts SchedulerServiceOptions) *SchedulerService {
	svc, err := NewSchedulerService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create SchedulerService: %v", err))
	}
	return svc
}

// Register validates and persists a new schedule. Interval kinds without an
// explicit first run begin one interval out; the other kinds carry their
// required next run time. Duplicate names yield a Conflict error.
func (s *SchedulerService) Register(ctx context.Context, req *model.RegisterScheduleRequest) (*model.Schedule, error) {
	if req == nil {
		return nil, errors.New("schedule registration is required")
	}

	now := s.timeProvider.Now()
	if err := req.Validate(now); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid schedule registration")
	}

	payload := req.JobPayload
	if req.EncryptPayload {
		if s.encryptor == nil {
			return nil, errors.New("payload encryption requested but no encryptor configured")
		}
		ciphertext, err := s.encryptor.Encrypt(req.JobPayload)
		if err != nil {
			return nil, fmt.Errorf("encrypt schedule payload: %w", err)
		}
		payload = []byte(ciphertext)
	}

	row := &model.Schedule{
		Name:                   req.Name,
		Description:            req.Description,
		Kind:                   req.Kind,
		Status:                 model.ScheduleStatusActive,
		NextRunAt:              initialNextRun(req, now),
		Interval:               req.Interval,
		JobType:                req.JobType,
		JobPayload:             payload,
		JobPriority:            req.JobPriority,
		JobMaxRetries:          req.JobMaxRetries,
		EncryptPayload:         req.EncryptPayload,
		IsPersistent:           !req.Transient,
		MaxConsecutiveFailures: req.FailureLimit(),
	}

	created, err := s.repo.Insert(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("register schedule %s: %w", req.Name, err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "schedule registered",
			"name", created.Name,
			"kind", created.Kind,
			"job_type", created.JobType,
			"next_run_at", created.NextRunAt,
			"persistent", created.IsPersistent,
		)
	}

	return created, nil
}

// initialNextRun computes the first run time for a new schedule. Validation
// guarantees an explicit time for one_off and dynamic kinds.
func initialNextRun(req *model.RegisterScheduleRequest, now time.Time) *time.Time {
	if req.NextRunAt != nil {
		t := req.NextRunAt.UTC()
		return &t
	}
	t := now.Add(req.Interval)
	return &t
}

// GetByName returns a schedule by name.
func (s *SchedulerService) GetByName(ctx context.Context, name string) (*model.Schedule, error) {
	sched, err := s.repo.GetByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("get schedule %s: %w", name, err)
	}
	return sched, nil
}

// List returns schedules matching the given filters.
// Pagination defaults are normalized here to avoid drift across layers.
func (s *SchedulerService) List(ctx context.Context, opts model.ScheduleListOptions) ([]*model.Schedule, error) {
	p := normalizePagination(opts.Limit, opts.Offset)
	opts.Limit = p.Limit
	opts.Offset = p.Offset

	schedules, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return schedules, nil
}

// Pause suspends an active schedule. The next run time is retained so the
// schedule fires when resumed, immediately if it is overdue by then.
func (s *SchedulerService) Pause(ctx context.Context, name string) (*model.Schedule, error) {
	paused, err := s.repo.SetStatus(ctx, core.SetScheduleStatusParams{
		Name: name,
		From: []model.ScheduleStatus{model.ScheduleStatusActive},
		To:   model.ScheduleStatusPaused,
	})
	if err != nil {
		return nil, fmt.Errorf("pause schedule %s: %w", name, err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "schedule paused", "name", name)
	}
	return paused, nil
}

// Resume reactivates a paused schedule.
func (s *SchedulerService) Resume(ctx context.Context, name string) (*model.Schedule, error) {
	resumed, err := s.repo.SetStatus(ctx, core.SetScheduleStatusParams{
		Name: name,
		From: []model.ScheduleStatus{model.ScheduleStatusPaused},
		To:   model.ScheduleStatusActive,
	})
	if err != nil {
		return nil, fmt.Errorf("resume schedule %s: %w", name, err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "schedule resumed", "name", name, "next_run_at", resumed.NextRunAt)
		if resumed.NextRunAt == nil && resumed.ActiveJobID == nil {
			s.logger.WarnContext(ctx, "resumed schedule has no next run time and will not fire", "name", name)
		}
	}
	return resumed, nil
}

// Cancel marks a schedule completed. The row is kept for inspection; an
// in-flight tracked job runs to completion but no longer advances the
// schedule.
func (s *SchedulerService) Cancel(ctx context.Context, name string) (*model.Schedule, error) {
	cancelled, err := s.repo.SetStatus(ctx, core.SetScheduleStatusParams{
		Name:           name,
		From:           []model.ScheduleStatus{model.ScheduleStatusActive, model.ScheduleStatusPaused},
		To:             model.ScheduleStatusCompleted,
		ClearNextRun:   true,
		ClearActiveJob: true,
	})
	if err != nil {
		return nil, fmt.Errorf("cancel schedule %s: %w", name, err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "schedule cancelled", "name", name)
	}
	return cancelled, nil
}

// Delete removes a schedule row entirely. An in-flight tracked job is left
// running; its completion resolves against a missing row and is dropped.
func (s *SchedulerService) Delete(ctx context.Context, name string) error {
	deleted, err := s.repo.Delete(ctx, name)
	if err != nil {
		return fmt.Errorf("delete schedule %s: %w", name, err)
	}
	if !deleted {
		return apperrors.NotFoundf("schedule %q not found", name)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "schedule deleted", "name", name)
	}
	return nil
}

// TriggerNow enqueues one job from the schedule's template immediately,
// outside the cadence: next_run_at and the tracked job are untouched, and
// the triggered job's completion does not advance the schedule. Completed
// schedules reject the trigger; a live sequential job surfaces as Conflict.
func (s *SchedulerService) TriggerNow(ctx context.Context, name string) (*model.Job, error) {
	sched, err := s.repo.GetByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("trigger schedule %s: %w", name, err)
	}
	if sched.Status == model.ScheduleStatusCompleted {
		return nil, apperrors.Statef("schedule %q is completed", name)
	}

	req := sched.JobTemplate()
	job, err := s.jobs.Create(ctx, &req)
	if err != nil {
		return nil, fmt.Errorf("trigger schedule %s: %w", name, err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "schedule triggered manually",
			"name", name,
			"job_id", job.ID,
			"job_type", job.Type,
		)
	}
	s.publishFired(ctx, sched.Name, job)

	return job, nil
}

// Startup prepares the schedule table for this instance: transient rows from
// previous runs are removed, then tracked jobs that finished or vanished
// while no scheduler was watching are resolved.
func (s *SchedulerService) Startup(ctx context.Context) error {
	removed, err := s.repo.DeleteTransient(ctx)
	if err != nil {
		return fmt.Errorf("delete transient schedules: %w", err)
	}
	if s.logger != nil && removed > 0 {
		s.logger.InfoContext(ctx, "removed transient schedules", "count", removed)
	}

	return s.Recover(ctx)
}

// Recover resolves tracked jobs that reached a terminal state, or
// disappeared entirely, while the scheduler was down.
func (s *SchedulerService) Recover(ctx context.Context) error {
	tracked, err := s.repo.FindTracked(ctx)
	if err != nil {
		return fmt.Errorf("find tracked schedules: %w", err)
	}

	for _, sched := range tracked {
		if err := s.recoverOne(ctx, sched); err != nil {
			return err
		}
	}
	return nil
}

func (s *SchedulerService) recoverOne(ctx context.Context, sched *model.Schedule) error {
	jobID := *sched.ActiveJobID
	job, err := s.jobs.GetByID(ctx, jobID)

	switch {
	case errors.Is(err, data.ErrJobNotFound):
		// The job row is gone (reaped or deleted); recompute the cadence
		// from what the schedule remembers.
		now := s.timeProvider.Now()
		decision := domainschedule.PlanRecovery(sched, now)
		resolved, resolveErr := s.repo.ResolveCompletion(ctx, core.ResolveCompletionParams{
			Name:     sched.Name,
			Decision: decision,
		})
		if resolveErr != nil {
			return fmt.Errorf("recover schedule %s: %w", sched.Name, resolveErr)
		}
		if s.logger != nil && resolved != nil {
			s.logger.InfoContext(ctx, "recovered schedule with missing job",
				"name", sched.Name,
				"job_id", jobID,
				"status", resolved.Status,
				"next_run_at", resolved.NextRunAt,
			)
		}
		return nil

	case err != nil:
		return fmt.Errorf("load tracked job for schedule %s: %w", sched.Name, err)

	case job.Status.Terminal():
		_, resolveErr := s.resolveTracked(ctx, trackedResolution{
			Schedule:  sched,
			JobID:     job.ID,
			JobStatus: job.Status,
			Result:    job.Result,
			LastError: job.LastError,
		})
		return resolveErr

	default:
		// Still in flight; the processor will finish it.
		return nil
	}
}

// Tick fires every due schedule once. Returns how many fired. Implements
// core.Ticker for the background runner.
func (s *SchedulerService) Tick(ctx context.Context, now time.Time) (int, error) {
	due, err := s.repo.FindDue(ctx, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("find due schedules: %w", err)
	}

	fired := 0
	for _, sched := range due {
		job, fireErr := s.fireOne(ctx, sched)
		if fireErr != nil {
			return fired, fireErr
		}
		if job == nil {
			continue
		}
		fired++
	}

	return fired, nil
}

// fireOne advances one due schedule and enqueues its templated job. Returns
// (nil, nil) when the fire was skipped: superseded by a concurrent
// scheduler, blocked by a live sequential job, or undecidable.
func (s *SchedulerService) fireOne(ctx context.Context, sched *model.Schedule) (*model.Job, error) {
	now := s.timeProvider.Now()

	decision, err := domainschedule.PlanFire(sched, now)
	if err != nil {
		// A row this malformed cannot have passed registration; skip it so
		// the rest of the batch still fires.
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "cannot plan schedule fire",
				"name", sched.Name,
				"kind", sched.Kind,
				"error", err,
			)
		}
		return nil, nil
	}

	req := sched.JobTemplate()
	job, err := s.repo.Fire(ctx, core.FireParams{
		Schedule: sched,
		Decision: decision,
		Job:      &req,
		Now:      now,
	})
	if err != nil {
		if apperrors.IsConflict(err) {
			// A live job for this schedule blocks the sequential insert,
			// usually a manual trigger still running. Retry next tick.
			if s.logger != nil {
				s.logger.DebugContext(ctx, "fire blocked by live job", "name", sched.Name)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("fire schedule %s: %w", sched.Name, err)
	}
	if job == nil {
		// Another scheduler advanced the row first.
		return nil, nil
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "schedule fired",
			"name", sched.Name,
			"job_id", job.ID,
			"kind", sched.Kind,
		)
	}
	s.publishFired(ctx, sched.Name, job)

	return job, nil
}

func (s *SchedulerService) publishFired(ctx context.Context, name string, job *model.Job) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, event.JobEnqueued{
		JobID:        job.ID,
		JobType:      job.Type,
		ScheduledFor: job.ScheduledFor,
	})
	s.events.Publish(ctx, event.ScheduleTriggered{
		ScheduleName: name,
		JobID:        job.ID,
	})
}

// ResolveCompletions resolves every tracked job that reached a terminal
// status, advancing its schedule. This poll is the source of truth; the
// event path in HandleCompletion only makes it faster. Returns how many
// schedules were resolved.
func (s *SchedulerService) ResolveCompletions(ctx context.Context, now time.Time) (int, error) {
	completions, err := s.repo.FindTrackedCompleted(ctx, s.completionBatchSize)
	if err != nil {
		return 0, fmt.Errorf("find tracked completions: %w", err)
	}

	resolved := 0
	for _, tc := range completions {
		ok, resolveErr := s.resolveTracked(ctx, trackedResolution{
			Schedule:  tc.Schedule,
			JobID:     tc.Job.ID,
			JobStatus: tc.Job.Status,
			Result:    tc.Job.Result,
			LastError: tc.Job.LastError,
		})
		if resolveErr != nil {
			return resolved, resolveErr
		}
		if ok {
			resolved++
		}
	}

	return resolved, nil
}

// HandleCompletion is the event fast path for completion-driven schedules.
// Completions that do not belong to a tracked schedule job are ignored; the
// poll remains authoritative when this path loses a race.
func (s *SchedulerService) HandleCompletion(ctx context.Context, evt event.JobCompleted) error {
	if evt.ReferenceType == nil || *evt.ReferenceType != model.ReferenceTypeSchedule || evt.ReferenceID == nil {
		return nil
	}

	name := *evt.ReferenceID
	sched, err := s.repo.GetByName(ctx, name)
	if errors.Is(err, data.ErrScheduleNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load schedule %s for completion: %w", name, err)
	}

	if !sched.Kind.CompletionDriven() {
		return nil
	}
	if sched.ActiveJobID == nil || *sched.ActiveJobID != evt.JobID {
		// Manual trigger or stale event; nothing to advance.
		return nil
	}

	_, err = s.resolveTracked(ctx, trackedResolution{
		Schedule:  sched,
		JobID:     evt.JobID,
		JobStatus: evt.Outcome.Status(),
		Result:    evt.Result,
		LastError: evt.Error,
	})
	return err
}

// trackedResolution carries one tracked job's terminal state into the
// planner, shared by the event path, the poll, and startup recovery.
type trackedResolution struct {
	Schedule  *model.Schedule
	JobID     string
	JobStatus model.JobStatus
	Result    json.RawMessage
	LastError *string
}

func (s *SchedulerService) resolveTracked(ctx context.Context, tr trackedResolution) (bool, error) {
	outcome, ok := model.OutcomeForStatus(tr.JobStatus)
	if !ok {
		return false, fmt.Errorf("job %s for schedule %s is not terminal (%s)", tr.JobID, tr.Schedule.Name, tr.JobStatus)
	}

	now := s.timeProvider.Now()
	decision, err := domainschedule.PlanCompletion(tr.Schedule, outcome, tr.Result, now)
	if err != nil {
		return false, fmt.Errorf("plan completion for schedule %s: %w", tr.Schedule.Name, err)
	}

	resolved, err := s.repo.ResolveCompletion(ctx, core.ResolveCompletionParams{
		Name:     tr.Schedule.Name,
		JobID:    tr.JobID,
		Decision: decision,
	})
	if err != nil {
		return false, fmt.Errorf("resolve completion for schedule %s: %w", tr.Schedule.Name, err)
	}
	if resolved == nil {
		// Guard lost: another resolver got there first, or the schedule was
		// cancelled meanwhile.
		return false, nil
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "schedule completion resolved",
			"name", resolved.Name,
			"job_id", tr.JobID,
			"outcome", outcome,
			"status", resolved.Status,
			"next_run_at", resolved.NextRunAt,
		)
	}

	if decision.Paused && tr.Schedule.Status == model.ScheduleStatusActive {
		s.announcePause(ctx, resolved, tr.LastError)
	}

	return true, nil
}

// announcePause publishes the self-pause event and pages the operator sinks.
func (s *SchedulerService) announcePause(ctx context.Context, sched *model.Schedule, lastError *string) {
	if s.logger != nil {
		s.logger.WarnContext(ctx, "schedule paused after consecutive failures",
			"name", sched.Name,
			"consecutive_failures", sched.ConsecutiveFailures,
			"max_consecutive_failures", sched.MaxConsecutiveFailures,
		)
	}

	if s.events != nil {
		s.events.Publish(ctx, event.SchedulePaused{
			ScheduleName: sched.Name,
			Reason:       event.ReasonConsecutiveFailures,
		})
	}

	if s.failureNotifier != nil && s.failureNotifier.Enabled() {
		payload := notify.SchedulePausePayload{
			ScheduleName:        sched.Name,
			JobType:             string(sched.JobType),
			Reason:              event.ReasonConsecutiveFailures,
			ConsecutiveFailures: sched.ConsecutiveFailures,
			OccurredAt:          s.timeProvider.Now(),
		}
		if lastError != nil {
			payload.LastError = *lastError
		}
		s.failureNotifier.NotifySchedulePaused(ctx, payload)
	}
}

var _ core.Ticker = (*SchedulerService)(nil)
