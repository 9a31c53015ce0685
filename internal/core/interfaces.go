package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Xkonti/crude-functions-core/internal/domain/model"
	"github.com/Xkonti/crude-functions-core/internal/domain/schedule"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// These interfaces define the contracts between the service layer and data layer.
// Service implementations should depend on these interfaces, not concrete implementations.

// ClaimParams groups parameters for JobRepository.ClaimOne.
type ClaimParams struct {
	Types        []model.JobType
	OwnerID      string
	LeaseSeconds int
}

// StartParams groups parameters for JobRepository.Start.
type StartParams struct {
	JobID   string
	OwnerID string
}

// HeartbeatParams groups parameters for JobRepository.Heartbeat.
type HeartbeatParams struct {
	JobID        string
	OwnerID      string
	LeaseSeconds int
}

// FinishParams groups parameters for JobRepository.Finish.
type FinishParams struct {
	JobID   string
	OwnerID string
	Outcome model.Outcome
	// Result is the handler's return value; persisted only on success.
	Result json.RawMessage
	// ErrMsg is recorded as the job's last error on failure.
	ErrMsg string
}

// ReferenceParams identifies jobs linked to a domain entity.
type ReferenceParams struct {
	ReferenceType string
	ReferenceID   string
}

// JobRepository defines the interface for job data operations.
type JobRepository interface {
	// Create persists a new pending job and notifies any claim listeners.
	Create(ctx context.Context, req *model.EnqueueRequest) (*model.Job, error)

	GetByID(ctx context.Context, id string) (*model.Job, error)
	GetByReference(ctx context.Context, params ReferenceParams) ([]*model.Job, error)
	List(ctx context.Context, opts *model.JobListOptions) ([]*model.Job, error)

	// Stats returns per-status counts, optionally restricted to one job type.
	Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error)

	// ClaimOne atomically claims the highest-ranked eligible job of one of the
	// given types for the owner. Returns model.ErrNoJobsAvailable when no job
	// is eligible.
	ClaimOne(ctx context.Context, params ClaimParams) (*model.Job, error)

	// WaitForNotification blocks until a job of the given type may be ready,
	// the server's notify window lapses, or ctx is done.
	WaitForNotification(ctx context.Context, jobType model.JobType) error

	// Start transitions a claimed job to running for its current owner.
	Start(ctx context.Context, params StartParams) (*model.Job, error)

	// Heartbeat extends the lease for the calling owner and reports whether
	// cancellation has been requested. OK=false means the lease was lost.
	Heartbeat(ctx context.Context, params HeartbeatParams) (model.HeartbeatResult, error)

	// Finish records a terminal outcome, or reschedules a failed job that has
	// retries left. Returns the row as it stands afterwards and whether this
	// call performed the transition; repeating a finish with the same outcome,
	// or finishing with a stale lease, is a silent no-op.
	Finish(ctx context.Context, params FinishParams) (*model.Job, bool, error)

	// RequestCancel flags a job for cooperative cancellation. Pending jobs are
	// cancelled immediately. The bool reports whether this call cancelled the
	// job outright.
	RequestCancel(ctx context.Context, id string) (*model.Job, bool, error)

	// ReclaimOrphans resets every claimed or running job whose lease has
	// expired back to pending, preserving the attempt counter.
	ReclaimOrphans(ctx context.Context) (int64, error)

	Delete(ctx context.Context, id string) error
}

// FireParams groups parameters for ScheduleRepository.Fire.
type FireParams struct {
	// Schedule is the due snapshot the decision was computed from.
	Schedule *model.Schedule
	Decision schedule.FireDecision
	// Job is the enqueue request built from the schedule's template.
	Job *model.EnqueueRequest
	Now time.Time
}

// ResolveCompletionParams groups parameters for ScheduleRepository.ResolveCompletion.
type ResolveCompletionParams struct {
	Name string
	// JobID is the tracked job being resolved; empty skips the tracking guard
	// (used for startup recovery of missing jobs).
	JobID    string
	Decision schedule.CompletionDecision
}

// SetScheduleStatusParams describes a conditional schedule status transition.
type SetScheduleStatusParams struct {
	Name string
	// From lists the statuses the transition is legal from.
	From           []model.ScheduleStatus
	To             model.ScheduleStatus
	ClearNextRun   bool
	ClearActiveJob bool
}

// TrackedCompletion pairs a schedule with its terminal tracked job.
type TrackedCompletion struct {
	Schedule *model.Schedule
	Job      *model.Job
}

// ScheduleRepository defines the interface for schedule data operations.
type ScheduleRepository interface {
	// Insert persists a fully-populated schedule row. Duplicate names yield a
	// Conflict error.
	Insert(ctx context.Context, s *model.Schedule) (*model.Schedule, error)

	GetByName(ctx context.Context, name string) (*model.Schedule, error)
	List(ctx context.Context, opts model.ScheduleListOptions) ([]*model.Schedule, error)

	// SetStatus performs a conditional lifecycle transition. Transitions from
	// a status outside From yield a State error; unknown names a NotFound.
	SetStatus(ctx context.Context, params SetScheduleStatusParams) (*model.Schedule, error)

	// Delete removes a schedule row. Returns false when no row existed.
	Delete(ctx context.Context, name string) (bool, error)

	// FindDue returns active schedules with next_run_at at or before now,
	// skipping completion-driven schedules with a tracked job, ordered by
	// (next_run_at, name).
	FindDue(ctx context.Context, now time.Time, limit int) ([]*model.Schedule, error)

	// Fire enqueues the schedule's templated job and advances the schedule
	// row in a single transaction. Returns (nil, nil) when the schedule was
	// no longer due, leaving no job behind.
	Fire(ctx context.Context, params FireParams) (*model.Job, error)

	// ResolveCompletion applies a completion decision and clears the tracked
	// job. Returns (nil, nil) when the guard failed (row completed, or
	// tracking a different job).
	ResolveCompletion(ctx context.Context, params ResolveCompletionParams) (*model.Schedule, error)

	// FindTracked returns active completion-driven schedules with a tracked job.
	FindTracked(ctx context.Context) ([]*model.Schedule, error)

	// FindTrackedCompleted returns schedules whose tracked job has reached a
	// terminal status, with the job row joined in.
	FindTrackedCompleted(ctx context.Context, limit int) ([]TrackedCompletion, error)

	// DeleteTransient removes every non-persistent schedule. Invoked once on
	// scheduler startup.
	DeleteTransient(ctx context.Context) (int64, error)
}

// Ticker drives one scheduler pass; implemented by the scheduler service and
// called from the background runner.
type Ticker interface {
	// Tick fires every due schedule once and returns how many fired.
	Tick(ctx context.Context, now time.Time) (int, error)
}

// DeleteOldJobsParams groups parameters for DeleteOldJobs to keep param count small.
type DeleteOldJobsParams struct {
	Status    model.JobStatus
	MaxAge    time.Duration
	BatchSize int
}

// ExpireStalePendingParams groups parameters for ExpireStalePendingJobs.
type ExpireStalePendingParams struct {
	MaxAge    time.Duration
	BatchSize int
}

// ReaperRepository defines the interface for job cleanup operations.
type ReaperRepository interface {
	// DeleteOldJobs deletes jobs with the given terminal status older than
	// MaxAge. Processes up to BatchSize jobs per call to prevent long locks.
	DeleteOldJobs(ctx context.Context, params DeleteOldJobsParams) (int64, error)

	// ExpireStalePendingJobs cancels pending jobs whose scheduled time is
	// more than MaxAge in the past, recording why. Processes up to BatchSize
	// rows per call.
	ExpireStalePendingJobs(ctx context.Context, params ExpireStalePendingParams) (int64, error)
}
