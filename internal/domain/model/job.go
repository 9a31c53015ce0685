// Package model defines the core data types shared by the job queue,
// scheduler, and processor.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobType names the handler a job is executed by. The set is open: consumers
// register handlers by name at startup and enqueue jobs carrying that name.
type JobType string

// JobStatus represents the current lifecycle state of a job.
type JobStatus string

// ExecutionMode controls whether jobs sharing a reference may overlap.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type ExecutionMode string

// Outcome is the terminal disposition reported when a job finishes.
type Outcome string

const (
	// JobStatusPending indicates a job is waiting to be claimed.
	JobStatusPending JobStatus = "pending"
	// JobStatusClaimed indicates a worker holds the lease but has not started yet.
	JobStatusClaimed JobStatus = "claimed"
	// JobStatusRunning indicates the handler is executing.
	JobStatusRunning JobStatus = "running"
	// JobStatusSucceeded indicates the handler returned without error.
	JobStatusSucceeded JobStatus = "succeeded"
	// JobStatusFailed indicates the handler failed with no retries left.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the job was cancelled before or during execution.
	JobStatusCancelled JobStatus = "cancelled"

	// ExecutionModeConcurrent allows any number of jobs for the same reference to overlap.
	ExecutionModeConcurrent ExecutionMode = "concurrent"
	// ExecutionModeSequential allows at most one non-terminal job per reference pair.
	ExecutionModeSequential ExecutionMode = "sequential"

	// OutcomeSucceeded reports a successful handler return.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeFailed reports a handler error or panic.
	OutcomeFailed Outcome = "failed"
	// OutcomeCancelled reports a handler that observed its cancellation token.
	OutcomeCancelled Outcome = "cancelled"
)

// ErrNoJobsAvailable is returned when no eligible job exists to claim.
var ErrNoJobsAvailable = errors.New("no jobs available")

// ReferenceTypeSchedule links a job back to the schedule that emitted it.
const ReferenceTypeSchedule = "schedule"

// Valid returns true when the JobType names a handler, i.e. is non-empty.
func (t JobType) Valid() bool {
	return strings.TrimSpace(string(t)) != ""
}

// Valid returns true if the JobStatus is one of the known states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusClaimed, JobStatusRunning,
		JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true for absorbing states: no transitions out.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCancelled
}

// Valid returns true if the ExecutionMode is known.
func (m ExecutionMode) Valid() bool {
	return m == ExecutionModeConcurrent || m == ExecutionModeSequential
}

// UnmarshalText implements encoding.TextUnmarshaler for ExecutionMode to allow env parsing.
func (m *ExecutionMode) UnmarshalText(text []byte) error {
	v := ExecutionMode(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid ExecutionMode: %q", string(text))
	}
	*m = v
	return nil
}

// Valid returns true if the Outcome is known.
func (o Outcome) Valid() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed || o == OutcomeCancelled
}

// Status maps an outcome to the terminal job status it produces.
func (o Outcome) Status() JobStatus {
	switch o {
	case OutcomeSucceeded:
		return JobStatusSucceeded
	case OutcomeCancelled:
		return JobStatusCancelled
	default:
		return JobStatusFailed
	}
}

// OutcomeForStatus inverts Outcome.Status. The bool is false for
// non-terminal statuses.
func OutcomeForStatus(s JobStatus) (Outcome, bool) {
	switch s {
	case JobStatusSucceeded:
		return OutcomeSucceeded, true
	case JobStatusFailed:
		return OutcomeFailed, true
	case JobStatusCancelled:
		return OutcomeCancelled, true
	default:
		return "", false
	}
}

// Job is a durable unit of work. Rows are owned by the storage backend;
// components hold snapshots and ids only.
type Job struct {
	ID               string          `json:"id"                          db:"id"`
	Type             JobType         `json:"type"                        db:"type"`
	Status           JobStatus       `json:"status"                      db:"status"`
	Priority         int             `json:"priority"                    db:"priority"`
	ExecutionMode    ExecutionMode   `json:"execution_mode"              db:"execution_mode"`
	Payload          []byte          `json:"payload,omitempty"           db:"payload"`
	PayloadEncrypted bool            `json:"payload_encrypted"           db:"payload_encrypted"`
	ReferenceType    *string         `json:"reference_type,omitempty"    db:"reference_type"`
	ReferenceID      *string         `json:"reference_id,omitempty"      db:"reference_id"`
	Attempt          int             `json:"attempt"                     db:"attempt"`
	MaxRetries       int             `json:"max_retries"                 db:"max_retries"`
	LastError        *string         `json:"last_error,omitempty"        db:"last_error"`
	Result           json.RawMessage `json:"result,omitempty"            db:"result"`
	ScheduledFor     time.Time       `json:"scheduled_for"               db:"scheduled_for"`
	OwnerInstanceID  *string         `json:"owner_instance_id,omitempty" db:"owner_instance_id"`
	LeaseExpiresAt   *time.Time      `json:"lease_expires_at,omitempty"  db:"lease_expires_at"`
	CancelRequested  bool            `json:"cancel_requested"            db:"cancel_requested"`
	CreatedAt        time.Time       `json:"created_at"                  db:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"        db:"started_at"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"       db:"finished_at"`
}

// HasReference reports whether the job carries a soft link to a domain entity.
func (j *Job) HasReference() bool {
	return j.ReferenceType != nil && j.ReferenceID != nil
}

// EnqueueRequest describes a job to enqueue.
type EnqueueRequest struct {
	Type           JobType       `json:"type"`
	Payload        []byte        `json:"payload,omitempty"`
	Priority       int           `json:"priority,omitempty"`
	ExecutionMode  ExecutionMode `json:"execution_mode,omitempty"`
	MaxRetries     int           `json:"max_retries,omitempty"`
	ScheduledFor   *time.Time    `json:"scheduled_for,omitempty"`
	ReferenceType  *string       `json:"reference_type,omitempty"`
	ReferenceID    *string       `json:"reference_id,omitempty"`
	EncryptPayload bool          `json:"encrypt_payload,omitempty"`
}

// Validate validates the EnqueueRequest fields.
func (r *EnqueueRequest) Validate() error {
	if !r.Type.Valid() {
		return errors.New("job type is required")
	}
	if r.ExecutionMode != "" && !r.ExecutionMode.Valid() {
		return fmt.Errorf("invalid execution mode: %q", r.ExecutionMode)
	}
	if r.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	if (r.ReferenceType == nil) != (r.ReferenceID == nil) {
		return errors.New("reference type and reference id must be set together")
	}
	if r.ReferenceType != nil && (*r.ReferenceType == "" || *r.ReferenceID == "") {
		return errors.New("reference type and reference id must be non-empty")
	}
	if r.EncryptPayload && len(r.Payload) == 0 {
		return errors.New("encrypt payload requires a payload")
	}
	return nil
}

// Mode returns the requested execution mode, defaulting to concurrent.
func (r *EnqueueRequest) Mode() ExecutionMode {
	if r.ExecutionMode == "" {
		return ExecutionModeConcurrent
	}
	return r.ExecutionMode
}

// HeartbeatResult reports the outcome of a lease extension attempt.
type HeartbeatResult struct {
	// OK is false when the caller no longer owns the row (expired or stolen lease).
	OK bool `json:"ok"`
	// CancelRequested mirrors the row's cancellation flag so the worker can
	// refresh its token on the same round trip.
	CancelRequested bool `json:"cancel_requested"`
}

// JobStats counts jobs per lifecycle state for one job type.
type JobStats struct {
	Pending   int `json:"pending"`
	Claimed   int `json:"claimed"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// JobListOptions filters and paginates admin job listings.
type JobListOptions struct {
	Status        *JobStatus `json:"status,omitempty"`
	Type          *JobType   `json:"type,omitempty"`
	ReferenceType *string    `json:"reference_type,omitempty"`
	ReferenceID   *string    `json:"reference_id,omitempty"`
	SortBy        string     `json:"sort_by,omitempty"`
	SortDir       string     `json:"sort_dir,omitempty"`
	Limit         int        `json:"limit,omitempty"`
	Offset        int        `json:"offset,omitempty"`
}
