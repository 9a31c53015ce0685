package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ScheduleKind selects how a schedule advances after firing.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type ScheduleKind string

// ScheduleStatus represents the lifecycle state of a schedule.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type ScheduleStatus string

const (
	// ScheduleKindOneOff fires exactly once, then completes.
	ScheduleKindOneOff ScheduleKind = "one_off"
	// ScheduleKindConcurrentInterval fires every interval regardless of prior jobs.
	ScheduleKindConcurrentInterval ScheduleKind = "concurrent_interval"
	// ScheduleKindSequentialInterval fires only after the previous job reached a terminal state.
	ScheduleKindSequentialInterval ScheduleKind = "sequential_interval"
	// ScheduleKindDynamic fires sequentially; the handler's return value supplies the next run time.
	ScheduleKindDynamic ScheduleKind = "dynamic"

	// ScheduleStatusActive indicates the schedule fires when due.
	ScheduleStatusActive ScheduleStatus = "active"
	// ScheduleStatusPaused indicates the schedule is suspended but resumable.
	ScheduleStatusPaused ScheduleStatus = "paused"
	// ScheduleStatusCompleted indicates the schedule will never fire again.
	ScheduleStatusCompleted ScheduleStatus = "completed"
)

// DefaultMaxConsecutiveFailures applies when a registration does not override it.
const DefaultMaxConsecutiveFailures = 5

// Valid returns true if the ScheduleKind is known.
func (k ScheduleKind) Valid() bool {
	switch k {
	case ScheduleKindOneOff, ScheduleKindConcurrentInterval,
		ScheduleKindSequentialInterval, ScheduleKindDynamic:
		return true
	default:
		return false
	}
}

// CompletionDriven returns true for kinds that wait for the in-flight job to
// reach a terminal state before advancing (sequential_interval and dynamic).
func (k ScheduleKind) CompletionDriven() bool {
	return k == ScheduleKindSequentialInterval || k == ScheduleKindDynamic
}

// RequiresInterval returns true for kinds that need a positive interval.
func (k ScheduleKind) RequiresInterval() bool {
	return k == ScheduleKindConcurrentInterval || k == ScheduleKindSequentialInterval
}

// UnmarshalText implements encoding.TextUnmarshaler for ScheduleKind.
func (k *ScheduleKind) UnmarshalText(text []byte) error {
	v := ScheduleKind(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid ScheduleKind: %q", string(text))
	}
	*k = v
	return nil
}

// Valid returns true if the ScheduleStatus is known.
func (s ScheduleStatus) Valid() bool {
	return s == ScheduleStatusActive || s == ScheduleStatusPaused || s == ScheduleStatusCompleted
}

// UnmarshalText implements encoding.TextUnmarshaler for ScheduleStatus.
func (s *ScheduleStatus) UnmarshalText(text []byte) error {
	v := ScheduleStatus(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid ScheduleStatus: %q", string(text))
	}
	*s = v
	return nil
}

// Schedule is a durable description of when to emit jobs. The job template
// fields are copied onto every job the schedule enqueues.
type Schedule struct {
	Name                   string         `json:"name"                        db:"name"`
	Description            *string        `json:"description,omitempty"       db:"description"`
	Kind                   ScheduleKind   `json:"kind"                        db:"kind"`
	Status                 ScheduleStatus `json:"status"                      db:"status"`
	NextRunAt              *time.Time     `json:"next_run_at,omitempty"       db:"next_run_at"`
	Interval               time.Duration  `json:"interval,omitempty"`
	JobType                JobType        `json:"job_type"                    db:"job_type"`
	JobPayload             []byte         `json:"job_payload,omitempty"       db:"job_payload"`
	JobPriority            int            `json:"job_priority"                db:"job_priority"`
	JobMaxRetries          int            `json:"job_max_retries"             db:"job_max_retries"`
	EncryptPayload         bool           `json:"encrypt_payload"             db:"encrypt_payload"`
	IsPersistent           bool           `json:"is_persistent"               db:"is_persistent"`
	ConsecutiveFailures    int            `json:"consecutive_failures"        db:"consecutive_failures"`
	MaxConsecutiveFailures int            `json:"max_consecutive_failures"    db:"max_consecutive_failures"`
	ActiveJobID            *string        `json:"active_job_id,omitempty"     db:"active_job_id"`
	LastCompletedAt        *time.Time     `json:"last_completed_at,omitempty" db:"last_completed_at"`
	LastFailedAt           *time.Time     `json:"last_failed_at,omitempty"    db:"last_failed_at"`
	CreatedAt              time.Time      `json:"created_at"                  db:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"                  db:"updated_at"`
}

// JobTemplate builds the enqueue request this schedule emits when it fires.
// Completion-driven kinds run sequentially so at most one job is in flight.
func (s *Schedule) JobTemplate() EnqueueRequest {
	mode := ExecutionModeConcurrent
	if s.Kind.CompletionDriven() {
		mode = ExecutionModeSequential
	}
	refType := ReferenceTypeSchedule
	refID := s.Name
	return EnqueueRequest{
		Type:           s.JobType,
		Payload:        s.JobPayload,
		Priority:       s.JobPriority,
		ExecutionMode:  mode,
		MaxRetries:     s.JobMaxRetries,
		ReferenceType:  &refType,
		ReferenceID:    &refID,
		EncryptPayload: s.EncryptPayload,
	}
}

// RegisterScheduleRequest describes a schedule to register.
//
// Transient is inverted relative to the stored is_persistent flag so the
// zero value registers a durable schedule.
type RegisterScheduleRequest struct {
	Name                   string        `json:"name"`
	Description            *string       `json:"description,omitempty"`
	Kind                   ScheduleKind  `json:"kind"`
	NextRunAt              *time.Time    `json:"next_run_at,omitempty"`
	Interval               time.Duration `json:"interval,omitempty"`
	JobType                JobType       `json:"job_type"`
	JobPayload             []byte        `json:"job_payload,omitempty"`
	JobPriority            int           `json:"job_priority,omitempty"`
	JobMaxRetries          int           `json:"job_max_retries,omitempty"`
	EncryptPayload         bool          `json:"encrypt_payload,omitempty"`
	Transient              bool          `json:"transient,omitempty"`
	MaxConsecutiveFailures int           `json:"max_consecutive_failures,omitempty"`
}

// Validate validates the registration against the rules for its kind.
// now anchors the one_off future-run check.
func (r *RegisterScheduleRequest) Validate(now time.Time) error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("schedule name is required")
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("invalid schedule kind: %q", r.Kind)
	}
	if !r.JobType.Valid() {
		return errors.New("job type is required")
	}
	if r.JobMaxRetries < 0 {
		return errors.New("job max retries must be >= 0")
	}
	if r.MaxConsecutiveFailures < 0 {
		return errors.New("max consecutive failures must be >= 0")
	}
	if r.EncryptPayload && len(r.JobPayload) == 0 {
		return errors.New("encrypt payload requires a job payload")
	}

	switch {
	case r.Kind.RequiresInterval():
		if r.Interval <= 0 {
			return fmt.Errorf("%s schedules require a positive interval", r.Kind)
		}
	case r.NextRunAt == nil:
		return fmt.Errorf("%s schedules require a next run time", r.Kind)
	case r.Kind == ScheduleKindOneOff && !r.NextRunAt.After(now):
		return errors.New("one_off schedules require a future next run time")
	}
	return nil
}

// FailureLimit returns the configured threshold, applying the default when unset.
func (r *RegisterScheduleRequest) FailureLimit() int {
	if r.MaxConsecutiveFailures == 0 {
		return DefaultMaxConsecutiveFailures
	}
	return r.MaxConsecutiveFailures
}

// ScheduleListOptions filters schedule listings.
type ScheduleListOptions struct {
	Status *ScheduleStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}
