// Package event provides the typed in-process event bus connecting the job
// queue, scheduler, and processor, plus the event payload types they exchange.
package event

import (
	"encoding/json"
	"time"

	"github.com/Xkonti/crude-functions-core/internal/domain/model"
)

// Type identifies an event stream on the bus.
type Type string

const (
	// TypeJobEnqueued fires after a job row is persisted.
	TypeJobEnqueued Type = "job.enqueued"
	// TypeJobStarted fires when a claimed job transitions to running.
	TypeJobStarted Type = "job.started"
	// TypeJobCompleted fires when a job reaches a terminal status.
	TypeJobCompleted Type = "job.completed"
	// TypeScheduleTriggered fires when a schedule enqueues a job.
	TypeScheduleTriggered Type = "schedule.triggered"
	// TypeSchedulePaused fires when a schedule pauses itself.
	TypeSchedulePaused Type = "schedule.paused"
)

// ReasonConsecutiveFailures is the pause reason for schedules that hit their
// consecutive failure limit.
const ReasonConsecutiveFailures = "consecutive-failures"

// Event is implemented by every payload published on the bus.
type Event interface {
	EventType() Type
}

// JobEnqueued announces a newly persisted job.
type JobEnqueued struct {
	JobID        string        `json:"job_id"`
	JobType      model.JobType `json:"type"`
	ScheduledFor time.Time     `json:"scheduled_for"`
}

// EventType implements Event.
func (JobEnqueued) EventType() Type { return TypeJobEnqueued }

// JobStarted announces a handler beginning execution.
type JobStarted struct {
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt"`
}

// EventType implements Event.
func (JobStarted) EventType() Type { return TypeJobStarted }

// JobCompleted announces a job reaching a terminal status. The reference
// fields let subscribers route completions without re-reading the row.
type JobCompleted struct {
	JobID         string          `json:"job_id"`
	Outcome       model.Outcome   `json:"outcome"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *string         `json:"error,omitempty"`
	ReferenceType *string         `json:"reference_type,omitempty"`
	ReferenceID   *string         `json:"reference_id,omitempty"`
}

// EventType implements Event.
func (JobCompleted) EventType() Type { return TypeJobCompleted }

// ScheduleTriggered announces a schedule emitting a job.
type ScheduleTriggered struct {
	ScheduleName string `json:"schedule_name"`
	JobID        string `json:"job_id"`
}

// EventType implements Event.
func (ScheduleTriggered) EventType() Type { return TypeScheduleTriggered }

// SchedulePaused announces a schedule suspending itself.
type SchedulePaused struct {
	ScheduleName string `json:"schedule_name"`
	Reason       string `json:"reason"`
}

// EventType implements Event.
func (SchedulePaused) EventType() Type { return TypeSchedulePaused }
