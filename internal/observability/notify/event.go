package notify

import (
	"context"
	"time"
)

// Severity constants recognised by downstream sinks.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// JobFailurePayload captures the canonical data we emit for job failure notifications.
type JobFailurePayload struct {
	JobID         string
	JobType       string
	ReferenceType string
	ReferenceID   string
	Attempt       int
	MaxRetries    int
	FinalStatus   string
	Error         string
	ErrorClass    string
	Severity      string
	OccurredAt    time.Time
	Metadata      map[string]string
}

// SchedulePausePayload captures the data we emit when a schedule suspends
// itself after repeated failures.
type SchedulePausePayload struct {
	ScheduleName        string
	JobType             string
	Reason              string
	ConsecutiveFailures int
	LastError           string
	Severity            string
	OccurredAt          time.Time
}

// Sink describes a destination capable of consuming job failure notifications.
type Sink interface {
	SendJobFailure(ctx context.Context, payload JobFailurePayload) error
}

// PauseSink is an optional extension for destinations that also consume
// schedule pause notifications.
type PauseSink interface {
	SendSchedulePause(ctx context.Context, payload SchedulePausePayload) error
}

// SinkFunc adapts a function to the Sink interface (useful for tests).
type SinkFunc func(ctx context.Context, payload JobFailurePayload) error

// SendJobFailure implements the Sink interface.
func (f SinkFunc) SendJobFailure(ctx context.Context, payload JobFailurePayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}
