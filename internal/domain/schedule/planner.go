// Package schedule holds the pure advancement logic for the four schedule
// kinds. Every decision is computed from row snapshots and a clock value so
// the state machines are testable without storage.
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Xkonti/crude-functions-core/internal/domain/model"
)

// Due reports whether a schedule should fire at now. A next run time exactly
// equal to now is due. Completion-driven kinds additionally wait for the
// in-flight job to clear.
func Due(s *model.Schedule, now time.Time) bool {
	if s.Status != model.ScheduleStatusActive || s.NextRunAt == nil {
		return false
	}
	if s.NextRunAt.After(now) {
		return false
	}
	if s.Kind.CompletionDriven() && s.ActiveJobID != nil {
		return false
	}
	return true
}

// FireDecision describes the row update applied when a due schedule emits a job.
type FireDecision struct {
	Status model.ScheduleStatus
	// NextRunAt is written only when UpdateNextRun is set; nil then clears the column.
	NextRunAt     *time.Time
	UpdateNextRun bool
	// TrackJob records the new job as the schedule's in-flight job.
	TrackJob bool
}

// PlanFire computes the advancement for a schedule that is firing at now.
func PlanFire(s *model.Schedule, now time.Time) (FireDecision, error) {
	switch s.Kind {
	case model.ScheduleKindOneOff:
		return FireDecision{
			Status:        model.ScheduleStatusCompleted,
			UpdateNextRun: true,
		}, nil

	case model.ScheduleKindConcurrentInterval:
		if s.Interval <= 0 {
			return FireDecision{}, fmt.Errorf("schedule %q has no interval", s.Name)
		}
		anchor := now
		if s.NextRunAt != nil {
			anchor = *s.NextRunAt
		}
		next := NextConcurrentRun(anchor, s.Interval, now)
		return FireDecision{
			Status:        model.ScheduleStatusActive,
			NextRunAt:     &next,
			UpdateNextRun: true,
		}, nil

	case model.ScheduleKindSequentialInterval, model.ScheduleKindDynamic:
		// next_run_at stays untouched until the job completes.
		return FireDecision{
			Status:   model.ScheduleStatusActive,
			TrackJob: true,
		}, nil

	default:
		return FireDecision{}, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

// NextConcurrentRun advances a drift-free cadence: one interval past the
// anchor, skipping missed fires to the smallest multiple strictly after now
// when the schedule fell behind. At most one job fires per tick, so long
// downtime never produces a burst.
func NextConcurrentRun(anchor time.Time, interval time.Duration, now time.Time) time.Time {
	next := anchor.Add(interval)
	if next.After(now) {
		return next
	}

	elapsed := now.Sub(anchor)
	steps := elapsed/interval + 1
	next = anchor.Add(steps * interval)
	if !next.After(now) {
		// now sat exactly on a multiple; step once more.
		next = next.Add(interval)
	}
	return next
}

// CompletionDecision describes the row update applied when the in-flight job
// of a completion-driven schedule reaches a terminal status. ActiveJobID is
// always cleared alongside.
type CompletionDecision struct {
	Status model.ScheduleStatus
	// NextRunAt is written only when UpdateNextRun is set; nil then clears the column.
	NextRunAt           *time.Time
	UpdateNextRun       bool
	ConsecutiveFailures int
	LastCompletedAt     *time.Time
	LastFailedAt        *time.Time
	// Paused is set when this completion crossed the failure limit.
	Paused bool
}

// PlanCompletion resolves a terminal outcome for a sequential_interval or
// dynamic schedule. result is the handler's return value as stored on the
// job row; failures and cancellations ignore it.
func PlanCompletion(
	s *model.Schedule,
	outcome model.Outcome,
	result json.RawMessage,
	now time.Time,
) (CompletionDecision, error) {
	if !s.Kind.CompletionDriven() {
		return CompletionDecision{}, fmt.Errorf("schedule %q (%s) does not track completions", s.Name, s.Kind)
	}

	switch outcome {
	case model.OutcomeSucceeded:
		return planSuccess(s, result, now), nil
	case model.OutcomeFailed:
		return planFailure(s, now, true), nil
	case model.OutcomeCancelled:
		return planFailure(s, now, false), nil
	default:
		return CompletionDecision{}, fmt.Errorf("invalid outcome %q", outcome)
	}
}

func planSuccess(s *model.Schedule, result json.RawMessage, now time.Time) CompletionDecision {
	decision := CompletionDecision{
		Status:          model.ScheduleStatusActive,
		LastCompletedAt: &now,
		UpdateNextRun:   true,
	}

	if s.Kind == model.ScheduleKindSequentialInterval {
		next := now.Add(s.Interval)
		decision.NextRunAt = &next
		return decision
	}

	// Dynamic: the handler's return value supplies the next run time; a
	// missing or null value completes the schedule. Unparseable results are
	// treated as null so a misbehaving handler cannot wedge the schedule.
	next, err := ParseNextRun(result)
	if err != nil || next == nil {
		decision.Status = model.ScheduleStatusCompleted
		return decision
	}
	decision.NextRunAt = next
	return decision
}

// planFailure handles failed and cancelled outcomes; only failures count
// toward the consecutive-failure limit.
func planFailure(s *model.Schedule, now time.Time, countFailure bool) CompletionDecision {
	decision := CompletionDecision{
		Status:              model.ScheduleStatusActive,
		LastFailedAt:        &now,
		ConsecutiveFailures: s.ConsecutiveFailures,
	}

	if countFailure {
		decision.ConsecutiveFailures++
		if s.MaxConsecutiveFailures > 0 && decision.ConsecutiveFailures >= s.MaxConsecutiveFailures {
			decision.Status = model.ScheduleStatusPaused
			decision.Paused = true
			return decision
		}
	}

	// Retry on the normal cadence: sequential waits one interval, dynamic
	// stays due (its next_run_at is already in the past).
	if s.Kind == model.ScheduleKindSequentialInterval {
		next := now.Add(s.Interval)
		decision.NextRunAt = &next
		decision.UpdateNextRun = true
	}
	return decision
}

// PlanRecovery computes the startup fix-up for an active completion-driven
// schedule whose tracked job no longer exists. Terminal jobs are resolved
// through PlanCompletion instead, so their stored results are honoured.
func PlanRecovery(s *model.Schedule, now time.Time) CompletionDecision {
	decision := CompletionDecision{
		Status:              model.ScheduleStatusActive,
		ConsecutiveFailures: s.ConsecutiveFailures,
	}

	if s.Kind == model.ScheduleKindSequentialInterval {
		next := now
		if s.LastCompletedAt != nil {
			next = s.LastCompletedAt.Add(s.Interval)
		}
		decision.NextRunAt = &next
		decision.UpdateNextRun = true
		return decision
	}

	// Dynamic: keep a scheduled next run if one exists, otherwise the
	// schedule has nothing left to do.
	if s.NextRunAt == nil {
		decision.Status = model.ScheduleStatusCompleted
		decision.UpdateNextRun = true
	}
	return decision
}

// dynamicResult is the documented handler return shape for dynamic schedules.
type dynamicResult struct {
	NextRunAt *string `json:"nextRunAt"`
}

// ParseNextRun extracts the next run time from a dynamic handler's result.
// Missing, null, or empty values yield nil. Timestamps must be RFC 3339.
func ParseNextRun(result json.RawMessage) (*time.Time, error) {
	trimmed := strings.TrimSpace(string(result))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	var parsed dynamicResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("parse dynamic result: %w", err)
	}
	if parsed.NextRunAt == nil || strings.TrimSpace(*parsed.NextRunAt) == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, *parsed.NextRunAt)
	if err != nil {
		return nil, fmt.Errorf("parse nextRunAt %q: %w", *parsed.NextRunAt, err)
	}
	return &t, nil
}
