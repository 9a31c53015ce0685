package schedule_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/Xkonti/crude-functions-core/internal/domain/model"
	"github.com/Xkonti/crude-functions-core/internal/domain/schedule"
)

func TestDue(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	future := now.Add(time.Second)
	jobID := "7a0d0a70-0f3a-4a3f-9a0a-52ad8f9c2f01"

	active := func(kind model.ScheduleKind, next *time.Time) *model.Schedule {
		return &model.Schedule{Name: "due-check", Kind: kind, Status: model.ScheduleStatusActive, NextRunAt: next}
	}

	assert.False(t, schedule.Due(active(model.ScheduleKindOneOff, nil), now))
	assert.False(t, schedule.Due(active(model.ScheduleKindOneOff, &future), now))
	assert.True(t, schedule.Due(active(model.ScheduleKindOneOff, &past), now))
	assert.True(t, schedule.Due(active(model.ScheduleKindOneOff, &now), now), "boundary time counts as due")

	paused := active(model.ScheduleKindOneOff, &past)
	paused.Status = model.ScheduleStatusPaused
	assert.False(t, schedule.Due(paused, now))

	inFlight := active(model.ScheduleKindSequentialInterval, &past)
	inFlight.ActiveJobID = &jobID
	assert.False(t, schedule.Due(inFlight, now), "in-flight job blocks completion-driven schedules")

	concurrent := active(model.ScheduleKindConcurrentInterval, &past)
	concurrent.ActiveJobID = &jobID
	assert.True(t, schedule.Due(concurrent, now), "concurrent kind ignores tracked jobs")
}

func TestPlanFire_OneOff(t *testing.T) {
	now := time.Now()
	s := &model.Schedule{
		Name:      "once",
		Kind:      model.ScheduleKindOneOff,
		Status:    model.ScheduleStatusActive,
		NextRunAt: &now,
	}

	decision, err := schedule.PlanFire(s, now)
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusCompleted, decision.Status)
	assert.True(t, decision.UpdateNextRun)
	assert.Nil(t, decision.NextRunAt)
	assert.False(t, decision.TrackJob)
}

func TestPlanFire_ConcurrentInterval(t *testing.T) {
	now := time.Now()
	anchor := now.Add(-200 * time.Millisecond)
	s := &model.Schedule{
		Name:      "heartbeat",
		Kind:      model.ScheduleKindConcurrentInterval,
		Status:    model.ScheduleStatusActive,
		Interval:  time.Minute,
		NextRunAt: &anchor,
	}

	decision, err := schedule.PlanFire(s, now)
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusActive, decision.Status)
	require.True(t, decision.UpdateNextRun)
	require.NotNil(t, decision.NextRunAt)
	assert.True(t, anchor.Add(time.Minute).Equal(*decision.NextRunAt), "cadence anchors on the prior next run, not on now")
	assert.False(t, decision.TrackJob)
}

func TestPlanFire_ConcurrentIntervalCatchUp(t *testing.T) {
	now := time.Now()
	anchor := now.Add(-7*time.Minute - 30*time.Second)
	s := &model.Schedule{
		Name:      "behind",
		Kind:      model.ScheduleKindConcurrentInterval,
		Status:    model.ScheduleStatusActive,
		Interval:  time.Minute,
		NextRunAt: &anchor,
	}

	decision, err := schedule.PlanFire(s, now)
	require.NoError(t, err)
	require.NotNil(t, decision.NextRunAt)
	assert.True(t, decision.NextRunAt.After(now), "missed fires collapse into the next future slot")
	assert.True(t, anchor.Add(8*time.Minute).Equal(*decision.NextRunAt))
}

func TestPlanFire_ConcurrentIntervalMissingInterval(t *testing.T) {
	now := time.Now()
	s := &model.Schedule{
		Name:      "broken",
		Kind:      model.ScheduleKindConcurrentInterval,
		Status:    model.ScheduleStatusActive,
		NextRunAt: &now,
	}

	_, err := schedule.PlanFire(s, now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no interval")
}

func TestPlanFire_CompletionDrivenTracksJob(t *testing.T) {
	now := time.Now()
	for _, kind := range []model.ScheduleKind{
		model.ScheduleKindSequentialInterval,
		model.ScheduleKindDynamic,
	} {
		s := &model.Schedule{
			Name:      "tracked",
			Kind:      kind,
			Status:    model.ScheduleStatusActive,
			Interval:  time.Minute,
			NextRunAt: &now,
		}

		decision, err := schedule.PlanFire(s, now)
		require.NoError(t, err, kind)
		assert.Equal(t, model.ScheduleStatusActive, decision.Status, kind)
		assert.True(t, decision.TrackJob, kind)
		assert.False(t, decision.UpdateNextRun, "next run advances at completion, not at fire")
	}
}

func TestNextConcurrentRun_ExactMultiple(t *testing.T) {
	anchor := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := anchor.Add(3 * time.Minute)

	next := schedule.NextConcurrentRun(anchor, time.Minute, now)
	assert.True(t, next.After(now))
	assert.True(t, anchor.Add(4*time.Minute).Equal(next))
}

func TestPlanCompletion_SequentialSuccess(t *testing.T) {
	now := time.Now()
	s := &model.Schedule{
		Name:                "seq",
		Kind:                model.ScheduleKindSequentialInterval,
		Status:              model.ScheduleStatusActive,
		Interval:            50 * time.Millisecond,
		ConsecutiveFailures: 3,
	}

	decision, err := schedule.PlanCompletion(s, model.OutcomeSucceeded, nil, now)
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusActive, decision.Status)
	require.True(t, decision.UpdateNextRun)
	require.NotNil(t, decision.NextRunAt)
	assert.True(t, now.Add(50*time.Millisecond).Equal(*decision.NextRunAt), "interval starts at completion time")
	assert.Zero(t, decision.ConsecutiveFailures, "success resets the failure streak")
	require.NotNil(t, decision.LastCompletedAt)
	assert.True(t, now.Equal(*decision.LastCompletedAt))
	assert.Nil(t, decision.LastFailedAt)
	assert.False(t, decision.Paused)
}

func TestPlanCompletion_DynamicSuccessWithNextRun(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	next := now.Add(90 * time.Second)
	result := json.RawMessage(`{"nextRunAt":"` + next.Format(time.RFC3339) + `"}`)
	s := &model.Schedule{Name: "dyn", Kind: model.ScheduleKindDynamic, Status: model.ScheduleStatusActive}

	decision, err := schedule.PlanCompletion(s, model.OutcomeSucceeded, result, now)
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusActive, decision.Status)
	require.NotNil(t, decision.NextRunAt)
	assert.True(t, next.Equal(*decision.NextRunAt))
}

func TestPlanCompletion_DynamicSuccessTerminates(t *testing.T) {
	now := time.Now()
	s := &model.Schedule{Name: "dyn-done", Kind: model.ScheduleKindDynamic, Status: model.ScheduleStatusActive}

	for name, result := range map[string]json.RawMessage{
		"nil result":    nil,
		"null result":   json.RawMessage(`null`),
		"null nextRun":  json.RawMessage(`{"nextRunAt":null}`),
		"missing field": json.RawMessage(`{}`),
		"garbage":       json.RawMessage(`{"nextRunAt":"not-a-time"}`),
	} {
		decision, err := schedule.PlanCompletion(s, model.OutcomeSucceeded, result, now)
		require.NoError(t, err, name)
		assert.Equal(t, model.ScheduleStatusCompleted, decision.Status, name)
		assert.True(t, decision.UpdateNextRun, name)
		assert.Nil(t, decision.NextRunAt, name)
	}
}

func TestPlanCompletion_FailureBelowLimit(t *testing.T) {
	now := time.Now()
	s := &model.Schedule{
		Name:                   "flaky",
		Kind:                   model.ScheduleKindSequentialInterval,
		Status:                 model.ScheduleStatusActive,
		Interval:               time.Minute,
		ConsecutiveFailures:    1,
		MaxConsecutiveFailures: 5,
	}

	decision, err := schedule.PlanCompletion(s, model.OutcomeFailed, nil, now)
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusActive, decision.Status)
	assert.Equal(t, 2, decision.ConsecutiveFailures)
	assert.False(t, decision.Paused)
	require.NotNil(t, decision.NextRunAt)
	assert.True(t, now.Add(time.Minute).Equal(*decision.NextRunAt), "failed runs retry on the normal cadence")
	require.NotNil(t, decision.LastFailedAt)
	assert.Nil(t, decision.LastCompletedAt)
}

func TestPlanCompletion_FailureHitsLimit(t *testing.T) {
	now := time.Now()
	s := &model.Schedule{
		Name:                   "broken",
		Kind:                   model.ScheduleKindSequentialInterval,
		Status:                 model.ScheduleStatusActive,
		Interval:               time.Minute,
		ConsecutiveFailures:    4,
		MaxConsecutiveFailures: 5,
	}

	decision, err := schedule.PlanCompletion(s, model.OutcomeFailed, nil, now)
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusPaused, decision.Status)
	assert.True(t, decision.Paused)
	assert.Equal(t, 5, decision.ConsecutiveFailures)
	assert.False(t, decision.UpdateNextRun, "paused schedules keep their last planned run")
}

func TestPlanCompletion_DynamicFailureStaysDue(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	s := &model.Schedule{
		Name:                   "dyn-retry",
		Kind:                   model.ScheduleKindDynamic,
		Status:                 model.ScheduleStatusActive,
		NextRunAt:              &past,
		MaxConsecutiveFailures: 5,
	}

	decision, err := schedule.PlanCompletion(s, model.OutcomeFailed, nil, now)
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusActive, decision.Status)
	assert.Equal(t, 1, decision.ConsecutiveFailures)
	assert.False(t, decision.UpdateNextRun, "dynamic failures refire from the unchanged next run")
}

func TestPlanCompletion_CancelledDoesNotCount(t *testing.T) {
	now := time.Now()
	s := &model.Schedule{
		Name:                   "cancelled",
		Kind:                   model.ScheduleKindSequentialInterval,
		Status:                 model.ScheduleStatusActive,
		Interval:               time.Minute,
		ConsecutiveFailures:    4,
		MaxConsecutiveFailures: 5,
	}

	decision, err := schedule.PlanCompletion(s, model.OutcomeCancelled, nil, now)
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusActive, decision.Status)
	assert.Equal(t, 4, decision.ConsecutiveFailures, "cancellations leave the streak alone")
	assert.False(t, decision.Paused)
	require.NotNil(t, decision.NextRunAt)
	assert.True(t, now.Add(time.Minute).Equal(*decision.NextRunAt))
	require.NotNil(t, decision.LastFailedAt)
}

func TestPlanCompletion_RejectsFireAndForgetKinds(t *testing.T) {
	now := time.Now()
	s := &model.Schedule{Name: "oops", Kind: model.ScheduleKindConcurrentInterval, Interval: time.Minute}

	_, err := schedule.PlanCompletion(s, model.OutcomeSucceeded, nil, now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not track completions")
}

func TestPlanRecovery_Sequential(t *testing.T) {
	now := time.Now()
	last := now.Add(-10 * time.Minute)

	withHistory := &model.Schedule{
		Name:            "recovered",
		Kind:            model.ScheduleKindSequentialInterval,
		Status:          model.ScheduleStatusActive,
		Interval:        time.Minute,
		LastCompletedAt: &last,
	}
	decision := schedule.PlanRecovery(withHistory, now)
	assert.Equal(t, model.ScheduleStatusActive, decision.Status)
	require.True(t, decision.UpdateNextRun)
	require.NotNil(t, decision.NextRunAt)
	assert.True(t, last.Add(time.Minute).Equal(*decision.NextRunAt))

	fresh := &model.Schedule{
		Name:     "never-ran",
		Kind:     model.ScheduleKindSequentialInterval,
		Status:   model.ScheduleStatusActive,
		Interval: time.Minute,
	}
	decision = schedule.PlanRecovery(fresh, now)
	require.NotNil(t, decision.NextRunAt)
	assert.True(t, now.Equal(*decision.NextRunAt), "a schedule with no history runs immediately")
}

func TestPlanRecovery_Dynamic(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)

	pending := &model.Schedule{
		Name:      "dyn-pending",
		Kind:      model.ScheduleKindDynamic,
		Status:    model.ScheduleStatusActive,
		NextRunAt: &future,
	}
	decision := schedule.PlanRecovery(pending, now)
	assert.Equal(t, model.ScheduleStatusActive, decision.Status)
	assert.False(t, decision.UpdateNextRun, "a planned run survives recovery untouched")

	drained := &model.Schedule{
		Name:   "dyn-drained",
		Kind:   model.ScheduleKindDynamic,
		Status: model.ScheduleStatusActive,
	}
	decision = schedule.PlanRecovery(drained, now)
	assert.Equal(t, model.ScheduleStatusCompleted, decision.Status)
	assert.True(t, decision.UpdateNextRun)
	assert.Nil(t, decision.NextRunAt)
}

func TestParseNextRun(t *testing.T) {
	next, err := schedule.ParseNextRun(json.RawMessage(`{"nextRunAt":"2025-06-01T08:30:00Z"}`))
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC), next.UTC())

	next, err = schedule.ParseNextRun(json.RawMessage(`{"nextRunAt":""}`))
	require.NoError(t, err)
	assert.Nil(t, next)

	_, err = schedule.ParseNextRun(json.RawMessage(`{"nextRunAt":"tomorrow"}`))
	require.Error(t, err)

	_, err = schedule.ParseNextRun(json.RawMessage(`[1,2]`))
	require.Error(t, err)
}
