package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Xkonti/crude-functions-core/internal/core"
	"github.com/Xkonti/crude-functions-core/internal/domain/model"
	"github.com/Xkonti/crude-functions-core/internal/domain/schedule"
	apperrors "github.com/Xkonti/crude-functions-core/internal/errors"
	"github.com/Xkonti/crude-functions-core/internal/testutil"
)

// testSchedule returns a sequential_interval schedule due at next.
func testSchedule(name string, next time.Time) *model.Schedule {
	return &model.Schedule{
		Name:                   name,
		Kind:                   model.ScheduleKindSequentialInterval,
		Status:                 model.ScheduleStatusActive,
		NextRunAt:              &next,
		Interval:               5 * time.Minute,
		JobType:                testJobType,
		JobPayload:             []byte(`{"fn": "rollup"}`),
		JobMaxRetries:          1,
		IsPersistent:           true,
		MaxConsecutiveFailures: model.DefaultMaxConsecutiveFailures,
	}
}

// fireDue is shorthand for PlanFire plus Fire against a fresh snapshot.
func fireDue(t *testing.T, repo *ScheduleRepo, name string, now time.Time) *model.Job {
	t.Helper()

	s, err := repo.GetByName(context.Background(), name)
	require.NoError(t, err)
	decision, err := schedule.PlanFire(s, now)
	require.NoError(t, err)
	template := s.JobTemplate()

	job, err := repo.Fire(context.Background(), core.FireParams{
		Schedule: s,
		Decision: decision,
		Job:      &template,
		Now:      now,
	})
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

// finishJob drives a job to the given terminal outcome through the normal
// claim, start, finish sequence.
func finishJob(t *testing.T, jobs *JobRepo, jobID string, outcome model.Outcome, result json.RawMessage) {
	t.Helper()
	owner := uuid.NewString()

	claimed, err := jobs.ClaimOne(context.Background(), claimParams(owner, 30))
	require.NoError(t, err)
	require.Equal(t, jobID, claimed.ID)
	_, err = jobs.Start(context.Background(), core.StartParams{JobID: jobID, OwnerID: owner})
	require.NoError(t, err)
	_, _, err = jobs.Finish(context.Background(), core.FinishParams{
		JobID:   jobID,
		OwnerID: owner,
		Outcome: outcome,
		Result:  result,
		ErrMsg:  "handler reported failure",
	})
	require.NoError(t, err)
}

// TestScheduleRepo_Integration_InsertAndRead covers round-trips, duplicate
// names, listing, and deletion.
func TestScheduleRepo_Integration_InsertAndRead(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewScheduleRepo(db, RepoConfig{})
		next := testutil.TestTime()

		created, err := repo.Insert(context.Background(), testSchedule("metrics-rollup", next))
		require.NoError(t, err)
		assert.Equal(t, "metrics-rollup", created.Name)
		assert.Equal(t, model.ScheduleKindSequentialInterval, created.Kind)
		assert.Equal(t, model.ScheduleStatusActive, created.Status)
		assert.Equal(t, 5*time.Minute, created.Interval)
		require.NotNil(t, created.NextRunAt)
		assert.True(t, created.NextRunAt.Equal(next))
		assert.Equal(t, 0, created.ConsecutiveFailures)
		assert.Nil(t, created.ActiveJobID)
		assert.True(t, created.IsPersistent)

		_, err = repo.Insert(context.Background(), testSchedule("metrics-rollup", next))
		require.Error(t, err)
		assert.True(t, apperrors.IsConflict(err))

		fetched, err := repo.GetByName(context.Background(), "metrics-rollup")
		require.NoError(t, err)
		assert.Equal(t, created.Name, fetched.Name)
		assert.JSONEq(t, `{"fn": "rollup"}`, string(fetched.JobPayload))

		_, err = repo.GetByName(context.Background(), "no-such-schedule")
		require.ErrorIs(t, err, ErrScheduleNotFound)

		paused := testSchedule("cert-renewal", next)
		paused.Status = model.ScheduleStatusPaused
		_, err = repo.Insert(context.Background(), paused)
		require.NoError(t, err)

		all, err := repo.List(context.Background(), model.ScheduleListOptions{})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		statusFilter := model.ScheduleStatusPaused
		onlyPaused, err := repo.List(context.Background(), model.ScheduleListOptions{Status: &statusFilter})
		require.NoError(t, err)
		require.Len(t, onlyPaused, 1)
		assert.Equal(t, "cert-renewal", onlyPaused[0].Name)

		deleted, err := repo.Delete(context.Background(), "cert-renewal")
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = repo.Delete(context.Background(), "cert-renewal")
		require.NoError(t, err)
		assert.False(t, deleted)
	})
}

// TestScheduleRepo_Integration_SetStatus checks guarded lifecycle transitions.
func TestScheduleRepo_Integration_SetStatus(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewScheduleRepo(db, RepoConfig{})
		next := testutil.TestTime()

		_, err := repo.Insert(context.Background(), testSchedule("log-compaction", next))
		require.NoError(t, err)

		paused, err := repo.SetStatus(context.Background(), core.SetScheduleStatusParams{
			Name: "log-compaction",
			From: []model.ScheduleStatus{model.ScheduleStatusActive},
			To:   model.ScheduleStatusPaused,
		})
		require.NoError(t, err)
		assert.Equal(t, model.ScheduleStatusPaused, paused.Status)
		assert.NotNil(t, paused.NextRunAt)

		// Pausing again is a transition from the wrong state.
		_, err = repo.SetStatus(context.Background(), core.SetScheduleStatusParams{
			Name: "log-compaction",
			From: []model.ScheduleStatus{model.ScheduleStatusActive},
			To:   model.ScheduleStatusPaused,
		})
		require.Error(t, err)
		assert.True(t, apperrors.IsState(err))

		resumed, err := repo.SetStatus(context.Background(), core.SetScheduleStatusParams{
			Name: "log-compaction",
			From: []model.ScheduleStatus{model.ScheduleStatusPaused},
			To:   model.ScheduleStatusActive,
		})
		require.NoError(t, err)
		assert.Equal(t, model.ScheduleStatusActive, resumed.Status)

		cleared, err := repo.SetStatus(context.Background(), core.SetScheduleStatusParams{
			Name:           "log-compaction",
			From:           []model.ScheduleStatus{model.ScheduleStatusActive, model.ScheduleStatusPaused},
			To:             model.ScheduleStatusCompleted,
			ClearNextRun:   true,
			ClearActiveJob: true,
		})
		require.NoError(t, err)
		assert.Equal(t, model.ScheduleStatusCompleted, cleared.Status)
		assert.Nil(t, cleared.NextRunAt)
		assert.Nil(t, cleared.ActiveJobID)

		_, err = repo.SetStatus(context.Background(), core.SetScheduleStatusParams{
			Name: "no-such-schedule",
			From: []model.ScheduleStatus{model.ScheduleStatusActive},
			To:   model.ScheduleStatusPaused,
		})
		require.Error(t, err)
		assert.True(t, apperrors.IsNotFound(err))
	})
}

// TestScheduleRepo_Integration_FindDue orders due schedules and skips
// completion-driven ones that are already tracking a job.
func TestScheduleRepo_Integration_FindDue(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewScheduleRepo(db, RepoConfig{})
		now := testutil.TestTime()

		_, err := repo.Insert(context.Background(), testSchedule("due-late", now.Add(-time.Minute)))
		require.NoError(t, err)
		_, err = repo.Insert(context.Background(), testSchedule("due-early", now.Add(-time.Hour)))
		require.NoError(t, err)
		_, err = repo.Insert(context.Background(), testSchedule("not-yet", now.Add(time.Hour)))
		require.NoError(t, err)

		dormant := testSchedule("paused-out", now.Add(-time.Hour))
		dormant.Status = model.ScheduleStatusPaused
		_, err = repo.Insert(context.Background(), dormant)
		require.NoError(t, err)

		due, err := repo.FindDue(context.Background(), now, 10)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, "due-early", due[0].Name)
		assert.Equal(t, "due-late", due[1].Name)

		// Tracking a job removes a completion-driven schedule from the due set
		// until the job resolves.
		fireDue(t, repo, "due-early", now)

		due, err = repo.FindDue(context.Background(), now, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "due-late", due[0].Name)
	})
}

// TestScheduleRepo_Integration_FireConcurrent advances a concurrent_interval
// schedule and drops superseded fires without leaving a job behind.
func TestScheduleRepo_Integration_FireConcurrent(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewScheduleRepo(db, RepoConfig{})
		now := testutil.TestTime()

		s := testSchedule("heartbeat-ping", now.Add(-time.Second))
		s.Kind = model.ScheduleKindConcurrentInterval
		_, err := repo.Insert(context.Background(), s)
		require.NoError(t, err)

		snapshot, err := repo.GetByName(context.Background(), "heartbeat-ping")
		require.NoError(t, err)
		decision, err := schedule.PlanFire(snapshot, now)
		require.NoError(t, err)
		template := snapshot.JobTemplate()

		job, err := repo.Fire(context.Background(), core.FireParams{
			Schedule: snapshot,
			Decision: decision,
			Job:      &template,
			Now:      now,
		})
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, testJobType, job.Type)
		assert.Equal(t, model.ExecutionModeConcurrent, job.ExecutionMode)
		require.NotNil(t, job.ReferenceID)
		assert.Equal(t, "heartbeat-ping", *job.ReferenceID)

		advanced, err := repo.GetByName(context.Background(), "heartbeat-ping")
		require.NoError(t, err)
		require.NotNil(t, advanced.NextRunAt)
		assert.True(t, advanced.NextRunAt.After(now))
		assert.Nil(t, advanced.ActiveJobID)

		// Replaying the stale decision finds the row already advanced; the
		// transaction rolls back without enqueueing a second job.
		replay, err := repo.Fire(context.Background(), core.FireParams{
			Schedule: snapshot,
			Decision: decision,
			Job:      &template,
			Now:      now,
		})
		require.NoError(t, err)
		assert.Nil(t, replay)

		jobsRepo := NewJobRepo(db, RepoConfig{})
		byRef, err := jobsRepo.GetByReference(context.Background(), core.ReferenceParams{
			ReferenceType: model.ReferenceTypeSchedule,
			ReferenceID:   "heartbeat-ping",
		})
		require.NoError(t, err)
		assert.Len(t, byRef, 1)
	})
}

// TestScheduleRepo_Integration_FireOneOff completes the schedule on its only fire.
func TestScheduleRepo_Integration_FireOneOff(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewScheduleRepo(db, RepoConfig{})
		now := testutil.TestTime()

		s := testSchedule("db-migration", now.Add(-time.Second))
		s.Kind = model.ScheduleKindOneOff
		s.Interval = 0
		_, err := repo.Insert(context.Background(), s)
		require.NoError(t, err)

		fireDue(t, repo, "db-migration", now)

		done, err := repo.GetByName(context.Background(), "db-migration")
		require.NoError(t, err)
		assert.Equal(t, model.ScheduleStatusCompleted, done.Status)
		assert.Nil(t, done.NextRunAt)
	})
}

// TestScheduleRepo_Integration_TrackedLifecycle runs a sequential_interval
// schedule through fire, completion, and the paused-sticky resolve.
func TestScheduleRepo_Integration_TrackedLifecycle(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewScheduleRepo(db, RepoConfig{})
		jobs := NewJobRepo(db, RepoConfig{})
		now := testutil.TestTime()

		_, err := repo.Insert(context.Background(), testSchedule("batch-export", now.Add(-time.Second)))
		require.NoError(t, err)

		job := fireDue(t, repo, "batch-export", now)
		assert.Equal(t, model.ExecutionModeSequential, job.ExecutionMode)

		tracked, err := repo.GetByName(context.Background(), "batch-export")
		require.NoError(t, err)
		require.NotNil(t, tracked.ActiveJobID)
		assert.Equal(t, job.ID, *tracked.ActiveJobID)
		// next_run_at is untouched until the job resolves.
		require.NotNil(t, tracked.NextRunAt)

		// Firing again while tracked trips the single-live-job rule.
		decision, err := schedule.PlanFire(tracked, now)
		require.NoError(t, err)
		template := tracked.JobTemplate()
		_, err = repo.Fire(context.Background(), core.FireParams{
			Schedule: tracked,
			Decision: decision,
			Job:      &template,
			Now:      now,
		})
		require.Error(t, err)
		assert.True(t, apperrors.IsConflict(err))

		finishJob(t, jobs, job.ID, model.OutcomeSucceeded, nil)

		// Resolving under a mismatched job id is a stale completion; nothing moves.
		staleDecision, err := schedule.PlanCompletion(tracked, model.OutcomeSucceeded, nil, now)
		require.NoError(t, err)
		skipped, err := repo.ResolveCompletion(context.Background(), core.ResolveCompletionParams{
			Name:     "batch-export",
			JobID:    uuid.NewString(),
			Decision: staleDecision,
		})
		require.NoError(t, err)
		assert.Nil(t, skipped)

		still, err := repo.GetByName(context.Background(), "batch-export")
		require.NoError(t, err)
		require.NotNil(t, still.ActiveJobID)

		resolved, err := repo.ResolveCompletion(context.Background(), core.ResolveCompletionParams{
			Name:     "batch-export",
			JobID:    job.ID,
			Decision: staleDecision,
		})
		require.NoError(t, err)
		require.NotNil(t, resolved)
		assert.Equal(t, model.ScheduleStatusActive, resolved.Status)
		assert.Nil(t, resolved.ActiveJobID)
		assert.NotNil(t, resolved.LastCompletedAt)
		require.NotNil(t, resolved.NextRunAt)
		assert.True(t, resolved.NextRunAt.Equal(now.Add(5*time.Minute)))
	})
}

// TestScheduleRepo_Integration_PausedSticky keeps an operator pause in place
// when a completion tries to reactivate the schedule.
func TestScheduleRepo_Integration_PausedSticky(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewScheduleRepo(db, RepoConfig{})
		jobs := NewJobRepo(db, RepoConfig{})
		now := testutil.TestTime()

		_, err := repo.Insert(context.Background(), testSchedule("report-digest", now.Add(-time.Second)))
		require.NoError(t, err)
		job := fireDue(t, repo, "report-digest", now)

		// Operator pauses while the job is still in flight.
		_, err = repo.SetStatus(context.Background(), core.SetScheduleStatusParams{
			Name: "report-digest",
			From: []model.ScheduleStatus{model.ScheduleStatusActive},
			To:   model.ScheduleStatusPaused,
		})
		require.NoError(t, err)

		finishJob(t, jobs, job.ID, model.OutcomeSucceeded, nil)

		tracked, err := repo.GetByName(context.Background(), "report-digest")
		require.NoError(t, err)
		decision, err := schedule.PlanCompletion(tracked, model.OutcomeSucceeded, nil, now)
		require.NoError(t, err)

		resolved, err := repo.ResolveCompletion(context.Background(), core.ResolveCompletionParams{
			Name:     "report-digest",
			JobID:    job.ID,
			Decision: decision,
		})
		require.NoError(t, err)
		require.NotNil(t, resolved)
		assert.Equal(t, model.ScheduleStatusPaused, resolved.Status)
		assert.Nil(t, resolved.ActiveJobID)
	})
}

// TestScheduleRepo_Integration_FailureCounting walks the consecutive-failure
// counter across the pause threshold and back down after a success.
func TestScheduleRepo_Integration_FailureCounting(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewScheduleRepo(db, RepoConfig{})
		jobs := NewJobRepo(db, RepoConfig{})
		now := testutil.TestTime()

		s := testSchedule("flaky-import", now.Add(-time.Second))
		s.MaxConsecutiveFailures = 2
		_, err := repo.Insert(context.Background(), s)
		require.NoError(t, err)

		failOnce := func(wantStatus model.ScheduleStatus, wantFailures int) {
			t.Helper()
			job := fireDue(t, repo, "flaky-import", now)
			finishJob(t, jobs, job.ID, model.OutcomeFailed, nil)

			tracked, getErr := repo.GetByName(context.Background(), "flaky-import")
			require.NoError(t, getErr)
			decision, planErr := schedule.PlanCompletion(tracked, model.OutcomeFailed, nil, now)
			require.NoError(t, planErr)
			resolved, resolveErr := repo.ResolveCompletion(context.Background(), core.ResolveCompletionParams{
				Name:     "flaky-import",
				JobID:    job.ID,
				Decision: decision,
			})
			require.NoError(t, resolveErr)
			require.NotNil(t, resolved)
			assert.Equal(t, wantStatus, resolved.Status)
			assert.Equal(t, wantFailures, resolved.ConsecutiveFailures)
			assert.NotNil(t, resolved.LastFailedAt)
		}

		failOnce(model.ScheduleStatusActive, 1)

		// Second failure crosses MaxConsecutiveFailures and self-pauses.
		// The schedule row must be made due again first since the failure
		// decision pushed next_run_at one interval out.
		makeDue(t, db, "flaky-import", now)
		failOnce(model.ScheduleStatusPaused, 2)

		// Resume and succeed: the counter resets.
		_, err = repo.SetStatus(context.Background(), core.SetScheduleStatusParams{
			Name: "flaky-import",
			From: []model.ScheduleStatus{model.ScheduleStatusPaused},
			To:   model.ScheduleStatusActive,
		})
		require.NoError(t, err)
		makeDue(t, db, "flaky-import", now)

		job := fireDue(t, repo, "flaky-import", now)
		finishJob(t, jobs, job.ID, model.OutcomeSucceeded, nil)

		tracked, err := repo.GetByName(context.Background(), "flaky-import")
		require.NoError(t, err)
		decision, err := schedule.PlanCompletion(tracked, model.OutcomeSucceeded, nil, now)
		require.NoError(t, err)
		resolved, err := repo.ResolveCompletion(context.Background(), core.ResolveCompletionParams{
			Name:     "flaky-import",
			JobID:    job.ID,
			Decision: decision,
		})
		require.NoError(t, err)
		require.NotNil(t, resolved)
		assert.Equal(t, 0, resolved.ConsecutiveFailures)
	})
}

// makeDue rewinds a schedule's next_run_at so the next fire is immediately legal.
func makeDue(t *testing.T, db *sql.DB, name string, now time.Time) {
	t.Helper()
	_, err := db.Exec(`UPDATE schedules SET next_run_at = $2 WHERE name = $1`, name, now.Add(-time.Second))
	require.NoError(t, err)
}

// TestScheduleRepo_Integration_TrackedQueries covers FindTracked and the
// completed-join used by the completion poller.
func TestScheduleRepo_Integration_TrackedQueries(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewScheduleRepo(db, RepoConfig{})
		jobs := NewJobRepo(db, RepoConfig{})
		now := testutil.TestTime()

		_, err := repo.Insert(context.Background(), testSchedule("index-rebuild", now.Add(-time.Second)))
		require.NoError(t, err)
		_, err = repo.Insert(context.Background(), testSchedule("cache-warmup", now.Add(-time.Second)))
		require.NoError(t, err)

		rebuild := fireDue(t, repo, "index-rebuild", now)
		warmup := fireDue(t, repo, "cache-warmup", now)

		tracked, err := repo.FindTracked(context.Background())
		require.NoError(t, err)
		require.Len(t, tracked, 2)
		assert.Equal(t, "cache-warmup", tracked[0].Name)
		assert.Equal(t, "index-rebuild", tracked[1].Name)

		// Nothing terminal yet.
		completions, err := repo.FindTrackedCompleted(context.Background(), 10)
		require.NoError(t, err)
		assert.Empty(t, completions)

		finishJob(t, jobs, rebuild.ID, model.OutcomeSucceeded, json.RawMessage(`{"indexed": 10}`))

		completions, err = repo.FindTrackedCompleted(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, completions, 1)
		assert.Equal(t, "index-rebuild", completions[0].Schedule.Name)
		require.NotNil(t, completions[0].Job)
		assert.Equal(t, rebuild.ID, completions[0].Job.ID)
		assert.Equal(t, model.JobStatusSucceeded, completions[0].Job.Status)
		assert.JSONEq(t, `{"indexed": 10}`, string(completions[0].Job.Result))

		_ = warmup
	})
}

// TestScheduleRepo_Integration_DeleteTransient wipes non-persistent schedules only.
func TestScheduleRepo_Integration_DeleteTransient(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewScheduleRepo(db, RepoConfig{})
		next := testutil.TestTime()

		_, err := repo.Insert(context.Background(), testSchedule("keep-me", next))
		require.NoError(t, err)

		transient := testSchedule("drop-me", next)
		transient.IsPersistent = false
		_, err = repo.Insert(context.Background(), transient)
		require.NoError(t, err)

		removed, err := repo.DeleteTransient(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		_, err = repo.GetByName(context.Background(), "drop-me")
		require.ErrorIs(t, err, ErrScheduleNotFound)

		_, err = repo.GetByName(context.Background(), "keep-me")
		require.NoError(t, err)
	})
}
