package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Xkonti/crude-functions-core/internal/core"
	"github.com/Xkonti/crude-functions-core/internal/data/cryptoutil"
	"github.com/Xkonti/crude-functions-core/internal/domain/event"
	domainjob "github.com/Xkonti/crude-functions-core/internal/domain/job"
	"github.com/Xkonti/crude-functions-core/internal/domain/model"
	"github.com/Xkonti/crude-functions-core/internal/mocks"
)

// stubJobNotifier records notifier interactions without spawning listen loops.
type stubJobNotifier struct {
	subscribeCalls [][]model.JobType
	stopCalled     bool
	subscribeFn    func([]model.JobType) (func(), <-chan struct{})
}

func (s *stubJobNotifier) Subscribe(types []model.JobType) (func(), <-chan struct{}) {
	s.subscribeCalls = append(s.subscribeCalls, types)
	if s.subscribeFn != nil {
		return s.subscribeFn(types)
	}
	ch := make(chan struct{}, 1)
	return func() {}, ch
}

func (s *stubJobNotifier) StopAll() {
	s.stopCalled = true
}

var _ domainjob.Notifier = (*stubJobNotifier)(nil)

// captureBus collects published events in order.
type captureBus struct {
	events []event.Event
}

func (b *captureBus) Publish(_ context.Context, evt event.Event) {
	b.events = append(b.events, evt)
}

var _ event.Publisher = (*captureBus)(nil)

func newTestQueueService(t *testing.T, repo *mocks.MockJobRepository) (*QueueService, *captureBus) {
	t.Helper()
	bus := &captureBus{}
	svc := MustNewQueueService(QueueServiceOptions{
		Repo:         repo,
		DefaultLease: 30 * time.Second,
		Notifier:     &stubJobNotifier{},
		Events:       bus,
	})
	return svc, bus
}

func queueTestJob(id string, status model.JobStatus) *model.Job {
	return &model.Job{
		ID:            id,
		Type:          "echo",
		Status:        status,
		Priority:      10,
		ExecutionMode: model.ExecutionModeConcurrent,
		Attempt:       1,
		MaxRetries:    3,
		ScheduledFor:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		CreatedAt:     time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC),
	}
}

func TestNewQueueService(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockJobRepository(ctrl)

	t.Run("success", func(t *testing.T) {
		svc, err := NewQueueService(QueueServiceOptions{
			Repo:         repo,
			DefaultLease: 30 * time.Second,
			Notifier:     &stubJobNotifier{},
		})
		require.NoError(t, err)
		assert.NotNil(t, svc)
		assert.Equal(t, repo, svc.repo)
		assert.Equal(t, 30*time.Second, svc.leasePolicy.Default())
		assert.Equal(t, DefaultStatsCacheTTL, svc.statsCacheTTL)
	})

	t.Run("success with logger", func(t *testing.T) {
		svc, err := NewQueueService(QueueServiceOptions{
			Repo:         repo,
			DefaultLease: 30 * time.Second,
			Logger:       slog.Default(),
			Notifier:     &stubJobNotifier{},
		})
		require.NoError(t, err)
		assert.NotNil(t, svc.logger)
	})

	t.Run("default notifier from repo waiter", func(t *testing.T) {
		svc, err := NewQueueService(QueueServiceOptions{
			Repo:         repo,
			DefaultLease: 30 * time.Second,
		})
		require.NoError(t, err)
		assert.NotNil(t, svc.notifier)
	})

	t.Run("missing repo", func(t *testing.T) {
		svc, err := NewQueueService(QueueServiceOptions{
			DefaultLease: 30 * time.Second,
		})
		require.Error(t, err)
		assert.Nil(t, svc)
		assert.Contains(t, err.Error(), "JobRepository is required")
	})

	t.Run("missing lease", func(t *testing.T) {
		svc, err := NewQueueService(QueueServiceOptions{Repo: repo})
		require.Error(t, err)
		assert.Nil(t, svc)
		assert.Contains(t, err.Error(), "DefaultLease must be positive")
	})
}

func TestQueueServiceEnqueue(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	t.Run("publishes enqueued event", func(t *testing.T) {
		repo := mocks.NewMockJobRepository(ctrl)
		svc, bus := newTestQueueService(t, repo)

		created := queueTestJob("job-1", model.JobStatusPending)
		req := &model.EnqueueRequest{Type: "echo", Payload: []byte(`{"n":1}`)}
		repo.EXPECT().Create(gomock.Any(), req).Return(created, nil)

		job, err := svc.Enqueue(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, created, job)

		require.Len(t, bus.events, 1)
		enq, ok := bus.events[0].(event.JobEnqueued)
		require.True(t, ok)
		assert.Equal(t, "job-1", enq.JobID)
		assert.Equal(t, model.JobType("echo"), enq.JobType)
		assert.Equal(t, created.ScheduledFor, enq.ScheduledFor)
	})

	t.Run("nil request", func(t *testing.T) {
		repo := mocks.NewMockJobRepository(ctrl)
		svc, _ := newTestQueueService(t, repo)

		_, err := svc.Enqueue(context.Background(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "enqueue request is required")
	})

	t.Run("repo error is wrapped", func(t *testing.T) {
		repo := mocks.NewMockJobRepository(ctrl)
		svc, bus := newTestQueueService(t, repo)

		repoErr := errors.New("connection refused")
		repo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil, repoErr)

		_, err := svc.Enqueue(context.Background(), &model.EnqueueRequest{Type: "echo"})
		require.Error(t, err)
		assert.ErrorIs(t, err, repoErr)
		assert.Empty(t, bus.events)
	})
}

func TestQueueServiceEnqueueEncryption(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	t.Run("seals payload before storage", func(t *testing.T) {
		repo := mocks.NewMockJobRepository(ctrl)
		bus := &captureBus{}
		svc := MustNewQueueService(QueueServiceOptions{
			Repo:         repo,
			DefaultLease: 30 * time.Second,
			Notifier:     &stubJobNotifier{},
			Events:       bus,
			Encryptor:    cryptoutil.NoopEncryptor{},
		})

		req := &model.EnqueueRequest{
			Type:           "echo",
			Payload:        []byte(`{"secret":true}`),
			EncryptPayload: true,
		}

		var stored *model.EnqueueRequest
		repo.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, r *model.EnqueueRequest) (*model.Job, error) {
				stored = r
				return queueTestJob("job-1", model.JobStatusPending), nil
			})

		_, err := svc.Enqueue(context.Background(), req)
		require.NoError(t, err)

		require.NotNil(t, stored)
		assert.NotSame(t, req, stored)
		assert.NotEqual(t, req.Payload, stored.Payload)
		// The caller's request is left untouched.
		assert.Equal(t, []byte(`{"secret":true}`), req.Payload)

		plain, err := cryptoutil.NoopEncryptor{}.Decrypt(string(stored.Payload))
		require.NoError(t, err)
		assert.JSONEq(t, `{"secret":true}`, string(plain))
	})

	t.Run("encryption without encryptor", func(t *testing.T) {
		repo := mocks.NewMockJobRepository(ctrl)
		svc, _ := newTestQueueService(t, repo)

		_, err := svc.Enqueue(context.Background(), &model.EnqueueRequest{
			Type:           "echo",
			Payload:        []byte(`{}`),
			EncryptPayload: true,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no encryptor configured")
	})
}

func TestQueueServiceDecryptPayload(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockJobRepository(ctrl)
	svc := MustNewQueueService(QueueServiceOptions{
		Repo:         repo,
		DefaultLease: 30 * time.Second,
		Notifier:     &stubJobNotifier{},
		Encryptor:    cryptoutil.NoopEncryptor{},
	})

	t.Run("plaintext passthrough", func(t *testing.T) {
		job := queueTestJob("job-1", model.JobStatusClaimed)
		job.Payload = []byte(`{"n":1}`)

		plain, err := svc.DecryptPayload(job)
		require.NoError(t, err)
		assert.Equal(t, job.Payload, plain)
	})

	t.Run("encrypted payload", func(t *testing.T) {
		sealed, err := cryptoutil.NoopEncryptor{}.Encrypt([]byte(`{"n":2}`))
		require.NoError(t, err)

		job := queueTestJob("job-2", model.JobStatusClaimed)
		job.Payload = []byte(sealed)
		job.PayloadEncrypted = true

		plain, err := svc.DecryptPayload(job)
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":2}`, string(plain))
	})

	t.Run("nil job", func(t *testing.T) {
		_, err := svc.DecryptPayload(nil)
		require.Error(t, err)
	})

	t.Run("encrypted without encryptor", func(t *testing.T) {
		bare, _ := newTestQueueService(t, repo)
		job := queueTestJob("job-3", model.JobStatusClaimed)
		job.PayloadEncrypted = true

		_, err := bare.DecryptPayload(job)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no encryptor is configured")
	})
}

func TestQueueServiceClaim(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	t.Run("explicit lease", func(t *testing.T) {
		repo := mocks.NewMockJobRepository(ctrl)
		svc, _ := newTestQueueService(t, repo)

		claimed := queueTestJob("job-1", model.JobStatusClaimed)
		repo.EXPECT().ClaimOne(gomock.Any(), core.ClaimParams{
			Types:        []model.JobType{"echo", "sleep"},
			OwnerID:      "worker-1",
			LeaseSeconds: 45,
		}).Return(claimed, nil)

		job, err := svc.Claim(context.Background(), ClaimRequest{
			Types:   []model.JobType{"echo", "sleep"},
			OwnerID: "worker-1",
			Lease:   45 * time.Second,
		})
		require.NoError(t, err)
		assert.Equal(t, claimed, job)
	})

	t.Run("zero lease uses default", func(t *testing.T) {
		repo := mocks.NewMockJobRepository(ctrl)
		svc, _ := newTestQueueService(t, repo)

		repo.EXPECT().ClaimOne(gomock.Any(), core.ClaimParams{
			Types:        []model.JobType{"echo"},
			OwnerID:      "worker-1",
			LeaseSeconds: 30,
		}).Return(queueTestJob("job-1", model.JobStatusClaimed), nil)

		_, err := svc.Claim(context.Background(), ClaimRequest{
			Types:   []model.JobType{"echo"},
			OwnerID: "worker-1",
		})
		require.NoError(t, err)
	})

	t.Run("no jobs available", func(t *testing.T) {
		repo := mocks.NewMockJobRepository(ctrl)
		svc, _ := newTestQueueService(t, repo)

		repo.EXPECT().ClaimOne(gomock.Any(), gomock.Any()).Return(nil, model.ErrNoJobsAvailable)

		_, err := svc.Claim(context.Background(), ClaimRequest{
			Types:   []model.JobType{"echo"},
			OwnerID: "worker-1",
		})
		assert.ErrorIs(t, err, model.ErrNoJobsAvailable)
	})
}

func TestQueueServiceStart(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockJobRepository(ctrl)
	svc, bus := newTestQueueService(t, repo)

	started := queueTestJob("job-1", model.JobStatusRunning)
	started.Attempt = 2
	repo.EXPECT().Start(gomock.Any(), core.StartParams{
		JobID:   "job-1",
		OwnerID: "worker-1",
	}).Return(started, nil)

	job, err := svc.Start(context.Background(), "job-1", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, started, job)

	require.Len(t, bus.events, 1)
	evt, ok := bus.events[0].(event.JobStarted)
	require.True(t, ok)
	assert.Equal(t, "job-1", evt.JobID)
	assert.Equal(t, 2, evt.Attempt)
}

func TestQueueServiceHeartbeat(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	t.Run("extends with default lease", func(t *testing.T) {
		repo := mocks.NewMockJobRepository(ctrl)
		svc, _ := newTestQueueService(t, repo)

		repo.EXPECT().Heartbeat(gomock.Any(), core.HeartbeatParams{
			JobID:        "job-1",
			OwnerID:      "worker-1",
			LeaseSeconds: 30,
		}).Return(model.HeartbeatResult{OK: true}, nil)

		result, err := svc.Heartbeat(context.Background(), HeartbeatRequest{
			JobID:   "job-1",
			OwnerID: "worker-1",
		})
		require.NoError(t, err)
		assert.True(t, result.OK)
		assert.False(t, result.CancelRequested)
	})

	t.Run("reports lost lease and cancellation", func(t *testing.T) {
		repo := mocks.NewMockJobRepository(ctrl)
		svc, _ := newTestQueueService(t, repo)

		repo.EXPECT().Heartbeat(gomock.Any(), gomock.Any()).
			Return(model.HeartbeatResult{OK: false, CancelRequested: true}, nil)

		result, err := svc.Heartbeat(context.Background(), HeartbeatRequest{
			JobID:   "job-1",
			OwnerID: "worker-1",
			Extend:  10 * time.Second,
		})
		require.NoError(t, err)
		assert.False(t, result.OK)
		assert.True(t, result.CancelRequested)
	})
}

func TestQueueServiceFinish(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	t.Run("success publishes completion", func(t *testing.T) {
		repo := mocks.NewMockJobRepository(ctrl)
		svc, bus := newTestQueueService(t, repo)

		result := json.RawMessage(`{"echoed":true}`)
		finished := queueTestJob("job-1", model.JobStatusSucceeded)
		finished.Result = result

		repo.EXPECT().Finish(gomock.Any(), core.FinishParams{
			JobID:   "job-1",
			OwnerID: "worker-1",
			Outcome: model.OutcomeSucceeded,
			Result:  result,
		}).Return(finished, true, nil)

		job, transitioned, err := svc.Finish(context.Background(), FinishRequest{
			JobID:   "job-1",
			OwnerID: "worker-1",
			Outcome: model.OutcomeSucceeded,
			Result:  result,
		})
		require.NoError(t, err)
		assert.True(t, transitioned)
		assert.Equal(t, model.JobStatusSucceeded, job.Status)

		require.Len(t, bus.events, 1)
		done, ok := bus.events[0].(event.JobCompleted)
		require.True(t, ok)
		assert.Equal(t, "job-1", done.JobID)
		assert.Equal(t, model.OutcomeSucceeded, done.Outcome)
		assert.Equal(t, result, done.Result)
	})

	t.Run("retried failure stays silent", func(t *testing.T) {
		repo := mocks.NewMockJobRepository(ctrl)
		svc, bus := newTestQueueService(t, repo)

		// Retries left: the repo reschedules the row as pending.
		retried := queueTestJob("job-1", model.JobStatusPending)
		repo.EXPECT().Finish(gomock.Any(), gomock.Any()).Return(retried, true, nil)

		job, transitioned, err := svc.Finish(context.Background(), FinishRequest{
			JobID:   "job-1",
			OwnerID: "worker-1",
			Outcome: model.OutcomeFailed,
			ErrMsg:  "boom",
		})
		require.NoError(t, err)
		assert.True(t, transitioned)
		assert.Equal(t, model.JobStatusPending, job.Status)
		assert.Empty(t, bus.events)
	})

	t.Run("exhausted failure publishes completion", func(t *testing.T) {
		repo := mocks.NewMockJobRepository(ctrl)
		svc, bus := newTestQueueService(t, repo)

		lastError := "boom"
		failed := queueTestJob("job-1", model.JobStatusFailed)
		failed.LastError = &lastError
		repo.EXPECT().Finish(gomock.Any(), gomock.Any()).Return(failed, true, nil)

		_, transitioned, err := svc.Finish(context.Background(), FinishRequest{
			JobID:   "job-1",
			OwnerID: "worker-1",
			Outcome: model.OutcomeFailed,
			ErrMsg:  "boom",
		})
		require.NoError(t, err)
		assert.True(t, transitioned)

		require.Len(t, bus.events, 1)
		done, ok := bus.events[0].(event.JobCompleted)
		require.True(t, ok)
		assert.Equal(t, model.OutcomeFailed, done.Outcome)
		require.NotNil(t, done.Error)
		assert.Equal(t, "boom", *done.Error)
	})

	t.Run("stale finish is a no-op", func(t *testing.T) {
		repo := mocks.NewMockJobRepository(ctrl)
		svc, bus := newTestQueueService(t, repo)

		already := queueTestJob("job-1", model.JobStatusSucceeded)
		repo.EXPECT().Finish(gomock.Any(), gomock.Any()).Return(already, false, nil)

		job, transitioned, err := svc.Finish(context.Background(), FinishRequest{
			JobID:   "job-1",
			OwnerID: "worker-2",
			Outcome: model.OutcomeFailed,
		})
		require.NoError(t, err)
		assert.False(t, transitioned)
		assert.NotNil(t, job)
		assert.Empty(t, bus.events)
	})
}

func TestQueueServiceRequestCancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	t.Run("pending job cancels immediately", func(t *testing.T) {
		repo := mocks.NewMockJobRepository(ctrl)
		svc, bus := newTestQueueService(t, repo)

		cancelled := queueTestJob("job-1", model.JobStatusCancelled)
		repo.EXPECT().RequestCancel(gomock.Any(), "job-1").Return(cancelled, true, nil)

		job, cancelledNow, err := svc.RequestCancel(context.Background(), "job-1")
		require.NoError(t, err)
		assert.True(t, cancelledNow)
		assert.Equal(t, model.JobStatusCancelled, job.Status)

		require.Len(t, bus.events, 1)
		done, ok := bus.events[0].(event.JobCompleted)
		require.True(t, ok)
		assert.Equal(t, model.OutcomeCancelled, done.Outcome)
	})

	t.Run("running job only flags", func(t *testing.T) {
		repo := mocks.NewMockJobRepository(ctrl)
		svc, bus := newTestQueueService(t, repo)

		running := queueTestJob("job-1", model.JobStatusRunning)
		running.CancelRequested = true
		repo.EXPECT().RequestCancel(gomock.Any(), "job-1").Return(running, false, nil)

		job, cancelledNow, err := svc.RequestCancel(context.Background(), "job-1")
		require.NoError(t, err)
		assert.False(t, cancelledNow)
		assert.True(t, job.CancelRequested)
		assert.Empty(t, bus.events)
	})
}

func TestQueueServiceStats(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	stats := &model.JobStats{Pending: 3, Running: 1, Succeeded: 7}

	t.Run("without cache hits the repo", func(t *testing.T) {
		repo := mocks.NewMockJobRepository(ctrl)
		svc, _ := newTestQueueService(t, repo)

		repo.EXPECT().Stats(gomock.Any(), model.JobType("echo")).Return(stats, nil)

		got, err := svc.Stats(context.Background(), "echo")
		require.NoError(t, err)
		assert.Equal(t, stats, got)
	})

	t.Run("cache miss populates the cache", func(t *testing.T) {
		repo := mocks.NewMockJobRepository(ctrl)
		cache := mocks.NewMockCacheRepository(ctrl)
		svc := MustNewQueueService(QueueServiceOptions{
			Repo:          repo,
			DefaultLease:  30 * time.Second,
			Notifier:      &stubJobNotifier{},
			Cache:         cache,
			StatsCacheTTL: 2 * time.Second,
		})

		key := statsCacheKeyPrefix + "echo"
		cache.EXPECT().Get(gomock.Any(), key).Return(nil, nil)
		repo.EXPECT().Stats(gomock.Any(), model.JobType("echo")).Return(stats, nil)
		cache.EXPECT().Set(gomock.Any(), key, gomock.Any(), 2*time.Second).Return(nil)

		got, err := svc.Stats(context.Background(), "echo")
		require.NoError(t, err)
		assert.Equal(t, stats, got)
	})

	t.Run("cache hit skips the repo", func(t *testing.T) {
		repo := mocks.NewMockJobRepository(ctrl)
		cache := mocks.NewMockCacheRepository(ctrl)
		svc := MustNewQueueService(QueueServiceOptions{
			Repo:         repo,
			DefaultLease: 30 * time.Second,
			Notifier:     &stubJobNotifier{},
			Cache:        cache,
		})

		raw, err := json.Marshal(stats)
		require.NoError(t, err)
		cache.EXPECT().Get(gomock.Any(), statsCacheKeyPrefix+"echo").Return(raw, nil)

		got, err := svc.Stats(context.Background(), "echo")
		require.NoError(t, err)
		assert.Equal(t, stats, got)
	})

	t.Run("cache failure falls back to the repo", func(t *testing.T) {
		repo := mocks.NewMockJobRepository(ctrl)
		cache := mocks.NewMockCacheRepository(ctrl)
		svc := MustNewQueueService(QueueServiceOptions{
			Repo:         repo,
			DefaultLease: 30 * time.Second,
			Notifier:     &stubJobNotifier{},
			Cache:        cache,
		})

		key := statsCacheKeyPrefix + "echo"
		cache.EXPECT().Get(gomock.Any(), key).Return(nil, errors.New("redis down"))
		repo.EXPECT().Stats(gomock.Any(), model.JobType("echo")).Return(stats, nil)
		cache.EXPECT().Set(gomock.Any(), key, gomock.Any(), DefaultStatsCacheTTL).Return(errors.New("redis down"))

		got, err := svc.Stats(context.Background(), "echo")
		require.NoError(t, err)
		assert.Equal(t, stats, got)
	})
}

func TestQueueServiceList(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockJobRepository(ctrl)
	svc, _ := newTestQueueService(t, repo)

	t.Run("normalizes pagination", func(t *testing.T) {
		var captured *model.JobListOptions
		repo.EXPECT().List(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, opts *model.JobListOptions) ([]*model.Job, error) {
				captured = opts
				return nil, nil
			})

		_, err := svc.List(context.Background(), &model.JobListOptions{Limit: 5000, Offset: -3})
		require.NoError(t, err)
		require.NotNil(t, captured)
		assert.Equal(t, 1000, captured.Limit)
		assert.Equal(t, 0, captured.Offset)
	})

	t.Run("nil options default", func(t *testing.T) {
		var captured *model.JobListOptions
		repo.EXPECT().List(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, opts *model.JobListOptions) ([]*model.Job, error) {
				captured = opts
				return nil, nil
			})

		_, err := svc.List(context.Background(), nil)
		require.NoError(t, err)
		require.NotNil(t, captured)
		assert.Equal(t, 50, captured.Limit)
		assert.Equal(t, 0, captured.Offset)
	})
}

func TestQueueServiceGetByReference(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockJobRepository(ctrl)
	svc, _ := newTestQueueService(t, repo)

	t.Run("requires both fields", func(t *testing.T) {
		_, err := svc.GetByReference(context.Background(), core.ReferenceParams{ReferenceType: "schedule"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reference type and reference id are required")
	})

	t.Run("passes through", func(t *testing.T) {
		params := core.ReferenceParams{ReferenceType: "schedule", ReferenceID: "nightly"}
		jobs := []*model.Job{queueTestJob("job-1", model.JobStatusSucceeded)}
		repo.EXPECT().GetByReference(gomock.Any(), params).Return(jobs, nil)

		got, err := svc.GetByReference(context.Background(), params)
		require.NoError(t, err)
		assert.Equal(t, jobs, got)
	})
}

func TestQueueServiceReclaimOrphans(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockJobRepository(ctrl)
	svc, _ := newTestQueueService(t, repo)

	repo.EXPECT().ReclaimOrphans(gomock.Any()).Return(int64(4), nil)

	reclaimed, err := svc.ReclaimOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), reclaimed)
}

func TestQueueServiceDelete(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockJobRepository(ctrl)
	svc, _ := newTestQueueService(t, repo)

	t.Run("requires id", func(t *testing.T) {
		err := svc.Delete(context.Background(), "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "job id is required")
	})

	t.Run("wraps repo error", func(t *testing.T) {
		repoErr := errors.New("job job-1 cannot be deleted in status running")
		repo.EXPECT().Delete(gomock.Any(), "job-1").Return(repoErr)

		err := svc.Delete(context.Background(), "job-1")
		require.Error(t, err)
		assert.ErrorIs(t, err, repoErr)
	})

	t.Run("success", func(t *testing.T) {
		repo.EXPECT().Delete(gomock.Any(), "job-2").Return(nil)
		require.NoError(t, svc.Delete(context.Background(), "job-2"))
	})
}

func TestQueueServiceSubscribe(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockJobRepository(ctrl)
	notifier := &stubJobNotifier{}
	svc := MustNewQueueService(QueueServiceOptions{
		Repo:         repo,
		DefaultLease: 30 * time.Second,
		Notifier:     notifier,
	})

	unsub, ch := svc.Subscribe([]model.JobType{"echo", "sleep"})
	require.NotNil(t, unsub)
	require.NotNil(t, ch)
	require.Len(t, notifier.subscribeCalls, 1)
	assert.Equal(t, []model.JobType{"echo", "sleep"}, notifier.subscribeCalls[0])

	svc.StopAllListeners()
	assert.True(t, notifier.stopCalled)
}
