package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Xkonti/crude-functions-core/config"
	"github.com/Xkonti/crude-functions-core/internal/core"
	"github.com/Xkonti/crude-functions-core/internal/data"
	"github.com/Xkonti/crude-functions-core/internal/domain/event"
	"github.com/Xkonti/crude-functions-core/internal/domain/model"
	"github.com/Xkonti/crude-functions-core/internal/mocks"
	"github.com/Xkonti/crude-functions-core/internal/service"
)

func runnerTestScheduler(t *testing.T, ctrl *gomock.Controller, bus *event.Bus) (*service.SchedulerService, *mocks.MockScheduleRepository, *mocks.MockJobRepository) {
	t.Helper()
	repo := mocks.NewMockScheduleRepository(ctrl)
	jobs := mocks.NewMockJobRepository(ctrl)

	var publisher event.Publisher
	if bus != nil {
		publisher = bus
	}
	svc := service.MustNewSchedulerService(service.SchedulerServiceOptions{
		Repo:   repo,
		Jobs:   jobs,
		Events: publisher,
	})
	return svc, repo, jobs
}

func TestNewRunner(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	t.Run("requires db or scheduler", func(t *testing.T) {
		_, err := NewRunner(RunnerOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "either DB or Scheduler must be provided")
	})

	t.Run("sanitizes the config", func(t *testing.T) {
		sched, _, _ := runnerTestScheduler(t, ctrl, nil)
		r, err := NewRunner(RunnerOptions{Scheduler: sched})
		require.NoError(t, err)
		assert.Equal(t, 100*time.Millisecond, r.cfg.TickInterval)
		assert.Equal(t, time.Second, r.cfg.CompletionCheckInterval)
	})
}

func TestRunnerRun(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	bus := event.NewBus(nil)
	sched, repo, _ := runnerTestScheduler(t, ctrl, bus)

	r, err := NewRunner(RunnerOptions{
		Scheduler: sched,
		Events:    bus,
		Config: config.SchedulerConfig{
			TickInterval:            100 * time.Millisecond,
			CompletionCheckInterval: time.Second,
		},
	})
	require.NoError(t, err)

	// Startup: transient purge and tracked-job recovery run before any tick.
	repo.EXPECT().DeleteTransient(gomock.Any()).Return(int64(0), nil)
	repo.EXPECT().FindTracked(gomock.Any()).Return(nil, nil)

	// First tick fires the one due schedule; later ticks find nothing.
	next := time.Now().UTC().Add(-time.Second)
	due := &model.Schedule{
		Name:      "heartbeat",
		Kind:      model.ScheduleKindConcurrentInterval,
		Status:    model.ScheduleStatusActive,
		NextRunAt: &next,
		Interval:  time.Minute,
		JobType:   "echo",
	}
	fired := make(chan struct{})
	repo.EXPECT().FindDue(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]*model.Schedule{due}, nil)
	repo.EXPECT().FindDue(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, nil).AnyTimes()
	repo.EXPECT().Fire(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, core.FireParams) (*model.Job, error) {
			defer close(fired)
			return &model.Job{ID: "job-1", Type: "echo", Status: model.JobStatusPending}, nil
		})
	repo.EXPECT().FindTrackedCompleted(gomock.Any(), gomock.Any()).
		Return(nil, nil).AnyTimes()

	// The fast path consumes completion events published on the bus.
	handled := make(chan struct{})
	repo.EXPECT().GetByName(gomock.Any(), "gone").DoAndReturn(
		func(context.Context, string) (*model.Schedule, error) {
			defer close(handled)
			return nil, data.ErrScheduleNotFound
		})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(ctx) }()

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("due schedule was not fired")
	}

	refType := model.ReferenceTypeSchedule
	refID := "gone"
	bus.Publish(ctx, event.JobCompleted{
		JobID:         "job-9",
		Outcome:       model.OutcomeSucceeded,
		ReferenceType: &refType,
		ReferenceID:   &refID,
	})

	select {
	case <-handled:
	case <-time.After(5 * time.Second):
		t.Fatal("completion fast path did not run")
	}

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
}
