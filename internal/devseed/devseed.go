// Package devseed populates a local development database with demo schedules
// and jobs so the scheduler and processor have work to chew on immediately.
// Seeding is idempotent: rows that already exist are left alone.
package devseed

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/Xkonti/crude-functions-core/internal/core"
	"github.com/Xkonti/crude-functions-core/internal/data"
	"github.com/Xkonti/crude-functions-core/internal/domain/model"
	apperrors "github.com/Xkonti/crude-functions-core/internal/errors"
	"github.com/Xkonti/crude-functions-core/internal/service"
)

// seedReferenceType tags seeded jobs so re-runs can find and skip them.
const seedReferenceType = "devseed"

// Services bundles the dependencies needed for development seeding.
type Services struct {
	DB        *sql.DB
	queue     *service.QueueService
	scheduler *service.SchedulerService
}

// NewServices constructs all required services for seeding using the provided DB.
func NewServices(db *sql.DB) Services {
	repoCfg := data.RepoConfig{}
	jobRepo := data.NewJobRepo(db, repoCfg)
	scheduleRepo := data.NewScheduleRepo(db, repoCfg)

	queue := service.MustNewQueueService(service.QueueServiceOptions{
		Repo:         jobRepo,
		DefaultLease: time.Minute,
	})
	scheduler := service.MustNewSchedulerService(service.SchedulerServiceOptions{
		Repo: scheduleRepo,
		Jobs: jobRepo,
	})

	return Services{
		DB:        db,
		queue:     queue,
		scheduler: scheduler,
	}
}

// Run executes the full development seeding workflow against the provided DB.
func Run(ctx context.Context, svcs Services, logger *slog.Logger) error {
	failures := 0
	failures += seedSchedules(ctx, svcs.scheduler, logger)
	failures += seedJobs(ctx, svcs.queue, logger)
	if failures > 0 {
		return fmt.Errorf("%d seed errors; check logs", failures)
	}
	return nil
}

// demoSchedules returns one schedule per kind, all targeting the built-in
// demo handlers the service host registers (echo, sleep, tick).
func demoSchedules(now time.Time) []*model.RegisterScheduleRequest {
	oneOffAt := now.Add(2 * time.Minute)
	dynamicAt := now.Add(time.Minute)
	oneOffDesc := "Fires a single greeting shortly after seeding"
	heartbeatDesc := "Emits an echo heartbeat every minute"
	sequentialDesc := "Sleeps for 30s, then waits out the rest of the interval"
	dynamicDesc := "Self-scheduling tick; each run names the next one"

	return []*model.RegisterScheduleRequest{
		{
			Name:        "demo-one-off-greeting",
			Description: &oneOffDesc,
			Kind:        model.ScheduleKindOneOff,
			NextRunAt:   &oneOffAt,
			JobType:     "echo",
			JobPayload:  []byte(`{"message":"hello from devseed"}`),
		},
		{
			Name:        "demo-echo-heartbeat",
			Description: &heartbeatDesc,
			Kind:        model.ScheduleKindConcurrentInterval,
			Interval:    time.Minute,
			JobType:     "echo",
			JobPayload:  []byte(`{"message":"heartbeat"}`),
		},
		{
			Name:          "demo-sequential-sleep",
			Description:   &sequentialDesc,
			Kind:          model.ScheduleKindSequentialInterval,
			Interval:      2 * time.Minute,
			JobType:       "sleep",
			JobPayload:    []byte(`{"duration":"30s"}`),
			JobMaxRetries: 1,
		},
		{
			Name:        "demo-dynamic-tick",
			Description: &dynamicDesc,
			Kind:        model.ScheduleKindDynamic,
			NextRunAt:   &dynamicAt,
			JobType:     "tick",
			JobPayload:  []byte(`{"every":"5m"}`),
		},
	}
}

func seedSchedules(ctx context.Context, svc *service.SchedulerService, logger *slog.Logger) int {
	failures := 0
	for _, req := range demoSchedules(time.Now()) {
		created, err := registerSchedule(ctx, svc, req)
		if err != nil {
			if logger != nil {
				logger.ErrorContext(ctx, "failed to register schedule", "name", req.Name, "error", err)
			}
			failures++
			continue
		}
		if logger != nil {
			msg := "schedule already exists"
			if created {
				msg = "created schedule"
			}
			logger.InfoContext(ctx, msg, "name", req.Name, "kind", req.Kind)
		}
	}
	return failures
}

func registerSchedule(
	ctx context.Context,
	svc *service.SchedulerService,
	req *model.RegisterScheduleRequest,
) (bool, error) {
	if _, err := svc.Register(ctx, req); err != nil {
		if apperrors.IsConflict(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// demoJob pairs a stable seed name with the job it enqueues. The name becomes
// the job's reference ID so repeat runs can detect it.
type demoJob struct {
	Name    string
	Request model.EnqueueRequest
}

func demoJobs() []demoJob {
	return []demoJob{
		{
			Name: "echo-sample",
			Request: model.EnqueueRequest{
				Type:     "echo",
				Payload:  []byte(`{"message":"one-shot"}`),
				Priority: 5,
			},
		},
		{
			Name: "sleep-sample",
			Request: model.EnqueueRequest{
				Type:       "sleep",
				Payload:    []byte(`{"duration":"5s"}`),
				Priority:   10,
				MaxRetries: 2,
			},
		},
		{
			Name: "tick-sample",
			Request: model.EnqueueRequest{
				Type:    "tick",
				Payload: []byte(`{"every":"30s"}`),
			},
		},
	}
}

func seedJobs(ctx context.Context, svc *service.QueueService, logger *slog.Logger) int {
	failures := 0
	for _, seed := range demoJobs() {
		created, err := enqueueSeedJob(ctx, svc, seed)
		if err != nil {
			if logger != nil {
				logger.ErrorContext(ctx, "failed to enqueue job", "name", seed.Name, "error", err)
			}
			failures++
			continue
		}
		if logger != nil {
			msg := "job already seeded"
			if created {
				msg = "enqueued job"
			}
			logger.InfoContext(ctx, msg, "name", seed.Name, "type", seed.Request.Type)
		}
	}
	return failures
}

func enqueueSeedJob(ctx context.Context, svc *service.QueueService, seed demoJob) (bool, error) {
	existing, err := svc.GetByReference(ctx, core.ReferenceParams{
		ReferenceType: seedReferenceType,
		ReferenceID:   seed.Name,
	})
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, nil
	}

	refType := seedReferenceType
	refID := seed.Name
	req := seed.Request
	req.ReferenceType = &refType
	req.ReferenceID = &refID

	if _, err := svc.Enqueue(ctx, &req); err != nil {
		return false, err
	}
	return true, nil
}
