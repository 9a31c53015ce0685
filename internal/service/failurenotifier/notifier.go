// Package failurenotifier fans job failure and schedule pause notifications
// out to the configured operator sinks.
package failurenotifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Xkonti/crude-functions-core/internal/core"
	"github.com/Xkonti/crude-functions-core/internal/observability/notify"
)

// DefaultPauseDedupeTTL suppresses repeat pause notifications for the same
// schedule within this window.
const DefaultPauseDedupeTTL = time.Hour

// SinkRegistration pairs a sink implementation with a human-readable name for logging.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the failure notifier service.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration

	// Cache enables per-schedule dedupe of pause notifications. Optional;
	// without it every pause notifies.
	Cache          core.CacheRepository
	PauseDedupeTTL time.Duration
}

// Service dispatches failure events to all registered sinks.
type Service struct {
	logger         *slog.Logger
	sinks          []SinkRegistration
	cache          core.CacheRepository
	pauseDedupeTTL time.Duration
}

// NewService constructs a failure notifier.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "failure_notifier")
	}

	var sinks []SinkRegistration
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		name := entry.Name
		if name == "" {
			name = "sink"
		}
		sinks = append(sinks, SinkRegistration{
			Name: name,
			Sink: entry.Sink,
		})
	}

	ttl := opts.PauseDedupeTTL
	if ttl <= 0 {
		ttl = DefaultPauseDedupeTTL
	}

	return &Service{
		logger:         logger,
		sinks:          sinks,
		cache:          opts.Cache,
		pauseDedupeTTL: ttl,
	}
}

// NotifyJobFailure fan-outs the job failure payload to all sinks.
func (s *Service) NotifyJobFailure(ctx context.Context, payload notify.JobFailurePayload) {
	if len(s.sinks) == 0 {
		return
	}

	if payload.Severity == "" {
		payload.Severity = notify.SeverityCritical
	}

	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := entry.Sink.SendJobFailure(ctx, payload); err != nil {
				s.logger.Error("failure notifier delivery error",
					"sink", entry.Name,
					"job_id", payload.JobID,
					"job_type", payload.JobType,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
}

// NotifySchedulePaused fan-outs a schedule pause notice to every sink that
// supports it. A flapping schedule notifies at most once per dedupe window.
func (s *Service) NotifySchedulePaused(ctx context.Context, payload notify.SchedulePausePayload) {
	if len(s.sinks) == 0 {
		return
	}

	if !s.claimPauseNotification(ctx, payload.ScheduleName) {
		if s.logger != nil {
			s.logger.DebugContext(ctx, "suppressing duplicate pause notification",
				"schedule", payload.ScheduleName,
			)
		}
		return
	}

	if payload.Severity == "" {
		payload.Severity = notify.SeverityWarning
	}

	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		pauseSink, ok := entry.Sink.(notify.PauseSink)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pauseSink.SendSchedulePause(ctx, payload); err != nil {
				s.logger.Error("pause notifier delivery error",
					"sink", entry.Name,
					"schedule", payload.ScheduleName,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
}

// claimPauseNotification wins the right to notify for this schedule. Cache
// errors fail open: a duplicate page beats a silent pause.
func (s *Service) claimPauseNotification(ctx context.Context, scheduleName string) bool {
	if s.cache == nil || scheduleName == "" {
		return true
	}

	key := "crudefn:notify:schedule_paused:" + scheduleName
	won, err := s.cache.SetIfNotExists(ctx, key, []byte("1"), s.pauseDedupeTTL)
	if err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "pause dedupe cache error", "schedule", scheduleName, "error", err)
		}
		return true
	}
	return won
}

// Enabled reports whether the notifier has any active sinks.
func (s *Service) Enabled() bool {
	return len(s.sinks) > 0
}
