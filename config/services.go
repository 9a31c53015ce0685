package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeScheduler runs the schedule tick and completion loops.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeProcessor runs the job processor worker pool.
	ServiceModeProcessor ServiceMode = "processor"
	// ServiceModeReaper runs the job reaper for retention cleanup.
	ServiceModeReaper ServiceMode = "reaper"
	// ServiceModeAll enables every service in a single process.
	ServiceModeAll ServiceMode = "all"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeScheduler,
		ServiceModeProcessor,
		ServiceModeReaper,
		ServiceModeAll,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// The pseudo-mode "all" expands to every concrete service. It validates that all service names
// are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeScheduler, ServiceModeProcessor, ServiceModeReaper:
			services[mode] = true
		case ServiceModeAll:
			services[ServiceModeScheduler] = true
			services[ServiceModeProcessor] = true
			services[ServiceModeReaper] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: scheduler, processor, reaper, all)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// QueueConfig contains job queue configuration.
type QueueConfig struct {
	// DefaultLease is the claim lease granted when a worker does not request one.
	DefaultLease time.Duration `env:"QUEUE_DEFAULT_LEASE" envDefault:"60s"`

	// StatsCacheTTL bounds how stale cached queue stats may be.
	// Zero disables the cache layer entirely.
	StatsCacheTTL time.Duration `env:"QUEUE_STATS_CACHE_TTL" envDefault:"5s"`
}

// Sanitize applies guardrails to queue configuration values.
func (q *QueueConfig) Sanitize() {
	// A lease shorter than this gives workers no room to heartbeat.
	if q.DefaultLease < 5*time.Second {
		q.DefaultLease = 5 * time.Second
	}
	if q.StatsCacheTTL < 0 {
		q.StatsCacheTTL = 0
	}
}

// SchedulerConfig contains scheduler service configuration.
type SchedulerConfig struct {
	// TickInterval is how often due schedules are polled and fired.
	TickInterval time.Duration `env:"SCHEDULER_TICK_INTERVAL" envDefault:"1s"`

	// CompletionCheckInterval is how often tracked schedules are reconciled
	// against their jobs. The JobCompleted event path only makes resolution
	// faster; this poll is what guarantees it.
	CompletionCheckInterval time.Duration `env:"SCHEDULER_COMPLETION_CHECK_INTERVAL" envDefault:"5s"`

	// BatchSize is the maximum number of due schedules fired per tick.
	BatchSize int `env:"SCHEDULER_BATCH_SIZE" envDefault:"100"`

	// CompletionBatchSize is the maximum number of tracked schedules resolved per poll.
	CompletionBatchSize int `env:"SCHEDULER_COMPLETION_BATCH_SIZE" envDefault:"100"`
}

// Sanitize applies guardrails to scheduler configuration values.
func (s *SchedulerConfig) Sanitize() {
	if s.TickInterval < 100*time.Millisecond {
		s.TickInterval = 100 * time.Millisecond
	}
	if s.CompletionCheckInterval < time.Second {
		s.CompletionCheckInterval = time.Second
	}
	if s.BatchSize < 1 {
		s.BatchSize = 1
	}
	if s.CompletionBatchSize < 1 {
		s.CompletionBatchSize = 1
	}
}

// ProcessorConfig contains job processor service configuration.
type ProcessorConfig struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int `env:"PROCESSOR_CONCURRENCY" envDefault:"4"`

	// JobLease is the claim lease requested per job. Zero uses the queue default.
	JobLease time.Duration `env:"PROCESSOR_JOB_LEASE" envDefault:"0"`

	// PollInterval is the claim retry floor when no enqueue notification arrives.
	PollInterval time.Duration `env:"PROCESSOR_POLL_INTERVAL" envDefault:"1s"`

	// OrphanReclaimInterval is how often expired leases are swept back to pending.
	OrphanReclaimInterval time.Duration `env:"PROCESSOR_ORPHAN_RECLAIM_INTERVAL" envDefault:"30s"`
}

// Sanitize applies guardrails to processor configuration values.
func (p *ProcessorConfig) Sanitize() {
	if p.Concurrency < 1 {
		p.Concurrency = 1
	}
	if p.JobLease < 0 {
		p.JobLease = 0
	}
	if p.JobLease > 0 && p.JobLease < 5*time.Second {
		p.JobLease = 5 * time.Second
	}

	// Keep the poll floor between half a second and two seconds: faster is
	// pointless next to the enqueue notifications, slower delays pickup when
	// a notification is missed.
	if p.PollInterval < 500*time.Millisecond {
		p.PollInterval = 500 * time.Millisecond
	}
	if p.PollInterval > 2*time.Second {
		p.PollInterval = 2 * time.Second
	}

	if p.OrphanReclaimInterval < 5*time.Second {
		p.OrphanReclaimInterval = 5 * time.Second
	}
}

// ReaperConfig contains job reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// PendingMaxAge is how long a pending job may sit unclaimed past its
	// scheduled time before the reaper cancels it.
	PendingMaxAge time.Duration `env:"REAPER_PENDING_MAX_AGE" envDefault:"24h"`

	// SucceededMaxAge is the maximum age for succeeded jobs before deletion.
	SucceededMaxAge time.Duration `env:"REAPER_SUCCEEDED_MAX_AGE" envDefault:"168h"` // 7 days

	// FailedMaxAge is the maximum age for failed jobs before deletion.
	// Failed rows keep their last error, so they are retained longer.
	FailedMaxAge time.Duration `env:"REAPER_FAILED_MAX_AGE" envDefault:"336h"` // 14 days

	// CancelledMaxAge is the maximum age for cancelled jobs before deletion.
	CancelledMaxAge time.Duration `env:"REAPER_CANCELLED_MAX_AGE" envDefault:"168h"` // 7 days

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.PendingMaxAge < 5*time.Minute {
		r.PendingMaxAge = 5 * time.Minute
	}
	if r.SucceededMaxAge < 1*time.Hour {
		r.SucceededMaxAge = 1 * time.Hour
	}
	if r.FailedMaxAge < 1*time.Hour {
		r.FailedMaxAge = 1 * time.Hour
	}
	if r.CancelledMaxAge < 1*time.Hour {
		r.CancelledMaxAge = 1 * time.Hour
	}

	// Enforce batch size bounds to prevent excessive locks or inefficiency
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
