package job

import (
	"errors"
	"math"
	"time"
)

// ErrInvalidDefaultLease indicates the configured default lease duration is not positive.
var ErrInvalidDefaultLease = errors.New("default lease must be positive")

// LeaseSource identifies how a lease duration was resolved.
type LeaseSource string

const (
	// LeaseSourceExplicit indicates the caller supplied a positive duration.
	LeaseSourceExplicit LeaseSource = "explicit"
	// LeaseSourceDefault indicates the default duration was used.
	LeaseSourceDefault LeaseSource = "default"
	// LeaseSourceClamped indicates the request was clamped to a supported value.
	LeaseSourceClamped LeaseSource = "clamped"
)

// LeasePolicy normalises lease durations for claims and heartbeats to whole
// seconds, substituting the default for zero requests and clamping
// sub-second or negative ones.
type LeasePolicy struct {
	defaultLease time.Duration
}

// NewLeasePolicy constructs a LeasePolicy with the provided default.
func NewLeasePolicy(defaultLease time.Duration) (*LeasePolicy, error) {
	if defaultLease <= 0 {
		return nil, ErrInvalidDefaultLease
	}
	return &LeasePolicy{defaultLease: defaultLease}, nil
}

// Default returns the configured default lease duration.
func (p *LeasePolicy) Default() time.Duration {
	if p == nil {
		return 0
	}
	return p.defaultLease
}

// LeaseDecision captures the outcome of resolving a lease request.
type LeaseDecision struct {
	Seconds   int
	Source    LeaseSource
	Requested time.Duration
}

// UsedDefault reports whether the policy fell back to the default lease.
func (d LeaseDecision) UsedDefault() bool { return d.Source == LeaseSourceDefault }

// Clamped reports whether the requested value was adjusted to fit.
func (d LeaseDecision) Clamped() bool { return d.Source == LeaseSourceClamped }

// HeartbeatInterval derives the heartbeat cadence from the resolved lease:
// one third of the lease, floored at a second.
func (d LeaseDecision) HeartbeatInterval() time.Duration {
	interval := time.Duration(d.Seconds) * time.Second / 3
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// Resolve normalises the requested duration. Zero means "use the default";
// negatives and sub-second values clamp to one second.
func (p *LeasePolicy) Resolve(request time.Duration) LeaseDecision {
	decision := LeaseDecision{Requested: request}
	if p == nil {
		decision.Source = LeaseSourceDefault
		return decision
	}

	target := request
	switch {
	case request == 0:
		target = p.defaultLease
		decision.Source = LeaseSourceDefault
	case request < 0:
		decision.Seconds = 1
		decision.Source = LeaseSourceClamped
		return decision
	default:
		decision.Source = LeaseSourceExplicit
	}

	seconds := int64(target / time.Second)
	if seconds <= 0 {
		seconds = 1
		if decision.Source == LeaseSourceExplicit {
			decision.Source = LeaseSourceClamped
		}
	}
	if seconds > int64(math.MaxInt) {
		seconds = int64(math.MaxInt)
		decision.Source = LeaseSourceClamped
	}

	decision.Seconds = int(seconds)
	return decision
}
