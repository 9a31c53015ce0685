// Package job holds the queue-side domain logic: retry backoff, cooperative
// cancellation tokens, the handler registry, lease normalisation, and the
// notification fan-out used to wake idle workers.
package job

import (
	"math/rand/v2"
	"time"
)

// BackoffPolicy computes the delay before a failed attempt is retried.
type BackoffPolicy struct {
	// Base is the delay after the first failure.
	Base time.Duration
	// Cap bounds the exponential growth.
	Cap time.Duration
	// Jitter spreads the delay by ±Jitter (0.2 = ±20%).
	Jitter float64
}

// DefaultBackoffPolicy returns the house retry curve: 1s base, 5m cap, ±20%.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:   time.Second,
		Cap:    5 * time.Minute,
		Jitter: 0.2,
	}
}

// Delay returns the backoff for the given 0-based attempt that just failed:
// Base doubled per attempt, clamped at Cap, then jittered. The result is
// always positive.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	capped := p.Cap
	if capped <= 0 {
		capped = 5 * time.Minute
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= capped || delay <= 0 {
			delay = capped
			break
		}
	}
	if delay > capped {
		delay = capped
	}

	return p.jittered(delay)
}

func (p BackoffPolicy) jittered(d time.Duration) time.Duration {
	if p.Jitter <= 0 {
		return d
	}
	jitter := p.Jitter
	if jitter > 1 {
		jitter = 1
	}
	// Uniform in [1-jitter, 1+jitter).
	factor := 1 - jitter + 2*jitter*rand.Float64()
	out := time.Duration(float64(d) * factor)
	if out <= 0 {
		out = time.Millisecond
	}
	return out
}
