package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	domainjob "github.com/Xkonti/crude-functions-core/internal/domain/job"
	"github.com/Xkonti/crude-functions-core/internal/domain/model"
)

// Built-in job types the host executes out of the box. Embedders wire their
// own registry instead of going through this binary.
const (
	jobTypeEcho  model.JobType = "echo"
	jobTypeSleep model.JobType = "sleep"
	jobTypeTick  model.JobType = "tick"
)

// builtinRegistry registers the utility handlers shipped with the host.
func builtinRegistry(logger *slog.Logger) *domainjob.Registry {
	registry := domainjob.NewRegistry()
	registry.MustRegister(jobTypeEcho, echoHandler(logger))
	registry.MustRegister(jobTypeSleep, sleepHandler())
	registry.MustRegister(jobTypeTick, tickHandler())
	return registry
}

// echoHandler returns the job payload as its result.
func echoHandler(logger *slog.Logger) domainjob.HandlerFunc {
	return func(ctx context.Context, payload []byte, _ *domainjob.CancellationToken) (json.RawMessage, error) {
		logger.InfoContext(ctx, "echo job", "payload_bytes", len(payload))
		if len(payload) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return json.RawMessage(payload), nil
	}
}

type sleepPayload struct {
	Duration string `json:"duration"`
}

// sleepHandler waits for the requested duration, honouring cancellation.
// Useful for exercising leases, heartbeats, and cancel requests locally.
func sleepHandler() domainjob.HandlerFunc {
	return func(ctx context.Context, payload []byte, token *domainjob.CancellationToken) (json.RawMessage, error) {
		var req sleepPayload
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("parse sleep payload: %w", err)
			}
		}

		duration := time.Second
		if req.Duration != "" {
			parsed, err := time.ParseDuration(req.Duration)
			if err != nil {
				return nil, fmt.Errorf("parse sleep duration: %w", err)
			}
			duration = parsed
		}

		timer := time.NewTimer(duration)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-token.Done():
			return nil, token.Err()
		case <-timer.C:
			return json.Marshal(map[string]string{"slept": duration.String()})
		}
	}
}

type tickPayload struct {
	Every string `json:"every"`
}

type tickResult struct {
	NextRunAt string `json:"nextRunAt"`
	TickedAt  string `json:"tickedAt"`
}

// tickHandler reschedules itself: it returns a nextRunAt one interval out,
// which dynamic schedules consume to plan their next fire.
func tickHandler() domainjob.HandlerFunc {
	return func(_ context.Context, payload []byte, _ *domainjob.CancellationToken) (json.RawMessage, error) {
		var req tickPayload
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("parse tick payload: %w", err)
			}
		}

		every := time.Minute
		if req.Every != "" {
			parsed, err := time.ParseDuration(req.Every)
			if err != nil {
				return nil, fmt.Errorf("parse tick interval: %w", err)
			}
			every = parsed
		}

		now := time.Now().UTC()
		return json.Marshal(tickResult{
			NextRunAt: now.Add(every).Format(time.RFC3339),
			TickedAt:  now.Format(time.RFC3339),
		})
	}
}
