package event

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Xkonti/crude-functions-core/internal/domain/model"
)

func TestBusPublish(t *testing.T) {
	t.Run("delivers in registration order", func(t *testing.T) {
		bus := NewBus(nil)

		var order []string
		bus.Subscribe(TypeJobEnqueued, func(_ context.Context, _ Event) error {
			order = append(order, "first")
			return nil
		})
		bus.Subscribe(TypeJobEnqueued, func(_ context.Context, _ Event) error {
			order = append(order, "second")
			return nil
		})

		bus.Publish(context.Background(), JobEnqueued{JobID: "job-1", JobType: "echo"})
		assert.Equal(t, []string{"first", "second"}, order)
	})

	t.Run("routes by event type", func(t *testing.T) {
		bus := NewBus(nil)

		var enqueued, completed int
		bus.Subscribe(TypeJobEnqueued, func(_ context.Context, _ Event) error {
			enqueued++
			return nil
		})
		bus.Subscribe(TypeJobCompleted, func(_ context.Context, _ Event) error {
			completed++
			return nil
		})

		bus.Publish(context.Background(), JobEnqueued{JobID: "job-1"})
		bus.Publish(context.Background(), JobEnqueued{JobID: "job-2"})
		bus.Publish(context.Background(), JobCompleted{JobID: "job-1", Outcome: model.OutcomeSucceeded})

		assert.Equal(t, 2, enqueued)
		assert.Equal(t, 1, completed)
	})

	t.Run("subscriber sees the payload", func(t *testing.T) {
		bus := NewBus(nil)

		var got JobCompleted
		bus.Subscribe(TypeJobCompleted, func(_ context.Context, evt Event) error {
			var ok bool
			got, ok = evt.(JobCompleted)
			require.True(t, ok)
			return nil
		})

		errMsg := "boom"
		bus.Publish(context.Background(), JobCompleted{
			JobID:   "job-1",
			Outcome: model.OutcomeFailed,
			Error:   &errMsg,
		})

		assert.Equal(t, "job-1", got.JobID)
		assert.Equal(t, model.OutcomeFailed, got.Outcome)
		require.NotNil(t, got.Error)
		assert.Equal(t, "boom", *got.Error)
	})

	t.Run("no subscribers is a no-op", func(t *testing.T) {
		bus := NewBus(nil)
		assert.NotPanics(t, func() {
			bus.Publish(context.Background(), JobStarted{JobID: "job-1", Attempt: 1})
		})
	})
}

func TestBusSubscriberIsolation(t *testing.T) {
	t.Run("error does not stop later subscribers", func(t *testing.T) {
		bus := NewBus(nil)

		var reached bool
		bus.Subscribe(TypeJobEnqueued, func(_ context.Context, _ Event) error {
			return errors.New("subscriber failed")
		})
		bus.Subscribe(TypeJobEnqueued, func(_ context.Context, _ Event) error {
			reached = true
			return nil
		})

		bus.Publish(context.Background(), JobEnqueued{JobID: "job-1"})
		assert.True(t, reached)
	})

	t.Run("panic does not stop later subscribers", func(t *testing.T) {
		bus := NewBus(nil)

		var reached bool
		bus.Subscribe(TypeJobEnqueued, func(_ context.Context, _ Event) error {
			panic("subscriber panicked")
		})
		bus.Subscribe(TypeJobEnqueued, func(_ context.Context, _ Event) error {
			reached = true
			return nil
		})

		assert.NotPanics(t, func() {
			bus.Publish(context.Background(), JobEnqueued{JobID: "job-1"})
		})
		assert.True(t, reached)
	})
}

func TestBusUnsubscribe(t *testing.T) {
	t.Run("removes the handler", func(t *testing.T) {
		bus := NewBus(nil)

		var calls int
		unsubscribe := bus.Subscribe(TypeJobEnqueued, func(_ context.Context, _ Event) error {
			calls++
			return nil
		})

		bus.Publish(context.Background(), JobEnqueued{JobID: "job-1"})
		unsubscribe()
		bus.Publish(context.Background(), JobEnqueued{JobID: "job-2"})

		assert.Equal(t, 1, calls)
	})

	t.Run("idempotent", func(t *testing.T) {
		bus := NewBus(nil)

		unsubscribe := bus.Subscribe(TypeJobEnqueued, func(_ context.Context, _ Event) error {
			return nil
		})
		assert.NotPanics(t, func() {
			unsubscribe()
			unsubscribe()
		})
	})

	t.Run("only removes its own subscription", func(t *testing.T) {
		bus := NewBus(nil)

		var first, second int
		unsubFirst := bus.Subscribe(TypeJobEnqueued, func(_ context.Context, _ Event) error {
			first++
			return nil
		})
		bus.Subscribe(TypeJobEnqueued, func(_ context.Context, _ Event) error {
			second++
			return nil
		})

		unsubFirst()
		bus.Publish(context.Background(), JobEnqueued{JobID: "job-1"})

		assert.Equal(t, 0, first)
		assert.Equal(t, 1, second)
	})
}

func TestEventTypes(t *testing.T) {
	assert.Equal(t, TypeJobEnqueued, JobEnqueued{}.EventType())
	assert.Equal(t, TypeJobStarted, JobStarted{}.EventType())
	assert.Equal(t, TypeJobCompleted, JobCompleted{}.EventType())
	assert.Equal(t, TypeScheduleTriggered, ScheduleTriggered{}.EventType())
	assert.Equal(t, TypeSchedulePaused, SchedulePaused{}.EventType())
}
