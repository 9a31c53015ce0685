package event

import (
	"context"
	"log/slog"
	"sync"
)

// Handler consumes one event. Returned errors are logged by the bus and
// never propagated to the publisher. Handlers with long work must hand it
// to their own goroutine or channel; the bus dispatches synchronously.
type Handler func(ctx context.Context, evt Event) error

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// Subscriber is the read side of the bus.
type Subscriber interface {
	Subscribe(t Type, h Handler) func()
}

// Bus is an in-process, typed pub/sub. Per type, subscribers observe events
// in publish order; across types there is no ordering guarantee. A failing
// or panicking subscriber cannot poison the ones after it.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[Type][]*subscription
}

type subscription struct {
	handler Handler
}

// NewBus constructs a Bus. A nil logger falls back to slog.Default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "event_bus"),
		subs:   make(map[Type][]*subscription),
	}
}

// Subscribe appends the handler to the subscriber list for t and returns a
// function that idempotently removes it.
func (b *Bus) Subscribe(t Type, h Handler) func() {
	sub := &subscription{handler: h}

	b.mu.Lock()
	b.subs[t] = append(b.subs[t], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[t]
		for i, s := range list {
			if s == sub {
				b.subs[t] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish synchronously invokes each subscriber for the event's type in
// registration order. Subscriber errors and panics are logged, never
// returned; the publisher is never blocked beyond the handlers' own
// synchronous work.
func (b *Bus) Publish(ctx context.Context, evt Event) {
	b.mu.RLock()
	list := b.subs[evt.EventType()]
	snapshot := make([]*subscription, len(list))
	copy(snapshot, list)
	b.mu.RUnlock()

	for _, sub := range snapshot {
		b.dispatch(ctx, sub, evt)
	}
}

func (b *Bus) dispatch(ctx context.Context, sub *subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				"event_type", evt.EventType(),
				"panic", r,
			)
		}
	}()

	if err := sub.handler(ctx, evt); err != nil {
		b.logger.Error("event subscriber failed",
			"event_type", evt.EventType(),
			"error", err,
		)
	}
}

var (
	_ Publisher  = (*Bus)(nil)
	_ Subscriber = (*Bus)(nil)
)
