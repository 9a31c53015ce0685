package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/Xkonti/crude-functions-core/internal/domain/model"
)

// HandlerFunc executes one job. The payload is already decrypted when the
// job was enqueued with encryption. The returned value is persisted on the
// row and carried on the completion event; dynamic schedules read their
// next run time from it. Returning ErrCancelled (typically token.Err())
// finishes the job as cancelled rather than failed.
type HandlerFunc func(ctx context.Context, payload []byte, token *CancellationToken) (json.RawMessage, error)

// Registry maps job types to handlers. The set is fixed after startup;
// the processor claims only registered types, so claiming a type without a
// handler cannot happen by construction.
type Registry struct {
	mu       sync.RWMutex
	handlers map[model.JobType]HandlerFunc
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[model.JobType]HandlerFunc)}
}

// Register binds a handler to a job type. Duplicate registrations and nil
// handlers are programming errors and are rejected.
func (r *Registry) Register(t model.JobType, fn HandlerFunc) error {
	if !t.Valid() {
		return fmt.Errorf("invalid job type: %q", t)
	}
	if fn == nil {
		return fmt.Errorf("nil handler for job type %q", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for job type %q", t)
	}
	r.handlers[t] = fn
	return nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *Registry) MustRegister(t model.JobType, fn HandlerFunc) {
	if err := r.Register(t, fn); err != nil {
		panic(err)
	}
}

// Get returns the handler for a job type.
func (r *Registry) Get(t model.JobType) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[t]
	return fn, ok
}

// Types returns the registered job types in stable order.
func (r *Registry) Types() []model.JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]model.JobType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
