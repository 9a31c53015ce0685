package job

import (
	"errors"
	"sync"
)

// ErrCancelled is the error a handler returns (or receives from Err) when
// its job's cancellation was requested. The processor maps it to the
// cancelled outcome instead of failed.
var ErrCancelled = errors.New("job cancelled")

// CancellationToken lets a handler observe cooperative cancellation. The
// processor sets it when the row's cancel_requested flag is seen on a
// heartbeat, or when the lease is lost. Handlers consult it at safe points;
// the runtime never forcibly stops them.
type CancellationToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancellationToken constructs an uncancelled token.
func NewCancellationToken() *CancellationToken {
	return &CancellationToken{done: make(chan struct{})}
}

// Cancel marks the token. Idempotent.
func (t *CancellationToken) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// IsCancelled reports whether cancellation was requested.
func (t *CancellationToken) IsCancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Err returns ErrCancelled once cancellation was requested, nil before.
// Handlers propagate it directly: `if err := token.Err(); err != nil { return nil, err }`.
func (t *CancellationToken) Err() error {
	if t.IsCancelled() {
		return ErrCancelled
	}
	return nil
}

// Done returns a channel closed on cancellation, for handlers that race
// long waits against it.
func (t *CancellationToken) Done() <-chan struct{} {
	return t.done
}
