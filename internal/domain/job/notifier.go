package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Xkonti/crude-functions-core/internal/domain/model"
)

// ErrWaiterRequired indicates a notifier cannot be constructed without a waiter.
var ErrWaiterRequired = errors.New("notifier waiter is required")

// Waiter blocks until a new-job notification for the type arrives (the
// repository backs this with LISTEN/NOTIFY).
type Waiter interface {
	WaitForNotification(ctx context.Context, jobType model.JobType) error
}

// Notifier fans job-availability notifications out to workers. A worker
// subscribed to several types is pinged when any of them has new work.
type Notifier interface {
	Subscribe(types []model.JobType) (func(), <-chan struct{})
	StopAll()
}

// NotifierOptions configure the default notifier implementation.
type NotifierOptions struct {
	Waiter     Waiter
	WaitWindow time.Duration
	Backoff    time.Duration
}

// DefaultNotifier runs one listen loop per job type with at least one
// subscriber, broadcasting wakeups to every channel registered for that
// type. Wakeup sends are non-blocking; a slow worker misses pings, not jobs.
type DefaultNotifier struct {
	waiter     Waiter
	waitWindow time.Duration
	backoff    time.Duration

	mu        sync.Mutex
	subs      map[model.JobType]map[chan struct{}]struct{}
	listeners map[model.JobType]context.CancelFunc
}

// NewNotifier constructs the default notifier implementation.
func NewNotifier(opts NotifierOptions) (*DefaultNotifier, error) {
	if opts.Waiter == nil {
		return nil, ErrWaiterRequired
	}

	waitWindow := opts.WaitWindow
	if waitWindow <= 0 {
		waitWindow = time.Minute
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}

	return &DefaultNotifier{
		waiter:     opts.Waiter,
		waitWindow: waitWindow,
		backoff:    backoff,
		subs:       make(map[model.JobType]map[chan struct{}]struct{}),
		listeners:  make(map[model.JobType]context.CancelFunc),
	}, nil
}

// Subscribe registers one wakeup channel under every given type and lazily
// starts the per-type listen loops. The returned function unsubscribes
// idempotently and stops listeners that lost their last subscriber.
func (n *DefaultNotifier) Subscribe(types []model.JobType) (func(), <-chan struct{}) {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	defer n.mu.Unlock()

	for _, jobType := range types {
		if _, ok := n.listeners[jobType]; !ok {
			ctx, cancel := context.WithCancel(context.Background())
			n.listeners[jobType] = cancel
			go n.listenLoop(ctx, jobType)
		}
		if n.subs[jobType] == nil {
			n.subs[jobType] = make(map[chan struct{}]struct{})
		}
		n.subs[jobType][ch] = struct{}{}
	}

	registered := make([]model.JobType, len(types))
	copy(registered, types)

	unsub := func() {
		n.mu.Lock()
		defer n.mu.Unlock()

		removed := false
		for _, jobType := range registered {
			subscribers := n.subs[jobType]
			if subscribers == nil {
				continue
			}
			if _, ok := subscribers[ch]; !ok {
				continue
			}
			delete(subscribers, ch)
			removed = true
			if len(subscribers) == 0 {
				n.stopListener(jobType)
				delete(n.subs, jobType)
			}
		}
		if removed {
			drainAndClose(ch)
		}
	}

	return unsub, ch
}

// StopAll cancels every listener and closes every subscriber channel.
func (n *DefaultNotifier) StopAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for jobType, cancel := range n.listeners {
		cancel()
		delete(n.listeners, jobType)
	}

	closed := make(map[chan struct{}]struct{})
	for jobType, subscribers := range n.subs {
		for ch := range subscribers {
			if _, done := closed[ch]; !done {
				drainAndClose(ch)
				closed[ch] = struct{}{}
			}
		}
		delete(n.subs, jobType)
	}
}

func (n *DefaultNotifier) stopListener(jobType model.JobType) {
	cancel, ok := n.listeners[jobType]
	if !ok {
		return
	}
	cancel()
	delete(n.listeners, jobType)
}

func (n *DefaultNotifier) listenLoop(ctx context.Context, jobType model.JobType) {
	for ctx.Err() == nil {
		waitCtx, cancel := context.WithTimeout(ctx, n.waitWindow)
		err := n.waiter.WaitForNotification(waitCtx, jobType)
		cancel()

		n.broadcast(jobType)

		if err != nil && ctx.Err() == nil {
			timer := time.NewTimer(n.backoff)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return
			case <-timer.C:
			}
		}
	}
}

func (n *DefaultNotifier) broadcast(jobType model.JobType) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for ch := range n.subs[jobType] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// drainAndClose removes buffered wakeups before closing so receivers observe
// a closed channel immediately.
func drainAndClose(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			close(ch)
			return
		}
	}
}

var _ Notifier = (*DefaultNotifier)(nil)
