package completion

import (
	"context"
	"sync"
	"time"
)

// Event is a single-fire, resettable condition. Set is idempotent and every
// Wait after a Set returns true immediately until Reset re-arms it.
type Event struct {
	mu    sync.Mutex
	ch    chan struct{}
	fired bool
}

// NewEvent returns an armed, unset event.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Set fires the event. Further calls before Reset do nothing.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fired {
		return
	}
	e.fired = true
	close(e.ch)
}

// IsSet reports whether the event has fired since the last Reset.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fired
}

// Reset re-arms a fired event. Waiters already released stay released.
func (e *Event) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.fired {
		return
	}
	e.fired = false
	e.ch = make(chan struct{})
}

// Wait blocks until the event fires, timeout elapses or ctx is done, and
// reports whether the event fired. A non-positive timeout only checks the
// current state.
func (e *Event) Wait(ctx context.Context, timeout time.Duration) bool {
	e.mu.Lock()
	ch := e.ch
	fired := e.fired
	e.mu.Unlock()

	if fired {
		return true
	}
	if timeout <= 0 {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
