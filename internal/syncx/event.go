package syncx

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned by TimedWait when the deadline passes before the
// event is set.
var ErrTimeout = errors.New("syncx: timed out waiting for event")

// Event is a manual-reset signal. Waiters block until Set is called; the
// event stays set until Reset. The zero value is an unset event.
type Event struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

// channel returns the current wait channel, creating it on first use.
// Callers must hold e.mu.
func (e *Event) channel() chan struct{} {
	if e.ch == nil {
		e.ch = make(chan struct{})
	}
	return e.ch
}

// Set signals the event and wakes every waiter.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set {
		return
	}
	e.set = true
	close(e.channel())
}

// Reset returns the event to the unset state.
func (e *Event) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		return
	}
	e.set = false
	e.ch = make(chan struct{})
}

// IsSet reports whether the event is currently signalled.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Done returns a channel that is closed once the event is set. A later Reset
// does not reopen the returned channel.
func (e *Event) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channel()
}

// Wait blocks until the event is set or ctx is done.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TimedWait blocks until the event is set, d elapses or ctx is done.
// A non-positive d polls the current state.
func (e *Event) TimedWait(ctx context.Context, d time.Duration) error {
	done := e.Done()
	if d <= 0 {
		select {
		case <-done:
			return nil
		default:
			return ErrTimeout
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
