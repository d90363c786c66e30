package testutils

import (
	"sync"
	"time"
)

// EventRecorder drains a subscription channel into memory so tests can
// assert on event sequences without racing the publisher.
type EventRecorder[T any] struct {
	mu     sync.Mutex
	events []T
	wake   chan struct{}
	done   chan struct{}
}

// RecordEvents consumes ch until it closes. The recorder keeps every
// event in arrival order.
func RecordEvents[T any](ch <-chan T) *EventRecorder[T] {
	r := &EventRecorder[T]{
		wake: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		for ev := range ch {
			r.mu.Lock()
			r.events = append(r.events, ev)
			close(r.wake)
			r.wake = make(chan struct{})
			r.mu.Unlock()
		}
	}()
	return r
}

// Events returns a copy of everything recorded so far.
func (r *EventRecorder[T]) Events() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.events...)
}

func (r *EventRecorder[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// WaitFor blocks until an event satisfying pred arrives or the timeout
// elapses. Events already recorded count.
func (r *EventRecorder[T]) WaitFor(timeout time.Duration, pred func(T) bool) (T, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	seen := 0
	for {
		r.mu.Lock()
		for ; seen < len(r.events); seen++ {
			if pred(r.events[seen]) {
				ev := r.events[seen]
				r.mu.Unlock()
				return ev, true
			}
		}
		wake := r.wake
		r.mu.Unlock()

		select {
		case <-wake:
		case <-deadline.C:
			var zero T
			return zero, false
		}
	}
}

// WaitLen blocks until at least n events are recorded or the timeout
// elapses.
func (r *EventRecorder[T]) WaitLen(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		r.mu.Lock()
		if len(r.events) >= n {
			r.mu.Unlock()
			return true
		}
		wake := r.wake
		r.mu.Unlock()

		select {
		case <-wake:
		case <-deadline.C:
			return false
		}
	}
}

// WaitClosed blocks until the source channel closes, which the stream
// owner does on Close.
func (r *EventRecorder[T]) WaitClosed(timeout time.Duration) bool {
	select {
	case <-r.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
