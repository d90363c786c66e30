// Package bus provides the typed event streams that connect the engine's
// components to their subscribers. Producers never block: every
// subscriber sits behind a bounded ring that drops the oldest entry on
// overflow, so one stalled consumer cannot back-pressure the device
// loops.
package bus

import "sync/atomic"

// DefaultCapacity is the per-subscriber ring size used when a caller
// does not specify one.
const DefaultCapacity = 64

// Ring is a bounded channel-like buffer with drop-oldest overflow.
// Producers always make progress; readers drain via C() or Receive().
type Ring[T any] struct {
	ch chan T

	sent     atomic.Int64
	dropped  atomic.Int64
	received atomic.Int64
}

// NewRing creates a ring with the given capacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("bus: ring capacity must be > 0")
	}
	return &Ring[T]{ch: make(chan T, capacity)}
}

// Send inserts v, discarding the oldest buffered entry when full. It
// never blocks indefinitely; the return value reports whether anything
// was dropped to make room. Send after Close panics.
func (r *Ring[T]) Send(v T) (dropped bool) {
	for {
		select {
		case r.ch <- v:
			r.sent.Add(1)
			return dropped
		default:
		}
		select {
		case <-r.ch:
			r.dropped.Add(1)
			dropped = true
		default:
			// Raced with a reader; retry the insert.
		}
	}
}

// C exposes the receive side. Ranging over it bypasses the Received
// counter; use Receive when the metric matters.
func (r *Ring[T]) C() <-chan T { return r.ch }

// Receive blocks until a value arrives or the ring is closed.
func (r *Ring[T]) Receive() (v T, ok bool) {
	v, ok = <-r.ch
	if ok {
		r.received.Add(1)
	}
	return
}

// Len reports the number of buffered entries.
func (r *Ring[T]) Len() int { return len(r.ch) }

// Cap reports the buffer capacity.
func (r *Ring[T]) Cap() int { return cap(r.ch) }

// Close closes the receive side. Pending entries stay readable.
func (r *Ring[T]) Close() { close(r.ch) }

// RingMetrics is a point-in-time snapshot of ring counters.
type RingMetrics struct {
	Sent     int64
	Dropped  int64
	Received int64
}

// Metrics returns the current counter values.
func (r *Ring[T]) Metrics() RingMetrics {
	return RingMetrics{
		Sent:     r.sent.Load(),
		Dropped:  r.dropped.Load(),
		Received: r.received.Load(),
	}
}
