package bus

import "sync"

// Stream fans values of one event type out to any number of
// subscribers. Each subscriber owns a private Ring, so a slow consumer
// only loses its own oldest events.
//
// Domain packages own their streams and event types; the composition
// root hands subscribers out.
type Stream[T any] struct {
	mu     sync.RWMutex
	subs   map[int]*Ring[T]
	nextID int
	closed bool
}

// NewStream creates an empty stream.
func NewStream[T any]() *Stream[T] {
	return &Stream[T]{subs: make(map[int]*Ring[T])}
}

// Publish delivers v to every current subscriber. Never blocks; a full
// subscriber ring drops its oldest entry. Publishing on a closed stream
// is a no-op.
func (s *Stream[T]) Publish(v T) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	for _, ring := range s.subs {
		ring.Send(v)
	}
}

// Subscribe attaches a new consumer with the given ring capacity
// (capacity <= 0 selects DefaultCapacity). Subscribing to a closed
// stream yields an already-drained subscription.
func (s *Stream[T]) Subscribe(capacity int) *Subscription[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	ring := NewRing[T](capacity)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		ring.Close()
		return &Subscription[T]{ring: ring}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ring
	return &Subscription[T]{
		ring: ring,
		detach: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				ring.Close()
			}
		},
	}
}

// Subscribers reports the number of attached consumers.
func (s *Stream[T]) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Close detaches every subscriber and closes their rings. Buffered
// events stay readable until drained.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ring := range s.subs {
		delete(s.subs, id)
		ring.Close()
	}
}

// Subscription is one consumer's handle on a Stream.
type Subscription[T any] struct {
	ring   *Ring[T]
	detach func()
	once   sync.Once
}

// C is the receive channel. It closes when the subscription or the
// stream is closed.
func (sub *Subscription[T]) C() <-chan T { return sub.ring.C() }

// Metrics exposes the subscriber's ring counters.
func (sub *Subscription[T]) Metrics() RingMetrics { return sub.ring.Metrics() }

// Close detaches from the stream. Safe to call more than once.
func (sub *Subscription[T]) Close() {
	sub.once.Do(func() {
		if sub.detach != nil {
			sub.detach()
		}
	})
}
