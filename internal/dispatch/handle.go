package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrCancelled reports that an operation was cancelled before or while
// running. Front-ends treat it as a normal outcome, not a failure.
var ErrCancelled = errors.New("operation cancelled")

// Status is the lifecycle position of a task. Transitions are
// monotonic: Pending -> Running -> terminal, or Pending -> Cancelled.
type Status int32

const (
	Pending Status = iota
	Running
	Completed
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Func is one unit of device work. Implementations must honor ctx at
// every I/O boundary; the payload lands on the task handle.
type Func func(ctx context.Context) (any, error)

// Task describes a submission: a display name, a category for status
// surfaces, the target serial (empty for fleet-level work), and the
// function to run.
type Task struct {
	Name     string
	Category string
	Serial   string
	Fn       Func
}

// Handle tracks one submitted task. Waiters block on Done; Cancel is
// safe from any goroutine at any lifecycle point.
type Handle struct {
	id       string
	name     string
	category string
	serial   string
	fn       Func

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	status  Status
	payload any
	err     error
	done    chan struct{}
}

func newHandle(t Task) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handle{
		id:       uuid.NewString(),
		name:     t.Name,
		category: t.Category,
		serial:   t.Serial,
		fn:       t.Fn,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (h *Handle) ID() string       { return h.id }
func (h *Handle) Name() string     { return h.name }
func (h *Handle) Category() string { return h.category }
func (h *Handle) Serial() string   { return h.serial }

// Done closes when the task reaches a terminal status.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Result returns the payload and error. Meaningful once Done is closed.
func (h *Handle) Result() (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.payload, h.err
}

// Wait blocks until the task finishes or ctx expires.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cooperative cancellation. A queued task completes
// Cancelled immediately without touching a worker; a running task gets
// its context cancelled and finishes when its function returns.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.status == Pending {
		h.status = Cancelled
		h.err = ErrCancelled
		close(h.done)
		h.mu.Unlock()
		h.cancel()
		return
	}
	h.mu.Unlock()
	// Running: the worker observes the cancelled context and settles
	// the handle. Terminal: cancel is a harmless release.
	h.cancel()
}

// begin moves Pending to Running; false means the task was cancelled
// while queued and must not run.
func (h *Handle) begin() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != Pending {
		return false
	}
	h.status = Running
	return true
}

func (h *Handle) finish(status Status, payload any, err error) {
	h.mu.Lock()
	if h.status.Terminal() {
		h.mu.Unlock()
		return
	}
	h.status = status
	h.payload = payload
	h.err = err
	close(h.done)
	h.mu.Unlock()
	h.cancel()
}
