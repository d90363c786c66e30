// Package dispatch runs device operations on a fixed worker pool with
// an unbounded FIFO queue. Submissions never block; sustained queue
// growth past a soft limit raises a pressure event, and cancellation
// bypasses the queue entirely.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/blacktea/internal/bus"
	"github.com/srg/blacktea/internal/groutine"
)

const (
	// DefaultWorkers is the pool size unless overridden.
	DefaultWorkers = 4
	// SoftQueueLimit is where queue growth starts to look like a stall.
	// Submissions past it still proceed; a QueuePressure event fires
	// once per crossing.
	SoftQueueLimit = 32
)

// EventKind classifies dispatcher events.
type EventKind int

const (
	TaskQueued EventKind = iota
	TaskStarted
	TaskFinished
	QueuePressure
)

func (k EventKind) String() string {
	switch k {
	case TaskQueued:
		return "task_queued"
	case TaskStarted:
		return "task_started"
	case TaskFinished:
		return "task_finished"
	case QueuePressure:
		return "queue_pressure"
	}
	return "unknown"
}

// Event is one dispatcher notification.
type Event struct {
	Kind     EventKind
	TaskID   string
	Name     string
	Category string
	Serial   string
	Status   Status
	QueueLen int
}

// Dispatcher owns the worker pool. Stop cancels running work and
// settles everything still queued as Cancelled.
type Dispatcher struct {
	log     *logrus.Logger
	events  *bus.Stream[Event]
	workers int

	mu     sync.Mutex
	queue  []*Handle
	warned bool

	wake   chan struct{}
	workCh chan *Handle

	runMutex    sync.Mutex
	isRunning   bool
	poolCancel  context.CancelFunc
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// New creates a stopped dispatcher. workers <= 0 selects the default.
func New(workers int, logger *logrus.Logger) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{
		log:     logger,
		events:  bus.NewStream[Event](),
		workers: workers,
		wake:    make(chan struct{}, 1),
		workCh:  make(chan *Handle),
	}
}

// Subscribe attaches a consumer to the dispatcher event stream.
func (d *Dispatcher) Subscribe(capacity int) *bus.Subscription[Event] {
	return d.events.Subscribe(capacity)
}

// Submit queues a task. The task runs once a worker frees up; the
// returned handle is live immediately.
func (d *Dispatcher) Submit(t Task) (*Handle, error) {
	if t.Fn == nil {
		return nil, fmt.Errorf("dispatch: task %q has no function", t.Name)
	}
	h := newHandle(t)

	d.mu.Lock()
	d.queue = append(d.queue, h)
	qlen := len(d.queue)
	warn := false
	if qlen > SoftQueueLimit && !d.warned {
		d.warned = true
		warn = true
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}

	d.publish(TaskQueued, h, qlen)
	if warn {
		d.log.WithFields(logrus.Fields{
			"queue_len": qlen,
			"limit":     SoftQueueLimit,
		}).Warn("dispatch queue over soft limit")
		d.publish(QueuePressure, h, qlen)
	}
	return h, nil
}

// SubmitFunc is Submit for the common case.
func (d *Dispatcher) SubmitFunc(name, category, serial string, fn Func) (*Handle, error) {
	return d.Submit(Task{Name: name, Category: category, Serial: serial, Fn: fn})
}

// QueueLen reports how many tasks wait for a worker.
func (d *Dispatcher) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Start launches the pump and worker goroutines.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.runMutex.Lock()
	defer d.runMutex.Unlock()
	if d.isRunning {
		return fmt.Errorf("dispatcher already running")
	}
	d.stopChan = make(chan struct{})
	d.stoppedChan = make(chan struct{}, d.workers+1)
	d.isRunning = true

	// Stop must be able to reach every task context, including tasks
	// picked up in the instant shutdown begins.
	poolCtx, cancel := context.WithCancel(ctx)
	d.poolCancel = cancel

	for i := 0; i < d.workers; i++ {
		groutine.Go(poolCtx, fmt.Sprintf("dispatch-worker-%d", i), d.workerLoop)
	}
	groutine.Go(poolCtx, "dispatch-pump", d.pump)
	return nil
}

// Stop shuts the pool down: running tasks get their contexts cancelled,
// queued tasks settle as Cancelled, and the call returns once every
// goroutine has exited.
func (d *Dispatcher) Stop() {
	d.runMutex.Lock()
	if !d.isRunning {
		d.runMutex.Unlock()
		return
	}
	close(d.stopChan)
	d.poolCancel()
	d.runMutex.Unlock()

	for i := 0; i < d.workers+1; i++ {
		<-d.stoppedChan
	}

	d.runMutex.Lock()
	d.isRunning = false
	d.runMutex.Unlock()

	d.drainQueue()
}

// Close stops the pool and closes the event stream.
func (d *Dispatcher) Close() {
	d.Stop()
	d.events.Close()
}

func (d *Dispatcher) pump(ctx context.Context) {
	defer func() {
		d.stoppedChan <- struct{}{}
	}()

	for {
		h := d.pop()
		if h == nil {
			select {
			case <-ctx.Done():
				return
			case <-d.stopChan:
				return
			case <-d.wake:
			}
			continue
		}
		select {
		case <-ctx.Done():
			d.pushFront(h)
			return
		case <-d.stopChan:
			d.pushFront(h)
			return
		case d.workCh <- h:
		}
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context) {
	defer func() {
		d.stoppedChan <- struct{}{}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopChan:
			return
		case h := <-d.workCh:
			d.execute(ctx, h)
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, h *Handle) {
	select {
	case <-d.stopChan:
		// Shutdown won the race for this dequeue; the task never ran.
		h.Cancel()
		d.publish(TaskFinished, h, 0)
		return
	default:
	}
	if !h.begin() {
		// Cancelled while queued; report the settled state and move on.
		d.publish(TaskFinished, h, 0)
		return
	}

	// Pool shutdown has to reach the task context for the duration of
	// the run.
	unbind := context.AfterFunc(ctx, h.Cancel)
	defer unbind()

	d.publish(TaskStarted, h, 0)
	payload, err := h.fn(h.ctx)
	switch {
	case err == nil:
		h.finish(Completed, payload, nil)
	case h.ctx.Err() != nil:
		h.finish(Cancelled, nil, ErrCancelled)
	default:
		h.finish(Failed, nil, err)
	}

	d.publish(TaskFinished, h, 0)
	d.log.WithFields(logrus.Fields{
		"task":     h.name,
		"serial":   h.serial,
		"status":   h.Status().String(),
		"category": h.category,
	}).Debug("task finished")
}

func (d *Dispatcher) pop() *Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil
	}
	h := d.queue[0]
	d.queue = d.queue[1:]
	if len(d.queue) < SoftQueueLimit/2 {
		d.warned = false
	}
	return h
}

func (d *Dispatcher) pushFront(h *Handle) {
	d.mu.Lock()
	d.queue = append([]*Handle{h}, d.queue...)
	d.mu.Unlock()
}

func (d *Dispatcher) drainQueue() {
	for {
		h := d.pop()
		if h == nil {
			return
		}
		h.Cancel()
		d.publish(TaskFinished, h, 0)
	}
}

func (d *Dispatcher) publish(kind EventKind, h *Handle, qlen int) {
	d.events.Publish(Event{
		Kind:     kind,
		TaskID:   h.id,
		Name:     h.name,
		Category: h.category,
		Serial:   h.serial,
		Status:   h.Status(),
		QueueLen: qlen,
	})
}
