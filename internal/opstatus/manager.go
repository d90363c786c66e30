package opstatus

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/blacktea/internal/bus"
)

const (
	// DefaultDismissAfter is how long a terminal row stays visible.
	DefaultDismissAfter = 3 * time.Second
	// DefaultTerminalCap bounds retained terminal rows; beyond it the
	// oldest by completion time are evicted immediately.
	DefaultTerminalCap = 50
)

// EventKind classifies manager notifications.
type EventKind int

const (
	OperationAdded EventKind = iota
	OperationUpdated
	OperationRemoved
	DeviceStatusChanged
)

func (k EventKind) String() string {
	switch k {
	case OperationAdded:
		return "operation_added"
	case OperationUpdated:
		return "operation_updated"
	case OperationRemoved:
		return "operation_removed"
	case DeviceStatusChanged:
		return "device_status_changed"
	}
	return "unknown"
}

// Event is one manager notification. Op is the post-mutation row.
type Event struct {
	Kind   EventKind
	Serial string
	Op     Operation
}

// CancelFunc asks the owning subsystem to abort its operation. The
// return value reports whether the request reached anything.
type CancelFunc func() bool

// Patch is a partial update; nil fields keep their current value.
type Patch struct {
	Status       *Status
	Progress     *float64
	Message      *string
	ErrorMessage *string
}

// Options tunes the manager. Zero values select the defaults.
type Options struct {
	DismissAfter time.Duration
	TerminalCap  int
}

type entry struct {
	op     Operation
	cancel CancelFunc
	seq    uint64
	timer  *time.Timer
}

// Manager is the operation registry. All mutations are serialized and
// every event carries the row as it looks after the mutation.
type Manager struct {
	log          *logrus.Logger
	events       *bus.Stream[Event]
	dismissAfter time.Duration
	terminalCap  int

	mu      sync.Mutex
	ops     map[string]*entry
	nextSeq uint64
	closed  bool
}

// New creates an empty manager.
func New(logger *logrus.Logger, opts *Options) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.DismissAfter <= 0 {
		o.DismissAfter = DefaultDismissAfter
	}
	if o.TerminalCap <= 0 {
		o.TerminalCap = DefaultTerminalCap
	}
	return &Manager{
		log:          logger,
		events:       bus.NewStream[Event](),
		dismissAfter: o.DismissAfter,
		terminalCap:  o.TerminalCap,
		ops:          make(map[string]*entry),
	}
}

// Subscribe attaches a consumer to the manager event stream.
func (m *Manager) Subscribe(capacity int) *bus.Subscription[Event] {
	return m.events.Subscribe(capacity)
}

// Add registers an operation and returns its id, generating one when
// the caller left it empty. Adding a recording for a serial that
// already has an active recording updates that row in place and
// returns the existing id, so start and stop share one UI row.
func (m *Manager) Add(op Operation, cancel CancelFunc) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if op.Type == TypeRecording {
		if e := m.activeRecordingLocked(op.Serial); e != nil {
			patch := Patch{}
			if op.Status != e.op.Status {
				st := op.Status
				patch.Status = &st
			}
			if op.Message != "" {
				patch.Message = &op.Message
			}
			if op.Progress > 0 {
				patch.Progress = &op.Progress
			}
			if cancel != nil {
				e.cancel = cancel
			}
			m.applyLocked(e, patch)
			return e.op.ID
		}
	}

	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.StartedAt.IsZero() {
		op.StartedAt = time.Now()
	}
	if op.Status.Terminal() && op.CompletedAt.IsZero() {
		op.CompletedAt = time.Now()
	}
	op.Progress = clamp01(op.Progress)

	m.nextSeq++
	e := &entry{op: op, cancel: cancel, seq: m.nextSeq}
	m.ops[op.ID] = e
	m.publishLocked(OperationAdded, e.op)
	if e.op.Status.Terminal() {
		m.scheduleDismissLocked(e)
		m.enforceCapLocked()
	}
	return op.ID
}

// Update applies a patch. Returns false when the id is unknown or the
// row is already terminal.
func (m *Manager) Update(id string, patch Patch) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.ops[id]
	if !ok || e.op.Status.Terminal() {
		return false
	}
	m.applyLocked(e, patch)
	return true
}

// Cancel asks a non-terminal operation to stop. The row always lands
// in Cancelled; false means the id is unknown or already terminal.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	e, ok := m.ops[id]
	if !ok || e.op.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	cb := e.cancel
	cancellable := e.op.CanCancel
	m.mu.Unlock()

	// Callbacks reach into other subsystems; never hold the lock here.
	reached := false
	if cancellable && cb != nil {
		reached = cb()
	}
	if !reached {
		m.log.WithField("operation_id", id).
			Warn("cancel callback absent or ineffective, recording cancellation anyway")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok = m.ops[id]
	if !ok || e.op.Status.Terminal() {
		// The callback settled the row on its own.
		return true
	}
	st := Cancelled
	m.applyLocked(e, Patch{Status: &st})
	return true
}

// ClearCompleted removes every terminal row, optionally scoped to one
// serial. Returns how many rows were removed.
func (m *Manager) ClearCompleted(serial string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.ops {
		if !e.op.Status.Terminal() {
			continue
		}
		if serial != "" && e.op.Serial != serial {
			continue
		}
		m.removeLocked(e)
		n++
	}
	return n
}

// Get returns a copy of one row.
func (m *Manager) Get(id string) (Operation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.ops[id]
	if !ok {
		return Operation{}, false
	}
	return e.op, true
}

// Operations returns every row, oldest start first.
func (m *Manager) Operations() []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Operation, 0, len(m.ops))
	for _, e := range m.ops {
		out = append(out, e.op)
	}
	sortOperations(out)
	return out
}

// ForSerial returns the rows for one device, oldest start first.
func (m *Manager) ForSerial(serial string) []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Operation
	for _, e := range m.ops {
		if e.op.Serial == serial {
			out = append(out, e.op)
		}
	}
	sortOperations(out)
	return out
}

// Close stops pending dismiss timers and closes the event stream.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, e := range m.ops {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	m.mu.Unlock()
	m.events.Close()
}

func (m *Manager) applyLocked(e *entry, patch Patch) {
	if patch.Status != nil {
		next := *patch.Status
		switch {
		case next == e.op.Status:
		case next.Terminal():
			e.op.Status = next
			e.op.CompletedAt = time.Now()
		case e.op.Status == Pending && next == Running:
			e.op.Status = next
		default:
			m.log.WithFields(logrus.Fields{
				"operation_id": e.op.ID,
				"from":         e.op.Status.String(),
				"to":           next.String(),
			}).Debug("ignoring status downgrade")
		}
	}
	if patch.Progress != nil {
		e.op.Progress = clamp01(*patch.Progress)
	}
	if patch.Message != nil {
		e.op.Message = *patch.Message
	}
	if patch.ErrorMessage != nil {
		e.op.ErrorMessage = *patch.ErrorMessage
	}
	m.publishLocked(OperationUpdated, e.op)
	if e.op.Status.Terminal() {
		m.scheduleDismissLocked(e)
		m.enforceCapLocked()
	}
}

func (m *Manager) activeRecordingLocked(serial string) *entry {
	for _, e := range m.ops {
		if e.op.Type == TypeRecording && e.op.Serial == serial && !e.op.Status.Terminal() {
			return e
		}
	}
	return nil
}

func (m *Manager) scheduleDismissLocked(e *entry) {
	if e.timer != nil || m.closed {
		return
	}
	id := e.op.ID
	e.timer = time.AfterFunc(m.dismissAfter, func() { m.dismiss(id) })
}

func (m *Manager) dismiss(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if e, ok := m.ops[id]; ok {
		m.removeLocked(e)
	}
}

// enforceCapLocked evicts the oldest terminal rows, FIFO on completion
// time, once the retained count exceeds the cap.
func (m *Manager) enforceCapLocked() {
	var term []*entry
	for _, e := range m.ops {
		if e.op.Status.Terminal() {
			term = append(term, e)
		}
	}
	if len(term) <= m.terminalCap {
		return
	}
	sort.Slice(term, func(i, j int) bool {
		a, b := term[i], term[j]
		if !a.op.CompletedAt.Equal(b.op.CompletedAt) {
			return a.op.CompletedAt.Before(b.op.CompletedAt)
		}
		return a.seq < b.seq
	})
	for _, e := range term[:len(term)-m.terminalCap] {
		m.removeLocked(e)
	}
}

func (m *Manager) removeLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(m.ops, e.op.ID)
	m.publishLocked(OperationRemoved, e.op)
}

func (m *Manager) publishLocked(kind EventKind, op Operation) {
	m.events.Publish(Event{Kind: kind, Serial: op.Serial, Op: op})
	m.events.Publish(Event{Kind: DeviceStatusChanged, Serial: op.Serial, Op: op})
}

func sortOperations(ops []Operation) {
	sort.Slice(ops, func(i, j int) bool {
		if !ops[i].StartedAt.Equal(ops[j].StartedAt) {
			return ops[i].StartedAt.Before(ops[j].StartedAt)
		}
		return ops[i].ID < ops[j].ID
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
