package bluetooth

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blacktea/internal/adb"
	"github.com/srg/blacktea/internal/bus"
	"github.com/srg/blacktea/internal/groutine"
)

// Snapshot cadence. The loop starts at the default and adapts: an
// unchanged dump past the idle threshold backs the interval off one
// second per pass up to the maximum, any change snaps it back to the
// minimum.
const (
	DefaultSnapshotInterval = 5 * time.Second
	MinSnapshotInterval     = 2 * time.Second
	MaxSnapshotInterval     = 10 * time.Second
	DefaultIdleThreshold    = 10 * time.Second

	// DefaultStopTimeout bounds the join in Stop(wait=true).
	DefaultStopTimeout = 2 * time.Second

	intervalGrowthStep = time.Second
)

// EventKind discriminates monitor events.
type EventKind int

const (
	SnapshotParsed EventKind = iota
	EventParsed
	StateUpdated
	ErrorOccurred
)

func (k EventKind) String() string {
	switch k {
	case SnapshotParsed:
		return "snapshot_parsed"
	case EventParsed:
		return "event_parsed"
	case StateUpdated:
		return "state_updated"
	case ErrorOccurred:
		return "error_occurred"
	default:
		return fmt.Sprintf("event_kind(%d)", int(k))
	}
}

// Event is one monitor emission. Exactly one of Snapshot, Parsed and
// Update is set for the corresponding kind; ErrorOccurred carries only
// Message.
type Event struct {
	Kind     EventKind
	Serial   string
	Snapshot *ParsedSnapshot
	Parsed   *ParsedEvent
	Update   *StateUpdate
	Message  string
}

// ServiceOptions tunes a monitor. Zero values select the defaults.
type ServiceOptions struct {
	SnapshotInterval time.Duration
	MinInterval      time.Duration
	MaxInterval      time.Duration
	IdleThreshold    time.Duration
	StopTimeout      time.Duration
	Machine          MachineOptions
}

// Service monitors the Bluetooth stack of one device with two
// collector goroutines: a dumpsys snapshot loop and a logcat follower.
// Both feed the same state machine; consumers subscribe to Events.
type Service struct {
	log    *logrus.Logger
	runner adb.Runner
	serial string
	opts   ServiceOptions

	machine *Machine
	events  *bus.Stream[Event]

	runMutex    sync.Mutex
	isRunning   bool
	stopChan    chan struct{}
	stoppedChan chan struct{}

	procMu sync.Mutex
	proc   adb.Proc
}

// NewService wires a monitor for one serial. The logger may be nil.
func NewService(runner adb.Runner, serial string, logger *logrus.Logger, opts ServiceOptions) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = DefaultSnapshotInterval
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = MinSnapshotInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = MaxSnapshotInterval
	}
	if opts.IdleThreshold <= 0 {
		opts.IdleThreshold = DefaultIdleThreshold
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	return &Service{
		log:     logger,
		runner:  runner,
		serial:  serial,
		opts:    opts,
		machine: NewMachine(serial, opts.Machine),
		events:  bus.NewStream[Event](),
	}
}

// Events is the stream both loops publish to.
func (s *Service) Events() *bus.Stream[Event] { return s.events }

// Serial returns the monitored device serial.
func (s *Service) Serial() string { return s.serial }

// Summary is the state machine's current view.
func (s *Service) Summary() StateSummary { return s.machine.Summary() }

// IsRunning reports whether the collector loops are live.
func (s *Service) IsRunning() bool {
	s.runMutex.Lock()
	defer s.runMutex.Unlock()
	return s.isRunning
}

// Start launches both collector loops.
func (s *Service) Start(ctx context.Context) error {
	s.runMutex.Lock()
	defer s.runMutex.Unlock()
	if s.isRunning {
		return fmt.Errorf("bluetooth monitor already running for %s", s.serial)
	}
	s.stopChan = make(chan struct{})
	s.stoppedChan = make(chan struct{}, 2)
	s.isRunning = true

	// Loops capture their own channels so a restart cannot cross wires
	// with a previous generation still draining.
	stop, stopped := s.stopChan, s.stoppedChan
	groutine.Go(ctx, fmt.Sprintf("bt-snapshot-%s", s.serial), func(ctx context.Context) {
		defer func() { stopped <- struct{}{} }()
		s.snapshotLoop(ctx, stop)
	})
	groutine.Go(ctx, fmt.Sprintf("bt-logcat-%s", s.serial), func(ctx context.Context) {
		defer func() { stopped <- struct{}{} }()
		s.logcatLoop(ctx, stop)
	})
	return nil
}

// Stop signals both loops. With wait it joins them, giving up after
// the stop timeout.
func (s *Service) Stop(wait bool) {
	s.runMutex.Lock()
	if !s.isRunning {
		s.runMutex.Unlock()
		return
	}
	close(s.stopChan)
	stopped := s.stoppedChan
	s.isRunning = false
	s.runMutex.Unlock()

	s.procMu.Lock()
	proc := s.proc
	s.proc = nil
	s.procMu.Unlock()
	if proc != nil {
		proc.Stop()
	}

	if !wait {
		return
	}
	deadline := time.After(s.opts.StopTimeout)
	for i := 0; i < 2; i++ {
		select {
		case <-stopped:
		case <-deadline:
			s.log.WithField("serial", s.serial).Warn("bluetooth monitor loops still draining after stop timeout")
			return
		}
	}
}

// Close stops the monitor and closes the event stream.
func (s *Service) Close() {
	s.Stop(true)
	s.events.Close()
}

func (s *Service) snapshotLoop(ctx context.Context, stop <-chan struct{}) {
	interval := s.opts.SnapshotInterval
	var (
		lastHash   uint64
		hashKnown  bool
		lastChange time.Time
	)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-timer.C:
		}

		lines, err := s.runner.Run(ctx, adb.DefaultTimeout, adb.BluetoothSnapshot(s.serial)...)
		now := time.Now()
		if err != nil {
			s.log.WithField("serial", s.serial).WithError(err).Debug("bluetooth snapshot failed")
			s.events.Publish(Event{Kind: ErrorOccurred, Serial: s.serial, Message: fmt.Sprintf("snapshot: %v", err)})
			timer.Reset(interval)
			continue
		}
		raw := strings.Join(lines, "\n")

		sum := hashText(raw)
		switch {
		case !hashKnown:
			lastChange = now
		case sum == lastHash:
			if now.Sub(lastChange) >= s.opts.IdleThreshold && interval < s.opts.MaxInterval {
				interval += intervalGrowthStep
				if interval > s.opts.MaxInterval {
					interval = s.opts.MaxInterval
				}
			}
		default:
			lastChange = now
			interval = s.opts.MinInterval
		}
		hashKnown = true
		lastHash = sum

		snap, perrs := ParseSnapshot(s.serial, raw, now)
		for _, pe := range perrs {
			s.log.WithField("serial", s.serial).WithError(pe).Debug("bluetooth snapshot line skipped")
		}
		s.events.Publish(Event{Kind: SnapshotParsed, Serial: s.serial, Snapshot: snap})
		if update := s.machine.ApplySnapshot(snap); update.Changed {
			s.events.Publish(Event{Kind: StateUpdated, Serial: s.serial, Update: &update})
		}
		timer.Reset(interval)
	}
}

func (s *Service) logcatLoop(ctx context.Context, stop <-chan struct{}) {
	proc, err := s.runner.Start(ctx, adb.Logcat(s.serial, "-v", "time")...)
	if err != nil {
		s.log.WithField("serial", s.serial).WithError(err).Warn("bluetooth logcat failed to start")
		s.events.Publish(Event{Kind: ErrorOccurred, Serial: s.serial, Message: fmt.Sprintf("logcat: %v", err)})
		return
	}

	s.procMu.Lock()
	select {
	case <-stop:
		// Stopped before the proc was registered; reap it ourselves.
		s.procMu.Unlock()
		proc.Stop()
		return
	default:
		s.proc = proc
		s.procMu.Unlock()
	}

	defer proc.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case line, ok := <-proc.Lines():
			if !ok {
				select {
				case <-stop:
				default:
					s.log.WithField("serial", s.serial).Warn("bluetooth logcat stream ended")
					s.events.Publish(Event{Kind: ErrorOccurred, Serial: s.serial, Message: "logcat stream ended"})
				}
				return
			}
			ev := ParseLogLine(s.serial, line, time.Now())
			if ev == nil {
				continue
			}
			s.events.Publish(Event{Kind: EventParsed, Serial: s.serial, Parsed: ev})
			if update := s.machine.ApplyEvent(ev); update.Changed {
				s.events.Publish(Event{Kind: StateUpdated, Serial: s.serial, Update: &update})
			}
		}
	}
}

// hashText fingerprints a snapshot for the idle backoff.
func hashText(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
