// Package recording drives segmented screen capture. Each device gets
// an independent worker that records fixed-length segments, ending each
// one before adb's own 180s ceiling kills it, pulling the artifact off
// the device, and starting the next segment, so the observable session
// is unbounded. Stop lets the in-flight segment flush and pull before
// the session goes inactive.
package recording

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/blacktea/internal/adb"
	"github.com/srg/blacktea/internal/bus"
	"github.com/srg/blacktea/internal/groutine"
)

const (
	// SegmentDuration caps one screenrecord invocation. Kept under the
	// device-side 180s hard limit so the segment can flush cleanly.
	SegmentDuration = 170 * time.Second
	// SegmentPollInterval is how often a worker checks segment
	// liveness and elapsed time.
	SegmentPollInterval = 500 * time.Millisecond
	// HeartbeatInterval paces progress events while a segment runs.
	HeartbeatInterval = time.Second

	StartRetryCount = 2
	StartRetryDelay = time.Second
	StopRetryCount  = 3
	StopRetryDelay  = 1500 * time.Millisecond
	PullRetryCount  = 3
	PullRetryDelay  = time.Second
)

// Origin says why a segment ended.
type Origin string

const (
	// OriginInternal marks a segment rotation at the duration cap.
	OriginInternal Origin = "internal"
	// OriginUser marks a segment ended by an explicit stop request.
	OriginUser Origin = "user"
)

// EventType classifies recording progress events.
type EventType int

const (
	SegmentCompleted EventType = iota
	Heartbeat
	RecordingError
	RecordingWarning
)

func (t EventType) String() string {
	switch t {
	case SegmentCompleted:
		return "segment_completed"
	case Heartbeat:
		return "heartbeat"
	case RecordingError:
		return "error"
	case RecordingWarning:
		return "warning"
	}
	return "unknown"
}

// Event is one progress notification. SegmentIndex starts at 1 and is
// strictly ordered per serial.
type Event struct {
	Type          EventType
	Serial        string
	DeviceName    string
	OutputPath    string
	SegmentIndex  int
	SegmentFile   string
	Duration      time.Duration
	TotalDuration time.Duration
	Message       string
	Origin        Origin
}

// SessionInfo is a point-in-time snapshot of one active session.
type SessionInfo struct {
	Serial     string
	DeviceName string
	OutputDir  string
	StartedAt  time.Time
	Segments   int
	// Display is the monotonic duration shown to the user. It never
	// regresses, even when a heartbeat lands mid segment handover.
	Display time.Duration
}

// Options tunes the coordinator. Zero values select the package
// constants; Namer supplies display names for events.
type Options struct {
	SegmentCap        time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StartRetries      int
	StartRetryDelay   time.Duration
	StopRetries       int
	StopRetryDelay    time.Duration
	PullRetries       int
	PullRetryDelay    time.Duration
	Namer             func(serial string) string
}

// Coordinator owns all recording sessions, at most one per serial.
type Coordinator struct {
	log    *logrus.Logger
	runner adb.Runner
	events *bus.Stream[Event]
	opts   Options

	sessions *hashmap.Map[string, *session]

	startBusy atomic.Bool
	stopBusy  atomic.Bool
}

// New creates an idle coordinator.
func New(runner adb.Runner, logger *logrus.Logger, opts *Options) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.SegmentCap <= 0 {
		o.SegmentCap = SegmentDuration
	}
	if o.PollInterval <= 0 {
		o.PollInterval = SegmentPollInterval
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = HeartbeatInterval
	}
	if o.StartRetries <= 0 {
		o.StartRetries = StartRetryCount
	}
	if o.StartRetryDelay <= 0 {
		o.StartRetryDelay = StartRetryDelay
	}
	if o.StopRetries <= 0 {
		o.StopRetries = StopRetryCount
	}
	if o.StopRetryDelay <= 0 {
		o.StopRetryDelay = StopRetryDelay
	}
	if o.PullRetries <= 0 {
		o.PullRetries = PullRetryCount
	}
	if o.PullRetryDelay <= 0 {
		o.PullRetryDelay = PullRetryDelay
	}
	return &Coordinator{
		log:      logger,
		runner:   runner,
		events:   bus.NewStream[Event](),
		opts:     o,
		sessions: hashmap.New[string, *session](),
	}
}

// Subscribe attaches a consumer to the progress event stream.
func (c *Coordinator) Subscribe(capacity int) *bus.Subscription[Event] {
	return c.events.Subscribe(capacity)
}

// Start begins a recording session for every listed serial, writing
// artifacts under outputDir/<sanitized-serial>/. All-or-nothing: a
// serial that is already recording rejects the whole call with an
// InProgressError and leaves existing sessions untouched.
func (c *Coordinator) Start(ctx context.Context, serials []string, outputDir string) error {
	if len(serials) == 0 {
		return fmt.Errorf("recording: no serials given")
	}
	if !c.startBusy.CompareAndSwap(false, true) {
		return &InProgressError{Kind: "start", Serials: c.ActiveSerials()}
	}
	defer c.startBusy.Store(false)

	var busy []string
	for _, serial := range serials {
		if _, ok := c.sessions.Get(serial); ok {
			busy = append(busy, serial)
		}
	}
	if len(busy) > 0 {
		sort.Strings(busy)
		return &InProgressError{Serials: busy}
	}

	dirs := make(map[string]string, len(serials))
	for _, serial := range serials {
		dir := filepath.Join(outputDir, sanitizeSerial(serial))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("recording: create %s: %w", dir, err)
		}
		dirs[serial] = dir
	}

	for _, serial := range serials {
		s := newSession(serial, c.displayName(serial), dirs[serial])
		c.sessions.Set(serial, s)
		c.log.WithFields(logrus.Fields{
			"serial": serial,
			"output": s.outputDir,
		}).Info("recording started")
		groutine.Go(ctx, fmt.Sprintf("recording-%s", serial), func(ctx context.Context) {
			c.runSession(ctx, s)
		})
	}
	return nil
}

// Stop signals the listed sessions to end after their current segment
// flushes and pulls; nil serials means every active session. Stopping
// a device that is not recording is a no-op surfaced as one warning.
func (c *Coordinator) Stop(serials []string) error {
	if !c.stopBusy.CompareAndSwap(false, true) {
		return &InProgressError{Kind: "stop", Serials: c.ActiveSerials()}
	}
	defer c.stopBusy.Store(false)

	if len(serials) == 0 {
		serials = c.ActiveSerials()
	}
	for _, serial := range serials {
		s, ok := c.sessions.Get(serial)
		if !ok {
			c.log.WithField("serial", serial).Warn("stop requested but device is not recording")
			c.events.Publish(Event{
				Type:    RecordingWarning,
				Serial:  serial,
				Message: "device is not recording",
			})
			continue
		}
		s.requestStop()
	}
	return nil
}

// WaitIdle blocks until the listed sessions have fully wound down; nil
// serials waits for all of them.
func (c *Coordinator) WaitIdle(ctx context.Context, serials []string) error {
	var dones []<-chan struct{}
	if len(serials) == 0 {
		c.sessions.Range(func(_ string, s *session) bool {
			dones = append(dones, s.done)
			return true
		})
	} else {
		for _, serial := range serials {
			if s, ok := c.sessions.Get(serial); ok {
				dones = append(dones, s.done)
			}
		}
	}
	for _, done := range dones {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// IsRecording reports whether serial has an active session.
func (c *Coordinator) IsRecording(serial string) bool {
	_, ok := c.sessions.Get(serial)
	return ok
}

// ActiveSerials lists recording devices, sorted.
func (c *Coordinator) ActiveSerials() []string {
	var out []string
	c.sessions.Range(func(serial string, _ *session) bool {
		out = append(out, serial)
		return true
	})
	sort.Strings(out)
	return out
}

// Sessions snapshots every active session, sorted by serial.
func (c *Coordinator) Sessions() []SessionInfo {
	var out []SessionInfo
	c.sessions.Range(func(_ string, s *session) bool {
		out = append(out, s.snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

// Close stops every session, waits for them to wind down within ctx,
// then closes the event stream.
func (c *Coordinator) Close(ctx context.Context) error {
	c.sessions.Range(func(_ string, s *session) bool {
		s.requestStop()
		return true
	})
	err := c.WaitIdle(ctx, nil)
	c.events.Close()
	return err
}

func (c *Coordinator) displayName(serial string) string {
	if c.opts.Namer == nil {
		return ""
	}
	return c.opts.Namer(serial)
}

// sanitizeSerial makes a serial safe as a directory name; tcp serials
// carry colons.
func sanitizeSerial(serial string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, serial)
}
