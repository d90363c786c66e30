// Package console buffers device log lines for interactive viewing.
// Producers across the subsystems push LogRecords into one channel;
// the collector copies them into an overlapped MPMC ring so a stalled
// or absent reader never blocks a producer, and the newest lines win
// when the ring wraps.
package console

import (
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// Source values tag where a console line came from.
const (
	SourceShell     = "shell"
	SourceLogcat    = "logcat"
	SourceRecording = "recording"
	SourceBluetooth = "bluetooth"
	SourceOps       = "ops"
	SourceSystem    = "system"
)

// LogRecord is one console line.
type LogRecord struct {
	Time   time.Time
	Serial string
	Source string
	Line   string
}

// Collector lifecycle states.
const (
	StateIdle uint32 = iota
	StateRunning
	StateStopping
)

// MaxBufferSize guards against misconfigured ring sizes.
const MaxBufferSize uint32 = 1 << 20

const (
	startTimeout = time.Second
	stopTimeout  = 5 * time.Second
)

// Metrics is a point-in-time copy of the collector counters. Dropped
// counts lines the ring overwrote before anyone read them.
type Metrics struct {
	Processed int64
	Dropped   int64
	Errors    int64
}

// Collector drains a record channel into an overlapped ring buffer.
// All methods are safe for concurrent use.
type Collector struct {
	in      <-chan LogRecord
	buffer  mpmc.RichOverlappedRingBuffer[LogRecord]
	stop    chan struct{}
	done    chan struct{}
	onError func(error)

	state     atomic.Uint32
	processed atomic.Int64
	dropped   atomic.Int64
	errs      atomic.Int64
}

// NewCollector builds a collector over the given channel. onError may
// be nil; enqueue failures are then only counted.
func NewCollector(in <-chan LogRecord, bufferSize uint32, onError func(error)) (*Collector, error) {
	if in == nil {
		return nil, fmt.Errorf("console: record channel is nil")
	}
	if bufferSize == 0 {
		return nil, fmt.Errorf("console: buffer size must be > 0")
	}
	if bufferSize > MaxBufferSize {
		return nil, fmt.Errorf("console: buffer size %d exceeds maximum %d", bufferSize, MaxBufferSize)
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Collector{
		in:      in,
		buffer:  mpmc.NewOverlappedRingBuffer[LogRecord](bufferSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		onError: onError,
	}, nil
}

// State returns the lifecycle state.
func (c *Collector) State() uint32 { return c.state.Load() }

// Metrics returns a copy of the counters.
func (c *Collector) Metrics() Metrics {
	return Metrics{
		Processed: c.processed.Load(),
		Dropped:   c.dropped.Load(),
		Errors:    c.errs.Load(),
	}
}

// ResetMetrics zeroes the counters.
func (c *Collector) ResetMetrics() {
	c.processed.Store(0)
	c.dropped.Store(0)
	c.errs.Store(0)
}

// Start launches the collecting goroutine and returns once it is
// confirmed running. A closed input channel ends the goroutine and
// the collector goes back to idle on its own.
func (c *Collector) Start() error {
	if !c.state.CompareAndSwap(StateIdle, StateRunning) {
		switch c.state.Load() {
		case StateRunning:
			return fmt.Errorf("console: collector already running")
		case StateStopping:
			return fmt.Errorf("console: collector still stopping")
		}
		return fmt.Errorf("console: collector in unexpected state")
	}

	// Fresh channels per cycle; a restart must not observe the
	// previous cycle's closed stop channel.
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	started := make(chan struct{}, 1)

	go func() {
		started <- struct{}{}
		defer func() {
			close(c.done)
			c.state.Store(StateIdle)
		}()
		for {
			select {
			case <-c.stop:
				return
			case rec, ok := <-c.in:
				if !ok {
					return
				}
				overwrites, err := c.buffer.EnqueueM(rec)
				if err != nil {
					c.errs.Add(1)
					c.onError(fmt.Errorf("console: enqueue: %w", err))
					return
				}
				c.dropped.Add(int64(overwrites))
				c.processed.Add(1)
			}
		}
	}()

	select {
	case <-started:
		return nil
	case <-time.After(startTimeout):
		close(c.stop)
		<-c.done
		return fmt.Errorf("console: collector failed to start within %s", startTimeout)
	}
}

// Stop signals the goroutine and waits for it to exit. Stopping an
// idle collector is a no-op.
func (c *Collector) Stop() error {
	if !c.state.CompareAndSwap(StateRunning, StateStopping) {
		switch c.state.Load() {
		case StateIdle:
			return nil
		case StateStopping:
			// Another stopper already closed the channel; join below.
		default:
			return fmt.Errorf("console: collector in unexpected state")
		}
	} else {
		close(c.stop)
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(stopTimeout):
		<-c.done
		return fmt.Errorf("console: stop exceeded %s", stopTimeout)
	}
}

// ConsumerFunc consumes drained records. A nil record means the
// buffer is exhausted and the consumer returns its final result;
// returning a non-zero result before that stops the drain early.
type ConsumerFunc[T any] func(rec *LogRecord) (T, error)

// Drain empties the buffer through consumer, oldest record first.
func Drain[T any](c *Collector, consumer ConsumerFunc[T]) (T, error) {
	for !c.buffer.IsEmpty() {
		rec, err := c.buffer.Dequeue()
		if err != nil {
			var zero T
			return zero, fmt.Errorf("console: dequeue: %w", err)
		}
		result, err := consumer(&rec)
		if err != nil {
			return result, err
		}
		if !isZero(result) {
			return result, nil
		}
	}
	return consumer(nil)
}

func isZero[T any](v T) bool {
	var zero T
	return reflect.DeepEqual(v, zero)
}

// Records drains everything buffered into a slice, oldest first.
func (c *Collector) Records() ([]LogRecord, error) {
	var out []LogRecord
	return Drain(c, func(rec *LogRecord) ([]LogRecord, error) {
		if rec == nil {
			return out, nil
		}
		out = append(out, *rec)
		return nil, nil
	})
}

// FormatRecord renders one line the way the console shows it.
func FormatRecord(rec LogRecord) string {
	ts := rec.Time.Format("15:04:05.000")
	if rec.Serial == "" {
		return fmt.Sprintf("%s %-9s %s", ts, rec.Source, rec.Line)
	}
	return fmt.Sprintf("%s %-9s [%s] %s", ts, rec.Source, rec.Serial, rec.Line)
}

// PlainText drains the buffer into newline-terminated formatted
// lines.
func (c *Collector) PlainText() (string, error) {
	var b strings.Builder
	return Drain(c, func(rec *LogRecord) (string, error) {
		if rec == nil {
			return b.String(), nil
		}
		b.WriteString(FormatRecord(*rec))
		b.WriteByte('\n')
		return "", nil
	})
}
