// Package fileops generates on-disk artifacts from devices:
// screenshots, bug reports, UI hierarchy dumps, and device-info
// exports. Every device-touching operation runs as a dispatcher job;
// multi-device batches keep the selection order and publish a
// consolidated summary when they finish.
package fileops

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blacktea/internal/adb"
	"github.com/srg/blacktea/internal/bus"
	"github.com/srg/blacktea/internal/dispatch"
	"github.com/srg/blacktea/internal/registry"
)

const (
	// ScreenshotTimeout bounds one screencap round trip.
	ScreenshotTimeout = 15 * time.Second
	// BugreportTimeout bounds one full bug report, which can run for
	// minutes of dumpstate work plus the transfer.
	BugreportTimeout = 120 * time.Second

	// TimestampLayout names artifacts so they sort chronologically.
	TimestampLayout = "20060102_150405"

	settleGrace = time.Second
)

// Op identifies which worker produced an event.
type Op string

const (
	OpScreenshot Op = "screenshot"
	OpBugReport  Op = "bugreport"
	OpUIDump     Op = "ui_dump"
	OpDeviceInfo Op = "device_info"
)

// EventType classifies file-operation events.
type EventType int

const (
	// FileWritten reports one artifact landed on disk.
	FileWritten EventType = iota
	// Progress paces long batches, Index of Total.
	Progress
	// BatchSummary consolidates a finished multi-device batch.
	BatchSummary
	// FileOpError reports one device's failure.
	FileOpError
)

func (t EventType) String() string {
	switch t {
	case FileWritten:
		return "file_written"
	case Progress:
		return "progress"
	case BatchSummary:
		return "batch_summary"
	case FileOpError:
		return "error"
	}
	return "unknown"
}

// Event is one file-operation notification.
type Event struct {
	Type       EventType
	Op         Op
	Serial     string
	DeviceName string
	Path       string
	Index      int
	Total      int
	Message    string
	Summary    *Summary
}

// FileResult is one device's outcome in a batch.
type FileResult struct {
	Serial     string
	DeviceName string
	Paths      []string
	Duration   time.Duration
	Err        error
}

// OK reports whether the device produced its artifacts.
func (r FileResult) OK() bool { return r.Err == nil }

// Summary consolidates one batch, results in selection order.
type Summary struct {
	Op        Op
	OutputDir string
	Results   []FileResult
	Succeeded int
	Failed    int
	StartedAt time.Time
	Duration  time.Duration
}

// Options tune a Service. Zero values select the package defaults;
// Clock exists for tests that need deterministic artifact names.
type Options struct {
	ScreenshotTimeout time.Duration
	BugreportTimeout  time.Duration
	CommandTimeout    time.Duration
	Clock             func() time.Time
}

// Service runs the file-generation workers.
type Service struct {
	log    *logrus.Logger
	runner adb.Runner
	reg    *registry.Registry
	disp   *dispatch.Dispatcher
	events *bus.Stream[Event]
	opts   Options
}

// New wires a service to the dispatcher its jobs run on. The logger
// may be nil.
func New(runner adb.Runner, reg *registry.Registry, disp *dispatch.Dispatcher, logger *logrus.Logger, opts Options) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ScreenshotTimeout <= 0 {
		opts.ScreenshotTimeout = ScreenshotTimeout
	}
	if opts.BugreportTimeout <= 0 {
		opts.BugreportTimeout = BugreportTimeout
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = adb.DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Service{
		log:    logger,
		runner: runner,
		reg:    reg,
		disp:   disp,
		events: bus.NewStream[Event](),
		opts:   opts,
	}
}

// Subscribe attaches a consumer to the event stream.
func (s *Service) Subscribe(capacity int) *bus.Subscription[Event] {
	return s.events.Subscribe(capacity)
}

// Close releases the event stream.
func (s *Service) Close() { s.events.Close() }

func (s *Service) now() time.Time { return s.opts.Clock() }

// Screenshot captures every selected device to
// outputDir/<timestamp>_<serial>.png and returns the batch summary.
// Unavailable devices contribute their error entry without holding
// peers back; the error return covers argument problems and group
// cancellation only.
func (s *Service) Screenshot(ctx context.Context, serials []string, outputDir string) (*Summary, error) {
	if len(serials) == 0 {
		return nil, fmt.Errorf("no devices selected")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", outputDir, err)
	}

	start := s.now()
	stamp := start.Format(TimestampLayout)
	results := s.fanOut(ctx, serials, OpScreenshot, func(jobCtx context.Context, serial, name string) FileResult {
		path := filepath.Join(outputDir, fmt.Sprintf("%s_%s.png", stamp, sanitizeSerial(serial)))
		data, err := s.runner.Output(jobCtx, s.opts.ScreenshotTimeout, adb.ExecOutScreencap(serial)...)
		if err != nil {
			return FileResult{Err: err}
		}
		if !isPNG(data) {
			return FileResult{Err: fmt.Errorf("screencap returned non-PNG data: %q", printable(data, 64))}
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return FileResult{Err: err}
		}
		return FileResult{Paths: []string{path}}
	})

	summary := s.finishBatch(OpScreenshot, outputDir, start, results)
	return summary, ctx.Err()
}

// fanOut submits one dispatcher job per available device and collects
// the outcomes in selection order. Jobs report over a channel sized
// for the whole group because the dispatcher drops payloads on
// failure, and a straggler past the settle grace must be able to send
// with nobody reading. One cancel of ctx stops every job.
func (s *Service) fanOut(ctx context.Context, serials []string, op Op, job func(ctx context.Context, serial, name string) FileResult) []FileResult {
	groupCtx, cancelGroup := context.WithCancel(ctx)
	defer cancelGroup()

	type indexed struct {
		index int
		res   FileResult
	}
	results := make([]FileResult, len(serials))
	written := make([]bool, len(serials))
	handles := make([]*dispatch.Handle, len(serials))
	resCh := make(chan indexed, len(serials))

	for i, serial := range serials {
		name := serial
		if d, ok := s.reg.Get(serial); ok {
			name = d.DisplayName()
		}
		results[i] = FileResult{Serial: serial, DeviceName: name}
		if _, err := s.reg.Require(serial); err != nil {
			results[i].Err = err
			written[i] = true
			continue
		}
		h, err := s.disp.Submit(dispatch.Task{
			Name:     fmt.Sprintf("%s %s", op, serial),
			Category: string(op),
			Serial:   serial,
			Fn: func(taskCtx context.Context) (any, error) {
				jobCtx, cancel := context.WithCancel(groupCtx)
				defer cancel()
				unbind := context.AfterFunc(taskCtx, cancel)
				defer unbind()

				begun := s.now()
				res := job(jobCtx, serial, name)
				res.Serial, res.DeviceName = serial, name
				res.Duration = s.now().Sub(begun)
				resCh <- indexed{index: i, res: res}
				return nil, res.Err
			},
		})
		if err != nil {
			results[i].Err = err
			written[i] = true
			continue
		}
		handles[i] = h
	}

	for _, h := range handles {
		if h == nil {
			continue
		}
		if _, err := h.Wait(ctx); err != nil && ctx.Err() != nil {
			h.Cancel()
			sctx, scancel := context.WithTimeout(context.Background(), settleGrace)
			_, _ = h.Wait(sctx)
			scancel()
		}
	}

	for drained := false; !drained; {
		select {
		case r := <-resCh:
			results[r.index] = r.res
			written[r.index] = true
		default:
			drained = true
		}
	}

	for i, h := range handles {
		if h == nil || written[i] {
			continue
		}
		_, herr := h.Result()
		if herr == nil {
			herr = fmt.Errorf("job did not settle")
		}
		results[i].Err = herr
	}
	return results
}

// finishBatch publishes the per-device and summary events and logs the
// outcome. Single-device calls skip the consolidated summary event;
// the per-file event already says everything.
func (s *Service) finishBatch(op Op, outputDir string, start time.Time, results []FileResult) *Summary {
	summary := &Summary{
		Op:        op,
		OutputDir: outputDir,
		Results:   results,
		StartedAt: start,
		Duration:  s.now().Sub(start),
	}
	for _, res := range results {
		if res.OK() {
			summary.Succeeded++
			for _, path := range res.Paths {
				s.events.Publish(Event{
					Type:       FileWritten,
					Op:         op,
					Serial:     res.Serial,
					DeviceName: res.DeviceName,
					Path:       path,
				})
			}
			continue
		}
		summary.Failed++
		s.events.Publish(Event{
			Type:       FileOpError,
			Op:         op,
			Serial:     res.Serial,
			DeviceName: res.DeviceName,
			Message:    res.Err.Error(),
		})
	}
	if len(results) > 1 {
		s.events.Publish(Event{
			Type:    BatchSummary,
			Op:      op,
			Total:   len(results),
			Message: fmt.Sprintf("%d/%d devices succeeded", summary.Succeeded, len(results)),
			Summary: summary,
		})
	}
	s.log.WithFields(logrus.Fields{
		"op":        string(op),
		"devices":   len(results),
		"failed":    summary.Failed,
		"output":    outputDir,
		"duration":  summary.Duration.Round(time.Millisecond),
	}).Info("file operation finished")
	return summary
}

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func isPNG(data []byte) bool {
	return bytes.HasPrefix(data, pngMagic)
}

// printable renders the head of possibly-binary data for error
// messages.
func printable(data []byte, n int) string {
	s := strings.TrimSpace(string(data))
	if len(s) > n {
		s = s[:n]
	}
	return s
}

// sanitizeSerial makes a serial safe inside a filename; tcp serials
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
