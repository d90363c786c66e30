// Package shellcmd fans shell commands out to a device selection
// through the dispatcher and gathers the per-device outcomes into
// ordered blocks.
package shellcmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/blacktea/internal/adb"
	"github.com/srg/blacktea/internal/bus"
	"github.com/srg/blacktea/internal/dispatch"
	"github.com/srg/blacktea/internal/registry"
)

// DefaultTimeout bounds one command on one device.
const DefaultTimeout = adb.DefaultTimeout

// Category tags dispatcher tasks submitted by the executor.
const Category = "shell_command"

// settleGrace bounds how long Run waits for a cancelled job to report
// back before publishing the block without it.
const settleGrace = time.Second

// Result is one device's outcome for one command. ExitCode is 0 on
// success, the device's own code when the command failed, 1 for a
// device that was not available, and -1 when no exit status exists
// (cancellation, transport failure).
type Result struct {
	Serial   string
	Device   string
	Command  string
	Lines    []string
	ExitCode int
	Duration time.Duration
	Err      error
}

// OK reports a clean run.
func (r Result) OK() bool { return r.Err == nil }

// Block carries every per-device outcome of one command, in the order
// the devices were selected.
type Block struct {
	ID        string
	Command   string
	Results   []Result
	StartedAt time.Time
	Duration  time.Duration
}

// Failed counts entries that did not complete cleanly.
func (b *Block) Failed() int {
	n := 0
	for _, r := range b.Results {
		if !r.OK() {
			n++
		}
	}
	return n
}

// Options tune an Executor. Zero values select the defaults.
type Options struct {
	Timeout time.Duration
}

// Executor runs shell commands across devices. Every device gets its
// own dispatcher job; the caller's context is the group context, one
// cancel stops them all.
type Executor struct {
	log      *logrus.Logger
	runner   adb.Runner
	registry *registry.Registry
	disp     *dispatch.Dispatcher
	events   *bus.Stream[*Block]
	timeout  time.Duration
}

// New wires an executor to the dispatcher it submits through. The
// logger may be nil.
func New(runner adb.Runner, reg *registry.Registry, disp *dispatch.Dispatcher, logger *logrus.Logger, opts Options) *Executor {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Executor{
		log:      logger,
		runner:   runner,
		registry: reg,
		disp:     disp,
		events:   bus.NewStream[*Block](),
		timeout:  opts.Timeout,
	}
}

// Events emits one Block per finished command.
func (e *Executor) Events() *bus.Stream[*Block] { return e.events }

// Close releases the event stream.
func (e *Executor) Close() { e.events.Close() }

type indexedResult struct {
	index int
	res   Result
}

// Run executes cmd on every serial and assembles the block in the
// given order. Unavailable devices contribute their error entry
// without holding peers back. Cancelling ctx cancels every
// outstanding job in the group; the block still comes back with the
// entries settled so far. The error return covers argument problems
// and group cancellation, never per-device failures.
func (e *Executor) Run(ctx context.Context, serials []string, cmd string) (*Block, error) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return nil, fmt.Errorf("empty shell command")
	}
	if len(serials) == 0 {
		return nil, fmt.Errorf("no devices selected")
	}

	groupCtx, cancelGroup := context.WithCancel(ctx)
	defer cancelGroup()

	start := time.Now()
	block := &Block{
		ID:        uuid.NewString(),
		Command:   cmd,
		StartedAt: start,
		Results:   make([]Result, len(serials)),
	}
	handles := make([]*dispatch.Handle, len(serials))
	names := make([]string, len(serials))
	// Jobs report over a channel sized for everyone, so a straggler
	// past the settle grace can still send without anyone reading.
	resCh := make(chan indexedResult, len(serials))

	for i, serial := range serials {
		names[i] = serial
		if d, ok := e.registry.Get(serial); ok {
			names[i] = d.DisplayName()
		}
		if _, err := e.registry.Require(serial); err != nil {
			block.Results[i] = Result{Serial: serial, Device: names[i], Command: cmd, ExitCode: 1, Err: err}
			continue
		}
		h, err := e.disp.Submit(dispatch.Task{
			Name:     fmt.Sprintf("shell: %s", truncate(cmd, 48)),
			Category: Category,
			Serial:   serial,
			Fn:       e.deviceJob(groupCtx, resCh, i, serial, names[i], cmd),
		})
		if err != nil {
			block.Results[i] = Result{Serial: serial, Device: names[i], Command: cmd, ExitCode: -1, Err: err}
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
			block.Results[r.index] = r.res
		default:
			drained = true
		}
	}

	// Jobs that never reached the runner leave their slot empty; fill
	// it from the handle.
	for i, h := range handles {
		if h == nil || block.Results[i].Command != "" {
			continue
		}
		_, herr := h.Result()
		if herr == nil {
			herr = fmt.Errorf("job did not settle")
		}
		block.Results[i] = Result{Serial: serials[i], Device: names[i], Command: cmd, ExitCode: -1, Err: herr}
	}

	block.Duration = time.Since(start)
	e.events.Publish(block)
	e.log.WithFields(logrus.Fields{
		"command":  cmd,
		"devices":  len(serials),
		"failed":   block.Failed(),
		"duration": block.Duration.Round(time.Millisecond),
	}).Info("shell command finished")
	return block, ctx.Err()
}

// deviceJob builds the dispatcher function for one device. The job
// context is bound to both the group context and the task context, so
// a group cancel and a task cancel both stop the adb child.
func (e *Executor) deviceJob(groupCtx context.Context, resCh chan<- indexedResult, index int, serial, name, cmd string) dispatch.Func {
	return func(taskCtx context.Context) (any, error) {
		jobCtx, cancel := context.WithCancel(groupCtx)
		defer cancel()
		unbind := context.AfterFunc(taskCtx, cancel)
		defer unbind()

		start := time.Now()
		lines, err := e.runner.Run(jobCtx, e.timeout, adb.Shell(serial, cmd)...)
		res := Result{
			Serial:   serial,
			Device:   name,
			Command:  cmd,
			Lines:    lines,
			Duration: time.Since(start),
			Err:      err,
		}
		if err != nil {
			res.ExitCode = exitCode(err)
		}
		resCh <- indexedResult{index: index, res: res}
		return nil, err
	}
}

// exitCode maps a runner error to the reported code: the device's own
// code when it produced one, -1 otherwise.
func exitCode(err error) int {
	var cmdErr *adb.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode
	}
	return -1
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
