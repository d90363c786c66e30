package adb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
)

// tailCapacity bounds how much trailing output is retained for
// diagnostics on failure.
const tailCapacity = 4096

// Runner executes adb commands. Implementations must be safe for use
// from multiple goroutines.
type Runner interface {
	// Run executes adb with args, capturing stdout+stderr combined and
	// split into lines. timeout <= 0 means DefaultTimeout.
	Run(ctx context.Context, timeout time.Duration, args ...string) ([]string, error)

	// Output executes adb and returns raw stdout bytes. Binary-safe:
	// stderr is kept out of the payload (screencap PNG and friends).
	Output(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error)

	// Start launches a long-lived adb child for streaming consumption
	// (logcat, screenrecord). Cancelling ctx stops the child.
	Start(ctx context.Context, args ...string) (Proc, error)
}

// ExecRunner is the production Runner over os/exec.
type ExecRunner struct {
	path string
	log  *logrus.Logger
}

// NewExecRunner wraps the adb binary at path. A nil logger falls back to
// a default logrus instance.
func NewExecRunner(path string, log *logrus.Logger) *ExecRunner {
	if log == nil {
		log = logrus.New()
	}
	return &ExecRunner{path: path, log: log}
}

// Path reports the resolved adb binary location.
func (r *ExecRunner) Path() string { return r.path }

func (r *ExecRunner) Run(ctx context.Context, timeout time.Duration, args ...string) ([]string, error) {
	var buf bytes.Buffer
	tail := newTailBuffer(tailCapacity)
	out := io.MultiWriter(&buf, tail)
	err := r.exec(ctx, timeout, args, out, out, tail)
	return SplitLines(buf.String()), err
}

func (r *ExecRunner) Output(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	var buf bytes.Buffer
	tail := newTailBuffer(tailCapacity)
	err := r.exec(ctx, timeout, args, &buf, tail, tail)
	return buf.Bytes(), err
}

func (r *ExecRunner) exec(ctx context.Context, timeout time.Duration, args []string, stdout, stderr io.Writer, tail *tailBuffer) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.path, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	cmdStr := strings.Join(args, " ")
	start := time.Now()
	r.log.WithField("cmd", cmdStr).Debug("adb run")
	err := cmd.Run()
	elapsed := time.Since(start)
	if err == nil {
		return nil
	}

	// Caller cancellation wins over our own deadline.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		r.log.WithFields(logrus.Fields{
			"cmd":     cmdStr,
			"elapsed": elapsed,
		}).Warn("adb command timed out")
		return &TimeoutError{Cmd: cmdStr, Elapsed: elapsed}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &CommandError{Cmd: cmdStr, ExitCode: exitErr.ExitCode(), Tail: tail.String()}
	}
	return fmt.Errorf("adb %s: %w", cmdStr, err)
}

// tailBuffer keeps the last capacity bytes written, dropping the oldest.
// Safe for concurrent writers (stdout and stderr pipes).
type tailBuffer struct {
	mu sync.Mutex
	rb *ringbuffer.RingBuffer
}

func newTailBuffer(capacity int) *tailBuffer {
	return &tailBuffer{rb: ringbuffer.New(capacity)}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if n > t.rb.Capacity() {
		p = p[n-t.rb.Capacity():]
	}
	if free := t.rb.Capacity() - t.rb.Length(); free < len(p) {
		drop := make([]byte, len(p)-free)
		_, _ = t.rb.TryRead(drop)
	}
	if _, err := t.rb.Write(p); err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return 0, err
	}
	// Report everything consumed so MultiWriter never short-circuits.
	return n, nil
}

// String drains and returns the retained tail, trimmed.
func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := make([]byte, t.rb.Length())
	if len(buf) == 0 {
		return ""
	}
	n, _ := t.rb.TryRead(buf)
	return strings.TrimSpace(string(buf[:n]))
}
