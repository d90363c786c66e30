package adb

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blacktea/internal/groutine"
)

// stopGrace is how long Stop waits for a signalled child to flush and
// exit before escalating to SIGKILL. screenrecord needs the grace period
// to finalize its mp4 container.
const stopGrace = 2 * time.Second

// Proc is a long-lived adb child consumed line by line (logcat,
// screenrecord).
type Proc interface {
	// Lines delivers stdout lines with trailing CR stripped. The channel
	// closes when the child's output ends.
	Lines() <-chan string

	// Stop signals the child to terminate: SIGINT first, SIGKILL after a
	// grace period. Unread output is drained and discarded.
	Stop()

	// Wait blocks until the child is reaped. nil for a clean exit,
	// CommandError for an abnormal one. A child that exited because of
	// our own Stop reports nil; once asked to die its status is noise.
	Wait(ctx context.Context) error
}

type execProc struct {
	cmd    *exec.Cmd
	cmdStr string
	log    *logrus.Logger
	stdout io.ReadCloser
	tail   *tailBuffer

	lines chan string

	stopOnce sync.Once
	stopped  chan struct{}

	done    chan struct{}
	waitErr error
}

func (r *ExecRunner) Start(ctx context.Context, args ...string) (Proc, error) {
	cmdStr := strings.Join(args, " ")
	cmd := exec.Command(r.path, args...)
	tail := newTailBuffer(tailCapacity)
	cmd.Stderr = tail
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("adb %s: stdout pipe: %w", cmdStr, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("adb %s: %w", cmdStr, err)
	}
	p := &execProc{
		cmd:     cmd,
		cmdStr:  cmdStr,
		log:     r.log,
		stdout:  stdout,
		tail:    tail,
		lines:   make(chan string, 256),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	r.log.WithFields(logrus.Fields{
		"cmd": cmdStr,
		"pid": cmd.Process.Pid,
	}).Debug("adb streaming child started")

	groutine.Go(context.Background(), "adb-proc-read", func(context.Context) {
		p.readLoop()
	})
	if ctx != nil && ctx.Done() != nil {
		groutine.Go(context.Background(), "adb-proc-ctx", func(context.Context) {
			select {
			case <-ctx.Done():
				p.Stop()
			case <-p.done:
			}
		})
	}
	return p, nil
}

func (p *execProc) Lines() <-chan string { return p.lines }

func (p *execProc) readLoop() {
	sc := bufio.NewScanner(p.stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		select {
		case <-p.stopped:
			continue // draining; the consumer is gone
		default:
		}
		select {
		case p.lines <- line:
		case <-p.stopped:
		}
	}
	if err := sc.Err(); err != nil {
		p.log.WithField("cmd", p.cmdStr).WithError(err).Debug("adb stream read ended")
	}
	close(p.lines)
	p.reap()
}

func (p *execProc) reap() {
	err := p.cmd.Wait()
	select {
	case <-p.stopped:
		err = nil
	default:
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = &CommandError{Cmd: p.cmdStr, ExitCode: exitErr.ExitCode(), Tail: p.tail.String()}
		} else {
			err = fmt.Errorf("adb %s: %w", p.cmdStr, err)
		}
	}
	p.waitErr = err
	close(p.done)
}

func (p *execProc) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopped)
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(syscall.SIGINT)
		}
		groutine.Go(context.Background(), "adb-proc-kill", func(context.Context) {
			select {
			case <-p.done:
			case <-time.After(stopGrace):
				p.log.WithField("cmd", p.cmdStr).Warn("adb child ignored SIGINT, killing")
				if p.cmd.Process != nil {
					_ = p.cmd.Process.Kill()
				}
			}
		})
	})
}

func (p *execProc) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-p.done:
		return p.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
