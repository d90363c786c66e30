// Package ptyio runs a child process on a pseudo-terminal and pumps
// bytes between that PTY and the local terminal. The interactive device
// shell rides this: adb owns the child end, the user's terminal the
// local end.
//
// The output side goes through a ring buffer so a stalled local writer
// never backpressures the child; overflow drops the newest bytes and is
// counted in Stats. All pump goroutines poll with a bounded timeout so
// cancellation is observed within one poll interval.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/blacktea/internal/groutine"
)

const (
	// DefaultPollTimeoutMs bounds how long the pump goroutines wait for
	// I/O readiness before rechecking cancellation. 25 ms keeps an
	// interactive shell under one frame of latency.
	DefaultPollTimeoutMs = 25

	// DefaultOutputCap is the ring capacity for child output.
	DefaultOutputCap = 64 * 1024

	closeGrace = 5 * time.Second
)

// Options tunes a Session. Zero values select the package defaults:
// os.Stdin/os.Stdout for the local ends, DefaultOutputCap, and
// DefaultPollTimeoutMs.
type Options struct {
	Stdin         *os.File
	Stdout        io.Writer
	OutputCap     int
	PollTimeoutMs int
	Logger        *logrus.Logger
}

// Stats are the pump counters at one instant.
type Stats struct {
	ReadBytes    uint64 // child output accepted into the ring
	WrittenBytes uint64 // local input forwarded to the child
	DroppedBytes uint64 // child output lost to ring overflow
	OutputQueued int    // bytes currently buffered
}

// Session is one child process attached to a fresh PTY, with its I/O
// pumped to the local terminal. While the session runs and the local
// input is a terminal, that terminal sits in raw mode; Close restores
// it.
type Session struct {
	cmd    *exec.Cmd
	ptmx   *os.File
	stdin  *os.File
	stdout io.Writer
	log    *logrus.Logger

	outRing  *ringbuffer.RingBuffer
	outReady chan struct{}
	pumpDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	restore func()
	pollMs  int

	closed atomic.Bool

	readBytes    atomic.Uint64
	writtenBytes atomic.Uint64
	droppedBytes atomic.Uint64
}

// Start launches cmd on a fresh PTY and begins pumping. The command
// must not have its stdio assigned; the PTY slave becomes all three.
func Start(cmd *exec.Cmd, opts *Options) (*Session, error) {
	if cmd == nil {
		return nil, fmt.Errorf("ptyio: command is nil")
	}
	if opts == nil {
		opts = &Options{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	var stdout io.Writer = opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	outputCap := opts.OutputCap
	if outputCap <= 0 {
		outputCap = DefaultOutputCap
	}
	pollMs := opts.PollTimeoutMs
	if pollMs <= 0 {
		pollMs = DefaultPollTimeoutMs
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start on pty: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cmd:      cmd,
		ptmx:     ptmx,
		stdin:    stdin,
		stdout:   stdout,
		log:      logger,
		outRing:  ringbuffer.New(outputCap),
		outReady: make(chan struct{}, 1),
		pumpDone: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		pollMs:   pollMs,
	}

	if term.IsTerminal(int(stdin.Fd())) {
		state, err := term.MakeRaw(int(stdin.Fd()))
		if err != nil {
			_ = ptmx.Close()
			cancel()
			return nil, fmt.Errorf("raw mode: %w", err)
		}
		s.restore = func() { _ = term.Restore(int(stdin.Fd()), state) }
		// Carry the terminal geometry over before the shell draws its
		// first prompt.
		_ = s.Resize()
	}

	s.wg.Add(3)
	groutine.Go(ctx, "pty-input-pump", func(context.Context) { s.inputPump() })
	groutine.Go(ctx, "pty-output-pump", func(context.Context) { s.outputPump() })
	groutine.Go(ctx, "pty-output-drain", func(context.Context) { s.outputDrain() })

	return s, nil
}

// Resize propagates the local terminal size to the child PTY. Callers
// hook it to SIGWINCH; the initial size is synced at start.
func (s *Session) Resize() error {
	return pty.InheritSize(s.stdin, s.ptmx)
}

// Wait blocks until the child exits or ctx cancels. A cancelled wait
// kills the child first so the reaped exit is never leaked. The child's
// own exit error comes back as-is.
func (s *Session) Wait(ctx context.Context) error {
	waitErr := make(chan error, 1)
	go func() { waitErr <- s.cmd.Wait() }()

	select {
	case err := <-waitErr:
		return err
	case <-ctx.Done():
		_ = s.cmd.Process.Kill()
		<-waitErr
		return ctx.Err()
	}
}

// Stats returns the pump counters.
func (s *Session) Stats() Stats {
	return Stats{
		ReadBytes:    s.readBytes.Load(),
		WrittenBytes: s.writtenBytes.Load(),
		DroppedBytes: s.droppedBytes.Load(),
		OutputQueued: s.outRing.Length(),
	}
}

// Close restores the terminal, stops the pumps, and releases the PTY.
// A still-running child is killed. Safe to call more than once.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.cancel()
	if s.restore != nil {
		s.restore()
	}
	if s.cmd.Process != nil && s.cmd.ProcessState == nil {
		_ = s.cmd.Process.Kill()
	}

	// Closing the master unblocks any pump sitting in a read with EBADF.
	err := s.ptmx.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeGrace):
		s.log.Warn("pty pumps did not stop in time")
	}
	return err
}

// inputPump moves local input to the child. Polling instead of a
// blocking read keeps the goroutine cancellable without touching the
// flags of a shared stdin fd.
func (s *Session) inputPump() {
	defer s.wg.Done()

	fd := int32(s.stdin.Fd())
	pollFd := []unix.PollFd{{Fd: fd, Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		nReady, err := unix.Poll(pollFd, s.pollMs)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			s.log.WithError(err).Warn("input poll failed")
			return
		}
		if nReady == 0 {
			continue
		}

		n, err := s.stdin.Read(buf)
		if n > 0 {
			if _, werr := s.ptmx.Write(buf[:n]); werr != nil {
				return
			}
			s.writtenBytes.Add(uint64(n))
		}
		if err != nil {
			if errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) {
				continue
			}
			// EOF: the local side hung up; the child keeps running
			// until it exits or the session closes.
			return
		}
	}
}

// outputPump moves child output into the ring. EIO is the normal
// Linux signal that the child exited and the slave side closed.
func (s *Session) outputPump() {
	defer s.wg.Done()
	defer close(s.pumpDone)

	fd := int32(s.ptmx.Fd())
	pollFd := []unix.PollFd{{Fd: fd, Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		nReady, err := unix.Poll(pollFd, s.pollMs)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			s.log.WithError(err).Warn("output poll failed")
			return
		}
		if nReady == 0 {
			continue
		}

		n, err := s.ptmx.Read(buf)
		if n > 0 {
			written, werr := s.outRing.Write(buf[:n])
			if werr != nil && !errors.Is(werr, ringbuffer.ErrIsFull) {
				s.log.WithError(werr).Warn("output buffer write failed")
				return
			}
			if written < n {
				s.droppedBytes.Add(uint64(n - written))
			}
			if written > 0 {
				s.readBytes.Add(uint64(written))
				s.notifyOutput()
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK), errors.Is(err, syscall.EINTR):
				continue
			default:
				return
			}
		}
	}
}

// outputDrain writes ring contents to the local output. After the pump
// exits it makes one final sweep so the child's last bytes land.
func (s *Session) outputDrain() {
	defer s.wg.Done()

	buf := make([]byte, 4096)
	for {
		n, err := s.outRing.TryRead(buf)
		if n > 0 {
			if _, werr := s.stdout.Write(buf[:n]); werr != nil {
				s.log.WithError(werr).Warn("local output write failed")
				return
			}
			continue
		}
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			return
		}

		select {
		case <-s.outReady:
		case <-s.pumpDone:
			if s.outRing.Length() == 0 {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) notifyOutput() {
	select {
	case s.outReady <- struct{}{}:
	default:
	}
}
