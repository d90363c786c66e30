package adb

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors.
var (
	// ErrNotFound means no adb binary could be located. Fatal at the
	// startup gate; services refuse to start without it.
	ErrNotFound = errors.New("adb binary not found")

	// ErrTimeout matches any TimeoutError via errors.Is.
	ErrTimeout = errors.New("adb command timed out")
)

// TimeoutError reports a command that exceeded its budget.
type TimeoutError struct {
	Cmd     string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("adb %s: timed out after %s", e.Cmd, e.Elapsed.Round(time.Millisecond))
}

// Is allows errors.Is(err, ErrTimeout) without knowing the concrete type.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// CommandError reports a child that exited with a non-zero code. Tail
// holds the last captured output for diagnosis; Error() keeps it to a
// single line, the full tail stays retrievable from the struct.
type CommandError struct {
	Cmd      string
	ExitCode int
	Tail     string
}

func (e *CommandError) Error() string {
	if e.Tail == "" {
		return fmt.Sprintf("adb %s: exit status %d", e.Cmd, e.ExitCode)
	}
	return fmt.Sprintf("adb %s: exit status %d: %s", e.Cmd, e.ExitCode, lastLine(e.Tail))
}

// Is compares CommandError values by exit code when the target carries
// one, so callers can match a specific code with a prototype value.
func (e *CommandError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*CommandError)
	if !ok {
		return false
	}
	return t.ExitCode == 0 || t.ExitCode == e.ExitCode
}

// ParseError reports parser input in an unexpected format. It is logged
// at debug level with the offending text and never aborts a pipeline.
type ParseError struct {
	Context string
	Raw     string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: unexpected input: %q", e.Context, e.Raw)
}

// serverFailureNeedles match client output emitted when the host adb
// server itself is gone, as opposed to the device command failing.
var serverFailureNeedles = []string{
	"cannot connect to daemon",
	"server died",
	"adb server is out of date",
	"protocol fault",
	"connection reset by peer",
}

// IsServerFailure reports whether err looks like the shared adb server
// dying rather than a per-device failure. Callers get one implicit
// kill-server/start-server recovery before the error surfaces.
func IsServerFailure(err error) bool {
	var cerr *CommandError
	if !errors.As(err, &cerr) {
		return false
	}
	tail := strings.ToLower(cerr.Tail)
	for _, needle := range serverFailureNeedles {
		if strings.Contains(tail, needle) {
			return true
		}
	}
	return false
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
