//go:build unix

package adb_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blacktea/internal/adb"
)

// The runner execs whatever binary it is given, so the tests drive it
// with /bin/sh instead of a real adb.
func shRunner(t *testing.T) *adb.ExecRunner {
	t.Helper()
	return adb.NewExecRunner("/bin/sh", nil)
}

func TestRunSplitsAndNormalizesLines(t *testing.T) {
	r := shRunner(t)

	lines, err := r.Run(context.Background(), 5*time.Second, "-c", `printf 'alpha\r\nbeta\ngamma\n'`)

	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, lines)
}

func TestRunCapturesStderrInterleaved(t *testing.T) {
	r := shRunner(t)

	lines, err := r.Run(context.Background(), 5*time.Second, "-c", `echo out; echo err 1>&2`)

	require.NoError(t, err)
	assert.Len(t, lines, 2)
	assert.Contains(t, lines, "out")
	assert.Contains(t, lines, "err")
}

func TestRunNonZeroExit(t *testing.T) {
	r := shRunner(t)

	_, err := r.Run(context.Background(), 5*time.Second, "-c", `echo boom 1>&2; exit 7`)

	var cerr *adb.CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 7, cerr.ExitCode)
	assert.Contains(t, cerr.Tail, "boom")
}

func TestRunTimeout(t *testing.T) {
	r := shRunner(t)

	start := time.Now()
	_, err := r.Run(context.Background(), 100*time.Millisecond, "-c", `sleep 5`)

	require.True(t, errors.Is(err, adb.ErrTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRunCallerCancellation(t *testing.T) {
	r := shRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := r.Run(ctx, 10*time.Second, "-c", `sleep 5`)

	require.ErrorIs(t, err, context.Canceled)
}

func TestOutputKeepsStderrOutOfPayload(t *testing.T) {
	r := shRunner(t)

	out, err := r.Output(context.Background(), 5*time.Second, "-c", `printf 'PNGDATA'; echo warning 1>&2`)

	require.NoError(t, err)
	assert.Equal(t, "PNGDATA", string(out))
}

func TestProcStreamsLines(t *testing.T) {
	r := shRunner(t)

	p, err := r.Start(context.Background(), "-c", `echo l1; echo l2`)
	require.NoError(t, err)

	var got []string
	for line := range p.Lines() {
		got = append(got, line)
	}
	assert.Equal(t, []string{"l1", "l2"}, got)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
}

func TestProcStopTerminatesChild(t *testing.T) {
	r := shRunner(t)

	p, err := r.Start(context.Background(), "-c", `while true; do sleep 0.1; done`)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// An exit caused by our own Stop is not an error.
	require.NoError(t, p.Wait(ctx))
}

func TestProcContextCancelStopsChild(t *testing.T) {
	r := shRunner(t)
	ctx, cancel := context.WithCancel(context.Background())

	p, err := r.Start(ctx, "-c", `while true; do sleep 0.1; done`)
	require.NoError(t, err)

	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, p.Wait(waitCtx))
}
