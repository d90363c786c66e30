package ptyio_test

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blacktea/internal/ptyio"
	"github.com/srg/blacktea/internal/testutils"
)

// syncBuffer lets the drain goroutine and the test body share output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type sessionFixture struct {
	sess   *ptyio.Session
	out    *syncBuffer
	feedW  *os.File
	closed bool
}

func startSession(t *testing.T, argv ...string) *sessionFixture {
	t.Helper()

	feedR, feedW, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = feedR.Close()
		_ = feedW.Close()
	})

	out := &syncBuffer{}
	sess, err := ptyio.Start(exec.Command(argv[0], argv[1:]...), &ptyio.Options{
		Stdin:  feedR,
		Stdout: out,
		Logger: testutils.NewTestLogger(),
	})
	require.NoError(t, err)

	f := &sessionFixture{sess: sess, out: out, feedW: feedW}
	t.Cleanup(f.close)
	return f
}

func (f *sessionFixture) close() {
	if f.closed {
		return
	}
	f.closed = true
	_ = f.sess.Close()
}

func TestStartRejectsNilCommand(t *testing.T) {
	_, err := ptyio.Start(nil, nil)
	assert.ErrorContains(t, err, "command is nil")
}

func TestSessionPumpsChildOutput(t *testing.T) {
	f := startSession(t, "sh", "-c", "echo ready")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.sess.Wait(ctx))

	// Close joins the pumps, so the buffer is complete afterwards.
	f.close()
	assert.Contains(t, f.out.String(), "ready")

	stats := f.sess.Stats()
	assert.Positive(t, stats.ReadBytes)
	assert.Zero(t, stats.DroppedBytes)
}

func TestSessionForwardsLocalInput(t *testing.T) {
	f := startSession(t, "sh", "-c", `read line; echo "got:$line"`)

	_, err := f.feedW.Write([]byte("hello\n"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.sess.Wait(ctx))

	f.close()
	assert.Contains(t, f.out.String(), "got:hello")
	assert.Positive(t, f.sess.Stats().WrittenBytes)
}

func TestWaitKillsChildOnContextCancel(t *testing.T) {
	f := startSession(t, "sleep", "30")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	started := time.Now()
	err := f.sess.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 5*time.Second, "kill must not wait for the child's own exit")
}

func TestCloseKillsRunningChild(t *testing.T) {
	f := startSession(t, "sleep", "30")

	f.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := f.sess.Wait(ctx)
	require.Error(t, err, "a killed child reports its signal exit")
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseIsIdempotent(t *testing.T) {
	f := startSession(t, "sh", "-c", "echo done")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = f.sess.Wait(ctx)

	f.close()
	assert.NoError(t, f.sess.Close())
}

func TestOutputSurvivesFastExit(t *testing.T) {
	// The child writes and exits immediately; the final drain sweep
	// must still deliver every line.
	f := startSession(t, "sh", "-c", "for i in 1 2 3 4 5; do echo line$i; done")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.sess.Wait(ctx))

	f.close()
	got := f.out.String()
	for _, want := range []string{"line1", "line3", "line5"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}
