package recording_test

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blacktea/internal/adb"
	"github.com/srg/blacktea/internal/recording"
	"github.com/srg/blacktea/internal/testutils"
)

func fastOpts() *recording.Options {
	return &recording.Options{
		SegmentCap:        150 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: 25 * time.Millisecond,
		StartRetries:      2,
		StartRetryDelay:   10 * time.Millisecond,
		StopRetries:       3,
		StopRetryDelay:    30 * time.Millisecond,
		PullRetries:       3,
		PullRetryDelay:    10 * time.Millisecond,
		Namer:             func(serial string) string { return "Pixel-" + serial },
	}
}

func newCoordinator(t *testing.T, runner adb.Runner, opts *recording.Options) (*recording.Coordinator, *testutils.EventRecorder[recording.Event]) {
	t.Helper()
	c := recording.New(runner, testutils.NewTestLogger(), opts)
	sub := c.Subscribe(256)
	rec := testutils.RecordEvents(sub.C())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c, rec
}

func TestSegmentRotationAndUserStop(t *testing.T) {
	runner := testutils.NewScriptedRunner()
	out := t.TempDir()

	p1 := testutils.NewScriptedProc()
	p2 := testutils.NewScriptedProc()
	runner.Stub("-s S1 shell screenrecord /sdcard/record_part01.mp4", testutils.ScriptedResponse{Proc: p1})
	runner.Stub("-s S1 shell screenrecord /sdcard/record_part02.mp4", testutils.ScriptedResponse{Proc: p2})
	runner.StubPrefix("-s S1 pull", testutils.ScriptedResponse{})
	runner.StubPrefix("-s S1 shell rm", testutils.ScriptedResponse{})

	c, rec := newCoordinator(t, runner, fastOpts())
	require.NoError(t, c.Start(context.Background(), []string{"S1"}, out))
	require.True(t, c.IsRecording("S1"))

	// Heartbeats pace the first segment before it rotates at the cap.
	hb, ok := rec.WaitFor(2*time.Second, func(ev recording.Event) bool {
		return ev.Type == recording.Heartbeat && ev.Serial == "S1"
	})
	require.True(t, ok, "no heartbeat observed")
	assert.Equal(t, 1, hb.SegmentIndex)

	seg1, ok := rec.WaitFor(2*time.Second, func(ev recording.Event) bool {
		return ev.Type == recording.SegmentCompleted && ev.SegmentIndex == 1
	})
	require.True(t, ok, "segment 1 never completed")
	assert.Equal(t, recording.OriginInternal, seg1.Origin)
	assert.Equal(t, "record_part01.mp4", seg1.SegmentFile)
	assert.Equal(t, "Pixel-S1", seg1.DeviceName)
	assert.Equal(t, filepath.Join(out, "S1"), seg1.OutputPath)
	assert.GreaterOrEqual(t, seg1.Duration, 150*time.Millisecond)
	assert.Equal(t, seg1.Duration, seg1.TotalDuration)

	// The session rolled into segment 2; stop it mid flight.
	time.Sleep(30 * time.Millisecond)
	snap := c.Sessions()
	require.Len(t, snap, 1)
	assert.GreaterOrEqual(t, snap[0].Segments, 1)
	assert.GreaterOrEqual(t, snap[0].Display, seg1.TotalDuration)

	require.NoError(t, c.Stop([]string{"S1"}))
	seg2, ok := rec.WaitFor(2*time.Second, func(ev recording.Event) bool {
		return ev.Type == recording.SegmentCompleted && ev.SegmentIndex == 2
	})
	require.True(t, ok, "segment 2 never completed")
	assert.Equal(t, recording.OriginUser, seg2.Origin)
	assert.Equal(t, "record_part02.mp4", seg2.SegmentFile)
	assert.Greater(t, seg2.TotalDuration, seg1.TotalDuration)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitIdle(ctx, []string{"S1"}))
	assert.False(t, c.IsRecording("S1"))
	assert.Empty(t, c.ActiveSerials())

	assert.Equal(t, 2, runner.CallCount("-s S1 pull"))
	assert.Equal(t, 2, runner.CallCount("-s S1 shell rm"))
	found := false
	for _, call := range runner.Calls() {
		if call == "-s S1 pull /sdcard/record_part01.mp4 "+filepath.Join(out, "S1", "record_part01.mp4") {
			found = true
		}
	}
	assert.True(t, found, "segment must be pulled into the per-serial directory")
}

func TestStartRefusesBusySerials(t *testing.T) {
	runner := testutils.NewScriptedRunner()
	p1 := testutils.NewScriptedProc()
	runner.Stub("-s S1 shell screenrecord /sdcard/record_part01.mp4", testutils.ScriptedResponse{Proc: p1})
	runner.StubPrefix("-s S1 pull", testutils.ScriptedResponse{})
	runner.StubPrefix("-s S1 shell rm", testutils.ScriptedResponse{})

	opts := fastOpts()
	opts.SegmentCap = time.Hour
	c, _ := newCoordinator(t, runner, opts)
	require.NoError(t, c.Start(context.Background(), []string{"S1"}, t.TempDir()))

	err := c.Start(context.Background(), []string{"S1", "S2"}, t.TempDir())
	require.Error(t, err)
	var busy *recording.InProgressError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, []string{"S1"}, busy.Serials)
	assert.True(t, c.IsRecording("S1"), "existing session must be untouched")
	assert.False(t, c.IsRecording("S2"), "all-or-nothing start must not begin S2")
	assert.Equal(t, 0, runner.CallCount("-s S2"))
}

func TestStopWhenNotRecordingWarnsOnce(t *testing.T) {
	runner := testutils.NewScriptedRunner()
	c, rec := newCoordinator(t, runner, fastOpts())

	require.NoError(t, c.Stop([]string{"GHOST"}))
	ev, ok := rec.WaitFor(time.Second, func(ev recording.Event) bool {
		return ev.Type == recording.RecordingWarning && ev.Serial == "GHOST"
	})
	require.True(t, ok, "expected a warning event")
	assert.Equal(t, "device is not recording", ev.Message)
	assert.Empty(t, runner.Calls(), "a no-op stop must not touch adb")
}

func TestStartRetriesExhaustedEmitError(t *testing.T) {
	runner := testutils.NewScriptedRunner()
	boom := &adb.CommandError{Cmd: "shell screenrecord", ExitCode: 1, Tail: "screenrecord: not found"}
	runner.Stub("-s S1 shell screenrecord /sdcard/record_part01.mp4",
		testutils.ScriptedResponse{Err: boom},
		testutils.ScriptedResponse{Err: boom},
	)

	c, rec := newCoordinator(t, runner, fastOpts())
	require.NoError(t, c.Start(context.Background(), []string{"S1"}, t.TempDir()))

	ev, ok := rec.WaitFor(2*time.Second, func(ev recording.Event) bool {
		return ev.Type == recording.RecordingError && ev.Serial == "S1"
	})
	require.True(t, ok, "expected an error event after retry exhaustion")
	assert.Equal(t, 1, ev.SegmentIndex)
	assert.Contains(t, ev.Message, "start segment 1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitIdle(ctx, nil))
	assert.False(t, c.IsRecording("S1"), "failed session must go inactive")
	assert.Equal(t, 2, runner.CallCount("-s S1 shell screenrecord"))
}

func TestPullRetriesUntilSuccess(t *testing.T) {
	runner := testutils.NewScriptedRunner()
	out := t.TempDir()
	p1 := testutils.NewScriptedProc()
	runner.Stub("-s S1 shell screenrecord /sdcard/record_part01.mp4", testutils.ScriptedResponse{Proc: p1})
	pullErr := &adb.CommandError{Cmd: "pull", ExitCode: 1, Tail: "error: device offline"}
	runner.Stub(
		"-s S1 pull /sdcard/record_part01.mp4 "+filepath.Join(out, "S1", "record_part01.mp4"),
		testutils.ScriptedResponse{Err: pullErr},
		testutils.ScriptedResponse{Err: pullErr},
		testutils.ScriptedResponse{},
	)
	runner.StubPrefix("-s S1 shell rm", testutils.ScriptedResponse{})

	c, rec := newCoordinator(t, runner, fastOpts())
	require.NoError(t, c.Start(context.Background(), []string{"S1"}, out))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Stop([]string{"S1"}))

	seg, ok := rec.WaitFor(2*time.Second, func(ev recording.Event) bool {
		return ev.Type == recording.SegmentCompleted && ev.SegmentIndex == 1
	})
	require.True(t, ok, "segment must complete once the pull succeeds")
	assert.Equal(t, recording.OriginUser, seg.Origin)
	assert.Equal(t, 3, runner.CallCount("-s S1 pull"))
	assert.Equal(t, 1, runner.CallCount("-s S1 shell rm"))
}

// stuckProc ignores stop requests until the test releases it.
type stuckProc struct {
	stops atomic.Int32
	lines chan string
	done  chan struct{}
}

func newStuckProc() *stuckProc {
	return &stuckProc{lines: make(chan string), done: make(chan struct{})}
}

func (p *stuckProc) Lines() <-chan string { return p.lines }
func (p *stuckProc) Stop()                { p.stops.Add(1) }
func (p *stuckProc) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestStuckChildExhaustsStopRetries(t *testing.T) {
	runner := testutils.NewScriptedRunner()
	stuck := newStuckProc()
	defer close(stuck.done)
	runner.Stub("-s S1 shell screenrecord /sdcard/record_part01.mp4", testutils.ScriptedResponse{Proc: stuck})

	opts := fastOpts()
	opts.SegmentCap = 40 * time.Millisecond
	c, rec := newCoordinator(t, runner, opts)
	require.NoError(t, c.Start(context.Background(), []string{"S1"}, t.TempDir()))

	ev, ok := rec.WaitFor(3*time.Second, func(ev recording.Event) bool {
		return ev.Type == recording.RecordingError && ev.Serial == "S1"
	})
	require.True(t, ok, "expected an error event for the stuck child")
	assert.Contains(t, ev.Message, "did not exit")
	assert.Equal(t, int32(opts.StopRetries), stuck.stops.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitIdle(ctx, nil))
	assert.Equal(t, 0, runner.CallCount("-s S1 pull"), "a segment that never flushed must not be pulled")
}

func TestTCPSerialDirectoryIsSanitized(t *testing.T) {
	runner := testutils.NewScriptedRunner()
	out := t.TempDir()
	p1 := testutils.NewScriptedProc()
	runner.StubPrefix("-s 10.0.0.9:5555 shell screenrecord", testutils.ScriptedResponse{Proc: p1})
	runner.StubPrefix("-s 10.0.0.9:5555 pull", testutils.ScriptedResponse{})
	runner.StubPrefix("-s 10.0.0.9:5555 shell rm", testutils.ScriptedResponse{})

	opts := fastOpts()
	opts.SegmentCap = time.Hour
	c, _ := newCoordinator(t, runner, opts)
	require.NoError(t, c.Start(context.Background(), []string{"10.0.0.9:5555"}, out))

	info, err := os.Stat(filepath.Join(out, "10.0.0.9_5555"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, c.Stop(nil))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitIdle(ctx, nil))
}

func TestInProgressErrorMessages(t *testing.T) {
	busy := &recording.InProgressError{Serials: []string{"S1", "S2"}}
	assert.Equal(t, "recording already active on S1, S2", busy.Error())

	start := &recording.InProgressError{Kind: "start", Serials: []string{"S1"}}
	assert.Contains(t, start.Error(), "start is already in progress")

	stop := &recording.InProgressError{Kind: "stop", Serials: []string{"S1"}}
	assert.Contains(t, stop.Error(), "stop is already in progress")

	assert.ErrorIs(t, error(busy), &recording.InProgressError{})
	assert.ErrorIs(t, error(start), &recording.InProgressError{Kind: "start"})
	assert.NotErrorIs(t, error(start), &recording.InProgressError{Kind: "stop"})
}
