package fleet_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blacktea/internal/adb"
	"github.com/srg/blacktea/internal/config"
	"github.com/srg/blacktea/internal/console"
	"github.com/srg/blacktea/internal/dispatch"
	"github.com/srg/blacktea/internal/fileops"
	"github.com/srg/blacktea/internal/opstatus"
	"github.com/srg/blacktea/internal/registry"
	"github.com/srg/blacktea/internal/testutils"
	"github.com/srg/blacktea/pkg/fleet"
)

const waitBudget = 2 * time.Second

type harness struct {
	ctrl   *fleet.Controller
	runner *testutils.ScriptedRunner
	store  *config.Store
	outDir string
}

// stubDiscovery makes the startup sequence answerable: the server
// liveness round and the discovery listing.
func stubDiscovery(runner *testutils.ScriptedRunner, rows ...string) {
	runner.StubLines("start-server")
	runner.StubLines("devices -l", append([]string{"List of devices attached"}, rows...)...)
}

// twoDeviceRunner scripts a fleet of one ready and one unauthorized
// device. The shell prefixes absorb the identity and attribute probes.
func twoDeviceRunner() *testutils.ScriptedRunner {
	runner := testutils.NewScriptedRunner()
	stubDiscovery(runner,
		"S1 device usb:1-1 product:panther model:Pixel_7 device:panther transport_id:1",
		"S2 unauthorized usb:1-2 transport_id:2",
	)
	runner.StubPrefix("-s S1 shell ")
	runner.StubPrefix("-s S2 shell ")
	return runner
}

func newStore(t *testing.T) *config.Store {
	t.Helper()
	store := config.NewStore(filepath.Join(t.TempDir(), "settings.json"), testutils.NewTestLogger())
	require.NoError(t, store.Load())
	return store
}

func newHarness(t *testing.T, runner *testutils.ScriptedRunner) *harness {
	t.Helper()
	outDir := t.TempDir()
	store := newStore(t)
	require.NoError(t, store.Mutate(func(s *config.Settings) {
		s.Output.ScreenshotDir = filepath.Join(outDir, "screenshots")
		s.Output.RecordingDir = filepath.Join(outDir, "recordings")
		s.Output.BugReportDir = filepath.Join(outDir, "bugreports")
	}))

	ctrl, err := fleet.New(fleet.Options{
		Logger:          testutils.NewTestLogger(),
		Config:          store,
		Runner:          runner,
		Workers:         2,
		PollInterval:    time.Minute,
		RefreshInterval: time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(func() { _ = ctrl.Shutdown(2 * time.Second) })

	return &harness{ctrl: ctrl, runner: runner, store: store, outDir: outDir}
}

func waitDevices(t *testing.T, ctrl *fleet.Controller, n int) {
	t.Helper()
	deadline := time.Now().Add(waitBudget)
	for time.Now().Before(deadline) {
		if len(ctrl.Devices()) >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("registry never reached %d devices", n)
}

func waitForOp(t *testing.T, ctrl *fleet.Controller, pred func(opstatus.Operation) bool) {
	t.Helper()
	deadline := time.Now().Add(waitBudget)
	for time.Now().Before(deadline) {
		for _, op := range ctrl.Operations().Operations() {
			if pred(op) {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("operation row never reached the expected state")
}

func TestStartFailsWhenAdbServerUnavailable(t *testing.T) {
	runner := testutils.NewScriptedRunner()
	runner.Stub("start-server", testutils.ScriptedResponse{Err: errors.New("cannot connect to daemon")})

	ctrl, err := fleet.New(fleet.Options{
		Logger: testutils.NewTestLogger(),
		Config: newStore(t),
		Runner: runner,
	})
	require.NoError(t, err)

	err = ctrl.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adb server")

	_, err = ctrl.RunShell(context.Background(), []string{"S1"}, "id")
	assert.ErrorIs(t, err, fleet.ErrNotStarted)
}

func TestDiscoveryFeedsRegistryAndConsole(t *testing.T) {
	runner := twoDeviceRunner()
	ctrl, err := fleet.New(fleet.Options{
		Logger:          testutils.NewTestLogger(),
		Config:          newStore(t),
		Runner:          runner,
		PollInterval:    time.Minute,
		RefreshInterval: time.Minute,
	})
	require.NoError(t, err)

	logs := ctrl.Bus().Logs(64)
	rec := testutils.RecordEvents(logs.C())

	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(func() { _ = ctrl.Shutdown(2 * time.Second) })

	waitDevices(t, ctrl, 2)
	states := map[string]adb.DeviceState{}
	for _, d := range ctrl.Devices() {
		states[d.Serial] = d.State
	}
	assert.Equal(t, adb.StateDevice, states["S1"])
	assert.Equal(t, adb.StateUnauthorized, states["S2"])

	_, ok := rec.WaitFor(waitBudget, func(r console.LogRecord) bool {
		return r.Source == console.SourceSystem && strings.Contains(r.Line, "device connected: S1")
	})
	assert.True(t, ok, "console never saw the connect line")
}

func TestRunShellRecordsHistoryAndOperationRow(t *testing.T) {
	runner := twoDeviceRunner()
	runner.StubLines("-s S1 shell getprop ro.serialno", "S1")
	h := newHarness(t, runner)
	waitDevices(t, h.ctrl, 2)

	block, err := h.ctrl.RunShell(context.Background(), []string{"S1"}, "getprop ro.serialno")
	require.NoError(t, err)
	require.Len(t, block.Results, 1)
	assert.Equal(t, []string{"S1"}, block.Results[0].Lines)
	assert.Zero(t, block.Failed())

	assert.Equal(t, []string{"getprop ro.serialno"}, h.store.Settings().CommandHistory)

	waitForOp(t, h.ctrl, func(op opstatus.Operation) bool {
		return op.Type == opstatus.TypeShellCommand &&
			op.Serial == "S1" &&
			op.Status == opstatus.Completed
	})
}

func TestResolveTargetsGroupsAndAll(t *testing.T) {
	h := newHarness(t, twoDeviceRunner())
	waitDevices(t, h.ctrl, 2)

	require.NoError(t, h.store.SetGroup("lab", []string{"S2", "GHOST"}))
	require.NoError(t, h.store.SetGroup("stale", []string{"GHOST"}))

	got, err := h.ctrl.ResolveTargets(nil, []string{"lab"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"S2"}, got, "stale group members drop out")

	got, err = h.ctrl.ResolveTargets([]string{"S1"}, []string{"lab"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"S1", "S2"}, got)

	got, err = h.ctrl.ResolveTargets(nil, nil, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"S1", "S2"}, got, "empty selection means everything")

	_, err = h.ctrl.ResolveTargets(nil, []string{"nope"}, false)
	assert.ErrorContains(t, err, "unknown device group")

	_, err = h.ctrl.ResolveTargets(nil, []string{"stale"}, false)
	assert.ErrorIs(t, err, fleet.ErrNoDevices)
}

func TestInstallAPKChecksSuccessMarker(t *testing.T) {
	runner := testutils.NewScriptedRunner()
	stubDiscovery(runner,
		"S1 device product:a model:A device:a transport_id:1",
		"S3 device product:b model:B device:b transport_id:2",
	)
	runner.StubPrefix("-s S1 shell ")
	runner.StubPrefix("-s S3 shell ")
	h := newHarness(t, runner)
	waitDevices(t, h.ctrl, 2)

	apk := filepath.Join(t.TempDir(), "app.apk")
	require.NoError(t, os.WriteFile(apk, []byte("not a real apk"), 0o644))
	runner.StubLines("-s S1 install "+apk, "Performing Streamed Install", "Success")
	runner.StubLines("-s S3 install "+apk, "Performing Streamed Install", "Failure [INSTALL_FAILED_OLDER_SDK]")

	results, err := h.ctrl.InstallAPK(context.Background(), []string{"S1", "S3"}, apk)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	require.Error(t, results[1].Err)
	assert.Contains(t, results[1].Err.Error(), "did not report success")
	assert.Equal(t, 1, fleet.FailedCount(results))

	_, err = h.ctrl.InstallAPK(context.Background(), []string{"S1"}, filepath.Join(t.TempDir(), "missing.apk"))
	assert.Error(t, err)
}

func TestRebootValidatesModeAndSkipsUnavailable(t *testing.T) {
	runner := twoDeviceRunner()
	runner.StubLines("-s S1 reboot recovery")
	h := newHarness(t, runner)
	waitDevices(t, h.ctrl, 2)

	results, err := h.ctrl.Reboot(context.Background(), []string{"S1", "S2"}, "recovery")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	var unavail *registry.UnavailableError
	assert.ErrorAs(t, results[1].Err, &unavail)
	assert.Equal(t, 1, fleet.FailedCount(results))

	_, err = h.ctrl.Reboot(context.Background(), []string{"S1"}, "warpspeed")
	assert.ErrorContains(t, err, "unknown reboot mode")
}

func TestTakeScreenshotDefaultsToConfiguredDir(t *testing.T) {
	runner := twoDeviceRunner()
	png := append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, []byte("img")...)
	runner.Stub("-s S1 exec-out screencap -p", testutils.ScriptedResponse{Raw: png})
	h := newHarness(t, runner)
	waitDevices(t, h.ctrl, 2)

	sum, err := h.ctrl.TakeScreenshot(context.Background(), []string{"S1"}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
	require.Len(t, sum.Results, 1)
	require.Len(t, sum.Results[0].Paths, 1)
	path := sum.Results[0].Paths[0]
	assert.True(t, strings.HasPrefix(path, filepath.Join(h.outDir, "screenshots")),
		"screenshot landed outside the configured dir: %s", path)
	assert.FileExists(t, path)
}

func TestStartRecordingRejectsUnavailableSelection(t *testing.T) {
	h := newHarness(t, twoDeviceRunner())
	waitDevices(t, h.ctrl, 2)

	err := h.ctrl.StartRecording([]string{"S2"}, "")
	assert.ErrorIs(t, err, fleet.ErrNoDevices)
	assert.Empty(t, h.ctrl.ActiveRecordings())

	// Stopping a device that never recorded is a warning, not an error.
	assert.NoError(t, h.ctrl.StopRecording(context.Background(), []string{"S1"}))
}

func TestExportDeviceInfoUsesRegistrySnapshot(t *testing.T) {
	h := newHarness(t, twoDeviceRunner())
	waitDevices(t, h.ctrl, 2)

	path := filepath.Join(t.TempDir(), "report.json")
	out, err := h.ctrl.ExportDeviceInfo(nil, fileops.FormatJSON, path)
	require.NoError(t, err)
	assert.Equal(t, path, out)
	assert.FileExists(t, path)

	_, err = h.ctrl.ExportDeviceInfo([]string{"GHOST"}, fileops.FormatJSON, path)
	assert.ErrorIs(t, err, fleet.ErrNoDevices)
}

func TestBluetoothServiceSharedPerSerial(t *testing.T) {
	h := newHarness(t, twoDeviceRunner())
	waitDevices(t, h.ctrl, 2)

	svc1, err := h.ctrl.BluetoothService("S1")
	require.NoError(t, err)
	svc2, err := h.ctrl.BluetoothService("S1")
	require.NoError(t, err)
	assert.Same(t, svc1, svc2)

	_, err = h.ctrl.BluetoothService("GHOST")
	var unavail *registry.UnavailableError
	assert.ErrorAs(t, err, &unavail)
}

func TestLaunchScrcpyTracksProcess(t *testing.T) {
	h := newHarness(t, twoDeviceRunner())
	waitDevices(t, h.ctrl, 2)

	binDir := t.TempDir()
	fake := filepath.Join(binDir, "scrcpy")
	require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	t.Setenv("PATH", binDir)

	require.NoError(t, h.ctrl.LaunchScrcpy("S1"))
	waitForOp(t, h.ctrl, func(op opstatus.Operation) bool {
		return op.Type == opstatus.TypeScrcpy && op.Status == opstatus.Completed
	})

	t.Setenv("PATH", t.TempDir())
	err := h.ctrl.LaunchScrcpy("S1")
	assert.ErrorContains(t, err, "scrcpy not found")
}

func TestShutdownIsIdempotent(t *testing.T) {
	h := newHarness(t, twoDeviceRunner())
	waitDevices(t, h.ctrl, 2)

	require.NoError(t, h.ctrl.Shutdown(2*time.Second))
	assert.NoError(t, h.ctrl.Shutdown(2*time.Second))

	_, err := h.ctrl.RunShell(context.Background(), []string{"S1"}, "id")
	assert.ErrorIs(t, err, fleet.ErrNotStarted)
}

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, fleet.ExitOK},
		{"context cancelled", context.Canceled, fleet.ExitCancelled},
		{"task cancelled", dispatch.ErrCancelled, fleet.ExitCancelled},
		{"no devices", fmt.Errorf("resolve: %w", fleet.ErrNoDevices), fleet.ExitNoDevices},
		{"adb missing", fmt.Errorf("fleet: %w", adb.ErrNotFound), fleet.ExitADBMissing},
		{"generic failure", errors.New("boom"), fleet.ExitADBMissing},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, fleet.ExitCodeFor(tc.err))
		})
	}
}

func TestVersionString(t *testing.T) {
	t.Setenv(fleet.VersionEnv, "9.9.9")
	assert.Equal(t, "9.9.9", fleet.VersionString())

	t.Setenv(fleet.VersionEnv, "")
	assert.Equal(t, "0.0.0-dev", fleet.VersionString())
}
