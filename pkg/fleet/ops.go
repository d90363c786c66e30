package fleet

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/srg/blacktea/internal/adb"
	"github.com/srg/blacktea/internal/config"
	"github.com/srg/blacktea/internal/dispatch"
	"github.com/srg/blacktea/internal/fileops"
	"github.com/srg/blacktea/internal/shellcmd"
)

// Task categories for fleet-level dispatched work.
const (
	categoryInstall = "install_apk"
	categoryReboot  = "reboot"
)

// RebootModes are the accepted Reboot targets; the empty mode is a
// normal restart.
var RebootModes = []string{"recovery", "bootloader", "sideload"}

// DeviceResult is one device's outcome of a fleet-level operation.
type DeviceResult struct {
	Serial     string
	DeviceName string
	Duration   time.Duration
	Err        error
}

// OK reports whether the device completed the operation.
func (r DeviceResult) OK() bool { return r.Err == nil }

// FailedCount counts the results that carry an error.
func FailedCount(results []DeviceResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// RunShell fans one shell command out to the selection and waits for
// the assembled block. The command is recorded in the persisted
// history.
func (c *Controller) RunShell(ctx context.Context, serials []string, cmd string) (*shellcmd.Block, error) {
	if err := c.requireStarted(); err != nil {
		return nil, err
	}
	if err := c.cfg.PushHistory(cmd); err != nil {
		c.log.WithError(err).Debug("command history save failed")
	}
	return c.shell.Run(ctx, serials, cmd)
}

// RunShellScript runs a command batch: one block per runnable script
// line, sequential across commands, fanned out within each.
func (c *Controller) RunShellScript(ctx context.Context, serials []string, script string) ([]*shellcmd.Block, error) {
	if err := c.requireStarted(); err != nil {
		return nil, err
	}
	for _, cmd := range shellcmd.ParseScript(script) {
		if err := c.cfg.PushHistory(cmd); err != nil {
			c.log.WithError(err).Debug("command history save failed")
			break
		}
	}
	return c.shell.RunScript(ctx, serials, script)
}

// TakeScreenshot captures the selection into outputDir, defaulting to
// the configured screenshot directory.
func (c *Controller) TakeScreenshot(ctx context.Context, serials []string, outputDir string) (*fileops.Summary, error) {
	if err := c.requireStarted(); err != nil {
		return nil, err
	}
	dir, err := c.outputDir(outputDir, c.cfg.Settings().Output.ScreenshotDir)
	if err != nil {
		return nil, err
	}
	return c.files.Screenshot(ctx, serials, dir)
}

// BugReport generates bug reports for the selection, one device at a
// time, defaulting to the configured bug report directory.
func (c *Controller) BugReport(ctx context.Context, serials []string, outputDir string) (*fileops.Summary, error) {
	if err := c.requireStarted(); err != nil {
		return nil, err
	}
	dir, err := c.outputDir(outputDir, c.cfg.Settings().Output.BugReportDir)
	if err != nil {
		return nil, err
	}
	return c.files.BugReport(ctx, serials, dir)
}

// DumpUIHierarchy captures the UI XML and a matching screenshot for
// one device into a dump-scoped directory under outputDir.
func (c *Controller) DumpUIHierarchy(ctx context.Context, serial, outputDir string) (*fileops.UIDump, error) {
	if err := c.requireStarted(); err != nil {
		return nil, err
	}
	dir, err := c.outputDir(outputDir, c.cfg.Settings().Output.ScreenshotDir)
	if err != nil {
		return nil, err
	}
	return c.files.DumpUIHierarchy(ctx, serial, dir)
}

// ExportDeviceInfo writes a report of the selected devices (all known
// devices when serials is empty) to path in the given format.
func (c *Controller) ExportDeviceInfo(serials []string, format fileops.Format, path string) (string, error) {
	if err := c.requireStarted(); err != nil {
		return "", err
	}
	devices := c.devicesFor(serials)
	if len(devices) == 0 {
		return "", ErrNoDevices
	}
	return c.files.ExportDeviceInfo(devices, format, path)
}

// InstallAPK installs one APK on every selected device in parallel.
// Success requires adb to print its Success marker; anything else is
// that device's failure.
func (c *Controller) InstallAPK(ctx context.Context, serials []string, apkPath string) ([]DeviceResult, error) {
	if err := c.requireStarted(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(apkPath); err != nil {
		return nil, fmt.Errorf("fleet: apk: %w", err)
	}
	if len(serials) == 0 {
		return nil, ErrNoDevices
	}
	label := "install " + filepath.Base(apkPath)
	return c.fanOut(ctx, serials, categoryInstall, label, func(jobCtx context.Context, serial string) error {
		lines, err := c.runner.Run(jobCtx, adb.InstallTimeout, adb.Install(serial, apkPath)...)
		if err != nil {
			return err
		}
		if !installSucceeded(lines) {
			return fmt.Errorf("install did not report success: %s", lastNonEmpty(lines))
		}
		return nil
	})
}

// Reboot restarts every selected device. Mode "" is a normal reboot;
// see RebootModes for the alternate targets.
func (c *Controller) Reboot(ctx context.Context, serials []string, mode string) ([]DeviceResult, error) {
	if err := c.requireStarted(); err != nil {
		return nil, err
	}
	if mode != "" && !validRebootMode(mode) {
		return nil, fmt.Errorf("fleet: unknown reboot mode %q (valid: %s)", mode, strings.Join(RebootModes, ", "))
	}
	if len(serials) == 0 {
		return nil, ErrNoDevices
	}
	label := "reboot"
	if mode != "" {
		label = "reboot to " + mode
	}
	return c.fanOut(ctx, serials, categoryReboot, label, func(jobCtx context.Context, serial string) error {
		_, err := c.runner.Run(jobCtx, adb.DefaultTimeout, adb.Reboot(serial, mode)...)
		return err
	})
}

// fanOut submits one job per serial to the dispatcher and gathers the
// outcomes in selection order. Unavailable devices fail their slot
// without aborting peers; jobs report over a channel sized for every
// participant so a straggler past the settle grace can still send with
// nobody reading.
func (c *Controller) fanOut(ctx context.Context, serials []string, category, label string, job func(ctx context.Context, serial string) error) ([]DeviceResult, error) {
	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type indexed struct {
		i   int
		res DeviceResult
	}
	results := make([]DeviceResult, len(serials))
	written := make([]bool, len(serials))
	resCh := make(chan indexed, len(serials))
	handles := make([]*dispatch.Handle, len(serials))

	for i, serial := range serials {
		name := serial
		if d, ok := c.registry.Get(serial); ok {
			name = d.DisplayName()
		}
		results[i] = DeviceResult{Serial: serial, DeviceName: name}
		if _, err := c.registry.Require(serial); err != nil {
			results[i].Err = err
			written[i] = true
			continue
		}
		h, err := c.disp.Submit(dispatch.Task{
			Name:     fmt.Sprintf("%s: %s", label, name),
			Category: category,
			Serial:   serial,
			Fn: func(taskCtx context.Context) (any, error) {
				jobCtx, jobCancel := context.WithCancel(groupCtx)
				defer jobCancel()
				unbind := context.AfterFunc(taskCtx, jobCancel)
				defer unbind()

				start := time.Now()
				jerr := job(jobCtx, serial)
				resCh <- indexed{i: i, res: DeviceResult{
					Serial:     serial,
					DeviceName: name,
					Duration:   time.Since(start),
					Err:        jerr,
				}}
				return nil, jerr
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
			grace, gcancel := context.WithTimeout(context.Background(), settleGrace)
			_, _ = h.Wait(grace)
			gcancel()
		}
	}
	for drained := false; !drained; {
		select {
		case ir := <-resCh:
			results[ir.i] = ir.res
			written[ir.i] = true
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
	return results, ctx.Err()
}

// outputDir picks the effective directory and normalizes it.
func (c *Controller) outputDir(explicit, fallback string) (string, error) {
	dir := explicit
	if dir == "" {
		dir = fallback
	}
	normalized, err := config.NormalizeOutputPath(dir)
	if err != nil {
		return "", fmt.Errorf("fleet: %w", err)
	}
	return normalized, nil
}

func installSucceeded(lines []string) bool {
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "Success") {
			return true
		}
	}
	return false
}

func lastNonEmpty(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			return s
		}
	}
	return "no output"
}

func validRebootMode(mode string) bool {
	for _, m := range RebootModes {
		if m == mode {
			return true
		}
	}
	return false
}
