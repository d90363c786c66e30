package fleet

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/srg/blacktea/internal/console"
	"github.com/srg/blacktea/internal/groutine"
	"github.com/srg/blacktea/internal/opstatus"
)

// scrcpyBinary is the executable LaunchScrcpy looks for on PATH.
const scrcpyBinary = "scrcpy"

// LaunchScrcpy starts a detached scrcpy mirror for one device and
// returns once the process is up. The mirror outlives the call; its
// operation row stays Running until the window closes, and cancelling
// the row kills the process.
func (c *Controller) LaunchScrcpy(serial string, extraArgs ...string) error {
	if err := c.requireStarted(); err != nil {
		return err
	}
	if _, err := c.registry.Require(serial); err != nil {
		return err
	}
	path, err := exec.LookPath(scrcpyBinary)
	if err != nil {
		return fmt.Errorf("fleet: scrcpy not found on PATH: %w", err)
	}

	args := append([]string{"-s", serial}, extraArgs...)
	cmd := exec.Command(path, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("fleet: scrcpy: %w", err)
	}

	id := c.ops.Add(opstatus.Operation{
		Serial:    serial,
		Type:      opstatus.TypeScrcpy,
		Status:    opstatus.Running,
		Message:   "scrcpy mirror",
		CanCancel: true,
	}, func() bool {
		return cmd.Process.Kill() == nil
	})
	c.logf(console.SourceSystem, serial, "scrcpy launched (pid %d)", cmd.Process.Pid)

	groutine.Go(c.runCtx, "scrcpy-"+serial, func(_ context.Context) {
		werr := cmd.Wait()
		st := opstatus.Completed
		patch := opstatus.Patch{Status: &st}
		if werr != nil {
			st = opstatus.Failed
			msg := werr.Error()
			patch.ErrorMessage = &msg
		}
		c.ops.Update(id, patch)
		c.logf(console.SourceSystem, serial, "scrcpy exited")
	})
	return nil
}
