package fleet

import (
	"context"
	"fmt"

	"github.com/srg/blacktea/internal/console"
	"github.com/srg/blacktea/internal/opstatus"
	"github.com/srg/blacktea/internal/recording"
)

// StartRecording begins segmented screen capture on every available
// device in the selection, writing under outputDir (default: the
// configured recording directory). Sessions ride the controller's run
// context, not any per-call context, so they keep recording until
// StopRecording or Shutdown. Unavailable devices are skipped with a
// console note; the call fails only when nothing could start.
func (c *Controller) StartRecording(serials []string, outputDir string) error {
	if err := c.requireStarted(); err != nil {
		return err
	}
	if len(serials) == 0 {
		return ErrNoDevices
	}
	dir, err := c.outputDir(outputDir, c.cfg.Settings().Output.RecordingDir)
	if err != nil {
		return err
	}

	var ready []string
	for _, serial := range serials {
		if _, rerr := c.registry.Require(serial); rerr != nil {
			c.logf(console.SourceRecording, serial, "not recording: %v", rerr)
			continue
		}
		ready = append(ready, serial)
	}
	if len(ready) == 0 {
		return fmt.Errorf("fleet: no recordable devices in selection: %w", ErrNoDevices)
	}

	if err := c.recorder.Start(c.runCtx, ready, dir); err != nil {
		return err
	}

	c.recMu.Lock()
	for _, serial := range ready {
		id := c.ops.Add(opstatus.Operation{
			Serial:    serial,
			Type:      opstatus.TypeRecording,
			Status:    opstatus.Running,
			Message:   "REC 0:00",
			CanCancel: true,
		}, c.recordingCancel(serial))
		c.recRows[serial] = id
	}
	c.recMu.Unlock()
	return nil
}

// StopRecording asks the listed sessions (all active ones when serials
// is nil) to finish their current segment, then waits for the
// artifacts to land. The context bounds the wait, not the stop.
func (c *Controller) StopRecording(ctx context.Context, serials []string) error {
	if err := c.requireStarted(); err != nil {
		return err
	}
	if err := c.recorder.Stop(serials); err != nil {
		return err
	}
	return c.recorder.WaitIdle(ctx, serials)
}

// ActiveRecordings snapshots the running sessions.
func (c *Controller) ActiveRecordings() []recording.SessionInfo {
	return c.recorder.Sessions()
}

func (c *Controller) recordingCancel(serial string) opstatus.CancelFunc {
	return func() bool {
		return c.recorder.Stop([]string{serial}) == nil
	}
}
