package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/srg/blacktea/internal/bus"
	"github.com/srg/blacktea/internal/console"
	"github.com/srg/blacktea/internal/dispatch"
	"github.com/srg/blacktea/internal/fileops"
	"github.com/srg/blacktea/internal/groutine"
	"github.com/srg/blacktea/internal/opstatus"
	"github.com/srg/blacktea/internal/recording"
	"github.com/srg/blacktea/internal/registry"
	"github.com/srg/blacktea/internal/shellcmd"
)

// startBridges wires the subsystem event streams together: dispatcher
// tasks become operation rows, recording progress drives its coalesced
// rows, and the console gets a running narrative of fleet activity.
func (c *Controller) startBridges() {
	watch(c, "task-bridge", c.disp.Subscribe(128), c.onTaskEvent)
	watch(c, "recording-bridge", c.recorder.Subscribe(128), c.onRecordingEvent)
	watch(c, "registry-bridge", c.registry.Subscribe(64), c.onRegistryEvent)
	watch(c, "shell-bridge", c.shell.Events().Subscribe(64), c.onBlock)
	watch(c, "fileops-bridge", c.files.Subscribe(64), c.onFileEvent)
}

// watch drains one subscription on its own goroutine until the stream
// closes. The subscription's closer is registered for Shutdown.
func watch[T any](c *Controller, name string, sub *bus.Subscription[T], fn func(T)) {
	c.bridgeMu.Lock()
	c.closers = append(c.closers, sub.Close)
	c.bridgeMu.Unlock()

	c.wg.Add(1)
	groutine.Go(c.runCtx, name, func(_ context.Context) {
		defer c.wg.Done()
		for ev := range sub.C() {
			fn(ev)
		}
	})
}

func (c *Controller) onTaskEvent(ev dispatch.Event) {
	switch ev.Kind {
	case dispatch.TaskQueued:
		c.ops.Add(opstatus.Operation{
			ID:      ev.TaskID,
			Serial:  ev.Serial,
			Type:    typeForCategory(ev.Category),
			Status:  opstatus.Pending,
			Message: ev.Name,
		}, nil)
	case dispatch.TaskStarted:
		st := opstatus.Running
		c.ops.Update(ev.TaskID, opstatus.Patch{Status: &st})
	case dispatch.TaskFinished:
		st := statusForTask(ev.Status)
		c.ops.Update(ev.TaskID, opstatus.Patch{Status: &st})
	case dispatch.QueuePressure:
		c.logf(console.SourceSystem, "", "dispatcher queue backed up: %d tasks waiting", ev.QueueLen)
	}
}

func (c *Controller) onRecordingEvent(ev recording.Event) {
	switch ev.Type {
	case recording.Heartbeat:
		msg := fmt.Sprintf("REC %s (segment %d)", formatClock(ev.TotalDuration), ev.SegmentIndex)
		c.patchRecordingRow(ev.Serial, msg)
	case recording.SegmentCompleted:
		c.logf(console.SourceRecording, ev.Serial, "segment %d saved: %s (%s)",
			ev.SegmentIndex, ev.SegmentFile, ev.Duration.Round(time.Second))
		if ev.Origin == recording.OriginUser {
			c.settleRecordingRow(ev.Serial, opstatus.Completed, "")
		}
	case recording.RecordingError:
		c.logf(console.SourceRecording, ev.Serial, "recording failed: %s", ev.Message)
		c.settleRecordingRow(ev.Serial, opstatus.Failed, ev.Message)
	case recording.RecordingWarning:
		c.logf(console.SourceRecording, ev.Serial, "%s", ev.Message)
	}
}

func (c *Controller) onRegistryEvent(ev registry.Event) {
	switch ev.Kind {
	case registry.DeviceAdded:
		if name := ev.Device.DisplayName(); name != ev.Serial {
			c.logf(console.SourceSystem, ev.Serial, "device connected: %s (%s)", ev.Serial, name)
		} else {
			c.logf(console.SourceSystem, ev.Serial, "device connected: %s", ev.Serial)
		}
	case registry.DeviceRemoved:
		c.logf(console.SourceSystem, ev.Serial, "device disconnected: %s", ev.Serial)
	}
}

func (c *Controller) onBlock(b *shellcmd.Block) {
	c.logf(console.SourceShell, "", "%q on %d device(s), %d failed (%s)",
		b.Command, len(b.Results), b.Failed(), b.Duration.Round(time.Millisecond))
}

func (c *Controller) onFileEvent(ev fileops.Event) {
	switch ev.Type {
	case fileops.FileWritten:
		c.logf(console.SourceOps, ev.Serial, "saved %s", ev.Path)
	case fileops.Progress:
		c.logf(console.SourceOps, ev.Serial, "%s", ev.Message)
	case fileops.FileOpError:
		c.logf(console.SourceOps, ev.Serial, "%s failed: %s", ev.Op, ev.Message)
	case fileops.BatchSummary:
		c.logf(console.SourceOps, "", "%s finished: %s", ev.Op, ev.Message)
	}
}

func (c *Controller) patchRecordingRow(serial, msg string) {
	c.recMu.Lock()
	id := c.recRows[serial]
	c.recMu.Unlock()
	if id == "" {
		return
	}
	c.ops.Update(id, opstatus.Patch{Message: &msg})
}

func (c *Controller) settleRecordingRow(serial string, st opstatus.Status, errMsg string) {
	c.recMu.Lock()
	id := c.recRows[serial]
	delete(c.recRows, serial)
	c.recMu.Unlock()
	if id == "" {
		return
	}
	patch := opstatus.Patch{Status: &st}
	if errMsg != "" {
		patch.ErrorMessage = &errMsg
	}
	c.ops.Update(id, patch)
}

func typeForCategory(category string) opstatus.Type {
	switch category {
	case shellcmd.Category:
		return opstatus.TypeShellCommand
	case string(fileops.OpScreenshot):
		return opstatus.TypeScreenshot
	case string(fileops.OpBugReport):
		return opstatus.TypeBugReport
	case string(fileops.OpUIDump):
		return opstatus.TypeUIInspector
	case categoryInstall:
		return opstatus.TypeInstallAPK
	case categoryReboot:
		return opstatus.TypeReboot
	}
	return opstatus.TypeShellCommand
}

func statusForTask(st dispatch.Status) opstatus.Status {
	switch st {
	case dispatch.Completed:
		return opstatus.Completed
	case dispatch.Failed:
		return opstatus.Failed
	case dispatch.Cancelled:
		return opstatus.Cancelled
	}
	return opstatus.Running
}

func formatClock(d time.Duration) string {
	d = d.Round(time.Second)
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%d:%02d", m, s)
}
