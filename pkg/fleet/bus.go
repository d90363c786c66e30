package fleet

import (
	"github.com/srg/blacktea/internal/bus"
	"github.com/srg/blacktea/internal/console"
	"github.com/srg/blacktea/internal/dispatch"
	"github.com/srg/blacktea/internal/fileops"
	"github.com/srg/blacktea/internal/opstatus"
	"github.com/srg/blacktea/internal/recording"
	"github.com/srg/blacktea/internal/registry"
	"github.com/srg/blacktea/internal/shellcmd"
)

// Bus groups the controller's typed event surfaces. Each method opens
// a fresh subscription with the given ring capacity (<= 0 selects the
// stream default); callers close their subscriptions when done.
type Bus struct {
	c *Controller
}

// Devices streams registry changes: added, removed, and debounced
// attribute updates.
func (b *Bus) Devices(capacity int) *bus.Subscription[registry.Event] {
	return b.c.registry.Subscribe(capacity)
}

// Operations streams status manager notifications.
func (b *Bus) Operations(capacity int) *bus.Subscription[opstatus.Event] {
	return b.c.ops.Subscribe(capacity)
}

// Tasks streams raw dispatcher lifecycle events.
func (b *Bus) Tasks(capacity int) *bus.Subscription[dispatch.Event] {
	return b.c.disp.Subscribe(capacity)
}

// Recordings streams recording progress: heartbeats, segment
// completions, warnings, and errors.
func (b *Bus) Recordings(capacity int) *bus.Subscription[recording.Event] {
	return b.c.recorder.Subscribe(capacity)
}

// CommandBlocks streams finished shell command blocks.
func (b *Bus) CommandBlocks(capacity int) *bus.Subscription[*shellcmd.Block] {
	return b.c.shell.Events().Subscribe(capacity)
}

// Files streams file-operation progress and summaries.
func (b *Bus) Files(capacity int) *bus.Subscription[fileops.Event] {
	return b.c.files.Subscribe(capacity)
}

// Logs streams the console narrative: every line that also feeds the
// console collector.
func (b *Bus) Logs(capacity int) *bus.Subscription[console.LogRecord] {
	return b.c.logStream.Subscribe(capacity)
}
