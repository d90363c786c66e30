// Package opstatus keeps the canonical registry of device operations:
// one row per running or recently finished operation, with per-serial
// coalescing for recordings, monotonic status transitions, and
// auto-dismiss of terminal rows.
package opstatus

import "time"

// Type tags what kind of device operation a row describes.
type Type int

const (
	TypeShellCommand Type = iota
	TypeScreenshot
	TypeRecording
	TypeInstallAPK
	TypeReboot
	TypeBugReport
	TypeBluetooth
	TypeScrcpy
	TypeUIInspector
)

func (t Type) String() string {
	switch t {
	case TypeShellCommand:
		return "shell_command"
	case TypeScreenshot:
		return "screenshot"
	case TypeRecording:
		return "recording"
	case TypeInstallAPK:
		return "install_apk"
	case TypeReboot:
		return "reboot"
	case TypeBugReport:
		return "bug_report"
	case TypeBluetooth:
		return "bluetooth"
	case TypeScrcpy:
		return "scrcpy"
	case TypeUIInspector:
		return "ui_inspector"
	}
	return "unknown"
}

// Status is an operation's lifecycle position. Pending -> Running ->
// one of the terminal statuses; terminal is final.
type Status int

const (
	Pending Status = iota
	Running
	Completed
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Operation is one status row. Progress is a fraction in [0,1];
// CompletedAt stays zero until the row turns terminal.
type Operation struct {
	ID           string
	Serial       string
	Type         Type
	Status       Status
	StartedAt    time.Time
	CompletedAt  time.Time
	Progress     float64
	Message      string
	ErrorMessage string
	CanCancel    bool
}

// Active reports whether the operation still occupies its device.
func (o Operation) Active() bool { return !o.Status.Terminal() }

// Elapsed is the run time so far, frozen once the row is terminal.
func (o Operation) Elapsed() time.Duration {
	if o.Status.Terminal() && !o.CompletedAt.IsZero() {
		return o.CompletedAt.Sub(o.StartedAt)
	}
	return time.Since(o.StartedAt)
}
