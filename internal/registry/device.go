// Package registry tracks the connected device fleet: identity and
// mutable attributes per serial, diff-based change events with removal
// hysteresis, and the background loops that keep the picture fresh.
package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/srg/blacktea/internal/adb"
)

// TriState models attributes that can be on, off, or not yet known.
type TriState string

const (
	TriOn      TriState = "on"
	TriOff     TriState = "off"
	TriUnknown TriState = "unknown"
)

// ParseTri maps the usual shell spellings (1/0, true/false, on/off) to
// a TriState. Anything else is unknown.
func ParseTri(raw string) TriState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "on", "enabled":
		return TriOn
	case "0", "false", "off", "disabled":
		return TriOff
	}
	return TriUnknown
}

// Device is one tracked Android device. Serial, USB and Product are
// identity; the rest mutates through the poller and refresher only.
type Device struct {
	Serial  string
	USB     string
	Product string

	State       adb.DeviceState
	Model       string
	DeviceName  string
	TransportID string

	AndroidVersion        string
	APILevel              string
	GMSVersion            string
	BuildFingerprint      string
	WifiOn                TriState
	BluetoothOn           TriState
	AudioState            string
	BluetoothManagerState string

	// Extended carries the refresher-owned slow attributes: battery
	// level/scale, screen size/density, CPU ABI.
	Extended map[string]string

	FirstSeen time.Time
	LastSeen  time.Time
}

// DisplayName prefers the human model name over the raw serial.
func (d *Device) DisplayName() string {
	if d.Model != "" {
		return d.Model
	}
	return d.Serial
}

// Ready reports whether the device accepts shell-level operations.
func (d *Device) Ready() bool { return d.State.Ready() }

// UnavailableError marks a device that is known but not in `device`
// state. Operations targeting it fail fast; peers in the same batch
// keep going.
type UnavailableError struct {
	Serial string
	State  adb.DeviceState
}

func (e *UnavailableError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("device %s not connected", e.Serial)
	}
	return fmt.Sprintf("device %s unavailable: state %s", e.Serial, e.State)
}

// Is matches any UnavailableError, or one with the same serial when the
// target names one.
func (e *UnavailableError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*UnavailableError)
	if !ok {
		return false
	}
	return t.Serial == "" || t.Serial == e.Serial
}
