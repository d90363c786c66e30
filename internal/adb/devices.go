package adb

import "strings"

// DeviceState is the connection state reported by `adb devices`.
type DeviceState string

const (
	StateDevice       DeviceState = "device"
	StateOffline      DeviceState = "offline"
	StateUnauthorized DeviceState = "unauthorized"
	StateRecovery     DeviceState = "recovery"
	StateBootloader   DeviceState = "bootloader"
	StateSideload     DeviceState = "sideload"
	StateUnknown      DeviceState = "unknown"
)

// Ready reports whether the device accepts shell-level operations.
// Unauthorized and offline devices are surfaced but excluded from work
// that needs a live shell.
func (s DeviceState) Ready() bool { return s == StateDevice }

func parseState(token string) DeviceState {
	switch DeviceState(token) {
	case StateDevice, StateOffline, StateUnauthorized, StateRecovery, StateBootloader, StateSideload:
		return DeviceState(token)
	}
	return StateUnknown
}

// Observation is one row of `adb devices -l`.
type Observation struct {
	Serial      string
	State       DeviceState
	USB         string
	Product     string
	Model       string
	DeviceName  string
	TransportID string
}

// ParseDevices interprets `adb devices -l` output. Rows before the
// header and daemon startup chatter ("* daemon not running...") are
// skipped. Malformed rows and unknown state tokens are reported as
// ParseErrors alongside the good rows; an unknown state keeps its row
// with StateUnknown.
func ParseDevices(lines []string) ([]Observation, []*ParseError) {
	var (
		obs     []Observation
		perrs   []*ParseError
		started bool
	)
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "List of devices"):
			started = true
			continue
		case strings.HasPrefix(line, "*"):
			continue
		}
		if !started {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			perrs = append(perrs, &ParseError{Context: "devices", Raw: raw})
			continue
		}
		o := Observation{Serial: fields[0], State: parseState(fields[1])}
		if o.State == StateUnknown {
			perrs = append(perrs, &ParseError{Context: "devices", Raw: raw})
		}
		for _, kv := range fields[2:] {
			k, v, ok := strings.Cut(kv, ":")
			if !ok {
				continue
			}
			switch k {
			case "usb":
				o.USB = v
			case "product":
				o.Product = v
			case "model":
				// adb substitutes spaces with underscores in -l output.
				o.Model = strings.ReplaceAll(v, "_", " ")
			case "device":
				o.DeviceName = v
			case "transport_id":
				o.TransportID = v
			}
		}
		obs = append(obs, o)
	}
	return obs, perrs
}

// ParseProbe interprets CombinedProbe/ExtendedProbe output: key=value
// lines, with empty values dropped. Unrecognized lines are ignored so a
// vendor shell printing extra noise does not break the probe.
func ParseProbe(lines []string) map[string]string {
	out := make(map[string]string, len(lines))
	for _, line := range lines {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
