// Package bluetooth turns raw dumpsys and logcat text from an Android
// device into structured Bluetooth state. A snapshot parser reads the
// dumpsys sections, a line classifier tags logcat traffic, and a
// per-device state machine folds both feeds into a resolved state set
// with change detection.
package bluetooth

import (
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// State is one resolved activity of the Bluetooth stack. Devices
// report a set of states, not a single one: SCANNING and ADVERTISING
// are routinely active together.
type State string

const (
	StateIdle        State = "IDLE"
	StateScanning    State = "SCANNING"
	StateAdvertising State = "ADVERTISING"
	StateConnected   State = "CONNECTED"
	StateOff         State = "OFF"
	StateUnknown     State = "UNKNOWN"
)

// EventType classifies a single logcat line.
type EventType string

const (
	EventAdvertisingStart EventType = "ADVERTISING_START"
	EventAdvertisingStop  EventType = "ADVERTISING_STOP"
	EventScanStart        EventType = "SCAN_START"
	EventScanResult       EventType = "SCAN_RESULT"
	EventScanStop         EventType = "SCAN_STOP"
	EventConnect          EventType = "CONNECT"
	EventDisconnect       EventType = "DISCONNECT"
	EventError            EventType = "ERROR"
)

// BondStateBonded is the only bond state dumpsys lists; unbonded
// devices simply do not appear.
const BondStateBonded = "BONDED"

// ParsedSnapshot is the structured form of one dumpsys pass.
type ParsedSnapshot struct {
	Serial         string
	Timestamp      time.Time
	AdapterEnabled bool
	Address        string
	Scanning       ScanInfo
	Advertising    AdvertisingInfo

	// Profiles maps profile name to its reported state, both
	// uppercased, in dumpsys order.
	Profiles *orderedmap.OrderedMap[string, string]

	// Extra holds profile-shaped rows whose name the known set does
	// not cover but whose state still reads like a connection state.
	Extra map[string]string

	Bonded  []BondedDevice
	RawText string
}

// ScanInfo summarizes the scanner side of a snapshot.
type ScanInfo struct {
	Active  bool
	Clients []string
}

// AdvertisingInfo summarizes the advertiser side of a snapshot.
type AdvertisingInfo struct {
	Active bool
	Sets   []AdvertisingSet
}

// AdvertisingSet carries what the stack prints about one set. SetID is
// -1 when no line named one.
type AdvertisingSet struct {
	SetID        int
	IntervalMs   float64
	TxPower      string
	DataLength   int
	ServiceUUIDs []string
}

// BondedDevice is one row of the bonded devices table.
type BondedDevice struct {
	Address   string
	Name      string
	BondState string
}

// ParsedEvent is one classified logcat line.
type ParsedEvent struct {
	Serial    string
	Timestamp time.Time
	Type      EventType
	Tag       string
	Message   string
	Metadata  map[string]string
	RawLine   string
}

// Metadata keys the logcat classifier extracts when present.
const (
	MetaSetID      = "set_id"
	MetaTxPower    = "tx_power"
	MetaDataLength = "data_length"
	MetaClientUID  = "client_uid"
)

// Metrics is the numeric and list-valued side of a state summary.
// Slices are sorted; Unknown carries the unrecognized profile rows.
type Metrics struct {
	ScanClients       []string
	AdvertisingSets   int
	IntervalMs        float64
	TxPower           string
	BondedCount       int
	ConnectedProfiles []string
	Unknown           map[string]string
}

// StateSummary is the state machine's resolved view of one device at
// one instant.
type StateSummary struct {
	Serial    string
	States    []State
	Metrics   Metrics
	Timestamp time.Time
}

// StateUpdate pairs a summary with whether its states or metrics moved
// since the previous derivation. Timestamps advance either way.
type StateUpdate struct {
	Summary StateSummary
	Changed bool
}
