package bluetooth

import (
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ConfirmationTimeout bounds how long SCANNING or ADVERTISING stay
// asserted without fresh evidence from either feed. Logcat can drop
// the stop line; the next derivation past the window clears the flag.
const ConfirmationTimeout = 3 * time.Second

// MachineOptions tunes a Machine. Zero values select the defaults.
type MachineOptions struct {
	ConfirmationTimeout time.Duration
	Clock               func() time.Time
}

// Machine folds snapshots and logcat events for one device into a
// resolved state set. Snapshots are authoritative and reset every
// flag; events toggle them between snapshots. Safe for concurrent use
// by both collector loops.
type Machine struct {
	serial  string
	timeout time.Duration
	now     func() time.Time

	mu              sync.Mutex
	adapterKnown    bool
	adapterEnabled  bool
	scanning        bool
	scanningSeen    time.Time
	advertising     bool
	advertisingSeen time.Time
	connected       bool
	scanClients     []string
	advSets         []AdvertisingSet
	profiles        *orderedmap.OrderedMap[string, string]
	bondedCount     int
	unknown         map[string]string

	hasLast bool
	lastKey string
}

func NewMachine(serial string, opts MachineOptions) *Machine {
	if opts.ConfirmationTimeout <= 0 {
		opts.ConfirmationTimeout = ConfirmationTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Machine{
		serial:  serial,
		timeout: opts.ConfirmationTimeout,
		now:     opts.Clock,
	}
}

// ApplySnapshot replaces every flag and metric with the snapshot's
// view. The connected flag is re-derived from the profile table, so a
// missed disconnect line heals on the next pass.
func (m *Machine) ApplySnapshot(snap *ParsedSnapshot) StateUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := snap.Timestamp
	if ts.IsZero() {
		ts = m.now()
	}

	m.adapterKnown = true
	m.adapterEnabled = snap.AdapterEnabled
	m.scanning = snap.Scanning.Active
	if m.scanning {
		m.scanningSeen = ts
	}
	m.advertising = snap.Advertising.Active
	if m.advertising {
		m.advertisingSeen = ts
	}
	m.scanClients = append([]string(nil), snap.Scanning.Clients...)
	sort.Strings(m.scanClients)
	m.advSets = append([]AdvertisingSet(nil), snap.Advertising.Sets...)
	m.profiles = snap.Profiles
	m.bondedCount = len(snap.Bonded)
	m.unknown = snap.Extra
	m.connected = len(connectedProfiles(snap.Profiles)) > 0

	return m.deriveLocked(ts)
}

// ApplyEvent toggles the flag the event's category maps to. ERROR
// events change nothing but still advance the derivation clock, which
// is what expires stale flags between snapshots.
func (m *Machine) ApplyEvent(ev *ParsedEvent) StateUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = m.now()
	}

	switch ev.Type {
	case EventAdvertisingStart:
		m.advertising = true
		m.advertisingSeen = ts
	case EventAdvertisingStop:
		m.advertising = false
	case EventScanStart, EventScanResult:
		m.scanning = true
		m.scanningSeen = ts
	case EventScanStop:
		m.scanning = false
	case EventConnect:
		m.connected = true
	case EventDisconnect:
		m.connected = false
	}

	return m.deriveLocked(ts)
}

// Summary derives the current view without touching the change
// tracking, so a read never masks the next real update.
func (m *Machine) Summary() StateSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary, _ := m.computeLocked(m.now())
	return summary
}

func (m *Machine) deriveLocked(ts time.Time) StateUpdate {
	summary, key := m.computeLocked(ts)
	changed := !m.hasLast || key != m.lastKey
	m.hasLast = true
	m.lastKey = key
	return StateUpdate{Summary: summary, Changed: changed}
}

func (m *Machine) computeLocked(ts time.Time) (StateSummary, string) {
	scanning := m.scanning && ts.Sub(m.scanningSeen) <= m.timeout
	advertising := m.advertising && ts.Sub(m.advertisingSeen) <= m.timeout
	connProfiles := connectedProfiles(m.profiles)

	metrics := Metrics{
		ScanClients:       append([]string(nil), m.scanClients...),
		AdvertisingSets:   len(m.advSets),
		BondedCount:       m.bondedCount,
		ConnectedProfiles: connProfiles,
		Unknown:           maps.Clone(m.unknown),
	}
	if len(m.advSets) > 0 {
		metrics.IntervalMs = m.advSets[0].IntervalMs
		metrics.TxPower = m.advSets[0].TxPower
	}

	var states []State
	switch {
	case !m.adapterKnown:
		states = []State{StateUnknown}
	case !m.adapterEnabled:
		states = []State{StateOff}
	default:
		if scanning {
			states = append(states, StateScanning)
		}
		if advertising {
			states = append(states, StateAdvertising)
		}
		if m.connected || len(connProfiles) > 0 {
			states = append(states, StateConnected)
		}
		if len(states) == 0 {
			states = []State{StateIdle}
		}
	}

	summary := StateSummary{
		Serial:    m.serial,
		States:    states,
		Metrics:   metrics,
		Timestamp: ts,
	}
	return summary, summaryKey(states, metrics)
}

// connectedProfiles lists profiles whose state reads CONNECTED, in
// sorted order. CONNECTING and DISCONNECTED do not count.
func connectedProfiles(profiles *orderedmap.OrderedMap[string, string]) []string {
	if profiles == nil {
		return nil
	}
	var out []string
	for pair := profiles.Oldest(); pair != nil; pair = pair.Next() {
		if strings.Contains(pair.Value, "CONNECTED") && !strings.Contains(pair.Value, "DISCONNECTED") {
			out = append(out, pair.Key)
		}
	}
	sort.Strings(out)
	return out
}

// summaryKey renders states and metrics deterministically so byte
// equality means no observable change.
func summaryKey(states []State, met Metrics) string {
	var b strings.Builder
	for _, s := range states {
		b.WriteString(string(s))
		b.WriteByte(',')
	}
	b.WriteByte('|')
	b.WriteString(strings.Join(met.ScanClients, ","))
	fmt.Fprintf(&b, "|%d|%g|%s|%d|", met.AdvertisingSets, met.IntervalMs, met.TxPower, met.BondedCount)
	b.WriteString(strings.Join(met.ConnectedProfiles, ","))
	b.WriteByte('|')
	keys := make([]string, 0, len(met.Unknown))
	for k := range met.Unknown {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(met.Unknown[k])
		b.WriteByte(';')
	}
	return b.String()
}
