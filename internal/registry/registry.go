package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blacktea/internal/adb"
	"github.com/srg/blacktea/internal/bus"
)

// EventKind classifies registry events.
type EventKind int

const (
	DeviceAdded EventKind = iota
	DeviceRemoved
	DeviceChanged
)

func (k EventKind) String() string {
	switch k {
	case DeviceAdded:
		return "device_added"
	case DeviceRemoved:
		return "device_removed"
	case DeviceChanged:
		return "device_changed"
	}
	return "unknown"
}

// Event is one registry notification. Device is a snapshot copy; Fields
// names what changed for DeviceChanged.
type Event struct {
	Kind   EventKind
	Serial string
	Device Device
	Fields []string
}

// Options tune registry behavior.
type Options struct {
	// DebounceWindow coalesces DeviceChanged bursts. Added/Removed are
	// never delayed.
	DebounceWindow time.Duration
	// RemovalPolls is the hysteresis: a serial must be absent from this
	// many consecutive discovery snapshots before it is dropped.
	RemovalPolls int
}

// DefaultOptions returns the standard tuning.
func DefaultOptions() *Options {
	return &Options{
		DebounceWindow: 300 * time.Millisecond,
		RemovalPolls:   2,
	}
}

// Registry is the in-memory device map. The mutex is the single
// sequencing owner: every mutation happens under it, and events are
// published after the state they describe is committed.
type Registry struct {
	log    *logrus.Logger
	opts   Options
	events *bus.Stream[Event]

	mu      sync.Mutex
	devices map[string]*Device
	missing map[string]int

	pendingMu sync.Mutex
	pending   map[string][]string
	timer     *time.Timer
	closed    bool
}

// New creates an empty registry.
func New(logger *logrus.Logger, opts *Options) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = DefaultOptions().DebounceWindow
	}
	if opts.RemovalPolls <= 0 {
		opts.RemovalPolls = DefaultOptions().RemovalPolls
	}
	return &Registry{
		log:     logger,
		opts:    *opts,
		events:  bus.NewStream[Event](),
		devices: make(map[string]*Device),
		missing: make(map[string]int),
		pending: make(map[string][]string),
	}
}

// Subscribe attaches a consumer to the event stream.
func (r *Registry) Subscribe(capacity int) *bus.Subscription[Event] {
	return r.events.Subscribe(capacity)
}

// Close flushes pending change events and closes the stream.
func (r *Registry) Close() {
	r.pendingMu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.closed = true
	r.pendingMu.Unlock()
	r.flushPending()
	r.events.Close()
}

// ApplyDiscovery diffs one `adb devices -l` snapshot against the map.
// New serials are added immediately; serials absent for RemovalPolls
// consecutive snapshots are removed; field changes are debounced.
func (r *Registry) ApplyDiscovery(snapshot []adb.Observation) {
	now := time.Now()
	seen := make(map[string]bool, len(snapshot))

	r.mu.Lock()
	var added []Device
	var removed []Device
	for _, obs := range snapshot {
		seen[obs.Serial] = true
		delete(r.missing, obs.Serial)

		d, ok := r.devices[obs.Serial]
		if !ok {
			d = &Device{
				Serial:      obs.Serial,
				USB:         obs.USB,
				Product:     obs.Product,
				State:       obs.State,
				Model:       obs.Model,
				DeviceName:  obs.DeviceName,
				TransportID: obs.TransportID,
				WifiOn:      TriUnknown,
				BluetoothOn: TriUnknown,
				Extended:    make(map[string]string),
				FirstSeen:   now,
				LastSeen:    now,
			}
			r.devices[obs.Serial] = d
			added = append(added, *snapshotDevice(d))
			continue
		}

		var fields []string
		if obs.State != d.State {
			d.State = obs.State
			fields = append(fields, "state")
		}
		// Discovery may legitimately be missing detail columns for
		// offline/unauthorized rows; empty values never blank a known
		// one here.
		if obs.Model != "" && obs.Model != d.Model {
			d.Model = obs.Model
			fields = append(fields, "model")
		}
		if obs.USB != "" && obs.USB != d.USB {
			d.USB = obs.USB
			fields = append(fields, "usb")
		}
		if obs.Product != "" && obs.Product != d.Product {
			d.Product = obs.Product
			fields = append(fields, "product")
		}
		if obs.DeviceName != "" && obs.DeviceName != d.DeviceName {
			d.DeviceName = obs.DeviceName
			fields = append(fields, "device_name")
		}
		if obs.TransportID != "" && obs.TransportID != d.TransportID {
			d.TransportID = obs.TransportID
			fields = append(fields, "transport_id")
		}
		d.LastSeen = now
		if len(fields) > 0 {
			r.queueChanged(obs.Serial, fields)
		}
	}

	for serial, d := range r.devices {
		if seen[serial] {
			continue
		}
		r.missing[serial]++
		if r.missing[serial] >= r.opts.RemovalPolls {
			removed = append(removed, *snapshotDevice(d))
			delete(r.devices, serial)
			delete(r.missing, serial)
		}
	}
	r.mu.Unlock()

	for _, d := range added {
		r.log.WithFields(logrus.Fields{
			"serial": d.Serial,
			"state":  d.State,
			"model":  d.Model,
		}).Info("device added")
		r.events.Publish(Event{Kind: DeviceAdded, Serial: d.Serial, Device: d})
	}
	for _, d := range removed {
		r.log.WithField("serial", d.Serial).Info("device removed")
		r.dropPending(d.Serial)
		r.events.Publish(Event{Kind: DeviceRemoved, Serial: d.Serial, Device: d})
	}
}

// ApplyProbe merges the identity probe result for one serial. Empty and
// unknown values never overwrite known ones.
func (r *Registry) ApplyProbe(serial string, attrs map[string]string) {
	r.mu.Lock()
	d, ok := r.devices[serial]
	if !ok {
		r.mu.Unlock()
		return
	}
	var fields []string
	set := func(field string, dst *string, val string) {
		if val != "" && val != *dst {
			*dst = val
			fields = append(fields, field)
		}
	}
	set("model", &d.Model, attrs["model"])
	set("android_version", &d.AndroidVersion, attrs["release"])
	set("api_level", &d.APILevel, attrs["sdk"])
	set("build_fingerprint", &d.BuildFingerprint, attrs["fingerprint"])
	set("gms_version", &d.GMSVersion, trimGMS(attrs["gms"]))
	if abi := attrs["abi"]; abi != "" && d.Extended["cpu_abi"] != abi {
		d.Extended["cpu_abi"] = abi
		fields = append(fields, "cpu_abi")
	}
	if wifi := ParseTri(attrs["wifi"]); wifi != TriUnknown && wifi != d.WifiOn {
		d.WifiOn = wifi
		fields = append(fields, "wifi_on")
	}
	if bt := ParseTri(attrs["bt"]); bt != TriUnknown && bt != d.BluetoothOn {
		d.BluetoothOn = bt
		fields = append(fields, "bt_on")
	}
	r.mu.Unlock()

	if len(fields) > 0 {
		r.queueChanged(serial, fields)
	}
}

// ApplyExtended merges refresher output for one serial. Audio and
// Bluetooth manager states land in their typed fields, the rest in the
// extended map.
func (r *Registry) ApplyExtended(serial string, attrs map[string]string) {
	r.mu.Lock()
	d, ok := r.devices[serial]
	if !ok {
		r.mu.Unlock()
		return
	}
	var fields []string
	for key, val := range attrs {
		if val == "" {
			continue
		}
		switch key {
		case "audio_state":
			if d.AudioState != val {
				d.AudioState = val
				fields = append(fields, key)
			}
		case "bluetooth_manager_state":
			if d.BluetoothManagerState != val {
				d.BluetoothManagerState = val
				fields = append(fields, key)
			}
		default:
			if d.Extended[key] != val {
				d.Extended[key] = val
				fields = append(fields, key)
			}
		}
	}
	r.mu.Unlock()

	if len(fields) > 0 {
		sort.Strings(fields)
		r.queueChanged(serial, fields)
	}
}

// Invalidate force-removes a device regardless of hysteresis.
func (r *Registry) Invalidate(serial string) bool {
	r.mu.Lock()
	d, ok := r.devices[serial]
	if ok {
		delete(r.devices, serial)
		delete(r.missing, serial)
	}
	var snap Device
	if ok {
		snap = *snapshotDevice(d)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.dropPending(serial)
	r.events.Publish(Event{Kind: DeviceRemoved, Serial: serial, Device: snap})
	return true
}

// Get returns a snapshot of one device.
func (r *Registry) Get(serial string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[serial]
	if !ok {
		return Device{}, false
	}
	return *snapshotDevice(d), true
}

// Devices returns snapshots of all devices sorted by serial; front-ends
// render in this stable order.
func (r *Registry) Devices() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *snapshotDevice(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

// Serials lists tracked serials sorted.
func (r *Registry) Serials() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.devices))
	for serial := range r.devices {
		out = append(out, serial)
	}
	sort.Strings(out)
	return out
}

// Require verifies the device exists and is in `device` state, returning
// an UnavailableError otherwise.
func (r *Registry) Require(serial string) (Device, error) {
	d, ok := r.Get(serial)
	if !ok {
		return Device{}, &UnavailableError{Serial: serial}
	}
	if !d.Ready() {
		return Device{}, &UnavailableError{Serial: serial, State: d.State}
	}
	return d, nil
}

func (r *Registry) queueChanged(serial string, fields []string) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if r.closed {
		return
	}
	r.pending[serial] = mergeFields(r.pending[serial], fields)
	if r.timer == nil {
		r.timer = time.AfterFunc(r.opts.DebounceWindow, r.flushPending)
	}
}

func (r *Registry) dropPending(serial string) {
	r.pendingMu.Lock()
	delete(r.pending, serial)
	r.pendingMu.Unlock()
}

func (r *Registry) flushPending() {
	r.pendingMu.Lock()
	pending := r.pending
	r.pending = make(map[string][]string)
	r.timer = nil
	r.pendingMu.Unlock()

	for serial, fields := range pending {
		d, ok := r.Get(serial)
		if !ok {
			continue
		}
		r.events.Publish(Event{Kind: DeviceChanged, Serial: serial, Device: d, Fields: fields})
	}
}

func snapshotDevice(d *Device) *Device {
	out := *d
	out.Extended = make(map[string]string, len(d.Extended))
	for k, v := range d.Extended {
		out.Extended[k] = v
	}
	return &out
}

func mergeFields(have, add []string) []string {
	for _, f := range add {
		found := false
		for _, h := range have {
			if h == f {
				found = true
				break
			}
		}
		if !found {
			have = append(have, f)
		}
	}
	return have
}

func trimGMS(raw string) string {
	// dumpsys prints "versionName=23.45.13 (190400-...)"; keep the number.
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "versionName=")
	if j := strings.IndexByte(raw, ' '); j > 0 {
		raw = raw[:j]
	}
	return raw
}
