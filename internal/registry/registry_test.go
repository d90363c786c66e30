package registry_test

import (
	"errors"
	"testing"
	"time"

	suitelib "github.com/stretchr/testify/suite"

	"github.com/srg/blacktea/internal/adb"
	"github.com/srg/blacktea/internal/bus"
	"github.com/srg/blacktea/internal/registry"
	"github.com/srg/blacktea/internal/testutils"
)

const testDebounce = 40 * time.Millisecond

type RegistryTestSuite struct {
	suitelib.Suite

	reg *registry.Registry
	sub *bus.Subscription[registry.Event]
	rec *testutils.EventRecorder[registry.Event]
}

func (suite *RegistryTestSuite) SetupTest() {
	suite.reg = registry.New(testutils.NewTestLogger(), &registry.Options{
		DebounceWindow: testDebounce,
		RemovalPolls:   2,
	})
	suite.sub = suite.reg.Subscribe(64)
	suite.rec = testutils.RecordEvents(suite.sub.C())
}

func (suite *RegistryTestSuite) TearDownTest() {
	suite.reg.Close()
}

func (suite *RegistryTestSuite) waitEvent(kind registry.EventKind, serial string) registry.Event {
	ev, ok := suite.rec.WaitFor(time.Second, func(ev registry.Event) bool {
		return ev.Kind == kind && ev.Serial == serial
	})
	suite.Require().True(ok, "no %s event for %s", kind, serial)
	return ev
}

func (suite *RegistryTestSuite) countEvents(kind registry.EventKind, serial string) int {
	n := 0
	for _, ev := range suite.rec.Events() {
		if ev.Kind == kind && ev.Serial == serial {
			n++
		}
	}
	return n
}

func ready(serial string) adb.Observation {
	return adb.Observation{Serial: serial, State: adb.StateDevice}
}

func (suite *RegistryTestSuite) TestAddIsImmediate() {
	suite.reg.ApplyDiscovery([]adb.Observation{
		{Serial: "S1", State: adb.StateDevice, Model: "Pixel 7", TransportID: "2"},
	})

	ev := suite.waitEvent(registry.DeviceAdded, "S1")
	suite.Equal("Pixel 7", ev.Device.Model)
	suite.Equal(adb.StateDevice, ev.Device.State)
	suite.False(ev.Device.FirstSeen.IsZero())
	suite.Equal(registry.TriUnknown, ev.Device.WifiOn)
}

func (suite *RegistryTestSuite) TestRemovalNeedsConsecutiveMisses() {
	suite.reg.ApplyDiscovery([]adb.Observation{ready("S1"), ready("S2")})
	suite.waitEvent(registry.DeviceAdded, "S2")

	// One missed poll is a flap, not a removal.
	suite.reg.ApplyDiscovery([]adb.Observation{ready("S1")})
	suite.Equal([]string{"S1", "S2"}, suite.reg.Serials())

	// Reappearing resets the miss counter and must not re-add.
	suite.reg.ApplyDiscovery([]adb.Observation{ready("S1"), ready("S2")})
	suite.Equal([]string{"S1", "S2"}, suite.reg.Serials())
	suite.Equal(1, suite.countEvents(registry.DeviceAdded, "S2"))
	suite.Equal(0, suite.countEvents(registry.DeviceRemoved, "S2"))

	// Two consecutive misses drop the device.
	suite.reg.ApplyDiscovery([]adb.Observation{ready("S1")})
	suite.reg.ApplyDiscovery([]adb.Observation{ready("S1")})
	ev := suite.waitEvent(registry.DeviceRemoved, "S2")
	suite.Equal("S2", ev.Device.Serial)
	suite.Equal([]string{"S1"}, suite.reg.Serials())
	suite.Equal(1, suite.countEvents(registry.DeviceAdded, "S2"))
}

func (suite *RegistryTestSuite) TestChangeBurstCoalesces() {
	suite.reg.ApplyDiscovery([]adb.Observation{ready("S1")})
	suite.waitEvent(registry.DeviceAdded, "S1")

	suite.reg.ApplyDiscovery([]adb.Observation{
		{Serial: "S1", State: adb.StateDevice, Model: "Pixel 7"},
	})
	suite.reg.ApplyProbe("S1", map[string]string{"release": "14", "sdk": "34"})

	ev := suite.waitEvent(registry.DeviceChanged, "S1")
	suite.ElementsMatch([]string{"model", "android_version", "api_level"}, ev.Fields)
	suite.Equal("Pixel 7", ev.Device.Model)
	suite.Equal("14", ev.Device.AndroidVersion)
	suite.Equal("34", ev.Device.APILevel)

	// The burst produced exactly one notification.
	time.Sleep(3 * testDebounce)
	suite.Equal(1, suite.countEvents(registry.DeviceChanged, "S1"))
}

func (suite *RegistryTestSuite) TestDetailColumnsSurviveOfflineRows() {
	suite.reg.ApplyDiscovery([]adb.Observation{{
		Serial: "S1", State: adb.StateDevice,
		Model: "Pixel 7", USB: "1-4", Product: "panther", TransportID: "2",
	}})

	// Offline rows carry no detail columns; the blanks must not erase
	// what discovery already learned.
	suite.reg.ApplyDiscovery([]adb.Observation{{Serial: "S1", State: adb.StateOffline}})

	d, ok := suite.reg.Get("S1")
	suite.Require().True(ok)
	suite.Equal(adb.StateOffline, d.State)
	suite.Equal("Pixel 7", d.Model)
	suite.Equal("1-4", d.USB)
	suite.Equal("panther", d.Product)
	suite.Equal("2", d.TransportID)
}

func (suite *RegistryTestSuite) TestProbeNeverDowngradesKnownValues() {
	suite.reg.ApplyDiscovery([]adb.Observation{ready("S1")})
	suite.reg.ApplyProbe("S1", map[string]string{
		"model":       "Pixel 7",
		"release":     "14",
		"sdk":         "34",
		"fingerprint": "google/panther/14",
		"gms":         "versionName=23.45.13 (190400-570218080)",
		"abi":         "arm64-v8a",
		"wifi":        "1",
		"bt":          "0",
	})

	d, ok := suite.reg.Get("S1")
	suite.Require().True(ok)
	suite.Equal("14", d.AndroidVersion)
	suite.Equal("34", d.APILevel)
	suite.Equal("23.45.13", d.GMSVersion)
	suite.Equal("google/panther/14", d.BuildFingerprint)
	suite.Equal("arm64-v8a", d.Extended["cpu_abi"])
	suite.Equal(registry.TriOn, d.WifiOn)
	suite.Equal(registry.TriOff, d.BluetoothOn)

	// A later degraded probe (empty and unparseable values) changes
	// nothing.
	suite.reg.ApplyProbe("S1", map[string]string{
		"model": "", "release": "", "wifi": "garbage",
	})
	d, _ = suite.reg.Get("S1")
	suite.Equal("Pixel 7", d.Model)
	suite.Equal("14", d.AndroidVersion)
	suite.Equal(registry.TriOn, d.WifiOn)
}

func (suite *RegistryTestSuite) TestProbeForUnknownSerialIsIgnored() {
	suite.reg.ApplyProbe("ghost", map[string]string{"model": "Pixel"})
	_, ok := suite.reg.Get("ghost")
	suite.False(ok)
}

func (suite *RegistryTestSuite) TestExtendedAttributesLandTyped() {
	suite.reg.ApplyDiscovery([]adb.Observation{ready("S1")})
	suite.waitEvent(registry.DeviceAdded, "S1")

	suite.reg.ApplyExtended("S1", map[string]string{
		"battery_level":           "88",
		"battery_scale":           "100",
		"screen_size":             "1080x2400",
		"audio_state":             "mode: MODE_NORMAL",
		"bluetooth_manager_state": "ON",
	})

	d, ok := suite.reg.Get("S1")
	suite.Require().True(ok)
	suite.Equal("88", d.Extended["battery_level"])
	suite.Equal("100", d.Extended["battery_scale"])
	suite.Equal("1080x2400", d.Extended["screen_size"])
	suite.Equal("mode: MODE_NORMAL", d.AudioState)
	suite.Equal("ON", d.BluetoothManagerState)

	ev := suite.waitEvent(registry.DeviceChanged, "S1")
	suite.Contains(ev.Fields, "battery_level")
	suite.Contains(ev.Fields, "audio_state")
	suite.Contains(ev.Fields, "bluetooth_manager_state")
}

func (suite *RegistryTestSuite) TestInvalidateSkipsHysteresisAndPending() {
	suite.reg.ApplyDiscovery([]adb.Observation{ready("S1")})
	suite.waitEvent(registry.DeviceAdded, "S1")

	// Queue a change, then invalidate before the debounce fires.
	suite.reg.ApplyProbe("S1", map[string]string{"release": "14"})
	suite.True(suite.reg.Invalidate("S1"))

	suite.waitEvent(registry.DeviceRemoved, "S1")
	suite.Empty(suite.reg.Serials())

	time.Sleep(3 * testDebounce)
	suite.Equal(0, suite.countEvents(registry.DeviceChanged, "S1"))
	suite.False(suite.reg.Invalidate("S1"))
}

func (suite *RegistryTestSuite) TestRequire() {
	suite.reg.ApplyDiscovery([]adb.Observation{
		ready("S1"),
		{Serial: "S2", State: adb.StateUnauthorized},
	})

	d, err := suite.reg.Require("S1")
	suite.NoError(err)
	suite.Equal("S1", d.Serial)

	_, err = suite.reg.Require("S2")
	suite.Require().Error(err)
	var unavail *registry.UnavailableError
	suite.ErrorAs(err, &unavail)
	suite.Equal(adb.StateUnauthorized, unavail.State)
	suite.True(errors.Is(err, &registry.UnavailableError{}))
	suite.True(errors.Is(err, &registry.UnavailableError{Serial: "S2"}))
	suite.False(errors.Is(err, &registry.UnavailableError{Serial: "S1"}))

	_, err = suite.reg.Require("missing")
	suite.ErrorAs(err, &unavail)
}

func (suite *RegistryTestSuite) TestDevicesAreSortedSnapshots() {
	suite.reg.ApplyDiscovery([]adb.Observation{ready("S-b"), ready("S-a")})

	devices := suite.reg.Devices()
	suite.Require().Len(devices, 2)
	suite.Equal("S-a", devices[0].Serial)
	suite.Equal("S-b", devices[1].Serial)

	// Mutating a snapshot must not leak into the registry.
	devices[0].Extended["battery_level"] = "1"
	d, _ := suite.reg.Get("S-a")
	suite.Empty(d.Extended["battery_level"])
}

func TestRegistryTestSuite(t *testing.T) {
	suitelib.Run(t, new(RegistryTestSuite))
}

func TestParseTri(t *testing.T) {
	cases := map[string]registry.TriState{
		"1":        registry.TriOn,
		"true":     registry.TriOn,
		"Enabled":  registry.TriOn,
		"0":        registry.TriOff,
		"false":    registry.TriOff,
		"disabled": registry.TriOff,
		"":         registry.TriUnknown,
		"null":     registry.TriUnknown,
	}
	for raw, want := range cases {
		if got := registry.ParseTri(raw); got != want {
			t.Errorf("ParseTri(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestDisplayName(t *testing.T) {
	d := registry.Device{Serial: "S1"}
	if got := d.DisplayName(); got != "S1" {
		t.Errorf("DisplayName = %s", got)
	}
	d.Model = "Pixel 7"
	if got := d.DisplayName(); got != "Pixel 7" {
		t.Errorf("DisplayName = %s", got)
	}
}
