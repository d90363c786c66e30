package main

import (
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blacktea/internal/testutils"
)

// DevicesCommandSuite isolates the devices command's package-level
// flag state between tests.
type DevicesCommandSuite struct {
	suite.Suite
	originalNoColor bool
	originalFormat  string
}

func (suite *DevicesCommandSuite) SetupSuite() {
	suite.originalNoColor = color.NoColor
	suite.originalFormat = devicesFormat
	// Table cells must compare as plain text regardless of the test
	// runner's terminal.
	color.NoColor = true
}

func (suite *DevicesCommandSuite) TearDownSuite() {
	color.NoColor = suite.originalNoColor
	devicesFormat = suite.originalFormat
}

func (suite *DevicesCommandSuite) SetupTest() {
	devicesFormat = "table"
}

func (suite *DevicesCommandSuite) TestTableOutput() {
	// GOAL: Verify the default table carries identity and state for
	// every discovered device
	//
	// TEST SCENARIO: Execute devices against one ready and one
	// unauthorized device -> table lists both with colored state text

	installFactory(suite.T(), discoveryRunner())

	out, err := executeCommand(commandTree(devicesCmd), "devices")
	suite.Require().NoError(err, "devices MUST succeed with connected hardware")

	suite.Assert().Contains(out, "SERIAL", "header row MUST be present")
	suite.Assert().Contains(out, "S1")
	suite.Assert().Contains(out, "Pixel 7", "model MUST render with the underscore decoded")
	suite.Assert().Contains(out, "device")
	suite.Assert().Contains(out, "S2")
	suite.Assert().Contains(out, "unauthorized")
}

func (suite *DevicesCommandSuite) TestJSONOutput() {
	// GOAL: Verify --format json emits the registry snapshot verbatim
	//
	// TEST SCENARIO: Execute devices --format json -> output parses as
	// the two-device array with probe fields at their defaults

	installFactory(suite.T(), discoveryRunner())

	out, err := executeCommand(commandTree(devicesCmd), "devices", "--format=json")
	suite.Require().NoError(err)

	ja := testutils.NewJSONAsserter(suite.T(), testutils.WithIgnoredFields("FirstSeen", "LastSeen"))
	ja.Assert(out, `[
  {
    "Serial": "S1",
    "USB": "1-1",
    "Product": "panther",
    "State": "device",
    "Model": "Pixel 7",
    "DeviceName": "panther",
    "TransportID": "1",
    "AndroidVersion": "",
    "APILevel": "",
    "GMSVersion": "",
    "BuildFingerprint": "",
    "WifiOn": "unknown",
    "BluetoothOn": "unknown",
    "AudioState": "",
    "BluetoothManagerState": "",
    "Extended": {}
  },
  {
    "Serial": "S2",
    "USB": "1-2",
    "Product": "",
    "State": "unauthorized",
    "Model": "",
    "DeviceName": "",
    "TransportID": "2",
    "AndroidVersion": "",
    "APILevel": "",
    "GMSVersion": "",
    "BuildFingerprint": "",
    "WifiOn": "unknown",
    "BluetoothOn": "unknown",
    "AudioState": "",
    "BluetoothManagerState": "",
    "Extended": {}
  }
]`)
}

func (suite *DevicesCommandSuite) TestRejectsUnknownFormat() {
	// GOAL: Verify format validation fires before any adb traffic
	//
	// TEST SCENARIO: Execute devices with a bogus format -> error names
	// the accepted values and no controller is built

	_, err := executeCommand(commandTree(devicesCmd), "devices", "--format=xml")
	suite.Require().Error(err)
	suite.Assert().Contains(err.Error(), "invalid format 'xml': must be one of [table json]")
}

func (suite *DevicesCommandSuite) TestEmptyFleet() {
	// GOAL: Verify an empty adb listing renders the placeholder line
	//
	// TEST SCENARIO: Execute devices with only the listing header
	// scripted -> output is the no-devices notice

	runner := testutils.NewScriptedRunner()
	runner.StubLines("start-server")
	runner.StubLines("devices -l", "List of devices attached")
	installFactory(suite.T(), runner)

	out, err := executeCommand(commandTree(devicesCmd), "devices")
	suite.Require().NoError(err)
	suite.Assert().Contains(out, "No devices connected")
}

func TestDevicesCommandSuite(t *testing.T) {
	suite.Run(t, new(DevicesCommandSuite))
}
