package fileops

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srg/blacktea/internal/registry"
)

// Format selects the device-info export encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat maps user spellings to a Format.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "text", "txt":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unknown export format %q (text, json, yaml)", raw)
}

// DeviceReport is the export shape of one device.
type DeviceReport struct {
	Serial           string            `json:"serial" yaml:"serial"`
	Model            string            `json:"model,omitempty" yaml:"model,omitempty"`
	State            string            `json:"state" yaml:"state"`
	Product          string            `json:"product,omitempty" yaml:"product,omitempty"`
	AndroidVersion   string            `json:"android_version,omitempty" yaml:"android_version,omitempty"`
	APILevel         string            `json:"api_level,omitempty" yaml:"api_level,omitempty"`
	BuildFingerprint string            `json:"build_fingerprint,omitempty" yaml:"build_fingerprint,omitempty"`
	GMSVersion       string            `json:"gms_version,omitempty" yaml:"gms_version,omitempty"`
	Wifi             string            `json:"wifi,omitempty" yaml:"wifi,omitempty"`
	Bluetooth        string            `json:"bluetooth,omitempty" yaml:"bluetooth,omitempty"`
	AudioState       string            `json:"audio_state,omitempty" yaml:"audio_state,omitempty"`
	BluetoothManager string            `json:"bluetooth_manager,omitempty" yaml:"bluetooth_manager,omitempty"`
	Extended         map[string]string `json:"extended,omitempty" yaml:"extended,omitempty"`
	LastSeen         time.Time         `json:"last_seen" yaml:"last_seen"`
}

// FleetReport is the export document.
type FleetReport struct {
	GeneratedAt time.Time      `json:"generated_at" yaml:"generated_at"`
	DeviceCount int            `json:"device_count" yaml:"device_count"`
	Devices     []DeviceReport `json:"devices" yaml:"devices"`
}

// BuildReport snapshots the given devices into an export document,
// sorted by serial.
func (s *Service) BuildReport(devices []registry.Device) FleetReport {
	report := FleetReport{
		GeneratedAt: s.now(),
		DeviceCount: len(devices),
		Devices:     make([]DeviceReport, 0, len(devices)),
	}
	for _, d := range devices {
		report.Devices = append(report.Devices, DeviceReport{
			Serial:           d.Serial,
			Model:            d.Model,
			State:            string(d.State),
			Product:          d.Product,
			AndroidVersion:   d.AndroidVersion,
			APILevel:         d.APILevel,
			BuildFingerprint: d.BuildFingerprint,
			GMSVersion:       d.GMSVersion,
			Wifi:             string(d.WifiOn),
			Bluetooth:        string(d.BluetoothOn),
			AudioState:       d.AudioState,
			BluetoothManager: d.BluetoothManagerState,
			Extended:         d.Extended,
			LastSeen:         d.LastSeen,
		})
	}
	sort.Slice(report.Devices, func(i, j int) bool {
		return report.Devices[i].Serial < report.Devices[j].Serial
	})
	return report
}

// ExportDeviceInfo writes the fleet report to path in the requested
// format and returns the path.
func (s *Service) ExportDeviceInfo(devices []registry.Device, format Format, path string) (string, error) {
	report := s.BuildReport(devices)
	data, err := EncodeReport(report, format)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	s.events.Publish(Event{
		Type:    FileWritten,
		Op:      OpDeviceInfo,
		Path:    path,
		Total:   len(devices),
		Message: fmt.Sprintf("%d devices exported as %s", len(devices), format),
	})
	return path, nil
}

// EncodeReport renders a report in the requested format.
func EncodeReport(report FleetReport, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case FormatYAML:
		return yaml.Marshal(report)
	case FormatText, "":
		return renderText(report), nil
	}
	return nil, fmt.Errorf("unknown export format %q", format)
}

func renderText(report FleetReport) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "Device report, %d device(s), generated %s\n",
		report.DeviceCount, report.GeneratedAt.Format(time.RFC3339))
	for _, d := range report.Devices {
		fmt.Fprintf(&b, "\n%s\n", strings.Repeat("-", 60))
		writeField(&b, "Serial", d.Serial)
		writeField(&b, "Model", d.Model)
		writeField(&b, "State", d.State)
		writeField(&b, "Product", d.Product)
		writeField(&b, "Android", d.AndroidVersion)
		writeField(&b, "API level", d.APILevel)
		writeField(&b, "Fingerprint", d.BuildFingerprint)
		writeField(&b, "GMS version", d.GMSVersion)
		writeField(&b, "WiFi", d.Wifi)
		writeField(&b, "Bluetooth", d.Bluetooth)
		writeField(&b, "Audio", d.AudioState)
		writeField(&b, "BT manager", d.BluetoothManager)

		keys := make([]string, 0, len(d.Extended))
		for k := range d.Extended {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeField(&b, k, d.Extended[k])
		}
	}
	return []byte(b.String())
}

func writeField(b *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "  %-14s %s\n", label+":", value)
}
