// Package config persists user settings: output directories, UI
// preferences, device groups, and command history. The file is a single
// JSON object; keys this version does not know about survive a
// load/save round trip untouched.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// CurrentVersion is written into every saved file. A file stamped with a
// newer major version loads read-only.
const CurrentVersion = "1.0"

// historyLimit bounds the persisted command history.
const historyLimit = 50

// Settings is the persisted configuration. Field defaults come from the
// struct tags; directory defaults are derived from the home directory in
// DefaultSettings.
type Settings struct {
	Version        string              `json:"version"`
	UI             UISettings          `json:"ui"`
	Output         OutputSettings      `json:"output"`
	DeviceGroups   map[string][]string `json:"device_groups"`
	CommandHistory []string            `json:"command_history"`
}

// UISettings carries front-end preferences the core stores on behalf of
// its hosts.
type UISettings struct {
	Theme                  string  `json:"theme" default:"dark"`
	Scale                  float64 `json:"scale" default:"1.0"`
	RefreshIntervalSeconds int     `json:"refresh_interval_seconds" default:"30"`
	ConsoleVisible         bool    `json:"console_visible" default:"true"`
}

// OutputSettings holds the artifact directories.
type OutputSettings struct {
	ScreenshotDir string `json:"screenshot_dir"`
	RecordingDir  string `json:"recording_dir"`
	BugReportDir  string `json:"bug_report_dir"`
}

// DefaultSettings builds a fully-populated Settings value.
func DefaultSettings() *Settings {
	s := &Settings{Version: CurrentVersion}
	defaults.SetDefaults(s)

	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	base := filepath.Join(home, "blacktea")
	s.Output.ScreenshotDir = filepath.Join(base, "screenshots")
	s.Output.RecordingDir = filepath.Join(base, "recordings")
	s.Output.BugReportDir = filepath.Join(base, "bug_reports")
	s.DeviceGroups = map[string][]string{}
	return s
}

// Clone returns a deep copy so callers can hand settings out without
// aliasing the store's state.
func (s *Settings) Clone() *Settings {
	out := *s
	out.DeviceGroups = make(map[string][]string, len(s.DeviceGroups))
	for name, serials := range s.DeviceGroups {
		out.DeviceGroups[name] = append([]string(nil), serials...)
	}
	out.CommandHistory = append([]string(nil), s.CommandHistory...)
	return &out
}

// NewLogger creates a logger at the named level with the standard text
// format. An unparseable level falls back to info.
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
