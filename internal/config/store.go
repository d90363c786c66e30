package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// VersionError is returned by Save when the on-disk file was written by
// a newer major version. The file stays readable; we refuse to clobber
// keys we cannot represent.
type VersionError struct {
	FileVersion string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("settings file written by newer version %s; refusing to overwrite", e.FileVersion)
}

// Store owns the settings file. All access goes through the store's
// lock; callers get copies, never the live struct.
type Store struct {
	path string
	log  *logrus.Logger

	mu       sync.Mutex
	settings *Settings
	raw      *orderedmap.OrderedMap[string, json.RawMessage]
	readOnly bool
}

// NewStore creates a store for the file at path, initialized with
// defaults until Load is called.
func NewStore(path string, log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.New()
	}
	return &Store{
		path:     path,
		log:      log,
		settings: DefaultSettings(),
		raw:      orderedmap.New[string, json.RawMessage](),
	}
}

// DefaultPath places the settings file under the user config directory.
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "blacktea", "settings.json")
	}
	return "blacktea-settings.json"
}

// Path reports the backing file location.
func (s *Store) Path() string { return s.path }

// ReadOnly reports whether Save is disabled by version gating.
func (s *Store) ReadOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readOnly
}

// Load reads the file. A missing file is not an error: the store keeps
// its defaults and the first Save creates it. Unknown top-level keys are
// retained for the next Save.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.settings = DefaultSettings()
		s.raw = orderedmap.New[string, json.RawMessage]()
		s.readOnly = false
		return nil
	}
	if err != nil {
		return fmt.Errorf("load settings %s: %w", s.path, err)
	}

	raw := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(data, raw); err != nil {
		return fmt.Errorf("load settings %s: %w", s.path, err)
	}
	// Defaults first, then the file on top: absent keys keep defaults.
	st := DefaultSettings()
	if err := json.Unmarshal(data, st); err != nil {
		return fmt.Errorf("load settings %s: %w", s.path, err)
	}
	if st.DeviceGroups == nil {
		st.DeviceGroups = map[string][]string{}
	}

	s.raw = raw
	s.settings = st
	s.readOnly = majorOf(st.Version) > majorOf(CurrentVersion)
	if s.readOnly {
		s.log.WithFields(logrus.Fields{
			"file_version": st.Version,
			"own_version":  CurrentVersion,
		}).Warn("settings written by a newer version; loading read-only")
	}
	return nil
}

// Save writes the file, preserving unknown keys in their original
// position and appending new known keys at the end.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if s.readOnly {
		return &VersionError{FileVersion: s.settings.Version}
	}
	s.settings.Version = CurrentVersion

	for _, kv := range []struct {
		key string
		val any
	}{
		{"version", s.settings.Version},
		{"ui", s.settings.UI},
		{"output", s.settings.Output},
		{"device_groups", s.settings.DeviceGroups},
		{"command_history", s.settings.CommandHistory},
	} {
		b, err := json.Marshal(kv.val)
		if err != nil {
			return fmt.Errorf("save settings: marshal %s: %w", kv.key, err)
		}
		s.raw.Set(kv.key, json.RawMessage(b))
	}

	out, err := json.MarshalIndent(s.raw, "", "  ")
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	out = append(out, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// Settings returns a copy of the current settings.
func (s *Store) Settings() *Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.Clone()
}

// Mutate applies fn under the lock and persists the result.
func (s *Store) Mutate(fn func(*Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.settings)
	return s.saveLocked()
}

// ResolveGroup returns the serials of a named device group. Membership
// references serials, not device objects; serials that no longer match
// a connected device are the caller's concern.
func (s *Store) ResolveGroup(name string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	serials, ok := s.settings.DeviceGroups[name]
	if !ok {
		return nil, false
	}
	return append([]string(nil), serials...), true
}

// SetGroup creates or replaces a device group.
func (s *Store) SetGroup(name string, serials []string) error {
	return s.Mutate(func(st *Settings) {
		st.DeviceGroups[name] = append([]string(nil), serials...)
	})
}

// RemoveGroup deletes a group, reporting whether it existed.
func (s *Store) RemoveGroup(name string) (bool, error) {
	var existed bool
	err := s.Mutate(func(st *Settings) {
		_, existed = st.DeviceGroups[name]
		delete(st.DeviceGroups, name)
	})
	return existed, err
}

// GroupNames lists groups in stable order.
func (s *Store) GroupNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.settings.DeviceGroups))
	for name := range s.settings.DeviceGroups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PushHistory records cmd most-recent-first, deduplicated, capped at
// historyLimit entries.
func (s *Store) PushHistory(cmd string) error {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.settings.CommandHistory)+1)
	out = append(out, cmd)
	for _, h := range s.settings.CommandHistory {
		if h != cmd {
			out = append(out, h)
		}
	}
	if len(out) > historyLimit {
		out = out[:historyLimit]
	}
	s.settings.CommandHistory = out
	return s.saveLocked()
}

func majorOf(version string) int {
	head, _, _ := strings.Cut(version, ".")
	n, err := strconv.Atoi(strings.TrimSpace(head))
	if err != nil {
		return -1
	}
	return n
}
