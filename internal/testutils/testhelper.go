package testutils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

// NewTestLogger returns a debug-level logger that stays silent unless
// go test runs with -v.
func NewTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)
	if !testing.Verbose() {
		log.SetOutput(io.Discard)
	}
	return log
}

// LoadFixture reads a fixture and fails the test when it is missing.
// The path is tried as given first (covers package-local testdata/),
// then relative to the repository root.
func LoadFixture(tb testing.TB, rel string) string {
	tb.Helper()
	if data, err := os.ReadFile(rel); err == nil {
		return string(data)
	}
	root, err := repoRoot()
	if err != nil {
		tb.Fatalf("locate repository root: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, rel))
	if err != nil {
		tb.Fatalf("read fixture: %v", err)
	}
	return string(data)
}

// repoRoot walks up from the working directory to the module root.
func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found above %s", dir)
		}
		dir = parent
	}
}
