package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PathError explains why a user-supplied path was rejected. Path
// validation reports through values, not panics: bad input is an
// expected condition here.
type PathError struct {
	Input  string
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("path %q: %s", e.Input, e.Reason)
}

// NormalizeOutputPath expands a leading ~, makes the path absolute, and
// verifies nothing non-directory sits at the target. The directory
// itself does not have to exist yet; creation belongs to the operation
// that writes into it. The returned error is always a *PathError.
func NormalizeOutputPath(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", &PathError{Input: input, Reason: "empty path"}
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			return "", &PathError{Input: input, Reason: "cannot resolve home directory"}
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed[1:], "/"))
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", &PathError{Input: input, Reason: err.Error()}
	}
	if info, err := os.Stat(abs); err == nil && !info.IsDir() {
		return "", &PathError{Input: input, Reason: "exists and is not a directory"}
	}
	return abs, nil
}

// EnsureDir creates the directory if needed.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create output dir %s: %w", path, err)
	}
	return nil
}
