// Package adb runs the host adb client as child processes and parses its
// output. It is the only package that talks to adb; everything above it
// works with typed results and errors.
package adb

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Timeout budgets per operation class.
const (
	DefaultTimeout    = 30 * time.Second
	ScreenshotTimeout = 15 * time.Second
	InstallTimeout    = 120 * time.Second
	BugreportTimeout  = 120 * time.Second
	RecordingTimeout  = 300 * time.Second
)

// Resolve locates the adb binary: explicit override first, then $PATH,
// then the platform-tools directory of an Android SDK install.
func Resolve(override string) (string, error) {
	if override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", fmt.Errorf("%w: %s", ErrNotFound, override)
		}
		return override, nil
	}
	if p, err := exec.LookPath("adb"); err == nil {
		return p, nil
	}
	for _, env := range []string{"ANDROID_HOME", "ANDROID_SDK_ROOT"} {
		root := os.Getenv(env)
		if root == "" {
			continue
		}
		p := filepath.Join(root, "platform-tools", "adb")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", ErrNotFound
}

// RestartServer performs one kill-server/start-server cycle. This is the
// single implicit recovery attempt made when the host server dies
// underneath us; a second failure surfaces to the caller.
func RestartServer(ctx context.Context, r Runner) error {
	// kill-server against an already-dead server fails; ignore it.
	_, _ = r.Run(ctx, DefaultTimeout, KillServer()...)
	if _, err := r.Run(ctx, DefaultTimeout, StartServer()...); err != nil {
		return fmt.Errorf("restart adb server: %w", err)
	}
	return nil
}

// SplitLines normalizes CRLF line endings and splits into lines,
// dropping trailing empties left by the final newline.
func SplitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
