package main

import (
	"errors"
	"fmt"

	"github.com/srg/blacktea/internal/adb"
	"github.com/srg/blacktea/pkg/fleet"
)

// partialError marks a fan-out where some devices failed while others
// succeeded. It carries its own exit code so main can tell the two
// failure shapes apart.
type partialError struct {
	what   string
	failed int
	total  int
}

func (e *partialError) Error() string {
	return fmt.Sprintf("%s failed on %d of %d devices", e.what, e.failed, e.total)
}

func (e *partialError) ExitCode() int { return fleet.ExitPartialFailure }

// fanOutError folds per-device failure counts into the command error:
// nil when everything succeeded, partialError on a split, and a plain
// error when every device failed.
func fanOutError(what string, failed, total int) error {
	switch {
	case failed == 0:
		return nil
	case failed < total:
		return &partialError{what: what, failed: failed, total: total}
	default:
		return fmt.Errorf("%s failed on all %d devices", what, total)
	}
}

// exitCode maps a command error to the process exit code. Errors that
// know their own code win over the fleet-level mapping.
func exitCode(err error) int {
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	return fleet.ExitCodeFor(err)
}

// formatUserError rewrites well-known failures into actionable text.
func formatUserError(err error) string {
	switch {
	case errors.Is(err, adb.ErrNotFound):
		return "adb binary not found; install Android platform-tools or pass --adb"
	case errors.Is(err, fleet.ErrNoDevices):
		return fmt.Sprintf("%v (check `blacktea devices` for connected hardware)", err)
	}
	return err.Error()
}
