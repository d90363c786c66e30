package adb_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blacktea/internal/adb"
)

func TestTimeoutErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("segment: %w", &adb.TimeoutError{Cmd: "pull /sdcard/x", Elapsed: 30 * time.Second})

	require.True(t, errors.Is(err, adb.ErrTimeout))

	var terr *adb.TimeoutError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "pull /sdcard/x", terr.Cmd)
}

func TestCommandErrorSingleLineMessage(t *testing.T) {
	err := &adb.CommandError{
		Cmd:      "-s SER install app.apk",
		ExitCode: 1,
		Tail:     "Performing Streamed Install\nadb: failed to install app.apk: INSTALL_FAILED_INSUFFICIENT_STORAGE",
	}

	assert.NotContains(t, err.Error(), "\n")
	assert.Contains(t, err.Error(), "INSTALL_FAILED_INSUFFICIENT_STORAGE")
	assert.Contains(t, err.Tail, "Performing Streamed Install")
}

func TestCommandErrorIs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &adb.CommandError{Cmd: "shell rm /x", ExitCode: 127})

	assert.True(t, errors.Is(err, &adb.CommandError{}), "zero prototype matches any exit code")
	assert.True(t, errors.Is(err, &adb.CommandError{ExitCode: 127}))
	assert.False(t, errors.Is(err, &adb.CommandError{ExitCode: 1}))
}

func TestIsServerFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "daemon connection refused",
			err:  &adb.CommandError{Cmd: "devices -l", ExitCode: 1, Tail: "error: cannot connect to daemon at tcp:5037: Connection refused"},
			want: true,
		},
		{
			name: "server died",
			err:  &adb.CommandError{Cmd: "devices -l", ExitCode: 1, Tail: "adb server died"},
			want: true,
		},
		{
			name: "ordinary device failure",
			err:  &adb.CommandError{Cmd: "shell ls", ExitCode: 1, Tail: "ls: /missing: No such file or directory"},
			want: false,
		},
		{
			name: "not a command error",
			err:  errors.New("boom"),
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, adb.IsServerFailure(tt.err))
		})
	}
}

func TestParseErrorMessage(t *testing.T) {
	err := &adb.ParseError{Context: "bonded_devices", Raw: "??:?? glitch"}
	assert.Contains(t, err.Error(), "bonded_devices")
	assert.Contains(t, err.Error(), "glitch")
}
