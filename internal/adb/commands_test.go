package adb_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/srg/blacktea/internal/adb"
)

func TestCommandBuilders(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "devices with details",
			args: adb.DevicesWithDetails(),
			want: []string{"devices", "-l"},
		},
		{
			name: "shell",
			args: adb.Shell("SER1", "getprop ro.build.version.release"),
			want: []string{"-s", "SER1", "shell", "getprop ro.build.version.release"},
		},
		{
			name: "screenrecord has no time limit flag",
			args: adb.Screenrecord("SER1", "/sdcard/record_part01.mp4"),
			want: []string{"-s", "SER1", "shell", "screenrecord", "/sdcard/record_part01.mp4"},
		},
		{
			name: "reboot default",
			args: adb.Reboot("SER1", ""),
			want: []string{"-s", "SER1", "reboot"},
		},
		{
			name: "reboot recovery",
			args: adb.Reboot("SER1", "recovery"),
			want: []string{"-s", "SER1", "reboot", "recovery"},
		},
		{
			name: "screencap via exec-out",
			args: adb.ExecOutScreencap("SER1"),
			want: []string{"-s", "SER1", "exec-out", "screencap", "-p"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.args)
		})
	}
}

func TestBluetoothSnapshotIsSingleShellCall(t *testing.T) {
	args := adb.BluetoothSnapshot("SER1")

	assert.Equal(t, []string{"-s", "SER1", "shell"}, args[:3])
	assert.Len(t, args, 4)
	assert.Contains(t, args[3], "dumpsys bluetooth_manager")
	assert.Contains(t, args[3], "---SEPARATOR---")
	assert.Contains(t, args[3], "dumpsys bluetooth_adapter")
}

func TestCombinedProbeIsSingleShellCall(t *testing.T) {
	args := adb.CombinedProbe("SER1")

	assert.Len(t, args, 4)
	script := args[3]
	for _, key := range []string{"model=", "release=", "sdk=", "fingerprint=", "wifi=", "bt="} {
		assert.Contains(t, script, key)
	}
	assert.Equal(t, 1, strings.Count(strings.Join(args, " "), "shell"))
}
