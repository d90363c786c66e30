package adb

// Command builders. Pure argv constructors keyed by serial; no builder
// touches a process. Keeping them in one place makes the subprocess
// surface auditable.

// DevicesWithDetails lists attached devices with transport details.
func DevicesWithDetails() []string {
	return []string{"devices", "-l"}
}

// Shell runs cmd through the device shell.
func Shell(serial, cmd string) []string {
	return []string{"-s", serial, "shell", cmd}
}

// Screenrecord starts an on-device capture to remotePath. No time limit
// flag: the device enforces its own 180s ceiling and the coordinator
// terminates the segment before that.
func Screenrecord(serial, remotePath string) []string {
	return []string{"-s", serial, "shell", "screenrecord", remotePath}
}

// Pull copies remote to local.
func Pull(serial, remote, local string) []string {
	return []string{"-s", serial, "pull", remote, local}
}

// RemoveRemote deletes a file on the device.
func RemoveRemote(serial, remote string) []string {
	return []string{"-s", serial, "shell", "rm", remote}
}

// ExecOutScreencap captures the screen as PNG on stdout. exec-out keeps
// the byte stream clean of pty transformations.
func ExecOutScreencap(serial string) []string {
	return []string{"-s", serial, "exec-out", "screencap", "-p"}
}

// Install installs an APK.
func Install(serial, apkPath string) []string {
	return []string{"-s", serial, "install", apkPath}
}

// Reboot restarts the device. Mode "" is a normal reboot; "recovery" and
// "bootloader" select the respective targets.
func Reboot(serial, mode string) []string {
	if mode == "" {
		return []string{"-s", serial, "reboot"}
	}
	return []string{"-s", serial, "reboot", mode}
}

// Dumpsys dumps a single system service.
func Dumpsys(serial, service string) []string {
	return []string{"-s", serial, "shell", "dumpsys", service}
}

// Logcat streams the device log with the given flags.
func Logcat(serial string, flags ...string) []string {
	args := []string{"-s", serial, "logcat"}
	return append(args, flags...)
}

// BluetoothSnapshot combines the two Bluetooth dumpsys sections in a
// single shell round trip. The separator line splits them for parsers
// that care; ours concatenates.
func BluetoothSnapshot(serial string) []string {
	return []string{"-s", serial, "shell",
		"dumpsys bluetooth_manager && echo '---SEPARATOR---' && dumpsys bluetooth_adapter"}
}

// Bugreport writes a full bug report to localPath.
func Bugreport(serial, localPath string) []string {
	return []string{"-s", serial, "bugreport", localPath}
}

// UIAutomatorDump dumps the current UI hierarchy XML to remotePath.
func UIAutomatorDump(serial, remotePath string) []string {
	return []string{"-s", serial, "shell", "uiautomator", "dump", remotePath}
}

// GetState queries the connection state of one device.
func GetState(serial string) []string {
	return []string{"-s", serial, "get-state"}
}

// KillServer stops the host adb server.
func KillServer() []string {
	return []string{"kill-server"}
}

// StartServer starts the host adb server.
func StartServer() []string {
	return []string{"start-server"}
}

// CombinedProbe fetches the cheap identity properties in one shell round
// trip, printed as key=value lines. One adb invocation per device keeps
// the discovery tick affordable on large fleets.
func CombinedProbe(serial string) []string {
	script := "echo model=$(getprop ro.product.model); " +
		"echo release=$(getprop ro.build.version.release); " +
		"echo sdk=$(getprop ro.build.version.sdk); " +
		"echo fingerprint=$(getprop ro.build.fingerprint); " +
		"echo abi=$(getprop ro.product.cpu.abilist); " +
		"echo gms=$(dumpsys package com.google.android.gms 2>/dev/null | grep -m 1 versionName); " +
		"echo wifi=$(settings get global wifi_on); " +
		"echo bt=$(settings get global bluetooth_on)"
	return []string{"-s", serial, "shell", script}
}

// ExtendedProbe fetches the slower attribute set the background
// refresher maintains: battery, screen geometry, audio and Bluetooth
// manager states.
func ExtendedProbe(serial string) []string {
	script := "dumpsys battery | grep -E 'level|scale'; " +
		"wm size; wm density; " +
		"echo audio=$(dumpsys audio | grep -m 1 -iE 'mode *[:=]'); " +
		"echo btmgr=$(dumpsys bluetooth_manager | grep -m 1 'state:')"
	return []string{"-s", serial, "shell", script}
}
