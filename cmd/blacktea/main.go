package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"

	"github.com/srg/blacktea/pkg/fleet"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blacktea",
	Short: "Multi-device Android fleet tool",
	Long: `Command-line tool that drives every connected Android device through adb:

- Discover and monitor connected devices
- Fan shell commands and script files out across the fleet
- Record screens, capture screenshots, and pull bug reports
- Install APKs and reboot devices in parallel
- Watch the Bluetooth stack live via dumpsys and logcat
- Open an interactive device shell on a real PTY
- Launch scrcpy screen mirroring

Devices are addressed by serial (--serial), saved device group (--group),
or --all. With no selection, commands target every connected device.`,
	Version: formatVersion(fleet.VersionString()),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit path, keep it quiet
		if errors.Is(err, context.Canceled) {
			os.Exit(fleet.ExitCancelled)
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", formatUserError(err))
		os.Exit(exitCode(err))
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	// Add subcommands
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(screenshotCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(rebootCmd)
	rootCmd.AddCommand(bugreportCmd)
	rootCmd.AddCommand(uidumpCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(bluetoothCmd)
	rootCmd.AddCommand(consoleCmd)
	rootCmd.AddCommand(scrcpyCmd)
	rootCmd.AddCommand(groupsCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("adb", "", "Path to the adb binary (default: $PATH, then $ANDROID_HOME/platform-tools)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
