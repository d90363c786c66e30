package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/srg/blacktea/pkg/fleet"
)

// installCmd represents the install command
var installCmd = &cobra.Command{
	Use:   "install <apk>",
	Short: "Install an APK on targeted devices",
	Long: `Installs the given APK on every targeted device in parallel. A device
counts as succeeded only when adb reports Success; install errors on one
device never abort the others.`,
	Args: cobra.ExactArgs(1),
	RunE: runInstall,
}

var installTargets targetFlags

func init() {
	installTargets.register(installCmd)
}

func runInstall(cmd *cobra.Command, args []string) error {
	return runWithController(cmd, func(ctx context.Context, ctrl *fleet.Controller) error {
		serials, err := installTargets.resolve(ctrl)
		if err != nil {
			return err
		}
		results, err := ctrl.InstallAPK(ctx, serials, args[0])
		if err != nil {
			return err
		}
		displayDeviceResults(cmd.OutOrStdout(), results)
		return fanOutError("install "+filepath.Base(args[0]), fleet.FailedCount(results), len(results))
	})
}

// displayDeviceResults prints one line per device for a fan-out that
// produces no artifacts.
func displayDeviceResults(out io.Writer, results []fleet.DeviceResult) {
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(out, "%s: FAILED: %v\n", r.Serial, r.Err)
			continue
		}
		fmt.Fprintf(out, "%s: OK (%s)\n", r.Serial, r.Duration.Round(timeRounding))
	}
}
