package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srg/blacktea/pkg/fleet"
)

// rebootCmd represents the reboot command
var rebootCmd = &cobra.Command{
	Use:   "reboot [mode]",
	Short: "Reboot targeted devices",
	Long: `Reboots every targeted device. An optional mode selects the boot
target: ` + strings.Join(fleet.RebootModes, ", ") + `.

Examples:
  blacktea reboot --all
  blacktea reboot recovery -s SERIAL1`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReboot,
}

var rebootTargets targetFlags

func init() {
	rebootTargets.register(rebootCmd)
}

func runReboot(cmd *cobra.Command, args []string) error {
	mode := ""
	if len(args) > 0 {
		mode = args[0]
	}

	return runWithController(cmd, func(ctx context.Context, ctrl *fleet.Controller) error {
		serials, err := rebootTargets.resolve(ctrl)
		if err != nil {
			return err
		}
		results, err := ctrl.Reboot(ctx, serials, mode)
		if err != nil {
			return err
		}
		displayDeviceResults(cmd.OutOrStdout(), results)
		return fanOutError("reboot", fleet.FailedCount(results), len(results))
	})
}
