package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srg/blacktea/pkg/fleet"
)

// bugreportCmd represents the bugreport command
var bugreportCmd = &cobra.Command{
	Use:   "bugreport",
	Short: "Pull bug reports from targeted devices",
	Long: `Generates a full bug report on every targeted device and pulls it to
the output directory. Bug reports take a couple of minutes per device;
devices run in parallel.`,
	RunE: runBugreport,
}

var (
	bugreportTargets targetFlags
	bugreportOutput  string
)

func init() {
	bugreportTargets.register(bugreportCmd)
	bugreportCmd.Flags().StringVarP(&bugreportOutput, "output", "o", "", "Output directory (default: configured bug reports dir)")
}

func runBugreport(cmd *cobra.Command, args []string) error {
	return runWithController(cmd, func(ctx context.Context, ctrl *fleet.Controller) error {
		serials, err := bugreportTargets.resolve(ctrl)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Generating bug reports on %d device(s), this takes a while...\n", len(serials))
		sum, err := ctrl.BugReport(ctx, serials, bugreportOutput)
		if err != nil {
			return err
		}
		displayFileSummary(cmd.OutOrStdout(), "Bug reports", sum)
		return fanOutError("bugreport", sum.Failed, len(sum.Results))
	})
}
