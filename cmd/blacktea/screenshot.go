package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/srg/blacktea/internal/fileops"
	"github.com/srg/blacktea/pkg/fleet"
)

// screenshotCmd represents the screenshot command
var screenshotCmd = &cobra.Command{
	Use:   "screenshot",
	Short: "Capture screenshots from targeted devices",
	Long: `Captures a PNG screenshot from every targeted device in parallel and
writes them to the output directory as <timestamp>_<serial>.png.`,
	RunE: runScreenshot,
}

var (
	screenshotTargets targetFlags
	screenshotOutput  string
)

func init() {
	screenshotTargets.register(screenshotCmd)
	screenshotCmd.Flags().StringVarP(&screenshotOutput, "output", "o", "", "Output directory (default: configured screenshots dir)")
}

func runScreenshot(cmd *cobra.Command, args []string) error {
	return runWithController(cmd, func(ctx context.Context, ctrl *fleet.Controller) error {
		serials, err := screenshotTargets.resolve(ctrl)
		if err != nil {
			return err
		}
		sum, err := ctrl.TakeScreenshot(ctx, serials, screenshotOutput)
		if err != nil {
			return err
		}
		displayFileSummary(cmd.OutOrStdout(), "Screenshots", sum)
		return fanOutError("screenshot", sum.Failed, len(sum.Results))
	})
}

// displayFileSummary prints one artifact fan-out: per-device paths or
// errors, then the tally line.
func displayFileSummary(out io.Writer, what string, sum *fileops.Summary) {
	for _, r := range sum.Results {
		if r.Err != nil {
			fmt.Fprintf(out, "%s: error: %v\n", r.Serial, r.Err)
			continue
		}
		for _, p := range r.Paths {
			fmt.Fprintf(out, "%s: %s\n", r.Serial, p)
		}
	}
	fmt.Fprintf(out, "%s: %d succeeded, %d failed (%s)\n",
		what, sum.Succeeded, sum.Failed, sum.Duration.Round(timeRounding))
}
