package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srg/blacktea/pkg/fleet"
)

// scrcpyCmd represents the scrcpy command
var scrcpyCmd = &cobra.Command{
	Use:   "scrcpy [serial] [-- scrcpy-args...]",
	Short: "Mirror a device screen with scrcpy",
	Long: `Launches scrcpy for one device and returns; the mirror window keeps
running on its own. Arguments after -- pass through to scrcpy. With a
single connected device the serial can be omitted.

Examples:
  blacktea scrcpy
  blacktea scrcpy SERIAL1 -- --no-audio --max-fps 30`,
	Args: cobra.ArbitraryArgs,
	RunE: runScrcpy,
}

func runScrcpy(cmd *cobra.Command, args []string) error {
	// Everything after -- belongs to scrcpy, not to us.
	extra := []string{}
	if at := cmd.Flags().ArgsLenAtDash(); at >= 0 {
		extra = args[at:]
		args = args[:at]
	}
	if len(args) > 1 {
		return fmt.Errorf("at most one serial, got %d arguments (scrcpy flags go after --)", len(args))
	}

	return runWithController(cmd, func(ctx context.Context, ctrl *fleet.Controller) error {
		serial, err := resolveOneDevice(ctrl, args)
		if err != nil {
			return err
		}
		if err := ctrl.LaunchScrcpy(serial, extra...); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "scrcpy launched for %s\n", serial)
		return nil
	})
}
