package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srg/blacktea/pkg/fleet"
)

// uidumpCmd represents the uidump command
var uidumpCmd = &cobra.Command{
	Use:   "uidump [serial]",
	Short: "Dump the UI hierarchy of one device",
	Long: `Captures the current UI hierarchy XML of one device together with a
matching screenshot, into a directory scoped to this dump. With a single
connected device the serial can be omitted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runUIDump,
}

var uidumpOutput string

func init() {
	uidumpCmd.Flags().StringVarP(&uidumpOutput, "output", "o", "", "Output directory (default: configured screenshots dir)")
}

func runUIDump(cmd *cobra.Command, args []string) error {
	return runWithController(cmd, func(ctx context.Context, ctrl *fleet.Controller) error {
		serial, err := resolveOneDevice(ctrl, args)
		if err != nil {
			return err
		}
		dump, err := ctrl.DumpUIHierarchy(ctx, serial, uidumpOutput)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: %s\n", dump.Serial, dump.XMLPath)
		fmt.Fprintf(out, "%s: %s\n", dump.Serial, dump.PNGPath)
		return nil
	})
}
