package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blacktea/internal/adb"
	"github.com/srg/blacktea/internal/registry"
	"github.com/srg/blacktea/pkg/fleet"
)

// devicesCmd represents the devices command
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List connected devices",
	Long: `Lists every device the adb server knows about, with its identity and
connection state. Ready devices carry model, Android version, and API
level once the first probe round completes.`,
	RunE: runDevices,
}

var devicesFormat string

func init() {
	devicesCmd.Flags().StringVarP(&devicesFormat, "format", "f", "table", "Output format (table, json)")
}

func runDevices(cmd *cobra.Command, args []string) error {
	if devicesFormat != "table" && devicesFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", devicesFormat)
	}

	return runWithController(cmd, func(ctx context.Context, ctrl *fleet.Controller) error {
		devices := ctrl.Devices()
		if devicesFormat == "json" {
			return displayDevicesJSON(cmd.OutOrStdout(), devices)
		}
		return displayDevicesTable(cmd.OutOrStdout(), devices)
	})
}

func displayDevicesTable(out io.Writer, devices []registry.Device) error {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices connected")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERIAL\tMODEL\tANDROID\tAPI\tBATTERY\tSTATE")
	fmt.Fprintln(w, strings.Repeat("-", 72))

	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.Serial,
			orDash(d.Model),
			orDash(d.AndroidVersion),
			orDash(d.APILevel),
			batteryCell(d),
			// State goes last so the ANSI color codes cannot skew
			// tabwriter's column widths.
			colorState(d.State))
	}

	return w.Flush()
}

func displayDevicesJSON(out io.Writer, devices []registry.Device) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(devices)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func batteryCell(d registry.Device) string {
	level := d.Extended["battery_level"]
	if level == "" {
		return "-"
	}
	return level + "%"
}

func colorState(state adb.DeviceState) string {
	switch state {
	case adb.StateDevice:
		return color.GreenString(string(state))
	case adb.StateUnauthorized:
		return color.YellowString(string(state))
	case adb.StateOffline:
		return color.RedString(string(state))
	}
	return string(state)
}
