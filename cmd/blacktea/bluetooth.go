package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srg/blacktea/internal/bluetooth"
	"github.com/srg/blacktea/pkg/fleet"
)

// bluetoothCmd represents the bluetooth command
var bluetoothCmd = &cobra.Command{
	Use:   "bluetooth [serial]",
	Short: "Watch the Bluetooth stack of one device",
	Long: `Monitors one device's Bluetooth stack live: periodic dumpsys snapshots
and streamed logcat events, folded into a resolved state (SCANNING,
ADVERTISING, CONNECTED, ...). Runs until Ctrl+C. With a single connected
device the serial can be omitted.

Examples:
  blacktea bluetooth
  blacktea bluetooth SERIAL1 --events`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBluetooth,
}

var bluetoothShowEvents bool

func init() {
	bluetoothCmd.Flags().BoolVar(&bluetoothShowEvents, "events", false, "Also print every parsed logcat event")
}

func runBluetooth(cmd *cobra.Command, args []string) error {
	return runWithController(cmd, func(ctx context.Context, ctrl *fleet.Controller) error {
		serial, err := resolveOneDevice(ctrl, args)
		if err != nil {
			return err
		}
		svc, err := ctrl.BluetoothService(serial)
		if err != nil {
			return err
		}

		sub := svc.Events().Subscribe(64)
		defer sub.Close()

		if err := svc.Start(ctx); err != nil {
			return err
		}
		defer svc.Stop(true)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Watching Bluetooth on %s; press Ctrl+C to stop\n", serial)

		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-sub.C():
				if !ok {
					return nil
				}
				displayBluetoothEvent(out, ev)
			}
		}
	})
}

func displayBluetoothEvent(out io.Writer, ev bluetooth.Event) {
	switch ev.Kind {
	case bluetooth.StateUpdated:
		if ev.Update == nil || !ev.Update.Changed {
			return
		}
		displayBluetoothSummary(out, ev.Update.Summary)
	case bluetooth.EventParsed:
		if !bluetoothShowEvents || ev.Parsed == nil {
			return
		}
		fmt.Fprintf(out, "%s  %-17s %s\n",
			ev.Parsed.Timestamp.Format("15:04:05.000"), ev.Parsed.Type, ev.Parsed.Message)
	case bluetooth.ErrorOccurred:
		fmt.Fprintf(out, "error: %s\n", ev.Message)
	}
}

func displayBluetoothSummary(out io.Writer, sum bluetooth.StateSummary) {
	states := make([]string, len(sum.States))
	for i, st := range sum.States {
		states[i] = string(st)
	}

	line := fmt.Sprintf("%s  %s", sum.Timestamp.Format("15:04:05"), strings.Join(states, "+"))
	var details []string
	if n := len(sum.Metrics.ScanClients); n > 0 {
		details = append(details, fmt.Sprintf("%d scan client(s)", n))
	}
	if sum.Metrics.AdvertisingSets > 0 {
		details = append(details, fmt.Sprintf("%d advertising set(s)", sum.Metrics.AdvertisingSets))
	}
	if sum.Metrics.BondedCount > 0 {
		details = append(details, fmt.Sprintf("%d bonded", sum.Metrics.BondedCount))
	}
	if n := len(sum.Metrics.ConnectedProfiles); n > 0 {
		details = append(details, "profiles "+strings.Join(sum.Metrics.ConnectedProfiles, ","))
	}
	if len(details) > 0 {
		line += " (" + strings.Join(details, ", ") + ")"
	}
	fmt.Fprintln(out, line)
}
