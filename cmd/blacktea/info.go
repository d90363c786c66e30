package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blacktea/internal/fileops"
	"github.com/srg/blacktea/pkg/fleet"
)

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Export a device report",
	Long: `Writes a report of the targeted devices: identity, build, radio
states, and the probed extended attributes. Formats: text, json, yaml.`,
	RunE: runInfo,
}

var (
	infoTargets targetFlags
	infoFormat  string
	infoOutput  string
)

func init() {
	infoTargets.register(infoCmd)
	infoCmd.Flags().StringVarP(&infoFormat, "format", "f", "text", "Report format (text, json, yaml)")
	infoCmd.Flags().StringVarP(&infoOutput, "output", "o", "", "Report path (default: device_info_<timestamp>.<ext> in the current dir)")
}

func runInfo(cmd *cobra.Command, args []string) error {
	format, err := fileops.ParseFormat(infoFormat)
	if err != nil {
		return err
	}

	return runWithController(cmd, func(ctx context.Context, ctrl *fleet.Controller) error {
		serials, err := infoTargets.resolve(ctrl)
		if err != nil {
			return err
		}

		path := infoOutput
		if path == "" {
			path = fmt.Sprintf("device_info_%s.%s", time.Now().Format("20060102_150405"), formatExt(format))
		}

		written, err := ctrl.ExportDeviceInfo(serials, format, path)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Report for %d device(s) written to %s\n", len(serials), written)
		return nil
	})
}

func formatExt(format fileops.Format) string {
	switch format {
	case fileops.FormatJSON:
		return "json"
	case fileops.FormatYAML:
		return "yaml"
	}
	return "txt"
}
