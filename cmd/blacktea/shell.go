package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srg/blacktea/internal/shellcmd"
	"github.com/srg/blacktea/pkg/fleet"
)

// shellCmd represents the shell command
var shellCmd = &cobra.Command{
	Use:   "shell [command...]",
	Short: "Run a shell command on targeted devices",
	Long: `Runs one shell command on every targeted device in parallel and prints
the output grouped per device.

With --script, runs a file of commands instead: one command per line,
blank lines and # comments skipped. Commands run sequentially; each one
fans out across the targets before the next starts.

Examples:
  blacktea shell getprop ro.build.version.release
  blacktea shell -s SERIAL1 -s SERIAL2 "dumpsys battery | grep level"
  blacktea shell -g lab --script warmup.txt`,
	RunE: runShell,
}

var (
	shellTargets targetFlags
	shellScript  string
)

func init() {
	shellTargets.register(shellCmd)
	shellCmd.Flags().StringVar(&shellScript, "script", "", "Run commands from a file instead of the arguments")
}

func runShell(cmd *cobra.Command, args []string) error {
	if shellScript == "" && len(args) == 0 {
		return fmt.Errorf("nothing to run: give a command or --script")
	}
	if shellScript != "" && len(args) > 0 {
		return fmt.Errorf("--script and a command argument are mutually exclusive")
	}

	return runWithController(cmd, func(ctx context.Context, ctrl *fleet.Controller) error {
		serials, err := shellTargets.resolve(ctrl)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()

		if shellScript != "" {
			content, err := os.ReadFile(shellScript)
			if err != nil {
				return fmt.Errorf("read script: %w", err)
			}
			blocks, err := ctrl.RunShellScript(ctx, serials, string(content))
			if err != nil {
				return err
			}
			failed := 0
			for i, block := range blocks {
				if i > 0 {
					fmt.Fprintln(out)
				}
				displayBlock(out, block)
				failed += block.Failed()
			}
			return fanOutError("script", failed, len(blocks)*len(serials))
		}

		block, err := ctrl.RunShell(ctx, serials, strings.Join(args, " "))
		if err != nil {
			return err
		}
		displayBlock(out, block)
		return fanOutError("command", block.Failed(), len(block.Results))
	})
}

// displayBlock prints one command's fan-out, output grouped per device.
func displayBlock(out io.Writer, block *shellcmd.Block) {
	fmt.Fprintf(out, "$ %s\n", block.Command)
	for _, r := range block.Results {
		name := r.Serial
		if r.Device != "" && r.Device != r.Serial {
			name = fmt.Sprintf("%s (%s)", r.Serial, r.Device)
		}
		fmt.Fprintf(out, "%s:\n", name)
		if r.Err != nil {
			fmt.Fprintf(out, "  error: %v\n", r.Err)
			continue
		}
		if len(r.Lines) == 0 {
			fmt.Fprintln(out, "  (no output)")
			continue
		}
		for _, line := range r.Lines {
			fmt.Fprintf(out, "  %s\n", line)
		}
	}
}
