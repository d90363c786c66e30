package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/srg/blacktea/internal/adb"
	"github.com/srg/blacktea/internal/ptyio"
)

// consoleCmd represents the console command
var consoleCmd = &cobra.Command{
	Use:   "console <serial>",
	Short: "Open an interactive shell on one device",
	Long: `Opens an interactive adb shell on the device, on a real local PTY:
raw mode, window resizes, and control sequences all pass through, so
full-screen tools on the device work as they would over a serial line.

The session ends when the device shell exits (exit or Ctrl+D).`,
	Args: cobra.ExactArgs(1),
	RunE: runConsole,
}

func runConsole(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	// The console talks to adb directly; a full controller with
	// discovery would only add startup latency to an interactive
	// session.
	adbFlag, _ := cmd.Flags().GetString("adb")
	adbPath, err := adb.Resolve(adbFlag)
	if err != nil {
		return err
	}

	serial := args[0]
	sess, err := ptyio.Start(exec.Command(adbPath, "-s", serial, "shell", "-t"), &ptyio.Options{
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	// Keep the device shell's view of the window in sync.
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			_ = sess.Resize()
		}
	}()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	err = sess.Wait(ctx)

	// Leave raw mode before printing anything, or the line endings
	// stairstep.
	_ = sess.Close()

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return err
		}
		// The device shell's own exit code is not our failure.
		logger.WithField("code", exitErr.ExitCode()).Debug("device shell exited nonzero")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Console closed")
	return nil
}
