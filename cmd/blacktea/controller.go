package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blacktea/internal/config"
	"github.com/srg/blacktea/pkg/fleet"
)

const (
	shutdownWait = 3 * time.Second

	// timeRounding trims durations in human-facing output.
	timeRounding = 100 * time.Millisecond
)

// targetFlags is the device selection every fan-out command shares.
// Each command registers its own instance; cobra flags are per command.
type targetFlags struct {
	serials []string
	groups  []string
	all     bool
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.serials, "serial", "s", nil, "Target device serial(s)")
	cmd.Flags().StringSliceVarP(&f.groups, "group", "g", nil, "Target saved device group(s)")
	cmd.Flags().BoolVarP(&f.all, "all", "a", false, "Target every connected device")
}

func (f *targetFlags) resolve(ctrl *fleet.Controller) ([]string, error) {
	return ctrl.ResolveTargets(f.serials, f.groups, f.all)
}

// controllerFactory builds the fleet controller for a command run.
// Tests swap it to inject a scripted adb runner.
var controllerFactory = func(cmd *cobra.Command, logger *logrus.Logger) (*fleet.Controller, error) {
	adbPath, _ := cmd.Flags().GetString("adb")
	store := config.NewStore(config.DefaultPath(), logger)
	if err := store.Load(); err != nil {
		logger.WithError(err).Warn("settings load failed, continuing with defaults")
	}
	return fleet.New(fleet.Options{
		Logger:  logger,
		Config:  store,
		ADBPath: adbPath,
	})
}

// runWithController wraps one command body with the shared bootstrap:
// logger, controller, one synchronous discovery round, and teardown.
// The context handed to fn cancels on Ctrl+C; the controller itself
// runs on its own context so interrupted operations still shut down
// gracefully.
func runWithController(cmd *cobra.Command, fn func(ctx context.Context, ctrl *fleet.Controller) error) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctrl, err := controllerFactory(cmd, logger)
	if err != nil {
		return err
	}

	if err := ctrl.Start(context.Background()); err != nil {
		return err
	}
	defer func() { _ = ctrl.Shutdown(shutdownWait) }()

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	// Commands resolve targets immediately after this, so force one
	// discovery round instead of racing the poller's first pass.
	if err := ctrl.Poller().RunOnce(ctx); err != nil {
		return err
	}

	return fn(ctx, ctrl)
}

// resolveOneDevice picks the single device a command addresses: the
// positional serial when given, otherwise the only connected device.
func resolveOneDevice(ctrl *fleet.Controller, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	devices := ctrl.Devices()
	switch len(devices) {
	case 0:
		return "", fleet.ErrNoDevices
	case 1:
		return devices[0].Serial, nil
	}
	serials := make([]string, len(devices))
	for i, d := range devices {
		serials[i] = d.Serial
	}
	return "", fmt.Errorf("%d devices connected, pick one: %s", len(devices), strings.Join(serials, ", "))
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
