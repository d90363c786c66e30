// Package fleet is the composition root. One Controller owns the adb
// runner, the device registry with its discovery poller and attribute
// refresher, the task dispatcher, and the operation subsystems, and
// exposes the headless API that the CLI and embedding hosts drive.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blacktea/internal/adb"
	"github.com/srg/blacktea/internal/bluetooth"
	"github.com/srg/blacktea/internal/bus"
	"github.com/srg/blacktea/internal/config"
	"github.com/srg/blacktea/internal/console"
	"github.com/srg/blacktea/internal/dispatch"
	"github.com/srg/blacktea/internal/fileops"
	"github.com/srg/blacktea/internal/opstatus"
	"github.com/srg/blacktea/internal/recording"
	"github.com/srg/blacktea/internal/registry"
	"github.com/srg/blacktea/internal/shellcmd"
)

// Process exit codes shared with the CLI.
const (
	ExitOK             = 0
	ExitADBMissing     = 1
	ExitNoDevices      = 2
	ExitPartialFailure = 3
	ExitCancelled      = 4
)

const (
	// DefaultShutdownWait bounds how long Shutdown lets subsystems
	// wind down before cutting them off.
	DefaultShutdownWait = 700 * time.Millisecond

	consoleRingSize    = 4096
	consoleFeedBacklog = 256
	settleGrace        = time.Second
)

// ErrNoDevices means a selection resolved to nothing.
var ErrNoDevices = errors.New("no matching devices")

// ErrNotStarted guards operations invoked before Start.
var ErrNotStarted = errors.New("controller not started")

// Options configures a Controller. Zero values select defaults. Runner
// replaces the resolved adb binary, which is how tests script the
// process layer.
type Options struct {
	Logger          *logrus.Logger
	Config          *config.Store
	Runner          adb.Runner
	ADBPath         string
	Workers         int
	PollInterval    time.Duration
	RefreshInterval time.Duration
}

// Controller is the fleet orchestrator.
type Controller struct {
	log    *logrus.Logger
	cfg    *config.Store
	runner adb.Runner

	registry  *registry.Registry
	poller    *registry.Poller
	refresher *registry.Refresher
	disp      *dispatch.Dispatcher
	recorder  *recording.Coordinator
	shell     *shellcmd.Executor
	files     *fileops.Service
	ops       *opstatus.Manager

	logStream *bus.Stream[console.LogRecord]
	consoleCh chan console.LogRecord
	collector *console.Collector

	btMu       sync.Mutex
	btServices map[string]*bluetooth.Service

	recMu   sync.Mutex
	recRows map[string]string

	bridgeMu sync.Mutex
	closers  []func()
	wg       sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc
	started   atomic.Bool
}

// New builds a stopped controller. When Options.Runner is nil the adb
// binary is resolved here, so a missing install fails fast with an
// error that maps to ExitADBMissing.
func New(opts Options) (*Controller, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewStore(config.DefaultPath(), log)
		if err := cfg.Load(); err != nil {
			log.WithError(err).Warn("settings load failed, continuing with defaults")
		}
	}
	runner := opts.Runner
	if runner == nil {
		path, err := adb.Resolve(opts.ADBPath)
		if err != nil {
			return nil, fmt.Errorf("fleet: %w", err)
		}
		runner = adb.NewExecRunner(path, log)
	}

	reg := registry.New(log, nil)
	disp := dispatch.New(opts.Workers, log)
	recorder := recording.New(runner, log, &recording.Options{
		Namer: func(serial string) string {
			if d, ok := reg.Get(serial); ok {
				return d.DisplayName()
			}
			return serial
		},
	})

	c := &Controller{
		log:        log,
		cfg:        cfg,
		runner:     runner,
		registry:   reg,
		poller:     registry.NewPoller(runner, reg, log),
		refresher:  registry.NewRefresher(runner, reg, log, opts.RefreshInterval),
		disp:       disp,
		recorder:   recorder,
		shell:      shellcmd.New(runner, reg, disp, log, shellcmd.Options{}),
		files:      fileops.New(runner, reg, disp, log, fileops.Options{}),
		ops:        opstatus.New(log, nil),
		logStream:  bus.NewStream[console.LogRecord](),
		consoleCh:  make(chan console.LogRecord, consoleFeedBacklog),
		btServices: make(map[string]*bluetooth.Service),
		recRows:    make(map[string]string),
	}
	if opts.PollInterval > 0 {
		c.poller.SetInterval(opts.PollInterval)
	}

	collector, err := console.NewCollector(c.consoleCh, consoleRingSize, func(err error) {
		log.WithError(err).Warn("console collector error")
	})
	if err != nil {
		return nil, fmt.Errorf("fleet: %w", err)
	}
	c.collector = collector
	return c, nil
}

// Start brings the controller up: one start-server round to make sure
// the host adb server is alive, then the dispatcher, console, poller,
// refresher, and the event bridges. The context bounds the whole run;
// cancelling it tears the background work down.
func (c *Controller) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("fleet: controller already started")
	}
	c.runCtx, c.runCancel = context.WithCancel(ctx)

	if _, err := c.runner.Run(c.runCtx, adb.DefaultTimeout, adb.StartServer()...); err != nil {
		c.runCancel()
		c.started.Store(false)
		return fmt.Errorf("fleet: adb server: %w", err)
	}

	if err := c.disp.Start(c.runCtx); err != nil {
		c.runCancel()
		c.started.Store(false)
		return fmt.Errorf("fleet: dispatcher: %w", err)
	}
	if err := c.collector.Start(); err != nil {
		c.runCancel()
		c.started.Store(false)
		return fmt.Errorf("fleet: console: %w", err)
	}
	if err := c.poller.Start(c.runCtx); err != nil {
		c.runCancel()
		c.started.Store(false)
		return fmt.Errorf("fleet: poller: %w", err)
	}
	if err := c.refresher.Start(c.runCtx); err != nil {
		c.runCancel()
		c.started.Store(false)
		return fmt.Errorf("fleet: refresher: %w", err)
	}

	c.startBridges()
	c.logf(console.SourceSystem, "", "controller started")
	return nil
}

// Shutdown winds everything down. Recording sessions get until the
// timeout (default 700ms) to flush their current segment; after that
// the run context is cancelled and whatever is left dies with it.
// Safe to call once per Start; later calls are no-ops.
func (c *Controller) Shutdown(timeout time.Duration) error {
	if !c.started.CompareAndSwap(true, false) {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultShutdownWait
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c.poller.Stop()
	c.refresher.Stop()

	c.btMu.Lock()
	services := make([]*bluetooth.Service, 0, len(c.btServices))
	for _, svc := range c.btServices {
		services = append(services, svc)
	}
	c.btServices = make(map[string]*bluetooth.Service)
	c.btMu.Unlock()
	for _, svc := range services {
		svc.Stop(true)
		svc.Close()
	}

	// Graceful first: let in-flight segments flush and pull.
	err := c.recorder.Close(ctx)

	c.disp.Stop()
	c.disp.Close()
	c.shell.Close()
	c.files.Close()
	c.ops.Close()
	c.registry.Close()
	c.runCancel()

	c.bridgeMu.Lock()
	closers := c.closers
	c.closers = nil
	c.bridgeMu.Unlock()
	for _, closeSub := range closers {
		closeSub()
	}
	c.wg.Wait()

	if serr := c.collector.Stop(); serr != nil && err == nil {
		err = serr
	}
	c.logStream.Close()
	return err
}

// Devices returns the current registry snapshot.
func (c *Controller) Devices() []registry.Device {
	return c.registry.Devices()
}

// Registry exposes the device registry for hosts that want raw events
// or lookups.
func (c *Controller) Registry() *registry.Registry { return c.registry }

// Operations exposes the operation status manager.
func (c *Controller) Operations() *opstatus.Manager { return c.ops }

// Config exposes the settings store.
func (c *Controller) Config() *config.Store { return c.cfg }

// Console exposes the log collector for pull-style reads.
func (c *Controller) Console() *console.Collector { return c.collector }

// Bus groups the controller's event surfaces.
func (c *Controller) Bus() *Bus { return &Bus{c: c} }

// Poller exposes discovery controls (interval, enable toggle).
func (c *Controller) Poller() *registry.Poller { return c.poller }

// ResolveTargets expands a device selection: explicit serials first,
// then members of the named config groups that are currently known to
// the registry (stale group members drop out silently), then every
// known device when all is set or nothing else was given. Order is
// preserved and duplicates collapse.
func (c *Controller) ResolveTargets(serials, groups []string, all bool) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	for _, s := range serials {
		add(s)
	}
	for _, g := range groups {
		members, ok := c.cfg.ResolveGroup(g)
		if !ok {
			return nil, fmt.Errorf("fleet: unknown device group %q", g)
		}
		for _, s := range members {
			if _, known := c.registry.Get(s); known {
				add(s)
			}
		}
	}
	if all || (len(serials) == 0 && len(groups) == 0) {
		for _, s := range c.registry.Serials() {
			add(s)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoDevices
	}
	return out, nil
}

// ExitCodeFor maps an error to the exit code contract. Partial failure
// is result-driven, not error-driven, so callers translate non-empty
// failure counts to ExitPartialFailure themselves.
func ExitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, context.Canceled), errors.Is(err, dispatch.ErrCancelled):
		return ExitCancelled
	case errors.Is(err, ErrNoDevices):
		return ExitNoDevices
	case errors.Is(err, adb.ErrNotFound):
		return ExitADBMissing
	default:
		return ExitADBMissing
	}
}

func (c *Controller) requireStarted() error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// logf publishes one console line to the Log stream and the collector
// feed. The feed send never blocks; the collector ring is the place
// that absorbs backlog, not this channel.
func (c *Controller) logf(source, serial, format string, args ...any) {
	rec := console.LogRecord{
		Time:   time.Now(),
		Serial: serial,
		Source: source,
		Line:   fmt.Sprintf(format, args...),
	}
	c.logStream.Publish(rec)
	select {
	case c.consoleCh <- rec:
	default:
	}
}

func (c *Controller) devicesFor(serials []string) []registry.Device {
	if len(serials) == 0 {
		return c.registry.Devices()
	}
	out := make([]registry.Device, 0, len(serials))
	for _, serial := range serials {
		if d, ok := c.registry.Get(serial); ok {
			out = append(out, d)
		}
	}
	return out
}
