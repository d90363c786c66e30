package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blacktea/internal/adb"
	"github.com/srg/blacktea/internal/groutine"
)

// PollIntervals are the selectable discovery periods.
var PollIntervals = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// DefaultPollInterval is the discovery period used until changed.
const DefaultPollInterval = 30 * time.Second

// ClampPollInterval snaps d to the nearest selectable period.
func ClampPollInterval(d time.Duration) time.Duration {
	best := PollIntervals[0]
	bestDiff := absDuration(d - best)
	for _, opt := range PollIntervals[1:] {
		if diff := absDuration(d - opt); diff < bestDiff {
			best, bestDiff = opt, diff
		}
	}
	return best
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// Poller drives periodic discovery: enumerate devices, probe the ready
// ones, hand both to the registry.
type Poller struct {
	runner   adb.Runner
	registry *Registry
	log      *logrus.Logger

	interval  atomic.Int64 // nanoseconds
	enabled   atomic.Bool
	recovered atomic.Bool // one implicit server restart per failure streak

	runMutex    sync.Mutex
	isRunning   bool
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewPoller wires a poller to its registry.
func NewPoller(runner adb.Runner, reg *Registry, logger *logrus.Logger) *Poller {
	if logger == nil {
		logger = logrus.New()
	}
	p := &Poller{
		runner:   runner,
		registry: reg,
		log:      logger,
	}
	p.interval.Store(int64(DefaultPollInterval))
	p.enabled.Store(true)
	return p
}

// SetInterval changes the discovery period, snapping to the nearest
// selectable value. Takes effect at the next tick.
func (p *Poller) SetInterval(d time.Duration) time.Duration {
	clamped := ClampPollInterval(d)
	p.interval.Store(int64(clamped))
	return clamped
}

// Interval reports the current discovery period.
func (p *Poller) Interval() time.Duration {
	return time.Duration(p.interval.Load())
}

// SetEnabled toggles auto-refresh. A disabled poller keeps its loop but
// skips the work; RunOnce still operates on demand.
func (p *Poller) SetEnabled(on bool) { p.enabled.Store(on) }

// Enabled reports whether auto-refresh is on.
func (p *Poller) Enabled() bool { return p.enabled.Load() }

// Start launches the polling loop. The first poll runs immediately.
func (p *Poller) Start(ctx context.Context) error {
	p.runMutex.Lock()
	defer p.runMutex.Unlock()
	if p.isRunning {
		return fmt.Errorf("discovery poller already running")
	}
	p.stopChan = make(chan struct{})
	p.stoppedChan = make(chan struct{}, 1)
	p.isRunning = true

	groutine.Go(ctx, "discovery-poller", p.run)
	return nil
}

// Stop signals the loop and waits for it to exit.
func (p *Poller) Stop() {
	p.runMutex.Lock()
	if !p.isRunning {
		p.runMutex.Unlock()
		return
	}
	close(p.stopChan)
	p.runMutex.Unlock()

	<-p.stoppedChan

	p.runMutex.Lock()
	p.isRunning = false
	p.runMutex.Unlock()
}

func (p *Poller) run(ctx context.Context) {
	defer func() {
		p.stoppedChan <- struct{}{}
	}()

	if p.enabled.Load() {
		p.RunOnce(ctx)
	}

	current := p.Interval()
	ticker := time.NewTicker(current)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.C:
			if want := p.Interval(); want != current {
				current = want
				ticker.Reset(current)
			}
			if !p.enabled.Load() {
				continue
			}
			p.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single discovery pass: list devices, probe ready
// ones, apply to the registry. A dead adb server gets one implicit
// restart before the error surfaces.
func (p *Poller) RunOnce(ctx context.Context) error {
	lines, err := p.runner.Run(ctx, adb.DefaultTimeout, adb.DevicesWithDetails()...)
	if err != nil {
		if adb.IsServerFailure(err) && p.recovered.CompareAndSwap(false, true) {
			p.log.WithError(err).Warn("adb server unreachable, restarting it")
			if rerr := adb.RestartServer(ctx, p.runner); rerr == nil {
				lines, err = p.runner.Run(ctx, adb.DefaultTimeout, adb.DevicesWithDetails()...)
			}
		}
		if err != nil {
			p.log.WithError(err).Warn("device discovery failed")
			return err
		}
	}
	p.recovered.Store(false)

	obs, perrs := adb.ParseDevices(lines)
	for _, perr := range perrs {
		p.log.WithField("line", perr.Raw).Debug("unparseable device row")
	}
	p.registry.ApplyDiscovery(obs)

	for _, o := range obs {
		if !o.State.Ready() {
			continue
		}
		probeLines, perr := p.runner.Run(ctx, adb.DefaultTimeout, adb.CombinedProbe(o.Serial)...)
		if perr != nil {
			p.log.WithFields(logrus.Fields{
				"serial": o.Serial,
			}).WithError(perr).Debug("identity probe failed")
			continue
		}
		p.registry.ApplyProbe(o.Serial, adb.ParseProbe(probeLines))
	}
	return nil
}
