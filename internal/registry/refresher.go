package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/blacktea/internal/adb"
	"github.com/srg/blacktea/internal/groutine"
)

// DefaultRefreshInterval is the period of one full extended-attribute
// pass: battery, screen geometry, audio and Bluetooth manager states.
const DefaultRefreshInterval = 60 * time.Second

// Refresher maintains the slow-changing attribute set in the background.
// At most one pass runs at a time; serials refreshed recently are
// skipped within the freshness window.
type Refresher struct {
	runner   adb.Runner
	registry *Registry
	log      *logrus.Logger
	interval time.Duration

	inFlight  atomic.Bool
	refreshed *hashmap.Map[string, time.Time]

	runMutex    sync.Mutex
	isRunning   bool
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewRefresher wires a refresher to its registry. interval <= 0 selects
// the default.
func NewRefresher(runner adb.Runner, reg *Registry, logger *logrus.Logger, interval time.Duration) *Refresher {
	if logger == nil {
		logger = logrus.New()
	}
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Refresher{
		runner:    runner,
		registry:  reg,
		log:       logger,
		interval:  interval,
		refreshed: hashmap.New[string, time.Time](),
	}
}

// Start launches the refresh loop.
func (f *Refresher) Start(ctx context.Context) error {
	f.runMutex.Lock()
	defer f.runMutex.Unlock()
	if f.isRunning {
		return fmt.Errorf("attribute refresher already running")
	}
	f.stopChan = make(chan struct{})
	f.stoppedChan = make(chan struct{}, 1)
	f.isRunning = true

	groutine.Go(ctx, "attr-refresher", f.run)
	return nil
}

// Stop signals the loop and waits for it to exit.
func (f *Refresher) Stop() {
	f.runMutex.Lock()
	if !f.isRunning {
		f.runMutex.Unlock()
		return
	}
	close(f.stopChan)
	f.runMutex.Unlock()

	<-f.stoppedChan

	f.runMutex.Lock()
	f.isRunning = false
	f.runMutex.Unlock()
}

func (f *Refresher) run(ctx context.Context) {
	defer func() {
		f.stoppedChan <- struct{}{}
	}()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.RunPass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopChan:
			return
		case <-ticker.C:
			f.RunPass(ctx)
		}
	}
}

// RunPass refreshes every ready device whose cache entry is stale. If a
// pass is already in flight the call is a no-op.
func (f *Refresher) RunPass(ctx context.Context) {
	if !f.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer f.inFlight.Store(false)

	now := time.Now()
	for _, d := range f.registry.Devices() {
		select {
		case <-ctx.Done():
			return
		case <-f.stopChan:
			return
		default:
		}
		if !d.Ready() {
			continue
		}
		if last, ok := f.refreshed.Get(d.Serial); ok && now.Sub(last) < f.interval {
			continue
		}
		lines, err := f.runner.Run(ctx, adb.DefaultTimeout, adb.ExtendedProbe(d.Serial)...)
		if err != nil {
			f.log.WithField("serial", d.Serial).WithError(err).Debug("extended probe failed")
			continue
		}
		f.registry.ApplyExtended(d.Serial, ParseExtended(lines))
		f.refreshed.Set(d.Serial, time.Now())
	}
}

// ParseExtended interprets ExtendedProbe output. Battery and screen
// lines come from dumpsys/wm verbatim; audio and Bluetooth manager
// lines are echo-prefixed by the probe script.
func ParseExtended(lines []string) map[string]string {
	out := make(map[string]string)
	for _, line := range lines {
		l := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(l, "level:"):
			out["battery_level"] = strings.TrimSpace(strings.TrimPrefix(l, "level:"))
		case strings.HasPrefix(l, "scale:"):
			out["battery_scale"] = strings.TrimSpace(strings.TrimPrefix(l, "scale:"))
		case strings.HasPrefix(l, "Physical size:"):
			out["screen_size"] = strings.TrimSpace(strings.TrimPrefix(l, "Physical size:"))
		case strings.HasPrefix(l, "Override size:"):
			out["screen_size_override"] = strings.TrimSpace(strings.TrimPrefix(l, "Override size:"))
		case strings.HasPrefix(l, "Physical density:"):
			out["screen_density"] = strings.TrimSpace(strings.TrimPrefix(l, "Physical density:"))
		case strings.HasPrefix(l, "audio="):
			v := strings.TrimSpace(strings.TrimPrefix(l, "audio="))
			v = strings.TrimSpace(strings.TrimLeft(v, "- "))
			out["audio_state"] = v
		case strings.HasPrefix(l, "btmgr="):
			v := strings.TrimSpace(strings.TrimPrefix(l, "btmgr="))
			v = strings.TrimSpace(strings.TrimPrefix(v, "state:"))
			out["bluetooth_manager_state"] = v
		}
	}
	return out
}
