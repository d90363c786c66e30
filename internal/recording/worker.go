package recording

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blacktea/internal/adb"
	"github.com/srg/blacktea/internal/groutine"
)

// errStopped aborts a segment start when the session was told to end
// during the retry backoff. Not an error the user should see.
var errStopped = errors.New("recording stopped")

type session struct {
	serial    string
	name      string
	outputDir string
	startedAt time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	mu       sync.Mutex
	display  time.Duration
	segments int
}

func newSession(serial, name, outputDir string) *session {
	return &session{
		serial:    serial,
		name:      name,
		outputDir: outputDir,
		startedAt: time.Now(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *session) requestStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *session) stopRequested() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// updateDisplay keeps the user-visible duration monotonic.
func (s *session) updateDisplay(d time.Duration) {
	s.mu.Lock()
	if d > s.display {
		s.display = d
	}
	s.mu.Unlock()
}

func (s *session) setSegments(n int) {
	s.mu.Lock()
	s.segments = n
	s.mu.Unlock()
}

func (s *session) snapshot() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		Serial:     s.serial,
		DeviceName: s.name,
		OutputDir:  s.outputDir,
		StartedAt:  s.startedAt,
		Segments:   s.segments,
		Display:    s.display,
	}
}

func segmentFilename(idx int) string {
	return fmt.Sprintf("record_part%02d.mp4", idx)
}

func remotePath(filename string) string {
	return "/sdcard/" + filename
}

// runSession is the per-device worker: record a segment, pull it, loop
// until a stop request or a failure.
func (c *Coordinator) runSession(ctx context.Context, s *session) {
	defer close(s.done)
	defer c.sessions.Del(s.serial)

	var total time.Duration
	for idx := 1; ; idx++ {
		segDur, origin, err := c.runSegment(ctx, s, idx, total)
		if err != nil {
			if errors.Is(err, errStopped) || errors.Is(err, context.Canceled) {
				c.log.WithField("serial", s.serial).Debug("recording ended before segment start")
				return
			}
			c.log.WithFields(logrus.Fields{
				"serial":  s.serial,
				"segment": idx,
			}).WithError(err).Error("recording session failed")
			c.emit(s, Event{
				Type:         RecordingError,
				SegmentIndex: idx,
				Message:      err.Error(),
			})
			return
		}

		total += segDur
		s.updateDisplay(total)
		s.setSegments(idx)
		c.emit(s, Event{
			Type:          SegmentCompleted,
			SegmentIndex:  idx,
			SegmentFile:   segmentFilename(idx),
			Duration:      segDur,
			TotalDuration: total,
			Origin:        origin,
		})

		if origin == OriginUser || ctx.Err() != nil {
			c.log.WithFields(logrus.Fields{
				"serial":   s.serial,
				"segments": idx,
				"total":    total.Round(time.Millisecond),
			}).Info("recording session ended")
			return
		}
	}
}

func (c *Coordinator) runSegment(ctx context.Context, s *session, idx int, totalSoFar time.Duration) (time.Duration, Origin, error) {
	filename := segmentFilename(idx)
	remote := remotePath(filename)

	proc, err := c.startSegment(ctx, s, remote)
	if err != nil {
		return 0, OriginInternal, fmt.Errorf("start segment %d: %w", idx, err)
	}

	waitCh := make(chan error, 1)
	groutine.Go(ctx, fmt.Sprintf("segment-wait-%s", s.serial), func(context.Context) {
		// The child must be reaped even if the app context dies.
		waitCh <- proc.Wait(context.Background())
	})

	segStart := time.Now()
	poll := time.NewTicker(c.opts.PollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(c.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	origin := OriginInternal
	exited := false
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-s.stop:
			origin = OriginUser
			break loop
		case werr := <-waitCh:
			// The child ended on its own; the partial segment may
			// still be pullable.
			exited = true
			if werr != nil {
				c.log.WithFields(logrus.Fields{
					"serial":  s.serial,
					"segment": idx,
				}).WithError(werr).Warn("screenrecord exited early")
			}
			break loop
		case <-heartbeat.C:
			elapsed := time.Since(segStart)
			s.updateDisplay(totalSoFar + elapsed)
			c.emit(s, Event{
				Type:          Heartbeat,
				SegmentIndex:  idx,
				SegmentFile:   filename,
				Duration:      elapsed,
				TotalDuration: totalSoFar + elapsed,
			})
		case <-poll.C:
			if time.Since(segStart) >= c.opts.SegmentCap {
				break loop
			}
		}
	}

	duration := time.Since(segStart)
	// A stop that lands in the same instant as a rotation still counts
	// as the user's.
	if !exited && origin == OriginInternal && s.stopRequested() {
		origin = OriginUser
	}
	if !exited {
		if err := c.endSegment(proc); err != nil {
			return 0, origin, fmt.Errorf("segment %d: %w", idx, err)
		}
	}

	// Teardown runs detached: a dying app context must not strand the
	// artifact on the device.
	tctx := context.WithoutCancel(ctx)
	if err := c.pullSegment(tctx, s, remote, filepath.Join(s.outputDir, filename)); err != nil {
		return 0, origin, fmt.Errorf("pull segment %d: %w", idx, err)
	}
	if _, err := c.runner.Run(tctx, adb.DefaultTimeout, adb.RemoveRemote(s.serial, remote)...); err != nil {
		c.log.WithFields(logrus.Fields{
			"serial": s.serial,
			"remote": remote,
		}).WithError(err).Warn("could not remove remote segment")
	}
	return duration, origin, nil
}

func (c *Coordinator) startSegment(ctx context.Context, s *session, remote string) (adb.Proc, error) {
	var lastErr error
	for attempt := 1; attempt <= c.opts.StartRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(c.opts.StartRetryDelay):
			case <-ctx.Done():
				return nil, errStopped
			case <-s.stop:
				return nil, errStopped
			}
		}
		proc, err := c.runner.Start(ctx, adb.Screenrecord(s.serial, remote)...)
		if err == nil {
			return proc, nil
		}
		lastErr = err
		c.log.WithFields(logrus.Fields{
			"serial":  s.serial,
			"attempt": attempt,
		}).WithError(err).Warn("screenrecord start failed")
	}
	return nil, lastErr
}

// endSegment signals the child and waits for the mp4 to flush. Stop is
// idempotent; each retry grants another wait window before giving up.
func (c *Coordinator) endSegment(proc adb.Proc) error {
	for attempt := 1; attempt <= c.opts.StopRetries; attempt++ {
		proc.Stop()
		waitCtx, cancel := context.WithTimeout(context.Background(), c.opts.StopRetryDelay)
		err := proc.Wait(waitCtx)
		cancel()
		if err == nil || !errors.Is(err, context.DeadlineExceeded) {
			// Exit status after our own stop is noise.
			return nil
		}
	}
	return fmt.Errorf("screenrecord did not exit after %d stop attempts", c.opts.StopRetries)
}

func (c *Coordinator) pullSegment(ctx context.Context, s *session, remote, local string) error {
	var lastErr error
	for attempt := 1; attempt <= c.opts.PullRetries; attempt++ {
		if attempt > 1 {
			time.Sleep(c.opts.PullRetryDelay)
		}
		_, err := c.runner.Run(ctx, adb.RecordingTimeout, adb.Pull(s.serial, remote, local)...)
		if err == nil {
			return nil
		}
		lastErr = err
		c.log.WithFields(logrus.Fields{
			"serial":  s.serial,
			"remote":  remote,
			"attempt": attempt,
		}).WithError(err).Warn("segment pull failed")
	}
	return lastErr
}

func (c *Coordinator) emit(s *session, ev Event) {
	ev.Serial = s.serial
	ev.DeviceName = s.name
	ev.OutputPath = s.outputDir
	c.events.Publish(ev)
}
