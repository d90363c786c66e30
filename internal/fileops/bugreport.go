package fileops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/srg/blacktea/internal/adb"
	"github.com/srg/blacktea/internal/dispatch"
)

// BugReport captures a full bug report per device into
// outputDir/bugreport_<timestamp>_<serial>.zip. Devices run one at a
// time: dumpstate saturates the device and the transfer saturates the
// cable, so parallel reports mostly slow each other down. A Progress
// event announces each device as index/total before its report
// starts. Cancelling ctx marks the remaining devices cancelled and
// returns the partial summary.
func (s *Service) BugReport(ctx context.Context, serials []string, outputDir string) (*Summary, error) {
	if len(serials) == 0 {
		return nil, fmt.Errorf("no devices selected")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", outputDir, err)
	}

	start := s.now()
	stamp := start.Format(TimestampLayout)
	results := make([]FileResult, len(serials))

	for i, serial := range serials {
		name := serial
		if d, ok := s.reg.Get(serial); ok {
			name = d.DisplayName()
		}
		results[i] = FileResult{Serial: serial, DeviceName: name}

		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		if _, err := s.reg.Require(serial); err != nil {
			results[i].Err = err
			continue
		}

		s.events.Publish(Event{
			Type:       Progress,
			Op:         OpBugReport,
			Serial:     serial,
			DeviceName: name,
			Index:      i + 1,
			Total:      len(serials),
			Message:    fmt.Sprintf("bug report %d/%d: %s", i+1, len(serials), name),
		})

		path := filepath.Join(outputDir, fmt.Sprintf("bugreport_%s_%s.zip", stamp, sanitizeSerial(serial)))
		results[i] = s.reportOne(ctx, serial, name, path)
	}

	summary := s.finishBatch(OpBugReport, outputDir, start, results)
	return summary, ctx.Err()
}

// reportOne runs a single device's report as a dispatcher job so it
// shows up in operation tracking like every other worker.
func (s *Service) reportOne(ctx context.Context, serial, name, path string) FileResult {
	res := FileResult{Serial: serial, DeviceName: name}
	h, err := s.disp.Submit(s.reportTask(ctx, serial, path))
	if err != nil {
		res.Err = err
		return res
	}

	begun := s.now()
	done := false
	if _, werr := h.Wait(ctx); werr == nil {
		done = true
	} else if ctx.Err() != nil {
		h.Cancel()
		sctx, scancel := context.WithTimeout(context.Background(), settleGrace)
		if _, werr = h.Wait(sctx); werr == nil {
			done = true
		}
		scancel()
	}
	res.Duration = s.now().Sub(begun)

	if !done {
		_, herr := h.Result()
		if herr == nil {
			herr = fmt.Errorf("job did not settle")
		}
		// A dead report leaves a partial zip behind; take it with us.
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			s.log.WithError(rmErr).WithField("path", path).Debug("partial bug report not removed")
		}
		res.Err = herr
		return res
	}
	res.Paths = []string{path}
	return res
}

func (s *Service) reportTask(groupCtx context.Context, serial, path string) dispatch.Task {
	return dispatch.Task{
		Name:     fmt.Sprintf("bugreport %s", serial),
		Category: string(OpBugReport),
		Serial:   serial,
		Fn: func(taskCtx context.Context) (any, error) {
			jobCtx, cancel := context.WithCancel(groupCtx)
			defer cancel()
			unbind := context.AfterFunc(taskCtx, cancel)
			defer unbind()

			_, err := s.runner.Run(jobCtx, s.opts.BugreportTimeout, adb.Bugreport(serial, path)...)
			return nil, err
		},
	}
}
