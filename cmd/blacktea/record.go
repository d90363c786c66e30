package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blacktea/internal/recording"
	"github.com/srg/blacktea/pkg/fleet"
)

// recordCmd represents the record command
var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record device screens",
	Long: `Starts screen recording on every targeted device and keeps it running
until Ctrl+C or --duration elapses. Long recordings are split into
segments below Android's screenrecord limit; every finished segment is
pulled to the output directory as it completes, under one subdirectory
per device.`,
	RunE: runRecord,
}

var (
	recordTargets  targetFlags
	recordOutput   string
	recordDuration time.Duration
)

func init() {
	recordTargets.register(recordCmd)
	recordCmd.Flags().StringVarP(&recordOutput, "output", "o", "", "Output directory (default: configured recordings dir)")
	recordCmd.Flags().DurationVarP(&recordDuration, "duration", "d", 0, "Stop after this long (0 = until Ctrl+C)")
}

func runRecord(cmd *cobra.Command, args []string) error {
	return runWithController(cmd, func(ctx context.Context, ctrl *fleet.Controller) error {
		serials, err := recordTargets.resolve(ctrl)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()

		// Subscribe before starting so the first segment events are
		// not lost.
		sub := ctrl.Bus().Recordings(64)
		defer sub.Close()

		if err := ctrl.StartRecording(serials, recordOutput); err != nil {
			return err
		}

		sessions := ctrl.ActiveRecordings()
		fmt.Fprintf(out, "Recording %d device(s); press Ctrl+C to stop\n", len(sessions))

		var deadline <-chan time.Time
		if recordDuration > 0 {
			timer := time.NewTimer(recordDuration)
			defer timer.Stop()
			deadline = timer.C
		}

		failed := map[string]bool{}
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-deadline:
				break loop
			case ev, ok := <-sub.C():
				if !ok {
					break loop
				}
				displayRecordingEvent(out, ev, failed)
			}
		}

		// The signal context is spent; bound the graceful stop on its
		// own budget so segment pulls can finish.
		stopCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := ctrl.StopRecording(stopCtx, serials); err != nil {
			return err
		}
		drainRecordingEvents(out, sub.C(), failed)

		fmt.Fprintln(out, "Recording stopped")
		return fanOutError("recording", len(failed), len(sessions))
	})
}

func displayRecordingEvent(out io.Writer, ev recording.Event, failed map[string]bool) {
	switch ev.Type {
	case recording.SegmentCompleted:
		fmt.Fprintf(out, "%s: segment %d saved: %s (%s)\n",
			ev.Serial, ev.SegmentIndex, ev.SegmentFile, ev.Duration.Truncate(time.Second))
	case recording.RecordingError:
		failed[ev.Serial] = true
		fmt.Fprintf(out, "%s: recording failed: %s\n", ev.Serial, ev.Message)
	case recording.RecordingWarning:
		fmt.Fprintf(out, "%s: %s\n", ev.Serial, ev.Message)
	}
}

// drainRecordingEvents flushes whatever the stop sequence published
// while the wait loop was no longer reading.
func drainRecordingEvents(out io.Writer, ch <-chan recording.Event, failed map[string]bool) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			displayRecordingEvent(out, ev, failed)
		default:
			return
		}
	}
}
