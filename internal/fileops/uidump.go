package fileops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/srg/blacktea/internal/adb"
)

// remoteDumpPath is where uiautomator writes its XML on the device.
const remoteDumpPath = "/sdcard/window_dump.xml"

// UIDump is the artifact pair a hierarchy dump produces.
type UIDump struct {
	Serial  string
	Dir     string
	XMLPath string
	PNGPath string
}

// DumpUIHierarchy captures the current UI hierarchy XML plus a
// matching screenshot into a directory scoped to this dump under
// outputDir. The directory belongs to the operation: any failure
// removes it and nothing of the half-done dump survives.
func (s *Service) DumpUIHierarchy(ctx context.Context, serial, outputDir string) (*UIDump, error) {
	name := serial
	if d, ok := s.reg.Get(serial); ok {
		name = d.DisplayName()
	}
	if _, err := s.reg.Require(serial); err != nil {
		return nil, err
	}

	stamp := s.now().Format(TimestampLayout)
	dir := filepath.Join(outputDir, fmt.Sprintf("ui_dump_%s_%s", stamp, sanitizeSerial(serial)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}

	dump := &UIDump{
		Serial:  serial,
		Dir:     dir,
		XMLPath: filepath.Join(dir, "window_dump.xml"),
		PNGPath: filepath.Join(dir, "screen.png"),
	}

	results := s.fanOut(ctx, []string{serial}, OpUIDump, func(jobCtx context.Context, sn, _ string) FileResult {
		if err := s.dumpOne(jobCtx, sn, dump); err != nil {
			return FileResult{Err: err}
		}
		return FileResult{Paths: []string{dump.XMLPath, dump.PNGPath}}
	})

	res := results[0]
	if res.Err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			s.log.WithError(rmErr).WithField("dir", dir).Debug("dump dir not removed")
		}
		s.events.Publish(Event{
			Type:       FileOpError,
			Op:         OpUIDump,
			Serial:     serial,
			DeviceName: name,
			Message:    res.Err.Error(),
		})
		return nil, res.Err
	}

	for _, path := range res.Paths {
		s.events.Publish(Event{
			Type:       FileWritten,
			Op:         OpUIDump,
			Serial:     serial,
			DeviceName: name,
			Path:       path,
		})
	}
	s.log.WithFields(logrus.Fields{"serial": serial, "dir": dir}).Info("ui hierarchy dumped")
	return dump, nil
}

// dumpOne runs the dump steps in order: uiautomator writes the XML on
// the device, pull brings it down, the remote copy is deleted, and a
// screencap pairs the XML with what the screen actually showed.
func (s *Service) dumpOne(ctx context.Context, serial string, dump *UIDump) error {
	lines, err := s.runner.Run(ctx, s.opts.CommandTimeout, adb.UIAutomatorDump(serial, remoteDumpPath)...)
	if err != nil {
		return fmt.Errorf("uiautomator dump: %w", err)
	}
	// uiautomator reports some failures on stdout with exit 0.
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "ERROR:") {
			return fmt.Errorf("uiautomator dump: %s", strings.TrimSpace(line))
		}
	}

	if _, err := s.runner.Run(ctx, s.opts.CommandTimeout, adb.Pull(serial, remoteDumpPath, dump.XMLPath)...); err != nil {
		return fmt.Errorf("pull hierarchy: %w", err)
	}
	if _, err := s.runner.Run(ctx, s.opts.CommandTimeout, adb.RemoveRemote(serial, remoteDumpPath)...); err != nil {
		s.log.WithError(err).WithField("serial", serial).Debug("remote dump file not removed")
	}

	data, err := s.runner.Output(ctx, s.opts.ScreenshotTimeout, adb.ExecOutScreencap(serial)...)
	if err != nil {
		return fmt.Errorf("screencap: %w", err)
	}
	if !isPNG(data) {
		return fmt.Errorf("screencap returned non-PNG data: %q", printable(data, 64))
	}
	if err := os.WriteFile(dump.PNGPath, data, 0o644); err != nil {
		return err
	}
	return nil
}
