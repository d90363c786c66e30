package bluetooth

import (
	"regexp"
	"strings"
	"time"
)

// btContextPattern gates classification so chatter from unrelated
// subsystems (MediaScanner, package scans) never registers. AOSP tags
// the stack Bt*, BtGatt.*, bluetooth or bt_stack.
var btContextPattern = regexp.MustCompile(`(?i)bluetooth|gatt|advertis|a2dp|avrcp|hci|\bbt[\w.]*`)

var (
	tagSlashPattern = regexp.MustCompile(`\b[VDIWEF]/([^(:\s]+)\s*(?:\(\s*\d+\))?:\s*(.*)$`)
	tagSpacePattern = regexp.MustCompile(`\s[VDIWEF]\s+([^:\s]+)\s*:\s*(.*)$`)

	clientUIDPattern = regexp.MustCompile(`(?i)(?:client_?)?uid\s*[=:]\s*(\d+)`)
)

// ParseLogLine classifies one logcat line. Lines that do not concern
// the Bluetooth stack, or match no category, come back nil.
func ParseLogLine(serial, line string, ts time.Time) *ParsedEvent {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	lower := strings.ToLower(trimmed)
	if !btContextPattern.MatchString(trimmed) {
		return nil
	}
	typ, ok := classify(lower)
	if !ok {
		return nil
	}
	tag, msg := splitTag(trimmed)
	return &ParsedEvent{
		Serial:    serial,
		Timestamp: ts,
		Type:      typ,
		Tag:       tag,
		Message:   msg,
		Metadata:  extractMetadata(trimmed),
		RawLine:   line,
	}
}

// classify prefers the specific categories and falls back to ERROR
// last, so "failed to start advertising" still reads as an advertising
// event. Disconnect is checked before connect since one contains the
// other.
func classify(lower string) (EventType, bool) {
	adv := strings.Contains(lower, "advertis")
	switch {
	case adv && strings.Contains(lower, "stop"):
		return EventAdvertisingStop, true
	case adv && strings.Contains(lower, "start"):
		return EventAdvertisingStart, true
	case strings.Contains(lower, "onscanresult") || strings.Contains(lower, "onbatchscanresults") || strings.Contains(lower, "scan result"):
		return EventScanResult, true
	case strings.Contains(lower, "scan") && strings.Contains(lower, "stop"):
		return EventScanStop, true
	case strings.Contains(lower, "scan") && strings.Contains(lower, "start"):
		return EventScanStart, true
	case strings.Contains(lower, "gatt") && strings.Contains(lower, "disconnect"):
		return EventDisconnect, true
	case strings.Contains(lower, "gatt") && strings.Contains(lower, "connect"):
		return EventConnect, true
	case strings.Contains(lower, "error") || strings.Contains(lower, "failed"):
		return EventError, true
	}
	return "", false
}

// splitTag recovers the logcat tag from the threadtime ("D Tag: msg")
// and brief ("D/Tag( pid): msg") layouts. Unrecognized layouts keep
// the whole line as the message.
func splitTag(line string) (tag, msg string) {
	if m := tagSlashPattern.FindStringSubmatch(line); m != nil {
		return m[1], strings.TrimSpace(m[2])
	}
	if m := tagSpacePattern.FindStringSubmatch(line); m != nil {
		return m[1], strings.TrimSpace(m[2])
	}
	return "", line
}

func extractMetadata(line string) map[string]string {
	meta := make(map[string]string)
	if m := setIDPattern.FindStringSubmatch(line); m != nil {
		meta[MetaSetID] = m[1]
	}
	if m := txPowerPattern.FindStringSubmatch(line); m != nil {
		meta[MetaTxPower] = m[1]
	}
	if m := dataLenPattern.FindStringSubmatch(line); m != nil {
		meta[MetaDataLength] = m[1]
	}
	if m := clientUIDPattern.FindStringSubmatch(line); m != nil {
		meta[MetaClientUID] = m[1]
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
