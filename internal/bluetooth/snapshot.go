package bluetooth

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blacktea/internal/adb"
)

// knownProfiles are the names the Android stack prints in its dumpsys
// profile table. HFP is the colloquial name for HEADSET and both occur
// in the wild.
var knownProfiles = map[string]bool{
	"A2DP":        true,
	"HEADSET":     true,
	"HFP":         true,
	"GATT":        true,
	"HID":         true,
	"PAN":         true,
	"MAP":         true,
	"SAP":         true,
	"AVRCP":       true,
	"PBAP":        true,
	"OPP":         true,
	"LE_AUDIO":    true,
	"HEARING_AID": true,
}

var (
	macPattern     = regexp.MustCompile(`(?i)\b[0-9A-F]{2}(?::[0-9A-F]{2}){5}\b`)
	uuidPattern    = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	profilePattern = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9_]*)\s*:\s*([A-Za-z_]+)$`)

	setIDPattern    = regexp.MustCompile(`(?i)(?:reg_?id|set_?id)\s*[=:]\s*(-?\d+)`)
	intervalPattern = regexp.MustCompile(`(?i)interval(?:_?ms)?\s*[=:]\s*(\d+(?:\.\d+)?)`)
	txPowerPattern  = regexp.MustCompile(`(?i)tx_?power(?:_?level)?\s*[=:]\s*(-?\w+)`)
	dataLenPattern  = regexp.MustCompile(`(?i)data_?len(?:gth)?\s*[=:]\s*(\d+)`)
	appNamePattern  = regexp.MustCompile(`(?i)app_?name\s*[=:]\s*([^\s,;]+)`)

	bondedNamePattern = regexp.MustCompile(`(?i)name\s*=\s*([^,}]*)`)
	bondedAddrPattern = regexp.MustCompile(`(?i)address\s*=\s*([0-9A-F]{2}(?::[0-9A-F]{2}){5})`)
)

var (
	scanStartNeedles = []string{"startscan", "ondiscovering: true", "onbatchscanresults", "onscanresult"}
	scanStopNeedles  = []string{"stopscan", "ondiscovering: false"}
	advStartNeedles  = []string{"startadvertising", "onadvertisingsetstarted", "isadvertising: true"}
	advStopNeedles   = []string{"stopadvertising", "onadvertisingsetstopped", "isadvertising: false"}
)

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// ParseSnapshot interprets the combined bluetooth_manager and
// bluetooth_adapter dumpsys text for one device. It never fails: lines
// it cannot place are skipped, except inside the bonded devices table
// where a malformed row is reported as a ParseError so callers can log
// it. Later lines win when the text contradicts itself.
func ParseSnapshot(serial, raw string, ts time.Time) (*ParsedSnapshot, []*adb.ParseError) {
	snap := &ParsedSnapshot{
		Serial:    serial,
		Timestamp: ts,
		Profiles:  orderedmap.New[string, string](),
		RawText:   raw,
	}
	var perrs []*adb.ParseError

	inBonded := false
	for _, rawLine := range strings.Split(raw, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" {
			inBonded = false
			continue
		}
		lower := strings.ToLower(line)

		if strings.HasPrefix(lower, "bonded devices") {
			inBonded = true
			continue
		}
		if inBonded {
			if dev, ok := parseBondedLine(line); ok {
				snap.Bonded = append(snap.Bonded, dev)
				continue
			}
			if !strings.HasSuffix(line, ":") {
				perrs = append(perrs, &adb.ParseError{Context: "bonded_devices", Raw: line})
				continue
			}
			// A new section header ends the table.
			inBonded = false
		}

		if strings.Contains(lower, "state=on") || strings.Contains(lower, "enabled: true") {
			snap.AdapterEnabled = true
		}
		if snap.Address == "" && strings.Contains(lower, "address") {
			if mac := macPattern.FindString(line); mac != "" {
				snap.Address = strings.ToUpper(mac)
			}
		}

		switch {
		case containsAny(lower, scanStartNeedles):
			snap.Scanning.Active = true
		case containsAny(lower, scanStopNeedles):
			snap.Scanning.Active = false
		}
		if m := appNamePattern.FindStringSubmatch(line); m != nil {
			snap.Scanning.Clients = appendUnique(snap.Scanning.Clients, m[1])
		}

		switch {
		case containsAny(lower, advStartNeedles):
			snap.Advertising.Active = true
			// Only the start lines describe the set; the isAdvertising
			// flag line carries no parameters.
			if strings.Contains(lower, "startadvertising") || strings.Contains(lower, "onadvertisingsetstarted") {
				snap.Advertising.Sets = mergeSet(snap.Advertising.Sets, parseAdvertisingSet(line))
			}
		case containsAny(lower, advStopNeedles):
			snap.Advertising.Active = false
		}

		if m := profilePattern.FindStringSubmatch(line); m != nil {
			name := strings.ToUpper(m[1])
			state := strings.ToUpper(m[2])
			switch {
			case knownProfiles[name]:
				snap.Profiles.Set(name, state)
			case strings.Contains(state, "CONNECT"):
				if snap.Extra == nil {
					snap.Extra = make(map[string]string)
				}
				snap.Extra[name] = state
			}
		}
	}

	return snap, perrs
}

// parseBondedLine accepts the two row formats the stack emits: a MAC
// followed by an optional parenthesized name, or name=/address= pairs.
func parseBondedLine(line string) (BondedDevice, bool) {
	lower := strings.ToLower(line)
	if strings.Contains(lower, "address=") {
		m := bondedAddrPattern.FindStringSubmatch(line)
		if m == nil {
			return BondedDevice{}, false
		}
		dev := BondedDevice{Address: strings.ToUpper(m[1]), BondState: BondStateBonded}
		if nm := bondedNamePattern.FindStringSubmatch(line); nm != nil {
			dev.Name = strings.TrimSpace(nm[1])
		}
		return dev, true
	}

	loc := macPattern.FindStringIndex(line)
	if loc == nil || loc[0] != 0 {
		return BondedDevice{}, false
	}
	dev := BondedDevice{Address: strings.ToUpper(line[loc[0]:loc[1]]), BondState: BondStateBonded}
	rest := strings.TrimSpace(line[loc[1]:])
	if rest == "" {
		return dev, true
	}
	if strings.HasPrefix(rest, "(") && strings.HasSuffix(rest, ")") {
		dev.Name = strings.TrimSpace(rest[1 : len(rest)-1])
		return dev, true
	}
	return BondedDevice{}, false
}

func parseAdvertisingSet(line string) AdvertisingSet {
	set := AdvertisingSet{SetID: -1}
	if m := setIDPattern.FindStringSubmatch(line); m != nil {
		set.SetID, _ = strconv.Atoi(m[1])
	}
	if m := intervalPattern.FindStringSubmatch(line); m != nil {
		set.IntervalMs, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := txPowerPattern.FindStringSubmatch(line); m != nil {
		set.TxPower = strings.ToUpper(m[1])
	}
	if m := dataLenPattern.FindStringSubmatch(line); m != nil {
		set.DataLength, _ = strconv.Atoi(m[1])
	}
	for _, u := range uuidPattern.FindAllString(line, -1) {
		set.ServiceUUIDs = append(set.ServiceUUIDs, strings.ToLower(u))
	}
	return set
}

// mergeSet appends set unless an entry with the same non-negative id
// exists already. Restarted sets reuse their id; the first sighting
// wins.
func mergeSet(sets []AdvertisingSet, set AdvertisingSet) []AdvertisingSet {
	if set.SetID >= 0 {
		for _, s := range sets {
			if s.SetID == set.SetID {
				return sets
			}
		}
	}
	return append(sets, set)
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
