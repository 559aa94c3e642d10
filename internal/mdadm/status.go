// Package mdadm reads the state and capacity of Linux software RAID
// arrays. Array health comes from `mdadm --misc --detail`, capacity
// from a filesystem usage query against the array's mount point.
package mdadm

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// StateUnknown is reported when the detail output carries no State line.
const StateUnknown = "N/A"

// RaidStatus is the parsed health of one array.
type RaidStatus struct {
	// Level is the RAID level, lower-cased (e.g. "raid1").
	Level string
	// State is the first state token, capitalized (e.g. "Clean",
	// "Active", "Clean, degraded"), or [StateUnknown].
	State string
}

// Healthy reports whether the array state is Active or Clean.
func (s RaidStatus) Healthy() bool {
	return IsHealthyState(s.State)
}

// IsHealthyState reports whether state denotes a working array.
func IsHealthyState(state string) bool {
	return state == "Active" || state == "Clean"
}

// CapacitySample is the filesystem usage of an array's mount point.
type CapacitySample struct {
	Total       uint64
	Used        uint64
	Free        uint64
	UsedPercent float64
}

// FreePercent returns the share of free space in percent.
func (c CapacitySample) FreePercent() float64 {
	return 100 - c.UsedPercent
}

// ParseDetail parses `mdadm --detail` output. Each line is split at
// its first colon into a key (trimmed, lower-cased, spaces replaced by
// underscores) and a trimmed value. The raid level is taken from its
// first occurrence anywhere in the output. The state is taken from its
// first occurrence only; later state lines are ignored.
func ParseDetail(output string) RaidStatus {
	st := RaidStatus{State: StateUnknown}
	var haveLevel, haveState bool

	// No line length limit: a long Name or Events line must not hide the
	// State line behind it.
	for _, line := range strings.Split(output, "\n") {
		name, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
		value = strings.TrimSpace(value)

		switch key {
		case "raid_level":
			if !haveLevel {
				st.Level = strings.ToLower(value)
				haveLevel = true
			}
		case "state":
			if !haveState {
				st.State = capitalize(value)
				haveState = true
			}
		}
		if haveLevel && haveState {
			break
		}
	}
	return st
}

// capitalize upper-cases the first rune and lower-cases the rest.
func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}
