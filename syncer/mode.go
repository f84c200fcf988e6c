package syncer

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects the lower bound of a sync run.
type Mode int

const (
	// ModeFull archives every remote message not yet stored locally.
	ModeFull Mode = iota
	// ModeIncremental archives messages received on or after .lastSync.
	ModeIncremental
	// ModeYear archives messages received on or after 1 January of a year.
	ModeYear
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeIncremental:
		return "incremental"
	case ModeYear:
		return "year"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts the names returned by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full", "":
		return ModeFull, nil
	case "incremental", "inc":
		return ModeIncremental, nil
	case "year":
		return ModeYear, nil
	default:
		return ModeFull, fmt.Errorf("unknown sync mode %q", s)
	}
}

// plan is the resolved lower bound of one run.
type plan struct {
	// since is zero for an unbounded run.
	since time.Time
	// scan requests the archive-wide dedup pre-scan.
	scan bool
	// watermark is the stored .lastSync, if any.
	watermark time.Time
}

func (p plan) bounded() bool {
	return !p.since.IsZero()
}

// advancesWatermark reports whether a clean run may store its start time:
// every message received since the previous watermark must have been a
// candidate.
func (p plan) advancesWatermark() bool {
	if !p.bounded() {
		return true
	}
	return !p.watermark.IsZero() && !p.since.After(p.watermark)
}

func yearStart(year int) time.Time {
	return time.Date(year, time.January, 1, 0, 0, 0, 0, time.Local)
}
