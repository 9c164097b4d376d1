package reconcile

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/schaermu/stampd/internal/fileset"
	"github.com/schaermu/stampd/internal/processor"
)

// ErrFilesFailed is returned after a run that persisted its state but had
// at least one file fail processing
var ErrFilesFailed = errors.New("one or more files failed processing")

// Mode selects what a run does
type Mode string

const (
	// ModeNormal processes new files and reconciles history
	ModeNormal Mode = "normal"
	// ModePopulate stores the current scan as history without processing
	ModePopulate Mode = "populate"
)

// ParseMode parses a mode name case-insensitively; empty means normal
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeNormal:
		return ModeNormal, nil
	case ModePopulate:
		return ModePopulate, nil
	default:
		return "", fmt.Errorf("unknown mode %q (must be normal or populate)", s)
	}
}

// Summary describes one run
type Summary struct {
	Mode     Mode
	DryRun   bool
	Current  fileset.Set
	Previous fileset.Set

	Added     fileset.Set
	Removed   fileset.Set
	Succeeded fileset.Set
	Failed    fileset.Set
	// Skipped holds added files not started because the run was canceled
	Skipped fileset.Set

	// History is the snapshot computed by this run
	History fileset.Set
	// HistorySaved is set once History was written to the store
	HistorySaved bool
	Outcomes     []processor.Outcome

	StartedAt time.Time
	Duration  time.Duration
}
