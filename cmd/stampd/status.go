package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/afero"

	"github.com/schaermu/stampd/internal/config"
	"github.com/schaermu/stampd/internal/fileset"
	"github.com/schaermu/stampd/internal/lock"
)

type historyLoader interface {
	Load() (fileset.Set, error)
	Path() string
}

type failureReader interface {
	Read() ([]string, error)
	Path() string
}

// statusReport describes the persisted state between runs
type statusReport struct {
	ScanRoot       string
	HistoryPath    string
	Tracked        int
	HistoryUpdated time.Time
	FailurePath    string
	Failures       []string
	RunInProgress  bool
}

func collectStatus(cfg *config.Config, hist historyLoader, failures failureReader, fsys afero.Fs) (*statusReport, error) {
	st := &statusReport{
		ScanRoot:    cfg.Paths.ScanRoot,
		HistoryPath: hist.Path(),
		FailurePath: failures.Path(),
	}

	tracked, err := hist.Load()
	if err != nil {
		return nil, err
	}
	st.Tracked = tracked.Len()

	info, err := fsys.Stat(hist.Path())
	switch {
	case err == nil:
		st.HistoryUpdated = info.ModTime()
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to stat history: %w", err)
	}

	if st.Failures, err = failures.Read(); err != nil {
		return nil, err
	}

	if st.RunInProgress, err = lock.Held(cfg.LockFilePath()); err != nil {
		return nil, err
	}

	return st, nil
}

// Print renders the status as tables
func (s *statusReport) Print(w io.Writer) {
	updated := "never"
	if !s.HistoryUpdated.IsZero() {
		updated = fmt.Sprintf("%s (%s)", humanize.Time(s.HistoryUpdated), s.HistoryUpdated.Format(time.RFC3339))
	}
	inProgress := "no"
	if s.RunInProgress {
		inProgress = "yes"
	}

	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendRows([]table.Row{
		{"Scan root", s.ScanRoot},
		{"History", s.HistoryPath},
		{"Tracked files", humanize.Comma(int64(s.Tracked))},
		{"Last updated", updated},
		{"Failure report", s.FailurePath},
		{"Failed files", humanize.Comma(int64(len(s.Failures)))},
		{"Run in progress", inProgress},
	})
	tbl.Render()

	if len(s.Failures) == 0 {
		return
	}

	failed := table.NewWriter()
	failed.SetOutputMirror(w)
	failed.SetStyle(table.StyleLight)
	failed.AppendHeader(table.Row{"#", "Failed in last run"})
	for i, p := range s.Failures {
		failed.AppendRow(table.Row{i + 1, p})
	}
	failed.Render()
}
