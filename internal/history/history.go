// Package history persists the reconciled file set between runs and the
// report of files that failed in the latest run.
package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/schaermu/stampd/internal/fileset"
)

const historyIndent = "    "

// Store loads and saves the history snapshot as a JSON array of paths
type Store struct {
	fs     afero.Fs
	path   string
	logger *slog.Logger
}

// NewStore creates a history store backed by the given filesystem
func NewStore(fsys afero.Fs, path string, logger *slog.Logger) *Store {
	return &Store{fs: fsys, path: path, logger: logger}
}

// Path returns the location of the snapshot
func (s *Store) Path() string {
	return s.path
}

// Load returns the last saved snapshot. A missing or malformed snapshot yields
// the empty set; only I/O failures other than absence are returned as errors.
func (s *Store) Load() (fileset.Set, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Info("no history found, treating all files as new", "path", s.path)
			return fileset.Set{}, nil
		}
		return fileset.Set{}, fmt.Errorf("failed to read history: %w", err)
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		s.logger.Warn("history is corrupt, treating all files as new", "path", s.path, "error", err)
		return fileset.Set{}, nil
	}

	return fileset.New(ids...), nil
}

// Save replaces the snapshot with set. Readers see either the old or the new
// snapshot, never a partial one.
func (s *Store) Save(set fileset.Set) error {
	ids := set.IDs()
	if ids == nil {
		ids = []string{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", historyIndent)
	if err := enc.Encode(ids); err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	if err := writeAtomic(s.fs, s.path, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

// FailureReport is a plain text list of failed paths, one per line
type FailureReport struct {
	fs   afero.Fs
	path string
}

// NewFailureReport creates a failure report backed by the given filesystem
func NewFailureReport(fsys afero.Fs, path string) *FailureReport {
	return &FailureReport{fs: fsys, path: path}
}

// Path returns the location of the report
func (r *FailureReport) Path() string {
	return r.path
}

// Write overwrites the report with ids. An empty set leaves an empty file.
func (r *FailureReport) Write(ids fileset.Set) error {
	var buf bytes.Buffer
	for _, id := range ids.IDs() {
		buf.WriteString(id)
		buf.WriteByte('\n')
	}
	if err := writeAtomic(r.fs, r.path, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write failure report: %w", err)
	}
	return nil
}

// Read returns the paths listed in the report; a missing report is empty.
func (r *FailureReport) Read() ([]string, error) {
	data, err := afero.ReadFile(r.fs, r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read failure report: %w", err)
	}

	var paths []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimRight(line, "\r"); line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

// writeAtomic writes data to a temp file next to path and renames it into place
func writeAtomic(fsys afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmpFile, err := afero.TempFile(fsys, dir, ".stampd-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = fsys.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := fsys.Chmod(tmpPath, 0o644); err != nil {
		return err
	}

	return fsys.Rename(tmpPath, path)
}
