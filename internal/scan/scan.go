package scan

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/schaermu/stampd/internal/fileset"
)

// ErrRootUnreadable is returned when the scan root cannot be listed.
var ErrRootUnreadable = errors.New("scan root is not readable")

// Scanner finds tracked files below a root directory
type Scanner struct {
	extensions []string
	logger     *slog.Logger
}

// NewScanner creates a scanner matching the given extensions (case-insensitive)
func NewScanner(extensions []string, logger *slog.Logger) *Scanner {
	lowered := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		lowered = append(lowered, strings.ToLower(ext))
	}
	return &Scanner{extensions: lowered, logger: logger}
}

// Matches returns true if the file name has one of the tracked extensions
func (s *Scanner) Matches(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return false
	}
	for _, valid := range s.extensions {
		if ext == valid {
			return true
		}
	}
	return false
}

// Scan walks root recursively and returns the canonical ids of all matching files.
// An unreadable root is fatal; unreadable subdirectories are skipped with a warning.
func (s *Scanner) Scan(root string) (fileset.Set, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fileset.Set{}, fmt.Errorf("%w: %s: %v", ErrRootUnreadable, root, err)
	}
	// WalkDir does not descend into a symlinked root
	if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolved
	}

	info, err := os.Stat(absRoot)
	if err != nil {
		return fileset.Set{}, fmt.Errorf("%w: %s: %v", ErrRootUnreadable, root, err)
	}
	if !info.IsDir() {
		return fileset.Set{}, fmt.Errorf("%w: %s is not a directory", ErrRootUnreadable, root)
	}
	if _, err := os.ReadDir(absRoot); err != nil {
		return fileset.Set{}, fmt.Errorf("%w: %s: %v", ErrRootUnreadable, root, err)
	}

	var ids []fileset.FileID
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == absRoot {
				return err
			}
			s.logger.Warn("skipping unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() || !s.Matches(d.Name()) {
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			// a symlink named like a tracked file may still point at a directory
			if target, statErr := os.Stat(path); statErr == nil && target.IsDir() {
				return nil
			}
		}

		id := Canonicalize(path)
		// the JSON history cannot store invalid UTF-8 losslessly
		if !utf8.ValidString(id) {
			s.logger.Warn("skipping file with non UTF-8 name", "path", strconv.Quote(id))
			return nil
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return fileset.Set{}, fmt.Errorf("%w: %s: %v", ErrRootUnreadable, root, err)
	}

	return fileset.New(ids...), nil
}

// Canonicalize resolves path to an absolute, symlink-free form. When the path
// cannot be resolved (e.g. a dangling symlink) the cleaned absolute path with
// trailing separators trimmed is returned instead.
func Canonicalize(path string) fileset.FileID {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	trimmed := strings.TrimRight(abs, string(filepath.Separator))
	if trimmed == "" {
		return string(filepath.Separator)
	}
	return trimmed
}
