// Package testutil provides fake external tools and file trees for tests
// that exercise the real process runner.
package testutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Shim is a fake command-line tool. Every invocation appends its arguments,
// tab separated, to a log file before the tool body runs.
type Shim struct {
	Path    string
	LogPath string
}

// ShimLogEntry represents one logged invocation
type ShimLogEntry struct {
	Args []string
}

// NewShim writes an executable /bin/sh script named name into dir
func NewShim(t *testing.T, dir, name, body string) *Shim {
	t.Helper()
	s := &Shim{
		Path:    filepath.Join(dir, name),
		LogPath: filepath.Join(dir, name+".log"),
	}

	script := fmt.Sprintf(`#!/bin/sh
(IFS="$(printf '\t')"; printf '%%s\n' "$*") >> '%s'
%s
`, s.LogPath, body)

	if err := os.WriteFile(s.Path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write shim %s: %v", name, err)
	}
	return s
}

// FailWhen returns a shim body fragment that prints a message and exits
// with code when any argument contains substr
func FailWhen(substr string, code int) string {
	return fmt.Sprintf(`case "$*" in *'%s'*) echo "simulated failure" >&2; exit %d;; esac`, substr, code)
}

// Stamper returns a fake watermarking tool. It appends a marker line to its
// output argument and exits with 1 for inputs containing any of failOn.
func Stamper(t *testing.T, dir string, failOn ...string) *Shim {
	t.Helper()
	var body []string
	for _, f := range failOn {
		body = append(body, FailWhen(f, 1))
	}
	body = append(body, `printf '%%stamped\n' >> "$3"`)
	return NewShim(t, dir, "markpdf", strings.Join(body, "\n"))
}

// Registrar returns a fake registration tool that exits with 1 for paths
// containing any of failOn
func Registrar(t *testing.T, dir string, failOn ...string) *Shim {
	t.Helper()
	var body []string
	for _, f := range failOn {
		body = append(body, FailWhen(f, 1))
	}
	body = append(body, `echo "Scanning $*"`)
	return NewShim(t, dir, "occ", strings.Join(body, "\n"))
}

// Entries reads and parses the invocation log. A shim never invoked has
// no entries.
func (s *Shim) Entries(t *testing.T) []ShimLogEntry {
	t.Helper()
	f, err := os.Open(s.LogPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("failed to open shim log: %v", err)
	}
	defer func() {
		_ = f.Close()
	}()

	var entries []ShimLogEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		entries = append(entries, ShimLogEntry{Args: strings.Split(line, "\t")})
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("failed to read shim log: %v", err)
	}
	return entries
}

// Reset clears the invocation log
func (s *Shim) Reset(t *testing.T) {
	t.Helper()
	if err := os.Remove(s.LogPath); err != nil && !os.IsNotExist(err) {
		t.Fatalf("failed to clear shim log: %v", err)
	}
}

// String returns a human-readable representation
func (e ShimLogEntry) String() string {
	return strings.Join(e.Args, " ")
}

// HasArgs checks if the entry starts with the given arguments
func (e ShimLogEntry) HasArgs(args ...string) bool {
	if len(e.Args) < len(args) {
		return false
	}
	for i, arg := range args {
		if e.Args[i] != arg {
			return false
		}
	}
	return true
}

// ContainsArg checks if the entry contains a specific argument anywhere
func (e ShimLogEntry) ContainsArg(arg string) bool {
	for _, a := range e.Args {
		if a == arg {
			return true
		}
	}
	return false
}
