package reconcile

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/stampd/internal/config"
	"github.com/schaermu/stampd/internal/fileset"
	"github.com/schaermu/stampd/internal/history"
	"github.com/schaermu/stampd/internal/lock"
	"github.com/schaermu/stampd/internal/processor"
)

// mockScanner implements Scanner for testing.
type mockScanner struct {
	set fileset.Set
	err error
}

func (m *mockScanner) Scan(_ string) (fileset.Set, error) {
	return m.set, m.err
}

// mockProcessor implements processor.Processor for testing.
type mockProcessor struct {
	mu    sync.Mutex
	fail  map[string]bool
	delay time.Duration
	calls []string
}

func (m *mockProcessor) Process(_ context.Context, id fileset.FileID) processor.Outcome {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, id)
	if m.fail[id] {
		return processor.Outcome{ID: id, Reason: processor.ReasonTransformFailed, ExitCode: 1}
	}
	return processor.Outcome{ID: id, Succeeded: true}
}

func (m *mockProcessor) called() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// recordingObserver implements Observer for testing.
type recordingObserver struct {
	summaries []*Summary
	errs      []error
}

func (o *recordingObserver) ObserveRun(s *Summary, err error) {
	o.summaries = append(o.summaries, s)
	o.errs = append(o.errs, err)
}

type harness struct {
	cfg      *config.Config
	scanner  *mockScanner
	proc     *mockProcessor
	store    *history.Store
	failures *history.FailureReport
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	stateDir := t.TempDir()
	cfg := &config.Config{
		Paths: config.PathsConfig{
			ScanRoot: "/srv/__groupfolders",
			StateDir: stateDir,
		},
		Processing: config.ProcessingConfig{Workers: 1},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fsys := afero.NewOsFs()
	return &harness{
		cfg:      cfg,
		scanner:  &mockScanner{},
		proc:     &mockProcessor{fail: map[string]bool{}},
		store:    history.NewStore(fsys, cfg.HistoryFilePath(), logger),
		failures: history.NewFailureReport(fsys, cfg.FailureFilePath()),
	}
}

func (h *harness) engine(dryRun bool) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(h.cfg, h.scanner, h.store, h.failures, h.proc, logger, dryRun)
}

func (h *harness) run(t *testing.T, mode Mode, current ...string) (*Summary, error) {
	t.Helper()
	h.scanner.set = fileset.New(current...)
	return h.engine(false).Run(context.Background(), mode)
}

func (h *harness) savedHistory(t *testing.T) []string {
	t.Helper()
	set, err := h.store.Load()
	require.NoError(t, err)
	return set.IDs()
}

func (h *harness) failureReport(t *testing.T) []string {
	t.Helper()
	paths, err := h.failures.Read()
	require.NoError(t, err)
	return paths
}

func (h *harness) seedHistory(t *testing.T, ids ...string) {
	t.Helper()
	require.NoError(t, h.store.Save(fileset.New(ids...)))
}

func assertInvariants(t *testing.T, s *Summary) {
	t.Helper()
	assert.True(t, s.Succeeded.IsSubsetOf(s.Added), "succeeded must be a subset of added")
	assert.True(t, s.Failed.IsSubsetOf(s.Added), "failed must be a subset of added")
	assert.True(t, s.Added.IsSubsetOf(s.Current), "added must be a subset of current")
	assert.True(t, s.Succeeded.IsSubsetOf(s.Current), "succeeded must be a subset of current")
	assert.True(t, s.History.IsSubsetOf(s.Previous.Union(s.Current)))
	for _, id := range s.Removed.IDs() {
		assert.False(t, s.History.Contains(id), "removed id %s must not be in history", id)
	}
}

func TestRun_PartialFailureExample(t *testing.T) {
	h := newHarness(t)
	h.seedHistory(t, "/A", "/B")
	h.proc.fail["/D"] = true

	s, err := h.run(t, ModeNormal, "/B", "/C", "/D")
	require.ErrorIs(t, err, ErrFilesFailed)

	assert.Equal(t, []string{"/C", "/D"}, s.Added.IDs())
	assert.Equal(t, []string{"/A"}, s.Removed.IDs())
	assert.Equal(t, []string{"/C"}, s.Succeeded.IDs())
	assert.Equal(t, []string{"/D"}, s.Failed.IDs())
	assert.True(t, s.Skipped.IsEmpty())
	assert.Equal(t, []string{"/B", "/C"}, h.savedHistory(t))
	assert.Equal(t, []string{"/D"}, h.failureReport(t))
	assert.Equal(t, []string{"/C", "/D"}, h.proc.called())
	assert.True(t, s.HistorySaved)
	assertInvariants(t, s)

	color.NoColor = true
	var out bytes.Buffer
	s.Print(&out, h.failures.Path())
	assert.Contains(t, out.String(), "New files: 2\n")
	assert.Contains(t, out.String(), "Removed files: 1\n")
	assert.Contains(t, out.String(), "Watermark succeeded: 1\n")
	assert.Contains(t, out.String(), "Failures: 1 (see "+h.failures.Path()+")")
}

func TestRun_PopulateMode(t *testing.T) {
	h := newHarness(t)
	h.seedHistory(t, "/old")
	require.NoError(t, os.WriteFile(h.cfg.FailureFilePath(), []byte("/stale\n"), 0o644))

	s, err := h.run(t, ModePopulate, "/A", "/B", "/C")
	require.NoError(t, err)

	assert.Equal(t, []string{"/A", "/B", "/C"}, h.savedHistory(t))
	assert.Equal(t, []string{"/stale"}, h.failureReport(t), "populate must not touch the failure report")
	assert.Empty(t, h.proc.called())
	assert.Equal(t, []string{"/A", "/B", "/C"}, s.History.IDs())

	var out bytes.Buffer
	s.Print(&out, h.failures.Path())
	assert.Equal(t, "Populate mode: history updated with 3 files.\n", out.String())
}

func TestRun_Idempotent(t *testing.T) {
	h := newHarness(t)

	first, err := h.run(t, ModeNormal, "/a", "/b")
	require.NoError(t, err)
	assert.Equal(t, 2, first.Added.Len())

	second, err := h.run(t, ModeNormal, "/a", "/b")
	require.NoError(t, err)
	assert.True(t, second.Added.IsEmpty())
	assert.True(t, second.Removed.IsEmpty())
	assert.Len(t, h.proc.called(), 2)
}

func TestRun_Convergence(t *testing.T) {
	h := newHarness(t)
	scans := [][]string{
		{"/a", "/b"},
		{"/b", "/c", "/d"},
		{},
		{"/e"},
		{"/e", "/a", "/f"},
	}
	for _, scan := range scans {
		s, err := h.run(t, ModeNormal, scan...)
		require.NoError(t, err)
		assertInvariants(t, s)
		assert.Equal(t, fileset.New(scan...).IDs(), h.savedHistory(t))
	}
}

func TestRun_FailedFileRetriedNextRun(t *testing.T) {
	h := newHarness(t)
	h.proc.fail["/x"] = true

	_, err := h.run(t, ModeNormal, "/x", "/y")
	require.ErrorIs(t, err, ErrFilesFailed)
	assert.Equal(t, []string{"/y"}, h.savedHistory(t))

	// still failing: retried again and still not in history
	s, err := h.run(t, ModeNormal, "/x", "/y")
	require.ErrorIs(t, err, ErrFilesFailed)
	assert.Equal(t, []string{"/x"}, s.Added.IDs())
	assert.Equal(t, []string{"/y"}, h.savedHistory(t))

	h.proc.fail["/x"] = false
	s, err = h.run(t, ModeNormal, "/x", "/y")
	require.NoError(t, err)
	assert.Equal(t, []string{"/x"}, s.Added.IDs())
	assert.Equal(t, []string{"/x", "/y"}, h.savedHistory(t))
	assert.Empty(t, h.failureReport(t), "failure report reflects only the latest run")
}

func TestRun_FailedFileRemovedFromDisk(t *testing.T) {
	h := newHarness(t)
	h.proc.fail["/x"] = true

	_, err := h.run(t, ModeNormal, "/x")
	require.ErrorIs(t, err, ErrFilesFailed)

	s, err := h.run(t, ModeNormal)
	require.NoError(t, err)
	assert.True(t, s.Added.IsEmpty())
	assert.True(t, s.Removed.IsEmpty(), "a never-recorded file cannot be removed")
	assert.Empty(t, h.savedHistory(t))
	assert.Empty(t, h.failureReport(t))
}

func TestRun_RemovalPrecedence(t *testing.T) {
	h := newHarness(t)
	h.seedHistory(t, "/gone", "/kept")
	h.proc.fail["/new-bad"] = true

	s, err := h.run(t, ModeNormal, "/kept", "/new-good", "/new-bad")
	require.ErrorIs(t, err, ErrFilesFailed)
	assert.Equal(t, []string{"/gone"}, s.Removed.IDs())
	assert.Equal(t, []string{"/kept", "/new-good"}, h.savedHistory(t))
	assertInvariants(t, s)
}

func TestRun_CorruptHistoryTreatsEverythingAsNew(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(h.cfg.HistoryFilePath(), []byte("{not json"), 0o644))

	s, err := h.run(t, ModeNormal, "/a", "/b")
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b"}, s.Added.IDs())
	assert.Equal(t, []string{"/a", "/b"}, h.savedHistory(t))
}

func TestRun_ScanErrorAbortsBeforeMutation(t *testing.T) {
	h := newHarness(t)
	h.scanner.err = errors.New("permission denied")

	s, err := h.engine(false).Run(context.Background(), ModeNormal)
	require.Error(t, err)
	assert.False(t, s.HistorySaved)

	_, statErr := os.Stat(h.cfg.HistoryFilePath())
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(h.cfg.FailureFilePath())
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, h.proc.called())
}

func TestRun_LockHeld(t *testing.T) {
	h := newHarness(t)
	held, err := lock.Acquire(h.cfg.LockFilePath())
	require.NoError(t, err)
	defer func() { _ = held.Release() }()

	_, err = h.run(t, ModeNormal, "/a")
	require.ErrorIs(t, err, lock.ErrLocked)
	assert.Empty(t, h.proc.called())
}

func TestRun_ParallelWorkersDeterministic(t *testing.T) {
	h := newHarness(t)
	h.cfg.Processing.Workers = 4
	h.proc.delay = 10 * time.Millisecond
	var ids []string
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		ids = append(ids, "/"+name)
	}
	h.proc.fail["/c"] = true
	h.proc.fail["/g"] = true

	s, err := h.run(t, ModeNormal, ids...)
	require.ErrorIs(t, err, ErrFilesFailed)

	assert.Equal(t, []string{"/a", "/b", "/d", "/e", "/f", "/h"}, s.Succeeded.IDs())
	assert.Equal(t, []string{"/c", "/g"}, s.Failed.IDs())
	assert.Len(t, h.proc.called(), 8)
	for i, out := range s.Outcomes {
		assert.Equal(t, ids[i], out.ID)
	}
}

func TestRun_CanceledBeforeProcessing(t *testing.T) {
	h := newHarness(t)
	h.seedHistory(t, "/old", "/kept")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.scanner.set = fileset.New("/kept", "/new")

	s, err := h.engine(false).Run(ctx, ModeNormal)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"/new"}, s.Skipped.IDs())
	assert.True(t, s.Failed.IsEmpty())
	assert.Empty(t, h.proc.called())
	// removals are still reconciled, skipped files stay out of history
	assert.True(t, s.HistorySaved)
	assert.Equal(t, []string{"/kept"}, h.savedHistory(t))
	assert.Empty(t, h.failureReport(t))
}

func TestRun_DryRun(t *testing.T) {
	h := newHarness(t)
	h.seedHistory(t, "/a")
	h.scanner.set = fileset.New("/b")

	s, err := h.engine(true).Run(context.Background(), ModeNormal)
	require.NoError(t, err)
	assert.Equal(t, []string{"/b"}, s.Added.IDs())
	assert.Equal(t, []string{"/a"}, s.Removed.IDs())
	assert.Empty(t, h.proc.called())
	assert.Equal(t, []string{"/a"}, h.savedHistory(t))
	_, statErr := os.Stat(h.cfg.FailureFilePath())
	assert.True(t, os.IsNotExist(statErr))

	assert.False(t, s.HistorySaved)

	s, err = h.engine(true).Run(context.Background(), ModePopulate)
	require.NoError(t, err)
	assert.False(t, s.HistorySaved)
	assert.Equal(t, []string{"/a"}, h.savedHistory(t))
	assert.Equal(t, []string{"/b"}, s.History.IDs())
}

func TestRun_ObserverNotified(t *testing.T) {
	h := newHarness(t)
	obs := &recordingObserver{}
	e := h.engine(false)
	e.SetObserver(obs)

	h.scanner.set = fileset.New("/a")
	_, err := e.Run(context.Background(), ModeNormal)
	require.NoError(t, err)

	h.scanner.err = errors.New("boom")
	_, err = e.Run(context.Background(), ModeNormal)
	require.Error(t, err)

	require.Len(t, obs.summaries, 2)
	assert.NoError(t, obs.errs[0])
	assert.Error(t, obs.errs[1])
	assert.Equal(t, 1, obs.summaries[0].Succeeded.Len())
}

func TestRun_CreatesStateDir(t *testing.T) {
	h := newHarness(t)
	h.cfg.Paths.StateDir = filepath.Join(h.cfg.Paths.StateDir, "nested", "state")
	h.store = history.NewStore(afero.NewOsFs(), h.cfg.HistoryFilePath(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.failures = history.NewFailureReport(afero.NewOsFs(), h.cfg.FailureFilePath())

	_, err := h.run(t, ModeNormal, "/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"/a"}, h.savedHistory(t))
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"":         ModeNormal,
		"normal":   ModeNormal,
		"Populate": ModePopulate,
		"POPULATE": ModePopulate,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseMode("rebuild")
	assert.Error(t, err)
}
