package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/stampd/internal/config"
	"github.com/schaermu/stampd/internal/fileset"
	"github.com/schaermu/stampd/internal/lock"
	"github.com/schaermu/stampd/internal/processor"
)

// Scanner produces the current file set
type Scanner interface {
	Scan(root string) (fileset.Set, error)
}

// HistoryStore persists the reconciled file set
type HistoryStore interface {
	Load() (fileset.Set, error)
	Save(set fileset.Set) error
	Path() string
}

// FailureWriter overwrites the failure report
type FailureWriter interface {
	Write(ids fileset.Set) error
	Path() string
}

// Observer is notified after every run, successful or not
type Observer interface {
	ObserveRun(summary *Summary, err error)
}

// Engine orchestrates the delta computation and per-file processing
type Engine struct {
	cfg       *config.Config
	scanner   Scanner
	history   HistoryStore
	failures  FailureWriter
	processor processor.Processor
	logger    *slog.Logger
	dryRun    bool
	observer  Observer
}

// NewEngine creates a new reconcile engine
func NewEngine(cfg *config.Config, scanner Scanner, history HistoryStore, failures FailureWriter,
	proc processor.Processor, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:       cfg,
		scanner:   scanner,
		history:   history,
		failures:  failures,
		processor: proc,
		logger:    logger,
		dryRun:    dryRun,
	}
}

// SetObserver registers an observer for run results
func (e *Engine) SetObserver(o Observer) {
	e.observer = o
}

// Run executes one run in the given mode. State is persisted even when some
// files fail; in that case the summary is returned together with ErrFilesFailed.
func (e *Engine) Run(ctx context.Context, mode Mode) (*Summary, error) {
	summary, err := e.run(ctx, mode)
	if e.observer != nil {
		e.observer.ObserveRun(summary, err)
	}
	return summary, err
}

func (e *Engine) run(ctx context.Context, mode Mode) (*Summary, error) {
	summary := &Summary{Mode: mode, DryRun: e.dryRun, StartedAt: time.Now()}
	defer func() {
		summary.Duration = time.Since(summary.StartedAt)
	}()

	e.logger.Info("starting run",
		"mode", mode,
		"scan_root", e.cfg.Paths.ScanRoot,
		"dry_run", e.dryRun)

	if !e.dryRun {
		if err := os.MkdirAll(e.cfg.Paths.StateDir, 0o755); err != nil {
			return summary, fmt.Errorf("failed to create state directory: %w", err)
		}
		runLock, err := lock.Acquire(e.cfg.LockFilePath())
		if err != nil {
			return summary, err
		}
		defer func() {
			_ = runLock.Release()
		}()
	}

	current, err := e.scanner.Scan(e.cfg.Paths.ScanRoot)
	if err != nil {
		return summary, fmt.Errorf("failed to scan files: %w", err)
	}
	summary.Current = current
	e.logger.Info("discovered files", "count", current.Len())

	if mode == ModePopulate {
		return summary, e.populate(summary)
	}

	previous, err := e.history.Load()
	if err != nil {
		return summary, fmt.Errorf("failed to load history: %w", err)
	}
	summary.Previous = previous

	summary.Added = current.Difference(previous)
	summary.Removed = previous.Difference(current)

	e.logger.Info("delta computed",
		"added", summary.Added.Len(),
		"removed", summary.Removed.Len(),
		"history", previous.Len())

	if e.dryRun {
		e.logPlanDetails(summary)
		e.logger.Info("dry-run complete, no changes applied")
		return summary, nil
	}

	summary.Outcomes = e.processAll(ctx, summary.Added.IDs())
	e.fold(summary)

	// removal wins over re-addition for ids no longer on disk
	summary.History = previous.Union(summary.Succeeded).Difference(summary.Removed)

	if err := e.history.Save(summary.History); err != nil {
		return summary, fmt.Errorf("failed to save history: %w", err)
	}
	summary.HistorySaved = true
	if err := e.failures.Write(summary.Failed); err != nil {
		return summary, fmt.Errorf("failed to write failure report: %w", err)
	}

	e.logger.Info("run complete",
		"added", summary.Added.Len(),
		"removed", summary.Removed.Len(),
		"succeeded", summary.Succeeded.Len(),
		"failed", summary.Failed.Len(),
		"skipped", summary.Skipped.Len())

	if ctx.Err() != nil && !summary.Skipped.IsEmpty() {
		return summary, fmt.Errorf("run interrupted with %d files pending: %w", summary.Skipped.Len(), ctx.Err())
	}
	if !summary.Failed.IsEmpty() {
		return summary, ErrFilesFailed
	}
	return summary, nil
}

// populate stores the current scan as history without processing anything
func (e *Engine) populate(summary *Summary) error {
	summary.History = summary.Current
	if e.dryRun {
		e.logger.Info("[dry-run] would populate history", "files", summary.Current.Len())
		return nil
	}
	if err := e.history.Save(summary.Current); err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	summary.HistorySaved = true
	e.logger.Info("populate mode: history updated", "files", summary.Current.Len(), "path", e.history.Path())
	return nil
}

// processAll runs the processor for ids on a bounded worker pool. Each worker
// writes only its own slot; slots of files never started stay zero valued.
// Cancellation stops new files from starting while in-flight files finish.
func (e *Engine) processAll(ctx context.Context, ids []fileset.FileID) []processor.Outcome {
	outcomes := make([]processor.Outcome, len(ids))
	workCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(e.cfg.Processing.Workers)

	for i, id := range ids {
		if ctx.Err() != nil {
			e.logger.Warn("run canceled, not starting remaining files", "pending", len(ids)-i)
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			e.logger.Info("processing file", "file", id)
			outcomes[i] = e.processor.Process(workCtx, id)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// fold partitions outcomes into succeeded, failed and skipped in sorted order
func (e *Engine) fold(summary *Summary) {
	var succeeded, failed, skipped []fileset.FileID
	for i, id := range summary.Added.IDs() {
		out := summary.Outcomes[i]
		switch {
		case out.ID == "":
			skipped = append(skipped, id)
		case out.Succeeded:
			succeeded = append(succeeded, id)
		default:
			failed = append(failed, id)
		}
	}
	summary.Succeeded = fileset.New(succeeded...)
	summary.Failed = fileset.New(failed...)
	summary.Skipped = fileset.New(skipped...)
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(summary *Summary) {
	for _, id := range summary.Added.IDs() {
		e.logger.Info("[dry-run] would process", "file", id)
	}
	for _, id := range summary.Removed.IDs() {
		e.logger.Info("[dry-run] would forget", "file", id)
	}
}
