package processor

import (
	"context"
	"log/slog"

	"github.com/schaermu/stampd/internal/config"
	"github.com/schaermu/stampd/internal/fileset"
	"github.com/schaermu/stampd/internal/runner"
)

// Reason classifies why a file failed
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonTransformFailed Reason = "transform_failed"
	ReasonPathMismatch    Reason = "path_mismatch"
	ReasonRegisterFailed  Reason = "register_failed"
)

// Outcome is the result of processing one file
type Outcome struct {
	ID        fileset.FileID
	Succeeded bool
	Reason    Reason
	ExitCode  int
	TimedOut  bool
}

// Processor applies the external pipeline to a single file
type Processor interface {
	Process(ctx context.Context, id fileset.FileID) Outcome
}

// Pipeline watermarks a file in place and then registers it with the
// group folder scanner. Registration is skipped once watermarking failed.
type Pipeline struct {
	cfg    *config.Config
	runner runner.Runner
	logger *slog.Logger
}

// NewPipeline creates a new processing pipeline
func NewPipeline(cfg *config.Config, r runner.Runner, logger *slog.Logger) *Pipeline {
	return &Pipeline{cfg: cfg, runner: r, logger: logger}
}

// Process runs transform then registration for id
func (p *Pipeline) Process(ctx context.Context, id fileset.FileID) Outcome {
	logger := p.logger.With("file", id)

	mark := p.runner.Run(ctx, p.TransformCommand(id))
	if !mark.Success() {
		logger.Warn("transform failed", "exit_code", mark.ExitCode, "timed_out", mark.TimedOut)
		return Outcome{ID: id, Reason: ReasonTransformFailed, ExitCode: mark.ExitCode, TimedOut: mark.TimedOut}
	}

	gp, err := ParseGroupPath(id, p.cfg.Register.Marker)
	if err != nil {
		logger.Warn("path not eligible for registration", "error", err)
		return Outcome{ID: id, Reason: ReasonPathMismatch}
	}

	reg := p.runner.Run(ctx, p.RegisterCommand(gp))
	if !reg.Success() {
		logger.Warn("registration failed",
			"group_id", gp.GroupID,
			"relative_path", gp.RelativePath,
			"exit_code", reg.ExitCode,
			"timed_out", reg.TimedOut)
		return Outcome{ID: id, Reason: ReasonRegisterFailed, ExitCode: reg.ExitCode, TimedOut: reg.TimedOut}
	}

	logger.Debug("file processed", "group_id", gp.GroupID, "relative_path", gp.RelativePath)
	return Outcome{ID: id, Succeeded: true}
}

// TransformCommand builds `<tool> <input> <watermark> <output> <in-place-flag>`;
// output equals input since files are stamped in place.
func (p *Pipeline) TransformCommand(id fileset.FileID) runner.Command {
	return runner.Command{
		Name:    p.cfg.Transform.Command,
		Args:    []string{id, p.cfg.Transform.Watermark, id, p.cfg.Transform.InPlaceFlag},
		Timeout: p.cfg.Transform.Timeout,
	}
}

// RegisterCommand builds `<cli...> <subcommand> --path <relative path> <group id>`
func (p *Pipeline) RegisterCommand(gp GroupPath) runner.Command {
	prefix := p.cfg.Register.Command
	args := make([]string, 0, len(prefix)+3)
	args = append(args, prefix[1:]...)
	args = append(args, p.cfg.Register.Subcommand, "--path", gp.RelativePath, gp.GroupID)
	return runner.Command{
		Name:    prefix[0],
		Args:    args,
		Timeout: p.cfg.Register.Timeout,
	}
}
