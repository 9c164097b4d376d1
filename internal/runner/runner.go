package runner

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const (
	// ExitTimeout is reported when a command exceeds its timeout
	ExitTimeout = 124
	// ExitNotStarted is reported when a command could not be started
	ExitNotStarted = -1
)

// waitDelay bounds how long Wait blocks on output pipes held open by
// grandchildren after the command itself was killed.
const waitDelay = 5 * time.Second

// Command describes one external process invocation
type Command struct {
	Name    string
	Args    []string
	Timeout time.Duration // zero means no timeout
}

// Result is the outcome of a command. Output holds stdout and stderr merged
// in the order they were written.
type Result struct {
	ExitCode int
	Output   []string
	TimedOut bool
}

// Success reports whether the command exited with status 0
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Runner executes external commands. It never returns an error for a
// nonzero exit; the exit code is the signal.
type Runner interface {
	Run(ctx context.Context, cmd Command) Result
}

// ExecRunner implements Runner with os/exec, without a shell
type ExecRunner struct {
	logger *slog.Logger
}

// NewExecRunner creates a new exec-based runner
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{logger: logger}
}

// Run executes cmd and logs the invocation, exit code and captured output
func (r *ExecRunner) Run(ctx context.Context, cmd Command) Result {
	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	var output bytes.Buffer
	c := exec.CommandContext(runCtx, cmd.Name, cmd.Args...)
	c.Stdout = &output
	c.Stderr = &output
	c.WaitDelay = waitDelay

	result := Result{}
	err := c.Run()
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.ExitCode = ExitTimeout
		result.TimedOut = true
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = ExitNotStarted
			output.WriteString(err.Error())
		}
	}
	result.Output = splitLines(output.String())

	r.log(cmd, result)
	return result
}

func (r *ExecRunner) log(cmd Command, result Result) {
	level := slog.LevelInfo
	if !result.Success() {
		level = slog.LevelWarn
	}
	r.logger.Log(context.Background(), level, "executed command",
		"command", cmd.Name,
		"args", cmd.Args,
		"exit_code", result.ExitCode,
		"timed_out", result.TimedOut,
		"output", strings.Join(result.Output, "\n"))
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
