package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/c360studio/nova/workflow"
)

// Command runner defaults.
const (
	DefaultCommandTimeout = 300 * time.Second
	DefaultOutputTail     = 2000
)

// CommandRunner runs build and validation commands in a directory. Results
// are returned in command order; a failing command does not stop the rest.
type CommandRunner interface {
	Run(ctx context.Context, dir string, commands []string) []workflow.CommandResult
}

// ShellRunner runs each command through "sh -c" with a per-command timeout.
type ShellRunner struct {
	timeout time.Duration
	tail    int
	logger  *slog.Logger
}

// NewShellRunner creates a runner. Zero values select the defaults.
func NewShellRunner(timeout time.Duration, tail int, logger *slog.Logger) *ShellRunner {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if tail <= 0 {
		tail = DefaultOutputTail
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ShellRunner{timeout: timeout, tail: tail, logger: logger}
}

// Run implements CommandRunner. Commands not started because ctx was
// cancelled are reported with exit code -1.
func (r *ShellRunner) Run(ctx context.Context, dir string, commands []string) []workflow.CommandResult {
	results := make([]workflow.CommandResult, 0, len(commands))
	for _, command := range commands {
		if ctx.Err() != nil {
			results = append(results, workflow.CommandResult{Command: command, ExitCode: -1, Stderr: "not run: " + ctx.Err().Error()})
			continue
		}
		result := r.runOne(ctx, dir, command)
		r.logger.Debug("Command finished", "command", command, "exit_code", result.ExitCode)
		results = append(results, result)
	}
	return results
}

func (r *ShellRunner) runOne(ctx context.Context, dir, command string) workflow.CommandResult {
	cmdCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	result := workflow.CommandResult{
		Command: command,
		Stdout:  Tail(stdout.String(), r.tail),
		Stderr:  Tail(stderr.String(), r.tail),
	}
	if runErr == nil {
		return result
	}

	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		result.ExitCode = -1
		result.Stderr = fmt.Sprintf("command timed out after %s", r.timeout)
		return result
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) && exitErr.ExitCode() >= 0 {
		result.ExitCode = exitErr.ExitCode()
		return result
	}
	// Could not start, or killed by a signal.
	result.ExitCode = -1
	if result.Stderr == "" {
		result.Stderr = runErr.Error()
	}
	return result
}

// Tail returns the last n bytes of s.
func Tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Head returns the first n bytes of s.
func Head(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
