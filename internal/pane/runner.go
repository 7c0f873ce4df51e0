package pane

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Runner executes one tmux subcommand and returns its stdout. On failure the
// error carries tmux's stderr so callers can surface the diagnostic.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExecRunner runs the tmux binary.
type ExecRunner struct {
	// Binary is the tmux executable.
	Binary string
	// defaultTimeout is used when context has no deadline
	defaultTimeout time.Duration
}

// NewExecRunner creates a runner for the tmux on PATH.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{
		Binary:         "tmux",
		defaultTimeout: 5 * time.Second,
	}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("tmux subcommand is required")
	}

	ctx, cancel := r.ensureTimeout(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.String(), &CommandError{
			Subcommand: args[0],
			Stderr:     strings.TrimSpace(stderr.String()),
			Err:        err,
		}
	}
	return stdout.String(), nil
}

// ensureTimeout returns a context with a timeout if none is set.
func (r *ExecRunner) ensureTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && r.defaultTimeout > 0 {
		return context.WithTimeout(ctx, r.defaultTimeout)
	}
	return ctx, func() {}
}

// CommandError is a failed tmux invocation.
type CommandError struct {
	Subcommand string
	Stderr     string
	Err        error
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("tmux %s: %v", e.Subcommand, e.Err)
	}
	return fmt.Sprintf("tmux %s: %v: %s", e.Subcommand, e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Diagnostic returns tmux's own message for err, falling back to err's text.
func Diagnostic(err error) string {
	if err == nil {
		return ""
	}
	var ce *CommandError
	if errors.As(err, &ce) && ce.Stderr != "" {
		return ce.Stderr
	}
	return err.Error()
}
