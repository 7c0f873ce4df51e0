package tools

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/mkatanski/claude-workflow-sub002/internal/pane"
)

// Panes is the part of the pane manager the agent tool drives.
type Panes interface {
	RunTurn(ctx context.Context, prompt string, timeout time.Duration) (pane.Turn, error)
	OpenCommand(ctx context.Context, command, outputFile string) (string, error)
	WaitTurn(ctx context.Context, timeout time.Duration) (bool, error)
	Close(ctx context.Context) error
}

var _ Panes = (*pane.Manager)(nil)

// Agent runs agent turns, or plain commands, in a terminal pane and waits
// for the completion signal.
//
// Arguments: "prompt" for an agent turn, or "command" (with optional
// "output_file") for a command pane; "timeout" (duration string) overrides
// the default; "close" (bool) tears the pane down afterwards. Command panes
// are always closed. A turn that times out is a failure.
type Agent struct {
	panes   Panes
	timeout time.Duration
}

// NewAgent returns an agent tool with the default turn timeout.
func NewAgent(panes Panes, timeout time.Duration) *Agent {
	return &Agent{panes: panes, timeout: timeout}
}

// Name implements Tool.
func (a *Agent) Name() string { return "agent" }

// Run implements Tool.
func (a *Agent) Run(ctx context.Context, args map[string]any) Output {
	timeout := a.timeout
	if raw := stringArg(args, "timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Fail("invalid timeout %q: %v", raw, err)
		}
		timeout = d
	}

	if command := stringArg(args, "command"); command != "" {
		return a.runCommand(ctx, command, stringArg(args, "output_file"), timeout)
	}

	prompt := stringArg(args, "prompt")
	if strings.TrimSpace(prompt) == "" {
		return Fail("prompt or command is required")
	}
	turn, err := a.panes.RunTurn(ctx, prompt, timeout)
	if err != nil {
		return Fail("%v", err)
	}
	if closeAfter, _ := args["close"].(bool); closeAfter {
		// Teardown exhaustion is best effort; the turn outcome stands.
		_ = a.panes.Close(ctx)
	}
	if !turn.Completed {
		return Output{Output: turn.PaneID, Error: "agent turn timed out after " + timeout.String()}
	}
	return Ok(turn.PaneID)
}

func (a *Agent) runCommand(ctx context.Context, command, outputFile string, timeout time.Duration) Output {
	paneID, err := a.panes.OpenCommand(ctx, command, outputFile)
	if err != nil {
		return Fail("%v", err)
	}
	completed, err := a.panes.WaitTurn(ctx, timeout)
	_ = a.panes.Close(ctx)
	if err != nil {
		return Fail("%v", err)
	}
	if !completed {
		return Output{Output: paneID, Error: "command timed out after " + timeout.String()}
	}
	if outputFile == "" {
		return Ok(paneID)
	}
	data, err := os.ReadFile(outputFile)
	if err != nil {
		return Fail("reading %s: %v", outputFile, err)
	}
	return Ok(strings.TrimSuffix(string(data), "\n"))
}
