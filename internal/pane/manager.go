// Package pane runs the external agent, or a plain shell command, in a tmux
// pane next to the orchestrator and tears it down again.
//
// A pane is created with split-window in the current window, registered
// with the completion signal server, and recorded as current. Exactly one
// pane is current at a time.
package pane

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkatanski/claude-workflow-sub002/internal/completion"
	"github.com/mkatanski/claude-workflow-sub002/internal/config"
	cwferrors "github.com/mkatanski/claude-workflow-sub002/internal/errors"
)

// Signals is the part of the completion server the manager depends on.
// *completion.Server satisfies it.
type Signals interface {
	RegisterPane(paneID string)
	UnregisterPane(paneID string)
	WaitForComplete(ctx context.Context, paneID string, timeout time.Duration) bool
	WaitForExited(ctx context.Context, paneID string, timeout time.Duration) bool
	ResetComplete(paneID string)
	Port() int
}

var _ Signals = (*completion.Server)(nil)

// Manager owns the current pane of one orchestration session.
type Manager struct {
	runner  Runner
	signals Signals
	cfg     config.PaneConfig
	agent   config.AgentConfig
	project string
	scratch string
	logger  *slog.Logger

	mu         sync.Mutex
	current    string
	hooksReady bool
}

// Option customises a Manager.
type Option func(*Manager)

// WithRunner replaces the tmux runner.
func WithRunner(r Runner) Option {
	return func(m *Manager) {
		if r != nil {
			m.runner = r
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithScratchDir overrides where oversized prompts are written.
func WithScratchDir(dir string) Option {
	return func(m *Manager) {
		if dir != "" {
			m.scratch = dir
		}
	}
}

// NewManager creates a manager for panes working in project. A nil cfg uses
// config.Default().
func NewManager(signals Signals, project string, cfg *config.Config, opts ...Option) *Manager {
	if cfg == nil {
		cfg = config.Default()
	}
	m := &Manager{
		runner:  NewExecRunner(),
		signals: signals,
		cfg:     cfg.Pane,
		agent:   cfg.Agent,
		project: project,
		scratch: cfg.ScratchDir(project),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Current returns the id of the open pane, or "".
func (m *Manager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Open starts the agent with prompt in a new pane and makes it current. An
// already open pane is torn down first.
func (m *Manager) Open(ctx context.Context, prompt string) (string, error) {
	inv, err := m.BuildInvocation(prompt)
	if err != nil {
		return "", err
	}
	m.ensureHooks()
	return m.open(ctx, inv.Command)
}

// OpenCommand runs a plain shell command in a new pane. The pane signals
// turn complete and session ended when the command finishes. When
// outputFile is set the command's combined output is copied there.
func (m *Manager) OpenCommand(ctx context.Context, command, outputFile string) (string, error) {
	return m.open(ctx, m.shellCommand(command, outputFile))
}

func (m *Manager) open(ctx context.Context, command string) (string, error) {
	if prev := m.Current(); prev != "" {
		m.logger.Warn("closing previous pane before opening a new one", "pane", prev)
		if err := m.Close(ctx); err != nil {
			m.logger.Warn("previous pane teardown incomplete", "pane", prev, "error", err)
		}
	}

	// The pane blocks on a tmux wait-for channel until it is registered, so
	// a fast command cannot signal before the server knows its id.
	channel := "cwf-" + uuid.NewString()
	gated := fmt.Sprintf("tmux wait-for %s && %s", channel, command)

	paneID, err := m.create(ctx, gated)
	if err != nil {
		return "", err
	}

	m.signals.RegisterPane(paneID)
	if _, err := m.runner.Run(ctx, "wait-for", "-S", channel); err != nil {
		m.signals.UnregisterPane(paneID)
		_, _ = m.runner.Run(context.WithoutCancel(ctx), "kill-pane", "-t", paneID)
		return "", cwferrors.PaneCreateFailed(Diagnostic(err), err).WithDetail("pane", paneID)
	}

	m.mu.Lock()
	m.current = paneID
	m.mu.Unlock()

	m.logger.Info("pane opened", "pane", paneID, "project", m.project)
	return paneID, nil
}

// create splits the current window and returns the new pane id exactly as
// tmux printed it.
func (m *Manager) create(ctx context.Context, command string) (string, error) {
	out, err := m.runner.Run(ctx, "display-message", "-p", "#{window_id}")
	window := strings.TrimSpace(out)
	if err != nil || window == "" {
		diag := Diagnostic(err)
		if diag == "" {
			diag = "tmux returned no window id"
		}
		return "", cwferrors.Wrap(cwferrors.CodePaneNoWindow, "cannot determine current tmux window: "+diag, err)
	}

	direction := "-h"
	if m.cfg.SplitDirection == "v" {
		direction = "-v"
	}

	out, err = m.runner.Run(ctx, "split-window", "-t", window, direction,
		"-P", "-F", "#{pane_id}", "-c", m.project, command)
	if err != nil {
		return "", cwferrors.PaneCreateFailed(Diagnostic(err), err)
	}
	paneID := strings.TrimRight(out, "\r\n")
	if !completion.PaneIDPattern.MatchString(paneID) {
		return "", cwferrors.PaneCreateFailed(fmt.Sprintf("unexpected split-window output %q", out), nil)
	}
	return paneID, nil
}

// Send types text into the current pane and presses Enter. The turn
// complete event is re-armed first so WaitTurn observes the reply to this
// text. Text over MaxPromptBytes is rejected; text over MaxCommandBytes is
// delivered through a scratch file.
func (m *Manager) Send(ctx context.Context, text string) error {
	paneID := m.Current()
	if paneID == "" {
		return cwferrors.New(cwferrors.CodePaneNotOpen, "no pane is open")
	}
	if err := m.checkPromptSize(text); err != nil {
		return err
	}

	if m.cfg.MaxCommandBytes > 0 && len(text) > m.cfg.MaxCommandBytes {
		path, err := m.spill(text)
		if err != nil {
			return err
		}
		text = FilePromptPrefix + path
	}

	m.signals.ResetComplete(paneID)
	if _, err := m.runner.Run(ctx, "send-keys", "-t", paneID, "-l", text); err != nil {
		return fmt.Errorf("send-keys to %s: %w", paneID, err)
	}
	if _, err := m.runner.Run(ctx, "send-keys", "-t", paneID, "Enter"); err != nil {
		return fmt.Errorf("send-keys to %s: %w", paneID, err)
	}
	return nil
}

// WaitTurn waits for the current pane to report turn complete. A
// non-positive timeout uses the configured turn timeout. The boolean is
// false on timeout.
func (m *Manager) WaitTurn(ctx context.Context, timeout time.Duration) (bool, error) {
	paneID := m.Current()
	if paneID == "" {
		return false, cwferrors.New(cwferrors.CodePaneNotOpen, "no pane is open")
	}
	if timeout <= 0 {
		timeout = m.cfg.TurnTimeout
	}
	return m.signals.WaitForComplete(ctx, paneID, timeout), nil
}

// Turn is the outcome of RunTurn.
type Turn struct {
	PaneID     string
	Completed  bool
	PromptFile string
}

// RunTurn delivers prompt and waits for the agent to finish the turn. With
// no pane open a new agent pane is started; otherwise the prompt is typed
// into the open session.
func (m *Manager) RunTurn(ctx context.Context, prompt string, timeout time.Duration) (Turn, error) {
	var turn Turn
	if m.Current() == "" {
		inv, err := m.BuildInvocation(prompt)
		if err != nil {
			return turn, err
		}
		m.ensureHooks()
		if _, err := m.open(ctx, inv.Command); err != nil {
			return turn, err
		}
		turn.PromptFile = inv.PromptFile
	} else if err := m.Send(ctx, prompt); err != nil {
		return turn, err
	}

	turn.PaneID = m.Current()
	completed, err := m.WaitTurn(ctx, timeout)
	if err != nil {
		return turn, err
	}
	turn.Completed = completed
	if !completed {
		m.logger.Warn("agent turn timed out", "pane", turn.PaneID)
	}
	return turn, nil
}

func (m *Manager) ensureHooks() {
	if !m.agent.SetupHooks {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hooksReady {
		return
	}
	path, err := WriteHookSettings(m.project, m.agent.NotifyBinary)
	if err != nil {
		// Without hooks turns end by timeout only; keep going.
		m.logger.Warn("cannot write agent hook settings", "error", err)
		return
	}
	m.hooksReady = true
	m.logger.Debug("agent hook settings written", "path", path)
}
