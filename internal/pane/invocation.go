package pane

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/mkatanski/claude-workflow-sub002/internal/completion"
	cwferrors "github.com/mkatanski/claude-workflow-sub002/internal/errors"
	"github.com/mkatanski/claude-workflow-sub002/internal/state"
)

// FilePromptPrefix starts the inline prompt sent when the real prompt was
// moved to a scratch file.
const FilePromptPrefix = "Read and follow the instructions in "

// Invocation is a fully assembled pane command.
type Invocation struct {
	// Command is the shell command line handed to split-window.
	Command string
	// Prompt is the prompt as delivered: the original text, or a pointer to
	// PromptFile.
	Prompt string
	// PromptFile is set when the prompt was too large to pass inline.
	PromptFile string
}

// BuildInvocation assembles the agent command line for prompt. A prompt over
// MaxPromptBytes is rejected. When the assembled line would exceed
// MaxCommandBytes the prompt is written to a scratch file and the agent is
// told to read it from there; the prompt is never truncated.
func (m *Manager) BuildInvocation(prompt string) (Invocation, error) {
	if err := m.checkPromptSize(prompt); err != nil {
		return Invocation{}, err
	}

	command := m.agentCommand(prompt)
	if m.cfg.MaxCommandBytes <= 0 || len(command) <= m.cfg.MaxCommandBytes {
		return Invocation{Command: command, Prompt: prompt}, nil
	}

	path, err := m.spill(prompt)
	if err != nil {
		return Invocation{}, err
	}
	pointer := FilePromptPrefix + path
	m.logger.Info("prompt moved to scratch file",
		"bytes", len(prompt), "command_limit", m.cfg.MaxCommandBytes, "file", path)
	return Invocation{Command: m.agentCommand(pointer), Prompt: pointer, PromptFile: path}, nil
}

// checkPromptSize rejects text over MaxPromptBytes.
func (m *Manager) checkPromptSize(text string) error {
	if m.cfg.MaxPromptBytes > 0 && len(text) > m.cfg.MaxPromptBytes {
		return cwferrors.Newf(cwferrors.CodePanePromptTooLarge,
			"prompt is %d bytes, limit is %d", len(text), m.cfg.MaxPromptBytes).
			WithDetail("bytes", len(text)).
			WithDetail("limit", m.cfg.MaxPromptBytes)
	}
	return nil
}

// spill writes text into the scratch directory and returns its path.
func (m *Manager) spill(text string) (string, error) {
	path, err := state.WriteScratch(m.scratch, "prompt", text)
	if err != nil {
		return "", cwferrors.IOWriteError(m.scratch, err)
	}
	return path, nil
}

func (m *Manager) agentCommand(prompt string) string {
	parts := []string{m.agent.Command}
	for _, arg := range m.agent.Args {
		parts = append(parts, ShellQuote(arg))
	}
	parts = append(parts, ShellQuote(prompt))
	return m.envPrefix() + strings.Join(parts, " ")
}

// shellCommand wraps a plain command so that, once it ends, the pane reports
// turn complete and then session ended.
func (m *Manager) shellCommand(command, outputFile string) string {
	run := "sh -c " + ShellQuote(command)
	if outputFile != "" {
		run += " 2>&1 | tee " + ShellQuote(outputFile)
	}
	return m.envPrefix() + run +
		"; " + m.notifyCommand(completion.KindComplete) +
		"; " + m.notifyCommand(completion.KindExited)
}

func (m *Manager) notifyCommand(kind completion.Kind) string {
	return fmt.Sprintf("%s notify %s --port %d --project %s >/dev/null 2>&1",
		ShellQuote(m.agent.NotifyBinary), kind, m.signals.Port(), ShellQuote(m.project))
}

// envPrefix moves into the project and exports the signal port and the
// configured agent environment. The variables are exported rather than
// prefixed so they reach every command that follows on the line.
func (m *Manager) envPrefix() string {
	var b strings.Builder
	b.WriteString("cd ")
	b.WriteString(ShellQuote(m.project))
	b.WriteString(" && export ")
	b.WriteString(completion.PortEnv)
	b.WriteString("=")
	b.WriteString(strconv.Itoa(m.signals.Port()))

	keys := make([]string, 0, len(m.agent.Env))
	for k := range m.agent.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(ShellQuote(m.agent.Env[k]))
	}
	b.WriteString(" && ")
	return b.String()
}

var safeWord = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

// ShellQuote returns s quoted for POSIX sh. Words made only of safe
// characters are returned unchanged; anything else is single-quoted with
// embedded quotes written as '"'"'.
func ShellQuote(s string) string {
	if s != "" && safeWord.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
