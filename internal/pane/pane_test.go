package pane

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/mkatanski/claude-workflow-sub002/internal/completion"
	"github.com/mkatanski/claude-workflow-sub002/internal/config"
	cwferrors "github.com/mkatanski/claude-workflow-sub002/internal/errors"
	"github.com/mkatanski/claude-workflow-sub002/internal/testutil"
)

type fixture struct {
	tmux    *testutil.FakeTmux
	server  *completion.Server
	manager *Manager
	project string
	cfg     *config.Config
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.Pane.InterruptPause = 0
	cfg.Pane.EOFPause = 0
	cfg.Pane.ExitWait = 50 * time.Millisecond
	cfg.Pane.ExistenceBackoff = 0
	cfg.Agent.SetupHooks = false
	for _, fn := range mutate {
		fn(cfg)
	}

	f := &fixture{
		tmux:    testutil.NewFakeTmux(),
		server:  completion.NewServer(config.ServerConfig{}, completion.WithLogger(testutil.DiscardLogger())),
		project: t.TempDir(),
		cfg:     cfg,
	}
	f.manager = NewManager(f.server, f.project, cfg,
		WithRunner(f.tmux),
		WithLogger(testutil.DiscardLogger()),
		WithScratchDir(filepath.Join(f.project, ".cwf", "tmp")),
	)
	return f
}

// signalWhenRegistered fires kind once pane is registered with the server.
func signalWhenRegistered(t *testing.T, s *completion.Server, pane string, kind completion.Kind) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if s.Signal(pane, kind) {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"claude":                         "claude",
		"--dangerously-skip-permissions": "--dangerously-skip-permissions",
		"/tmp/a.txt":                     "/tmp/a.txt",
		"":                               "''",
		"fix the bug":                    "'fix the bug'",
		"it's":                           `'it'"'"'s'`,
		"$(rm -rf /)":                    "'$(rm -rf /)'",
		"a\nb":                           "'a\nb'",
	}
	for in, want := range tests {
		assert.Equal(t, want, ShellQuote(in), "input %q", in)
	}
}

func TestBuildInvocation_Inline(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Agent.Env = map[string]string{"B_VAR": "two words", "A_VAR": "1"}
	})

	inv, err := f.manager.BuildInvocation("fix the bug")
	require.NoError(t, err)

	assert.Empty(t, inv.PromptFile)
	assert.Equal(t, "fix the bug", inv.Prompt)
	assert.True(t, strings.HasPrefix(inv.Command, "cd "+ShellQuote(f.project)+" && export CWF_SIGNAL_PORT=0 "))
	assert.Contains(t, inv.Command, " A_VAR=1 B_VAR='two words' && ")
	assert.True(t, strings.HasSuffix(inv.Command, "claude --dangerously-skip-permissions 'fix the bug'"))
}

func TestBuildInvocation_PromptTooLarge(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Pane.MaxPromptBytes = 10 })

	_, err := f.manager.BuildInvocation(strings.Repeat("x", 11))
	require.Error(t, err)
	assert.True(t, cwferrors.HasCode(err, cwferrors.CodePanePromptTooLarge))

	_, err = f.manager.BuildInvocation(strings.Repeat("x", 10))
	assert.NoError(t, err)
}

func TestBuildInvocation_LargePromptGoesToFile(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Pane.MaxCommandBytes = 300 })
	prompt := strings.Repeat("review this carefully; ", 40)

	inv, err := f.manager.BuildInvocation(prompt)
	require.NoError(t, err)

	require.NotEmpty(t, inv.PromptFile)
	data, err := os.ReadFile(inv.PromptFile)
	require.NoError(t, err)
	assert.Equal(t, prompt, string(data), "prompt must be written whole, never truncated")

	assert.Equal(t, FilePromptPrefix+inv.PromptFile, inv.Prompt)
	assert.Contains(t, inv.Command, ShellQuote(inv.Prompt))
	assert.NotContains(t, inv.Command, "review this carefully")
	assert.True(t, strings.HasPrefix(inv.PromptFile, filepath.Join(f.project, ".cwf", "tmp")))
}

func TestOpen_CreatesAndRegistersPane(t *testing.T) {
	f := newFixture(t)

	id, err := f.manager.Open(context.Background(), "hello")
	require.NoError(t, err)

	assert.Equal(t, "%1", id)
	assert.Equal(t, "%1", f.manager.Current())
	assert.True(t, f.server.Registered("%1"))

	splits := f.tmux.CallsTo("split-window")
	require.Len(t, splits, 1)
	split := splits[0]
	assert.Equal(t, []string{"split-window", "-t", "@1", "-h", "-P", "-F", "#{pane_id}", "-c", f.project}, split[:len(split)-1])

	command := split[len(split)-1]
	require.True(t, strings.HasPrefix(command, "tmux wait-for cwf-"))
	channel := strings.Fields(command)[2]
	assert.Contains(t, command, "claude --dangerously-skip-permissions hello")

	waits := f.tmux.CallsTo("wait-for")
	require.Len(t, waits, 1)
	assert.Equal(t, []string{"wait-for", "-S", channel}, waits[0])
}

func TestOpen_VerticalSplit(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Pane.SplitDirection = "v" })
	_, err := f.manager.Open(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "-v", f.tmux.CallsTo("split-window")[0][3])
}

func TestOpen_SurfacesTmuxDiagnostic(t *testing.T) {
	f := newFixture(t)
	f.tmux.SplitFailure = "create pane failed: pane too small"

	_, err := f.manager.Open(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, cwferrors.HasCode(err, cwferrors.CodePaneCreateFailed))
	assert.Contains(t, err.Error(), "pane too small")
	assert.Equal(t, cwferrors.CategoryProcess, cwferrors.Classify(err))
	assert.Empty(t, f.manager.Current())
}

func TestOpen_NoPaneIDOnStdout(t *testing.T) {
	f := newFixture(t)
	empty := ""
	f.tmux.SplitOutput = &empty

	_, err := f.manager.Open(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, cwferrors.HasCode(err, cwferrors.CodePaneCreateFailed))
	assert.Empty(t, f.manager.Current())
}

func TestOpen_OutsideTmux(t *testing.T) {
	f := newFixture(t)
	f.tmux.Window = ""

	_, err := f.manager.Open(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, cwferrors.HasCode(err, cwferrors.CodePaneNoWindow))
	assert.Contains(t, err.Error(), "no server running")
	assert.Empty(t, f.tmux.CallsTo("split-window"))
}

func TestOpen_ReplacesCurrentPane(t *testing.T) {
	f := newFixture(t)
	first, err := f.manager.Open(context.Background(), "one")
	require.NoError(t, err)

	second, err := f.manager.Open(context.Background(), "two")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.False(t, f.tmux.Exists(first))
	assert.False(t, f.server.Registered(first))
	assert.Equal(t, second, f.manager.Current())
}

func TestOpen_WritesHooksWhenEnabled(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Agent.SetupHooks = true })
	_, err := f.manager.Open(context.Background(), "hello")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(f.project, HookSettingsFile))
	require.NoError(t, err)
	assert.Equal(t, HookCommand("cwf", completion.KindComplete),
		gjson.GetBytes(data, "hooks.Stop.0.hooks.0.command").String())
}

func TestOpenCommand_WrapsWithSignals(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(f.project, "out.log")

	_, err := f.manager.OpenCommand(context.Background(), "make test", out)
	require.NoError(t, err)

	split := f.tmux.CallsTo("split-window")[0]
	command := split[len(split)-1]
	assert.Contains(t, command, "sh -c 'make test' 2>&1 | tee "+out)
	complete := strings.Index(command, "cwf notify complete --port 0 --project "+f.project)
	exited := strings.Index(command, "cwf notify exited --port 0 --project "+f.project)
	require.GreaterOrEqual(t, complete, 0)
	require.GreaterOrEqual(t, exited, 0)
	assert.Less(t, complete, exited, "complete must be reported before exited")
}

func TestShellCommand_NotifySeesEnvironment(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Agent.Env = map[string]string{"A_VAR": "two words"}
	})
	require.NoError(t, f.server.Listen(context.Background()))
	t.Cleanup(func() { _ = f.server.Shutdown(context.Background()) })

	bin := t.TempDir()
	record := filepath.Join(bin, "record")
	stub := "#!/bin/sh\necho \"$1 ${" + completion.PortEnv + ":-unset} ${A_VAR:-unset}\" >> " + ShellQuote(record) + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(bin, "cwf"), []byte(stub), 0o755))
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
	t.Setenv(completion.PortEnv, "")
	t.Setenv("A_VAR", "")

	line := f.manager.shellCommand("exit 3", "")
	out, err := exec.Command("/bin/sh", "-c", line).CombinedOutput()
	require.NoError(t, err, string(out))

	data, err := os.ReadFile(record)
	require.NoError(t, err)
	port := strconv.Itoa(f.server.Port())
	assert.Equal(t, "complete "+port+" two words\nexited "+port+" two words\n", string(data))
}

func TestRunTurn_FirstAndFollowUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	signalWhenRegistered(t, f.server, "%1", completion.KindComplete)
	turn, err := f.manager.RunTurn(ctx, "start", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "%1", turn.PaneID)
	assert.True(t, turn.Completed)

	// The agent's Stop hook fires after it reads the follow-up.
	f.tmux.OnSendKeys = func(pane string, keys []string) {
		if len(keys) == 1 && keys[0] == "Enter" {
			f.server.Signal(pane, completion.KindComplete)
		}
	}
	turn, err = f.manager.RunTurn(ctx, "continue with step 2", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, turn.Completed)
	assert.Equal(t, []string{"continue with step 2", "Enter"}, f.tmux.Keys("%1"))
	assert.Len(t, f.tmux.CallsTo("split-window"), 1, "follow-up reuses the open pane")
}

func TestSend_RearmsCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.Open(ctx, "start")
	require.NoError(t, err)

	f.server.Signal("%1", completion.KindComplete)
	done, err := f.manager.WaitTurn(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, done)

	require.NoError(t, f.manager.Send(ctx, "next"))
	done, err = f.manager.WaitTurn(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, done, "a stale completion must not satisfy the next turn")
}

func TestSend_LargeTextGoesToFile(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Pane.MaxCommandBytes = 50 })
	ctx := context.Background()
	_, err := f.manager.Open(ctx, "start")
	require.NoError(t, err)

	require.NoError(t, f.manager.Send(ctx, strings.Repeat("y", 200)))
	keys := f.tmux.Keys("%1")
	require.Len(t, keys, 2)
	assert.True(t, strings.HasPrefix(keys[0], FilePromptPrefix))
}

func TestSend_PromptTooLarge(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Pane.MaxPromptBytes = 10 })
	ctx := context.Background()
	_, err := f.manager.Open(ctx, "start")
	require.NoError(t, err)

	err = f.manager.Send(ctx, strings.Repeat("y", 11))
	require.Error(t, err)
	assert.True(t, cwferrors.HasCode(err, cwferrors.CodePanePromptTooLarge))
	assert.Empty(t, f.tmux.Keys("%1"), "nothing is typed into the pane")

	require.NoError(t, f.manager.Send(ctx, strings.Repeat("y", 10)))
	assert.Len(t, f.tmux.Keys("%1"), 2)
}

func TestSendAndWait_WithoutPane(t *testing.T) {
	f := newFixture(t)
	err := f.manager.Send(context.Background(), "x")
	assert.True(t, cwferrors.HasCode(err, cwferrors.CodePaneNotOpen))

	_, err = f.manager.WaitTurn(context.Background(), time.Millisecond)
	assert.True(t, cwferrors.HasCode(err, cwferrors.CodePaneNotOpen))
}

func TestClose_EscalatingTeardown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.Open(ctx, "start")
	require.NoError(t, err)

	// The agent's SessionEnd hook fires once it reads end-of-input.
	f.tmux.OnSendKeys = func(pane string, keys []string) {
		if len(keys) == 1 && keys[0] == "C-d" {
			f.server.Signal(pane, completion.KindExited)
		}
	}

	require.NoError(t, f.manager.Close(ctx))

	assert.Equal(t, []string{"C-c", "C-d", "C-d"}, f.tmux.Keys("%1"))
	assert.Len(t, f.tmux.CallsTo("kill-pane"), 1, "kill runs even after a clean exit")
	assert.False(t, f.tmux.Exists("%1"))
	assert.False(t, f.server.Registered("%1"))
	assert.Empty(t, f.manager.Current())

	var order []string
	for _, c := range f.tmux.Calls() {
		if c[0] == "send-keys" || c[0] == "kill-pane" {
			order = append(order, c[0]+" "+c[len(c)-1])
		}
	}
	assert.Equal(t, []string{"send-keys C-c", "send-keys C-d", "send-keys C-d", "kill-pane %1"}, order)
}

func TestClose_PaneAlreadyGone(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Open(context.Background(), "start")
	require.NoError(t, err)

	f.tmux.Vanish("%1")
	assert.NoError(t, f.manager.Close(context.Background()))
	assert.False(t, f.server.Registered("%1"))
}

func TestClose_RetriesKillOnce(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Open(context.Background(), "start")
	require.NoError(t, err)

	f.tmux.StickyKills = 1
	require.NoError(t, f.manager.Close(context.Background()))
	assert.Len(t, f.tmux.CallsTo("kill-pane"), 2)
	assert.False(t, f.tmux.Exists("%1"))
}

func TestClose_PollBoundExhausted(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Pane.ExistencePolls = 3 })
	_, err := f.manager.Open(context.Background(), "start")
	require.NoError(t, err)

	f.tmux.StickyKills = 100
	err = f.manager.Close(context.Background())
	require.Error(t, err)
	assert.True(t, cwferrors.HasCode(err, cwferrors.CodePaneTeardownIncomplete))
	assert.False(t, f.server.Registered("%1"), "events are released even when the pane lingers")
	assert.Empty(t, f.manager.Current())
}

func TestClose_CancelledContextStillTearsDown(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := f.manager.OpenCommand(ctx, "make test", "")
	require.NoError(t, err)

	cancel()
	require.NoError(t, f.manager.Close(ctx))
	assert.NotEmpty(t, f.tmux.CallsTo("kill-pane"))
	assert.False(t, f.tmux.Exists("%1"))
	assert.False(t, f.server.Registered("%1"))
	assert.Empty(t, f.manager.Current())
}

// blindTmux fails pane lookups with an error that says nothing about the
// pane while blind is set.
type blindTmux struct {
	*testutil.FakeTmux
	blind bool
}

func (b *blindTmux) Run(ctx context.Context, args ...string) (string, error) {
	if b.blind && len(args) > 0 && args[0] == "display-message" && slices.Contains(args, "-t") {
		return "", errors.New("signal: killed")
	}
	return b.FakeTmux.Run(ctx, args...)
}

func TestClose_UnknownPaneStateIsNotGone(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Pane.ExistencePolls = 2 })
	runner := &blindTmux{FakeTmux: f.tmux}
	m := NewManager(f.server, f.project, f.cfg,
		WithRunner(runner),
		WithLogger(testutil.DiscardLogger()),
		WithScratchDir(filepath.Join(f.project, ".cwf", "tmp")),
	)
	_, err := m.Open(context.Background(), "start")
	require.NoError(t, err)

	f.tmux.StickyKills = 100
	runner.blind = true
	err = m.Close(context.Background())
	require.Error(t, err)
	assert.True(t, cwferrors.HasCode(err, cwferrors.CodePaneTeardownIncomplete))
	assert.True(t, f.tmux.Exists("%1"))
}

func TestClose_NothingOpen(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.manager.Close(context.Background()))
	assert.Empty(t, f.tmux.Calls())
}
