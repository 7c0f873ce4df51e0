// Package testutil holds test doubles shared across packages.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// gatePattern matches the wait-for gate the pane manager puts in front of
// every pane command.
var gatePattern = regexp.MustCompile(`^tmux wait-for (\S+) && `)

type gate struct {
	pane    string
	command string
}

// ErrTmux is the error the fake returns for simulated tmux failures.
var ErrTmux = errors.New("exit status 1")

// TmuxFailure is a scripted tmux error. Stderr is exposed through the
// error's Stderr field the way the exec runner does.
type TmuxFailure struct {
	Subcommand string
	Stderr     string
}

func (f *TmuxFailure) Error() string {
	return fmt.Sprintf("tmux %s: %v: %s", f.Subcommand, ErrTmux, f.Stderr)
}

func (f *TmuxFailure) Unwrap() error { return ErrTmux }

// FakeTmux simulates the tmux subcommands the pane manager uses without a
// tmux server. It records every call.
type FakeTmux struct {
	mu sync.Mutex

	panes  map[string]bool
	gates  map[string]gate
	nextID int
	calls  [][]string

	// Window is returned for the current window; empty simulates running
	// outside tmux.
	Window string
	// SplitFailure makes split-window fail with this stderr.
	SplitFailure string
	// SplitOutput overrides split-window's stdout.
	SplitOutput *string
	// StickyKills is how many kill-pane calls are ignored before a pane
	// actually goes away.
	StickyKills int
	// OnSendKeys runs after every send-keys, outside the lock.
	OnSendKeys func(pane string, keys []string)
	// OnSplit runs after a pane is created, outside the lock.
	OnSplit func(pane, command string)
	// OnStart runs when a pane's command would start executing: when its
	// wait-for gate is signalled, or at creation for ungated commands.
	// command has the gate stripped.
	OnStart func(pane, command string)
}

// NewFakeTmux returns a fake attached to window @1.
func NewFakeTmux() *FakeTmux {
	return &FakeTmux{
		panes:  make(map[string]bool),
		gates:  make(map[string]gate),
		nextID: 1,
		Window: "@1",
	}
}

// Run implements the pane runner.
func (f *FakeTmux) Run(ctx context.Context, args ...string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(args) == 0 {
		return "", errors.New("tmux subcommand is required")
	}

	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), args...))

	var (
		out       string
		err       error
		afterSend func()
	)

	switch args[0] {
	case "display-message":
		target := flagValue(args, "-t")
		switch {
		case target == "":
			if f.Window == "" {
				err = &TmuxFailure{Subcommand: "display-message", Stderr: "no server running on /tmp/tmux-1000/default"}
			} else {
				out = f.Window + "\n"
			}
		case f.panes[target]:
			out = target + "\n"
		default:
			err = &TmuxFailure{Subcommand: "display-message", Stderr: "can't find pane: " + target}
		}

	case "split-window":
		if f.SplitFailure != "" {
			err = &TmuxFailure{Subcommand: "split-window", Stderr: f.SplitFailure}
			break
		}
		id := fmt.Sprintf("%%%d", f.nextID)
		f.nextID++
		f.panes[id] = true
		out = id + "\n"
		if f.SplitOutput != nil {
			out = *f.SplitOutput
		}
		command := args[len(args)-1]
		var hooks []func()
		if f.OnSplit != nil {
			hook := f.OnSplit
			hooks = append(hooks, func() { hook(id, command) })
		}
		if m := gatePattern.FindStringSubmatch(command); m != nil {
			f.gates[m[1]] = gate{pane: id, command: strings.TrimPrefix(command, m[0])}
		} else if f.OnStart != nil {
			hook := f.OnStart
			hooks = append(hooks, func() { hook(id, command) })
		}
		if len(hooks) > 0 {
			afterSend = func() {
				for _, h := range hooks {
					h()
				}
			}
		}

	case "send-keys":
		target := flagValue(args, "-t")
		if !f.panes[target] {
			err = &TmuxFailure{Subcommand: "send-keys", Stderr: "can't find pane: " + target}
			break
		}
		if f.OnSendKeys != nil {
			keys := keysOf(args)
			hook := f.OnSendKeys
			afterSend = func() { hook(target, keys) }
		}

	case "kill-pane":
		target := flagValue(args, "-t")
		if !f.panes[target] {
			err = &TmuxFailure{Subcommand: "kill-pane", Stderr: "can't find pane: " + target}
			break
		}
		if f.StickyKills > 0 {
			f.StickyKills--
			break
		}
		delete(f.panes, target)

	case "wait-for":
		// Signals are always delivered.
		if len(args) == 3 && args[1] == "-S" {
			if g, ok := f.gates[args[2]]; ok {
				delete(f.gates, args[2])
				if f.OnStart != nil {
					hook := f.OnStart
					afterSend = func() { hook(g.pane, g.command) }
				}
			}
		}

	default:
		err = &TmuxFailure{Subcommand: args[0], Stderr: "unknown command: " + args[0]}
	}
	f.mu.Unlock()

	if afterSend != nil {
		afterSend()
	}
	return out, err
}

// Vanish removes a pane as if it was killed outside the orchestrator.
func (f *FakeTmux) Vanish(pane string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.panes, pane)
}

// Exists reports whether pane is alive.
func (f *FakeTmux) Exists(pane string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.panes[pane]
}

// Calls returns a copy of every recorded invocation.
func (f *FakeTmux) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = append([]string(nil), c...)
	}
	return out
}

// CallsTo returns the recorded invocations of one subcommand.
func (f *FakeTmux) CallsTo(subcommand string) [][]string {
	var out [][]string
	for _, c := range f.Calls() {
		if c[0] == subcommand {
			out = append(out, c)
		}
	}
	return out
}

// Keys returns the keys sent to pane, in order, one entry per send-keys.
func (f *FakeTmux) Keys(pane string) []string {
	var out []string
	for _, c := range f.CallsTo("send-keys") {
		if flagValue(c, "-t") == pane {
			out = append(out, strings.Join(keysOf(c), " "))
		}
	}
	return out
}

func flagValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

// keysOf returns the key arguments of a send-keys call.
func keysOf(args []string) []string {
	var keys []string
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "-t":
			i++
		case "-l":
		default:
			keys = append(keys, args[i])
		}
	}
	return keys
}
