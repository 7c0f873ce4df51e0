// Package tools holds the handles nodes use to touch the outside world: shell
// commands, JSON documents, checklists and agent turns. Every handle reports
// through the same Output triple.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	cwferrors "github.com/mkatanski/claude-workflow-sub002/internal/errors"
	"github.com/mkatanski/claude-workflow-sub002/internal/result"
)

// Output is what every tool returns. Success false means Error explains why;
// Output may still carry partial text.
type Output struct {
	Success bool   `json:"success" yaml:"success"`
	Output  string `json:"output" yaml:"output"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Ok builds a successful Output.
func Ok(output string) Output {
	return Output{Success: true, Output: output}
}

// Fail builds a failed Output.
func Fail(format string, args ...any) Output {
	return Output{Error: fmt.Sprintf(format, args...)}
}

// Result converts o into a Result so callers can chain on it.
func (o Output) Result() result.Result[string] {
	return result.FromOutput(o.Success, o.Output, o.Error)
}

// Tool is a named handle.
type Tool interface {
	Name() string
	Run(ctx context.Context, args map[string]any) Output
}

// Registry maps tool names to handles. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns a registry holding ts.
func NewRegistry(ts ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range ts {
		_ = r.Register(t)
	}
	return r
}

// Register adds t. Names must be unique.
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return cwferrors.New(cwferrors.CodeConfigMissingField, "tool name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return cwferrors.Newf(cwferrors.CodeConfigInvalidValue, "tool %q already registered", t.Name()).
			WithDetail("tool", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run invokes the named tool. An unknown name is reported as a failed
// Output rather than an error so nodes handle it like any other tool failure.
func (r *Registry) Run(ctx context.Context, name string, args map[string]any) Output {
	t, ok := r.Get(name)
	if !ok {
		return Fail("tool %q not found", name)
	}
	return t.Run(ctx, args)
}

// NewDefaultRegistry registers shell, json and checklist rooted at dir, plus
// agent when panes is non-nil.
func NewDefaultRegistry(dir string, panes Panes, turnTimeout time.Duration) *Registry {
	shell := NewShell(dir)
	r := NewRegistry(shell, NewJSON(), NewChecklist(shell))
	if panes != nil {
		_ = r.Register(NewAgent(panes, turnTimeout))
	}
	return r
}

// stringArg reads a string argument, accepting any scalar.
func stringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// stringMapArg reads a map of strings such as an environment block.
func stringMapArg(args map[string]any, key string) map[string]string {
	switch m := args[key].(type) {
	case map[string]string:
		return m
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, v := range m {
			out[k] = fmt.Sprint(v)
		}
		return out
	}
	return nil
}
