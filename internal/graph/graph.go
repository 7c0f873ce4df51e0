// Package graph runs workflows expressed as a directed graph of named nodes.
//
// A node reads the state and returns a partial update, which the scheduler
// merges before following the node's single outgoing edge. Static edges
// always go to the same node; conditional edges ask a router. Cycles exist
// only through conditional edges, which is how loops are written:
//
//	g := graph.New("review")
//	g.AddNode("draft", draft)
//	g.AddNode("check", check)
//	g.AddEdge(graph.Start, "draft")
//	g.AddEdge("draft", "check")
//	g.AddConditionalEdges("check", graph.RouteIf("{approved} == true", "done", "retry"),
//	    map[string]string{"done": graph.End, "retry": "draft"})
//	store, err := g.Run(ctx, map[string]any{"topic": "errors"})
//
// Exactly one node runs at a time.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	cwferrors "github.com/mkatanski/claude-workflow-sub002/internal/errors"
	"github.com/mkatanski/claude-workflow-sub002/internal/expr"
	"github.com/mkatanski/claude-workflow-sub002/internal/logging"
	"github.com/mkatanski/claude-workflow-sub002/internal/state"
	"github.com/mkatanski/claude-workflow-sub002/internal/tools"
)

// Sentinels. AddEdge(Start, x) declares the entry node; routing to End stops
// the run.
const (
	Start = "__start__"
	End   = "__end__"
)

// Tools is what nodes and routers get for side effects. *tools.Registry
// satisfies it.
type Tools interface {
	Has(name string) bool
	Run(ctx context.Context, name string, args map[string]any) tools.Output
}

// NodeFunc is a step. Returning an error aborts the run.
type NodeFunc func(ctx context.Context, s state.View, t Tools) (state.Update, error)

// RouterFunc names the next node. The name is looked up in the edge's
// candidate map first, then used as a node name.
type RouterFunc func(ctx context.Context, s state.View, t Tools) (string, error)

type node struct {
	name  string
	fn    NodeFunc
	tools []string
}

type edge struct {
	from       string
	to         string
	router     RouterFunc
	candidates map[string]string
}

func (e *edge) conditional() bool { return e.router != nil }

// targets returns every node the edge may lead to, sorted.
func (e *edge) targets() []string {
	if !e.conditional() {
		return []string{e.to}
	}
	set := make(map[string]bool, len(e.candidates))
	for _, to := range e.candidates {
		set[to] = true
	}
	return slices.Sorted(maps.Keys(set))
}

// Step is reported to the observer after each node.
type Step struct {
	Index    int
	Node     string
	Next     string
	Keys     []string
	Duration time.Duration
	Err      error
}

// Graph is a workflow definition. Build it once, then Run it any number of
// times; runs don't share state.
type Graph struct {
	name     string
	nodes    map[string]*node
	order    []string
	edges    map[string]*edge
	entry    string
	buildErr error

	logger    *slog.Logger
	tools     Tools
	maxSteps  int
	observer  func(Step)
	storeOpts []state.Option
}

// Option configures a Graph.
type Option func(*Graph)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Graph) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithTools sets the tool handles passed to nodes and routers.
func WithTools(t Tools) Option {
	return func(g *Graph) {
		if t != nil {
			g.tools = t
		}
	}
}

// WithMaxSteps bounds the number of node executions per run. Zero means
// unbounded.
func WithMaxSteps(n int) Option {
	return func(g *Graph) {
		if n >= 0 {
			g.maxSteps = n
		}
	}
}

// WithObserver receives a Step after every node.
func WithObserver(fn func(Step)) Option {
	return func(g *Graph) {
		g.observer = fn
	}
}

// WithStoreOptions configures the store each run creates.
func WithStoreOptions(opts ...state.Option) Option {
	return func(g *Graph) {
		g.storeOpts = append(g.storeOpts, opts...)
	}
}

// New creates an empty graph.
func New(name string, opts ...Option) *Graph {
	g := &Graph{
		name:   name,
		nodes:  make(map[string]*node),
		edges:  make(map[string]*edge),
		logger: slog.Default(),
		tools:  tools.NewRegistry(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "graph", "graph", name)
	return g
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// NodeOption configures a node.
type NodeOption func(*node)

// RequireTools declares the tools a node uses. Validate fails when any is
// missing from the registry.
func RequireTools(names ...string) NodeOption {
	return func(n *node) {
		n.tools = append(n.tools, names...)
	}
}

// AddNode registers a step. Names must be unique and cannot be a sentinel.
func (g *Graph) AddNode(name string, fn NodeFunc, opts ...NodeOption) error {
	var err error
	switch {
	case name == "":
		err = cwferrors.New(cwferrors.CodeConfigMissingField, "node name cannot be empty")
	case name == Start || name == End:
		err = cwferrors.Newf(cwferrors.CodeConfigInvalidValue, "node name %q is reserved", name)
	case fn == nil:
		err = cwferrors.Newf(cwferrors.CodeConfigMissingField, "node %q has no function", name)
	case g.nodes[name] != nil:
		err = cwferrors.DuplicateNode(name)
	}
	if err != nil {
		g.record(err)
		return err
	}

	n := &node{name: name, fn: fn}
	for _, opt := range opts {
		opt(n)
	}
	g.nodes[name] = n
	g.order = append(g.order, name)
	return nil
}

// AddEdge registers a static edge. AddEdge(Start, x) sets the entry node.
// Targets are checked by Validate, so edges may be added before nodes.
func (g *Graph) AddEdge(from, to string) error {
	if to == "" {
		err := cwferrors.Newf(cwferrors.CodeConfigMissingField, "edge from %q has no target", from)
		g.record(err)
		return err
	}
	if from == Start {
		if g.entry != "" {
			err := g.duplicateEdge(Start)
			g.record(err)
			return err
		}
		g.entry = to
		return nil
	}
	return g.addEdge(&edge{from: from, to: to})
}

// AddConditionalEdges registers a router for from. candidates maps every
// label the router may return to a node name (or End).
func (g *Graph) AddConditionalEdges(from string, router RouterFunc, candidates map[string]string) error {
	if router == nil || len(candidates) == 0 {
		err := cwferrors.Newf(cwferrors.CodeConfigMissingField, "conditional edge from %q needs a router and candidates", from)
		g.record(err)
		return err
	}
	return g.addEdge(&edge{from: from, router: router, candidates: maps.Clone(candidates)})
}

func (g *Graph) addEdge(e *edge) error {
	if e.from == "" || e.from == End {
		err := cwferrors.Newf(cwferrors.CodeConfigInvalidValue, "edge cannot start at %q", e.from)
		g.record(err)
		return err
	}
	if g.edges[e.from] != nil {
		err := g.duplicateEdge(e.from)
		g.record(err)
		return err
	}
	g.edges[e.from] = e
	return nil
}

func (g *Graph) duplicateEdge(from string) error {
	return cwferrors.Newf(cwferrors.CodeGraphDuplicateEdge, "node %q already has an outgoing edge", from).
		WithDetail("node", from)
}

// record keeps the first construction error so Validate reports it even when
// the caller ignored the return value.
func (g *Graph) record(err error) {
	if g.buildErr == nil {
		g.buildErr = err
	}
}

// Validate checks the graph before running: construction errors, a declared
// entry, known edge sources and targets, an outgoing edge on every node and
// every required tool registered.
func (g *Graph) Validate() error {
	if g.buildErr != nil {
		return g.buildErr
	}
	if g.entry == "" {
		return cwferrors.Newf(cwferrors.CodeGraphNoEntry, "graph %q has no entry edge from %s", g.name, Start)
	}
	if g.nodes[g.entry] == nil {
		return cwferrors.UnknownNode(Start, g.entry)
	}

	for _, from := range slices.Sorted(maps.Keys(g.edges)) {
		if g.nodes[from] == nil {
			return cwferrors.Newf(cwferrors.CodeGraphUnknownNode, "edge starts at unknown node %q", from).
				WithDetail("from", from)
		}
		for _, to := range g.edges[from].targets() {
			if to != End && g.nodes[to] == nil {
				return cwferrors.UnknownNode(from, to)
			}
		}
	}

	for _, name := range g.order {
		if g.edges[name] == nil {
			return cwferrors.Newf(cwferrors.CodeGraphDeadEnd, "node %q has no outgoing edge", name).
				WithDetail("node", name)
		}
		for _, tool := range g.nodes[name].tools {
			if !g.tools.Has(tool) {
				return cwferrors.UnknownTool(name, tool)
			}
		}
	}
	return nil
}

// Run executes the graph from the entry node until a route reaches End.
//
// The returned store is non-nil whenever it could be created, including on
// failure, and the caller must Close it. Failures are *RunError.
func (g *Graph) Run(ctx context.Context, initial map[string]any) (*state.Store, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	store, err := state.New(initial, g.storeOpts...)
	if err != nil {
		return nil, err
	}

	g.logger.Info("graph run starting", "entry", g.entry, "nodes", len(g.nodes))
	start := time.Now()

	current := g.entry
	var path []string
	for step := 0; current != End; step++ {
		if g.maxSteps > 0 && step >= g.maxSteps {
			return store, g.fail(store, current, path, cwferrors.Newf(cwferrors.CodeGraphMaxSteps,
				"graph %q exceeded %d steps", g.name, g.maxSteps).WithDetail("max_steps", g.maxSteps))
		}
		if err := ctx.Err(); err != nil {
			return store, g.fail(store, current, path, err)
		}

		path = append(path, current)
		next, keys, elapsed, err := g.step(ctx, store, current)
		if g.observer != nil {
			g.observer(Step{Index: step, Node: current, Next: next, Keys: keys, Duration: elapsed, Err: err})
		}
		if err != nil {
			return store, g.fail(store, current, path, err)
		}
		current = next
	}

	g.logger.Info("graph run completed", "steps", len(path), "duration", time.Since(start))
	return store, nil
}

// step runs one node, merges its update and resolves the next node.
func (g *Graph) step(ctx context.Context, store *state.Store, name string) (next string, keys []string, elapsed time.Duration, err error) {
	logger := logging.WithNode(g.logger, name)
	logger.Debug("node starting")

	started := time.Now()
	update, err := g.invoke(ctx, g.nodes[name], store)
	elapsed = time.Since(started)
	if err != nil {
		return "", nil, elapsed, err
	}
	if err := store.Merge(update); err != nil {
		return "", nil, elapsed, err
	}
	keys = slices.Sorted(maps.Keys(update))

	next, err = g.route(ctx, store, name)
	if err != nil {
		return "", keys, elapsed, err
	}
	logger.Debug("node completed", "next", next, "updated", keys, "duration", elapsed)
	return next, keys, elapsed, nil
}

// invoke calls the node, converting a panic into an error.
func (g *Graph) invoke(ctx context.Context, n *node, s state.View) (update state.Update, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = cwferrors.Newf(cwferrors.CodeGraphNodeFailed, "node %q panicked: %v", n.name, r).
				WithDetail("node", n.name)
		}
	}()
	return n.fn(ctx, s, g.tools)
}

func (g *Graph) route(ctx context.Context, s state.View, from string) (string, error) {
	e := g.edges[from]
	if !e.conditional() {
		return e.to, nil
	}

	label, err := g.callRouter(ctx, e, s, from)
	if err != nil {
		return "", fmt.Errorf("router for %q: %w", from, err)
	}
	target := label
	if to, ok := e.candidates[label]; ok {
		target = to
	}
	if target != End && g.nodes[target] == nil {
		return "", cwferrors.UnknownNode(from, label)
	}
	return target, nil
}

// callRouter asks e's router for a label, converting a panic into an error.
func (g *Graph) callRouter(ctx context.Context, e *edge, s state.View, from string) (label string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = cwferrors.Newf(cwferrors.CodeGraphNodeFailed, "router panicked: %v", r).
				WithDetail("node", from)
		}
	}()
	return e.router(ctx, s, g.tools)
}

func (g *Graph) fail(store *state.Store, node string, path []string, err error) *RunError {
	runErr := &RunError{
		Graph:    g.name,
		Node:     node,
		Category: cwferrors.Classify(err),
		Snapshot: store.Snapshot(),
		Path:     slices.Clone(path),
		Err:      err,
	}
	g.logger.Error("graph run failed",
		"node", node,
		"category", runErr.Category,
		"path", runErr.Path,
		"error", err)
	return runErr
}

// RouteIf returns a router choosing ifTrue when the condition holds and
// ifFalse otherwise. The condition is parsed once; a syntax error surfaces
// on the first call.
func RouteIf(condition, ifTrue, ifFalse string) RouterFunc {
	cond, parseErr := expr.Parse(condition)
	return func(_ context.Context, s state.View, _ Tools) (string, error) {
		if parseErr != nil {
			return "", parseErr
		}
		ok, err := cond.Eval(s)
		if err != nil {
			return "", err
		}
		if ok {
			return ifTrue, nil
		}
		return ifFalse, nil
	}
}
