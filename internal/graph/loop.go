package graph

import (
	"context"

	cwferrors "github.com/mkatanski/claude-workflow-sub002/internal/errors"
	"github.com/mkatanski/claude-workflow-sub002/internal/expr"
	"github.com/mkatanski/claude-workflow-sub002/internal/state"
)

// Loop is the bounded retry pattern: a gate node in front of a body that
// repeats until Until holds or the body has run Max times. Either way the
// run continues at Exit, with ExhaustedKey telling the two apart.
//
// The counter lives in state, so the loop survives nodes that block on
// external processes. The body's last node must route back to the gate
// through an Increment node:
//
//	loop := &graph.Loop{Counter: "attempts", Max: 3, Until: "{tests} == pass",
//	    Body: "fix", Exit: "report", ExhaustedKey: "gave_up"}
//	loop.Install(g, "gate")
//	g.AddNode("bump", loop.Increment())
//	g.AddEdge("fix", "bump")
//	g.AddEdge("bump", "gate")
type Loop struct {
	Counter      string
	Max          int
	Until        string
	Body         string
	Exit         string
	ExhaustedKey string
}

// Labels used in the gate's candidate map.
const (
	LoopContinue = "continue"
	LoopExit     = "exit"
)

// Count reads the counter. Missing means zero.
func (l *Loop) Count(s state.View) int {
	return max(state.Int(s, l.Counter, 0), 0)
}

// Increment returns a node that adds one to the counter.
func (l *Loop) Increment() NodeFunc {
	return func(_ context.Context, s state.View, _ Tools) (state.Update, error) {
		return state.Update{l.Counter: l.Count(s) + 1}, nil
	}
}

// decide reports whether the loop should exit and, if so, whether it ran out
// of attempts rather than being satisfied.
func (l *Loop) decide(s state.View) (exit, exhausted bool, err error) {
	if l.Until != "" {
		ok, err := expr.Evaluate(l.Until, s)
		if err != nil {
			return false, false, err
		}
		if ok {
			return true, false, nil
		}
	}
	if l.Count(s) >= l.Max {
		return true, true, nil
	}
	return false, false, nil
}

// Check returns the gate node. It makes the counter explicit and records
// whether the loop is exiting exhausted, since routers cannot write state.
func (l *Loop) Check() NodeFunc {
	return func(_ context.Context, s state.View, _ Tools) (state.Update, error) {
		_, exhausted, err := l.decide(s)
		if err != nil {
			return nil, err
		}
		update := state.Update{l.Counter: l.Count(s)}
		if l.ExhaustedKey != "" {
			update[l.ExhaustedKey] = exhausted
		}
		return update, nil
	}
}

// Router returns LoopExit or LoopContinue.
func (l *Loop) Router() RouterFunc {
	return func(_ context.Context, s state.View, _ Tools) (string, error) {
		exit, _, err := l.decide(s)
		if err != nil {
			return "", err
		}
		if exit {
			return LoopExit, nil
		}
		return LoopContinue, nil
	}
}

func (l *Loop) validate() error {
	switch {
	case l.Counter == "":
		return cwferrors.New(cwferrors.CodeConfigMissingField, "loop counter key is required")
	case l.Body == "" || l.Exit == "":
		return cwferrors.New(cwferrors.CodeConfigMissingField, "loop body and exit are required")
	case l.Max < 1:
		return cwferrors.Newf(cwferrors.CodeConfigInvalidValue, "loop max must be at least 1, got %d", l.Max)
	}
	if l.Until != "" {
		if _, err := expr.Parse(l.Until); err != nil {
			return err
		}
	}
	return nil
}

// Install adds the gate node under name and its conditional edge to Body or
// Exit.
func (l *Loop) Install(g *Graph, name string, opts ...NodeOption) error {
	if err := l.validate(); err != nil {
		g.record(err)
		return err
	}
	if err := g.AddNode(name, l.Check(), opts...); err != nil {
		return err
	}
	return g.AddConditionalEdges(name, l.Router(), map[string]string{
		LoopContinue: l.Body,
		LoopExit:     l.Exit,
	})
}
