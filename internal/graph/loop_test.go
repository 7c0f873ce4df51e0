package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cwferrors "github.com/mkatanski/claude-workflow-sub002/internal/errors"
	"github.com/mkatanski/claude-workflow-sub002/internal/state"
)

// retryGraph builds gate -> fix -> bump -> gate with report after the loop.
// fix marks the tests as passing on the given attempt, or never when zero.
func retryGraph(t *testing.T, passOn int) (*Graph, *int) {
	t.Helper()
	fixes := 0
	loop := &Loop{
		Counter:      "attempts",
		Max:          3,
		Until:        "{tests} == pass",
		Body:         "fix",
		Exit:         "report",
		ExhaustedKey: "gave_up",
	}

	g := New("retry")
	require.NoError(t, loop.Install(g, "gate"))
	require.NoError(t, g.AddNode("fix", func(context.Context, state.View, Tools) (state.Update, error) {
		fixes++
		if fixes == passOn {
			return state.Update{"tests": "pass"}, nil
		}
		return state.Update{"tests": "fail"}, nil
	}))
	require.NoError(t, g.AddNode("bump", loop.Increment()))
	require.NoError(t, g.AddNode("report", noop))
	require.NoError(t, g.AddEdge(Start, "gate"))
	require.NoError(t, g.AddEdge("fix", "bump"))
	require.NoError(t, g.AddEdge("bump", "gate"))
	require.NoError(t, g.AddEdge("report", End))
	return g, &fixes
}

func TestLoop_Satisfied(t *testing.T) {
	g, fixes := retryGraph(t, 2)
	store, err := run(t, g, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, *fixes)
	assert.Equal(t, 2, store.Get("attempts", nil))
	assert.Equal(t, false, store.Get("gave_up", nil))
	assert.Equal(t, "pass", store.Get("tests", nil))
}

func TestLoop_Exhausted(t *testing.T) {
	g, fixes := retryGraph(t, 0)
	store, err := run(t, g, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, *fixes)
	assert.Equal(t, 3, store.Get("attempts", nil))
	assert.Equal(t, true, store.Get("gave_up", nil))
}

func TestLoop_SatisfiedBeforeFirstPass(t *testing.T) {
	g, fixes := retryGraph(t, 0)
	store, err := run(t, g, map[string]any{"tests": "pass"})
	require.NoError(t, err)

	assert.Equal(t, 0, *fixes)
	assert.Equal(t, 0, store.Get("attempts", nil))
	assert.Equal(t, false, store.Get("gave_up", nil))
}

func TestLoop_ResumesFromStoredCounter(t *testing.T) {
	g, fixes := retryGraph(t, 0)
	store, err := run(t, g, map[string]any{"attempts": "2"})
	require.NoError(t, err)

	assert.Equal(t, 1, *fixes)
	assert.Equal(t, true, store.Get("gave_up", nil))
}

func TestLoop_RouterAndCheck(t *testing.T) {
	loop := &Loop{Counter: "n", Max: 2, Body: "body", Exit: "exit", ExhaustedKey: "done_exhausted"}
	ctx := context.Background()

	s, err := state.New(map[string]any{"n": 1})
	require.NoError(t, err)
	next, err := loop.Router()(ctx, s, nil)
	require.NoError(t, err)
	assert.Equal(t, LoopContinue, next)

	update, err := loop.Check()(ctx, s, nil)
	require.NoError(t, err)
	assert.Equal(t, state.Update{"n": 1, "done_exhausted": false}, update)

	require.NoError(t, s.Merge(state.Update{"n": 2}))
	next, err = loop.Router()(ctx, s, nil)
	require.NoError(t, err)
	assert.Equal(t, LoopExit, next)

	update, err = loop.Check()(ctx, s, nil)
	require.NoError(t, err)
	assert.Equal(t, true, update["done_exhausted"])
}

func TestLoop_InstallValidates(t *testing.T) {
	tests := []struct {
		name string
		loop Loop
		code string
	}{
		{"no counter", Loop{Max: 1, Body: "a", Exit: "b"}, cwferrors.CodeConfigMissingField},
		{"no exit", Loop{Counter: "n", Max: 1, Body: "a"}, cwferrors.CodeConfigMissingField},
		{"zero max", Loop{Counter: "n", Body: "a", Exit: "b"}, cwferrors.CodeConfigInvalidValue},
		{"bad condition", Loop{Counter: "n", Max: 1, Body: "a", Exit: "b", Until: "{x}"}, cwferrors.CodeExprSyntax},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New("loop")
			err := tt.loop.Install(g, "gate")
			require.Error(t, err)
			assert.True(t, cwferrors.HasCode(err, tt.code), "got %v", err)
			assert.Equal(t, err, g.Validate())
		})
	}
}
