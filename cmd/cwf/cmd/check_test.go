package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cwferrors "github.com/mkatanski/claude-workflow-sub002/internal/errors"
	"github.com/mkatanski/claude-workflow-sub002/internal/graph"
	"github.com/mkatanski/claude-workflow-sub002/internal/testutil"
	"github.com/mkatanski/claude-workflow-sub002/internal/tools"
)

// stubTools fails the checklist until the agent has been asked failFor times.
type stubTools struct {
	failFor int
	prompts []string
}

func (s *stubTools) Has(string) bool { return true }

func (s *stubTools) Run(_ context.Context, name string, args map[string]any) tools.Output {
	switch name {
	case "checklist":
		if len(s.prompts) < s.failFor {
			return tools.Output{Output: "[ ] lint: exit status 1\npassed 0/1", Error: "failing"}
		}
		return tools.Ok("[x] lint\npassed 1/1")
	case "agent":
		s.prompts = append(s.prompts, args["prompt"].(string))
		return tools.Ok("%1")
	}
	return tools.Fail("unexpected tool %s", name)
}

func runCheckGraph(t *testing.T, stub *stubTools, fix bool, attempts int) map[string]any {
	t.Helper()
	g := graph.New("check", graph.WithTools(stub), graph.WithLogger(testutil.DiscardLogger()))
	require.NoError(t, defineCheck(g, fix, attempts))

	store, err := g.Run(context.Background(), map[string]any{"checklist": "/p/checks.yaml"})
	require.NoError(t, err)
	defer store.Close()
	return store.Snapshot()
}

func TestDefineCheck_FixUntilPassing(t *testing.T) {
	stub := &stubTools{failFor: 2}
	final := runCheckGraph(t, stub, true, 3)

	assert.Equal(t, true, final["passed"])
	assert.Equal(t, 2, final["attempts"])
	assert.Equal(t, false, final["gave_up"])
	require.Len(t, stub.prompts, 2)
	assert.Contains(t, stub.prompts[0], "/p/checks.yaml")
	assert.Contains(t, stub.prompts[0], "[ ] lint")
}

func TestDefineCheck_GivesUp(t *testing.T) {
	stub := &stubTools{failFor: 10}
	final := runCheckGraph(t, stub, true, 2)

	assert.Equal(t, false, final["passed"])
	assert.Equal(t, true, final["gave_up"])
	assert.Len(t, stub.prompts, 2)
}

func TestDefineCheck_NoFix(t *testing.T) {
	stub := &stubTools{failFor: 1}
	final := runCheckGraph(t, stub, false, 3)

	assert.Equal(t, false, final["passed"])
	assert.Empty(t, stub.prompts)
	assert.NotContains(t, final, "attempts")
}

func TestDefineCheck_ReportsEdgeErrors(t *testing.T) {
	g := graph.New("check", graph.WithLogger(testutil.DiscardLogger()))
	require.NoError(t, g.AddEdge("fix", graph.End))

	err := defineCheck(g, true, 3)
	require.Error(t, err)
	assert.True(t, cwferrors.HasCode(err, cwferrors.CodeGraphDuplicateEdge))
}
