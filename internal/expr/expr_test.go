package expr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cwferrors "github.com/mkatanski/claude-workflow-sub002/internal/errors"
	"github.com/mkatanski/claude-workflow-sub002/internal/state"
)

func TestEvaluate_Comparisons(t *testing.T) {
	vars := MapVars{
		"count":  2,
		"status": "ready",
		"title":  "Fix the login bug",
		"result": map[string]any{
			"items": []any{map[string]any{"id": "a1"}},
		},
		"flag": true,
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"{count} == 2", true},
		{"{count} == 2.0", true},
		{"{count} != 3", true},
		{"{count} > 1", true},
		{"{count} >= 2", true},
		{"{count} < 2", false},
		{"{count} <= 2", true},
		{"{count}<3", true},
		{"{status} == ready", true},
		{"{status} == 'ready'", true},
		{`{status} == "ready"`, true},
		{"{status} != done", true},
		{"{title} contains login", true},
		{"{title} not contains logout", true},
		{"{title} starts with Fix", true},
		{"{title} ends with bug", true},
		{"{title} ends with Bug", false},
		{"{result.items.0.id} == a1", true},
		{"{flag} == true", true},
		{"{status} IS NOT EMPTY", true},
		{"{status} Contains read", true},
		{"id-{result.items.0.id} == id-a1", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Evaluate(tt.expr, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_NumericDispatch(t *testing.T) {
	got, err := Evaluate("{a} > {b}", MapVars{"a": "10", "b": "9"})
	require.NoError(t, err)
	assert.True(t, got, "numeric comparison, not lexical")

	_, err = Evaluate("{a} > {b}", MapVars{"a": "10", "b": "nine"})
	var usage *UsageError
	require.ErrorAs(t, err, &usage)
	assert.Equal(t, ">", usage.Operator)
	assert.Equal(t, "nine", usage.Right)
	assert.True(t, cwferrors.HasCode(err, cwferrors.CodeExprUsage))

	got, err = Evaluate("{a} == {b}", MapVars{"a": "10", "b": "nine"})
	require.NoError(t, err)
	assert.False(t, got, "equality falls back to string comparison")
}

func TestEvaluate_Emptiness(t *testing.T) {
	inputs := []MapVars{
		{},
		{"x": ""},
		{"x": nil},
		{"x": "value"},
		{"x": 0},
		{"x": " "},
	}
	want := []bool{true, true, true, false, false, false}

	for i, vars := range inputs {
		empty, err := Evaluate("{x} is empty", vars)
		require.NoError(t, err)
		notEmpty, err := Evaluate("{x} is not empty", vars)
		require.NoError(t, err)

		assert.Equal(t, want[i], empty, "input %d", i)
		assert.Equal(t, !empty, notEmpty, "input %d: negation must be exact", i)
	}
}

func TestEvaluate_NoPrecedenceBetweenAndOr(t *testing.T) {
	// Left to right: (a==1 or b==1) and c==1. With conventional precedence
	// this would be true.
	vars := MapVars{"a": 1, "b": 0, "c": 0}
	got, err := Evaluate("{a}==1 or {b}==1 and {c}==1", vars)
	require.NoError(t, err)
	assert.False(t, got)

	vars = MapVars{"a": 0, "b": 0, "c": 1}
	got, err = Evaluate("{a}==1 and {b}==1 or {c}==1", vars)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluate_ConnectorsInsideOperandsAreLiteral(t *testing.T) {
	vars := MapVars{"genre": "rock and roll", "x": "a"}
	got, err := Evaluate("{genre} == 'rock and roll'", vars)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = Evaluate("{x} == a AND {genre} contains roll", vars)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluate_UnresolvedIsEmptyString(t *testing.T) {
	got, err := Evaluate("{missing.deep.path} == ''", MapVars{})
	require.NoError(t, err)
	assert.True(t, got)

	got, err = Evaluate("pre-{missing}-post == pre--post", MapVars{})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluate_ResolvesFileReferences(t *testing.T) {
	s, err := state.New(nil, state.WithThreshold(8), state.WithScratchDir(t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, s.Merge(state.Update{"body": "a long body with a marker inside"}))

	raw, _ := s.Lookup("body")
	require.True(t, state.IsFileRef(raw))

	got, err := Evaluate("{body} contains marker", s)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluate_IsDeterministic(t *testing.T) {
	vars := MapVars{"a": "3", "b": []any{1, 2}}
	const e = "{a} >= 3 and {b} contains 2"
	first, err := Evaluate(e, vars)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Evaluate(e, vars)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestParse_Errors(t *testing.T) {
	bad := []string{
		"",
		"   ",
		"{x}",
		"{x} equals 3",
		"== 3",
		"{x} ==",
		"{x} is empty please",
		"{x} == 1 and {y}",
	}
	for _, e := range bad {
		t.Run(e, func(t *testing.T) {
			_, err := Parse(e)
			var cond *ConditionError
			require.ErrorAs(t, err, &cond)
			assert.Equal(t, cwferrors.CategoryConfiguration, cwferrors.Classify(err))
		})
	}
}

func TestParse_LongestMatchFirst(t *testing.T) {
	tests := map[string]Op{
		"{x} is not empty":   OpIsNotEmpty,
		"{x} is empty":       OpIsEmpty,
		"{x} >= 1":           OpGe,
		"{x} > 1":            OpGt,
		"{x} not contains y": OpNotContains,
		"{x} contains y":     OpContains,
		"{x} <= 1":           OpLe,
		"{x} != 1":           OpNe,
	}
	for e, want := range tests {
		c, err := Parse(e)
		require.NoError(t, err, e)
		assert.Equal(t, want, c.First.Op, e)
		assert.Equal(t, "{x}", c.First.Left, e)
	}
}

func TestParse_OperatorWordsInsideOperands(t *testing.T) {
	c, err := Parse("{this} == {containsAll}")
	require.NoError(t, err)
	assert.Equal(t, OpEq, c.First.Op)
	assert.Equal(t, "{containsAll}", c.First.Right)
}

func TestMust(t *testing.T) {
	assert.NotPanics(t, func() { Must("{a} == 1") })
	assert.Panics(t, func() { Must("{a}") })
}

func TestInterpolate(t *testing.T) {
	vars := MapVars{
		"name":  "cwf",
		"list":  []any{"x", "y"},
		"task":  map[string]any{"id": 7},
		"empty": "",
	}
	assert.Equal(t, "hello cwf", Interpolate("hello {name}", vars))
	assert.Equal(t, `items: ["x","y"]`, Interpolate("items: {list}", vars))
	assert.Equal(t, "task 7", Interpolate("task {task.id}", vars))
	assert.Equal(t, "[]", Interpolate("[{empty}{nope}]", vars))
	assert.Equal(t, `{"keep": "json"}`, Interpolate(`{"keep": "json"}`, vars))
	assert.Equal(t, "plain", Interpolate("plain", nil))
}

func TestErrorsClassify(t *testing.T) {
	_, err := Evaluate("{a} < {b}", MapVars{"a": "x", "b": "y"})
	require.Error(t, err)
	assert.Equal(t, cwferrors.CategoryConfiguration, cwferrors.Classify(err))

	var usage *UsageError
	require.True(t, errors.As(err, &usage))
	assert.Contains(t, usage.Error(), `"x"`)
}
