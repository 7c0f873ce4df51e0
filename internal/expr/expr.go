// Package expr evaluates the routing conditions used by conditional edges.
//
// A condition compares operands with one of:
//
//	X is empty            X is not empty
//	X == Y   X != Y       X > Y   X >= Y   X < Y   X <= Y
//	X contains Y          X not contains Y
//	X starts with Y       X ends with Y
//
// Operators are case-insensitive. Clauses join with "and"/"or" and are folded
// strictly left to right with no precedence between the two: "A or B and C"
// means "(A or B) and C". Existing pipelines depend on this; do not add
// conventional precedence.
//
// An operand that is exactly one reference such as {result.items.0.id} takes
// the stored value. Any other operand is literal text with embedded
// references substituted. Unresolved references become "".
package expr

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/mkatanski/claude-workflow-sub002/internal/state"
)

// Vars resolves dotted paths. state.View satisfies it.
type Vars interface {
	Lookup(path string) (any, bool)
}

// MapVars adapts a plain map to Vars.
type MapVars map[string]any

// Lookup implements Vars.
func (m MapVars) Lookup(path string) (any, bool) {
	return state.Lookup(map[string]any(m), path)
}

// refPattern matches {path} references. Paths are identifier segments joined
// by dots, so JSON literals like {"a":1} are left alone.
var refPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_\-]*(?:\.[A-Za-z0-9_\-]+)*)\}`)

// Interpolate substitutes every {path} reference in text.
func Interpolate(text string, vars Vars) string {
	return refPattern.ReplaceAllStringFunc(text, func(match string) string {
		return resolveRef(match[1:len(match)-1], vars)
	})
}

func resolveRef(path string, vars Vars) string {
	if vars == nil {
		return ""
	}
	v, ok := vars.Lookup(path)
	if !ok {
		return ""
	}
	return state.Stringify(state.Resolve(v))
}

// operand resolves one side of a comparison.
func operand(raw string, vars Vars) string {
	raw = strings.TrimSpace(raw)
	if m := refPattern.FindStringSubmatch(raw); m != nil && m[0] == raw {
		return resolveRef(m[1], vars)
	}
	return unquote(Interpolate(raw, vars))
}

// unquote strips one pair of matching quotes from a literal.
func unquote(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' || first == '\'') && first == last {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// asNumber parses a comparison operand as a number.
func asNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}

// Evaluate parses and evaluates expression against vars.
func Evaluate(expression string, vars Vars) (bool, error) {
	c, err := Parse(expression)
	if err != nil {
		return false, err
	}
	return c.Eval(vars)
}

// Must parses expression and panics on syntax errors. For conditions fixed
// at graph-build time.
func Must(expression string) *Condition {
	c, err := Parse(expression)
	if err != nil {
		panic(err)
	}
	return c
}
