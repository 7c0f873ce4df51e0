package expr

import (
	"strconv"
	"strings"
	"unicode"
)

// Op is a comparison operator.
type Op string

const (
	OpIsEmpty     Op = "is empty"
	OpIsNotEmpty  Op = "is not empty"
	OpEq          Op = "=="
	OpNe          Op = "!="
	OpGt          Op = ">"
	OpGe          Op = ">="
	OpLt          Op = "<"
	OpLe          Op = "<="
	OpContains    Op = "contains"
	OpNotContains Op = "not contains"
	OpStartsWith  Op = "starts with"
	OpEndsWith    Op = "ends with"
)

// operators in match order: longest first so "is not empty" wins over
// "is empty" and ">=" over ">".
var operators = []Op{
	OpIsNotEmpty,
	OpNotContains,
	OpStartsWith,
	OpIsEmpty,
	OpEndsWith,
	OpContains,
	OpGe,
	OpLe,
	OpEq,
	OpNe,
	OpGt,
	OpLt,
}

func (o Op) unary() bool { return o == OpIsEmpty || o == OpIsNotEmpty }

func (o Op) word() bool {
	return unicode.IsLetter(rune(o[0]))
}

// Connector joins two clauses.
type Connector string

const (
	And Connector = "and"
	Or  Connector = "or"
)

// Clause is a single comparison.
type Clause struct {
	Left  string
	Op    Op
	Right string
}

// Condition is a parsed expression: a first clause followed by zero or more
// connector/clause pairs, folded left to right.
type Condition struct {
	Source     string
	First      Clause
	Connectors []Connector
	Rest       []Clause
}

// Parse compiles expression. A clause without an operator, or an operator
// missing an operand, yields a *ConditionError.
func Parse(expression string) (*Condition, error) {
	src := strings.TrimSpace(expression)
	if src == "" {
		return nil, &ConditionError{Expression: expression, Reason: "empty condition"}
	}

	parts, conns := splitCompound(src)
	c := &Condition{Source: expression, Connectors: conns}
	for i, part := range parts {
		cl, err := parseClause(expression, part)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			c.First = cl
		} else {
			c.Rest = append(c.Rest, cl)
		}
	}
	return c, nil
}

// Eval evaluates c against vars. Clauses fold left to right with
// short-circuit: once the accumulated value decides a connector, the next
// clause is skipped.
func (c *Condition) Eval(vars Vars) (bool, error) {
	acc, err := c.evalClause(c.First, vars)
	if err != nil {
		return false, err
	}
	for i, conn := range c.Connectors {
		if conn == And && !acc || conn == Or && acc {
			continue
		}
		acc, err = c.evalClause(c.Rest[i], vars)
		if err != nil {
			return false, err
		}
	}
	return acc, nil
}

func (c *Condition) String() string { return c.Source }

func (c *Condition) evalClause(cl Clause, vars Vars) (bool, error) {
	left := operand(cl.Left, vars)
	if cl.Op.unary() {
		empty := left == ""
		if cl.Op == OpIsEmpty {
			return empty, nil
		}
		return !empty, nil
	}

	right := operand(cl.Right, vars)
	switch cl.Op {
	case OpContains:
		return strings.Contains(left, right), nil
	case OpNotContains:
		return !strings.Contains(left, right), nil
	case OpStartsWith:
		return strings.HasPrefix(left, right), nil
	case OpEndsWith:
		return strings.HasSuffix(left, right), nil
	}

	ln, lok := asNumber(left)
	rn, rok := asNumber(right)
	if lok && rok {
		switch cl.Op {
		case OpEq:
			return ln == rn, nil
		case OpNe:
			return ln != rn, nil
		case OpGt:
			return ln > rn, nil
		case OpGe:
			return ln >= rn, nil
		case OpLt:
			return ln < rn, nil
		case OpLe:
			return ln <= rn, nil
		}
	}

	switch cl.Op {
	case OpEq:
		return left == right, nil
	case OpNe:
		return left != right, nil
	}
	return false, &UsageError{Expression: c.Source, Operator: string(cl.Op), Left: left, Right: right}
}

// splitCompound cuts src at whitespace-delimited "and"/"or" that sit outside
// braces and quotes.
func splitCompound(src string) ([]string, []Connector) {
	var parts []string
	var conns []Connector

	lower := asciiLower(src)
	start := 0
	depth := 0
	var quote byte
	for i := 0; i < len(src); i++ {
		ch := src[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
			continue
		case ch == '\'' || ch == '"':
			if i == start || isSpace(src[i-1]) {
				quote = ch
			}
			continue
		case ch == '{':
			depth++
			continue
		case ch == '}':
			if depth > 0 {
				depth--
			}
			continue
		}
		if depth > 0 || !isSpace(ch) {
			continue
		}
		for _, conn := range []Connector{And, Or} {
			word := string(conn)
			end := i + 1 + len(word)
			if end < len(src) && lower[i+1:end] == word && isSpace(src[end]) {
				parts = append(parts, src[start:i])
				conns = append(conns, conn)
				start = end + 1
				i = end
				break
			}
		}
	}
	parts = append(parts, src[start:])
	return parts, conns
}

// parseClause finds the leftmost operator in part, trying longer operators
// first at each position.
func parseClause(expression, part string) (Clause, error) {
	text := strings.TrimSpace(part)
	if text == "" {
		return Clause{}, &ConditionError{Expression: expression, Reason: "empty clause"}
	}
	lower := asciiLower(text)

	depth := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
			continue
		case '}':
			if depth > 0 {
				depth--
			}
			continue
		}
		if depth > 0 {
			continue
		}
		for _, op := range operators {
			if !matchAt(text, lower, i, op) {
				continue
			}
			left := strings.TrimSpace(text[:i])
			right := strings.TrimSpace(text[i+len(op):])
			if left == "" {
				return Clause{}, &ConditionError{Expression: expression, Reason: "missing left operand for " + string(op)}
			}
			if op.unary() {
				if right != "" {
					return Clause{}, &ConditionError{Expression: expression, Reason: "unexpected text after " + string(op)}
				}
				return Clause{Left: left, Op: op}, nil
			}
			if right == "" {
				return Clause{}, &ConditionError{Expression: expression, Reason: "missing right operand for " + string(op)}
			}
			return Clause{Left: left, Op: op, Right: right}, nil
		}
	}
	return Clause{}, &ConditionError{Expression: expression, Reason: "no operator in " + strconv.Quote(text)}
}

// matchAt reports whether op occurs at text[i:]. Word operators must be
// bounded by whitespace or the end of text.
func matchAt(text, lower string, i int, op Op) bool {
	end := i + len(op)
	if end > len(text) || lower[i:end] != string(op) {
		return false
	}
	if !op.word() {
		return true
	}
	if i == 0 || !isSpace(text[i-1]) {
		return false
	}
	return end == len(text) || isSpace(text[end])
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// asciiLower folds ASCII letters only, keeping byte offsets aligned with the
// original text.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}
