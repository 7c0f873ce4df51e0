package expr

import (
	"fmt"

	cwferrors "github.com/mkatanski/claude-workflow-sub002/internal/errors"
)

// ConditionError reports a condition that could not be parsed. It is a
// configuration fault: callers must surface it, never treat it as false.
type ConditionError struct {
	Expression string
	Reason     string
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("invalid condition %q: %s", e.Expression, e.Reason)
}

// Unwrap exposes the coded error so errors.Classify sees a configuration fault.
func (e *ConditionError) Unwrap() error {
	return cwferrors.New(cwferrors.CodeExprSyntax, e.Reason).WithDetail("expression", e.Expression)
}

// UsageError reports an ordering comparison between operands that are not
// both numeric. It is distinct from a false result.
type UsageError struct {
	Expression string
	Operator   string
	Left       string
	Right      string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("operator %q needs numeric operands in %q (got %q and %q)",
		e.Operator, e.Expression, e.Left, e.Right)
}

// Unwrap exposes the coded error so errors.Classify sees a configuration fault.
func (e *UsageError) Unwrap() error {
	return cwferrors.Newf(cwferrors.CodeExprUsage, "non-numeric operands for %s", e.Operator).
		WithDetail("expression", e.Expression)
}
