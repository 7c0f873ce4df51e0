package graph

import (
	"fmt"

	cwferrors "github.com/mkatanski/claude-workflow-sub002/internal/errors"
)

// RunError reports a failed run with the state as it was when the failing
// node or router ran.
type RunError struct {
	Graph    string
	Node     string
	Category cwferrors.Category
	Snapshot map[string]any
	Path     []string
	Err      error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("graph %q failed at node %q (%s): %v", e.Graph, e.Node, e.Category, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}
