package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mkatanski/claude-workflow-sub002/internal/expr"
	"github.com/mkatanski/claude-workflow-sub002/internal/result"
)

// Severity of a checklist item. Only failing error items fail the run.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Checklist is a named set of checks loaded from YAML.
type Checklist struct {
	Name  string          `yaml:"name"`
	Items []ChecklistItem `yaml:"items"`
}

// ChecklistItem passes when its command exits zero or its condition holds.
type ChecklistItem struct {
	Name      string `yaml:"name"`
	Command   string `yaml:"command,omitempty"`
	Condition string `yaml:"condition,omitempty"`
	Severity  string `yaml:"severity,omitempty"`
}

var checklistSchema = result.Schema{
	Required: []string{"name", "items"},
	Fields: map[string]result.Kind{
		"name":  result.KindString,
		"items": result.KindList,
	},
}

// ParseChecklist decodes and validates checklist YAML.
func ParseChecklist(text string) result.Result[Checklist] {
	return result.FlatMap(
		result.FlatMap(result.ParseYAML[map[string]any](text), func(raw map[string]any) result.Result[map[string]any] {
			return result.ValidateSchema(raw, checklistSchema)
		}),
		func(map[string]any) result.Result[Checklist] {
			return result.ParseYAML[Checklist](text)
		},
	)
}

// ChecklistTool runs checklists.
//
// Arguments: "file" or "yaml" for the checklist, and "vars" (map) for item
// conditions. The output lists each item as [x] or [ ] followed by a
// "passed n/m" line.
type ChecklistTool struct {
	shell *Shell
}

// NewChecklist returns a checklist tool whose commands run through shell.
func NewChecklist(shell *Shell) *ChecklistTool {
	return &ChecklistTool{shell: shell}
}

// Name implements Tool.
func (c *ChecklistTool) Name() string { return "checklist" }

// Run implements Tool.
func (c *ChecklistTool) Run(ctx context.Context, args map[string]any) Output {
	var text result.Result[string]
	switch {
	case stringArg(args, "file") != "":
		text = result.ReadFile(stringArg(args, "file"))
	case stringArg(args, "yaml") != "":
		text = result.Ok(stringArg(args, "yaml"))
	default:
		return Fail("file or yaml is required")
	}

	list, err := result.FlatMap(text, ParseChecklist).Get()
	if err != nil {
		return Fail("%v", err)
	}

	vars, _ := args["vars"].(map[string]any)
	var (
		b       strings.Builder
		passed  int
		blocked bool
	)
	for _, item := range list.Items {
		ok, reason := c.check(ctx, item, expr.MapVars(vars))
		if ok {
			passed++
			fmt.Fprintf(&b, "[x] %s\n", item.Name)
			continue
		}
		fmt.Fprintf(&b, "[ ] %s: %s\n", item.Name, reason)
		if item.Severity != SeverityWarning {
			blocked = true
		}
	}
	fmt.Fprintf(&b, "passed %d/%d", passed, len(list.Items))

	if blocked {
		return Output{Output: b.String(), Error: fmt.Sprintf("checklist %q has failing items", list.Name)}
	}
	return Ok(b.String())
}

func (c *ChecklistTool) check(ctx context.Context, item ChecklistItem, vars expr.Vars) (bool, string) {
	switch {
	case item.Command != "":
		out := c.shell.Run(ctx, map[string]any{"command": item.Command})
		return out.Success, out.Error
	case item.Condition != "":
		ok, err := expr.Evaluate(item.Condition, vars)
		if err != nil {
			return false, err.Error()
		}
		if !ok {
			return false, "condition not met: " + item.Condition
		}
		return true, ""
	}
	return false, "item has neither command nor condition"
}
