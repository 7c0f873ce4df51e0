package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mkatanski/claude-workflow-sub002/internal/graph"
	"github.com/mkatanski/claude-workflow-sub002/internal/orchestrator"
	"github.com/mkatanski/claude-workflow-sub002/internal/state"
)

var (
	checkVars     []string
	checkFix      bool
	checkAttempts int
)

var checkCmd = &cobra.Command{
	Use:   "check <checklist.yaml>",
	Short: "Run a checklist, optionally asking the agent to fix failures",
	Long: `Run every item of a checklist file and report which pass.

With --fix, failing error items are handed to the agent in a tmux pane and
the checklist is re-run, up to --attempts times.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringArrayVar(&checkVars, "var", nil, "variable for {placeholders} (key=value), repeatable")
	checkCmd.Flags().BoolVar(&checkFix, "fix", false, "ask the agent to fix failing items")
	checkCmd.Flags().IntVar(&checkAttempts, "attempts", 3, "maximum fix attempts with --fix")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	dir, err := getWorkDir()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		return err
	}
	logger, closer, err := newLogger(cfg, dir)
	if err != nil {
		return err
	}
	defer closer.Close()

	file, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	vars := map[string]any{}
	for _, v := range checkVars {
		key, value, ok := strings.Cut(v, "=")
		if !ok || key == "" {
			return fmt.Errorf("invalid variable %q (want key=value)", v)
		}
		vars[key] = value
	}

	session, err := orchestrator.NewSession(cfg, dir,
		orchestrator.WithLogger(logger),
		orchestrator.WithRunLogs(),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcome, err := session.Run(ctx, "check", func(g *graph.Graph) error {
		return defineCheck(g, checkFix, checkAttempts)
	}, map[string]any{"checklist": file, "vars": vars})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, outcome.State["report"])
	if passed, _ := outcome.State["passed"].(bool); !passed {
		if checkFix {
			return fmt.Errorf("checklist still failing after %d attempts", checkAttempts)
		}
		return fmt.Errorf("checklist failed")
	}
	return nil
}

// defineCheck builds verify, or with fix the loop
// verify -> gate -> fix -> bump -> verify until the checklist passes.
func defineCheck(g *graph.Graph, fix bool, attempts int) error {
	if err := g.AddNode("verify", verifyChecklist, graph.RequireTools("checklist")); err != nil {
		return err
	}
	if err := g.AddEdge(graph.Start, "verify"); err != nil {
		return err
	}
	if !fix {
		return g.AddEdge("verify", graph.End)
	}

	loop := &graph.Loop{
		Counter:      "attempts",
		Max:          attempts,
		Until:        "{passed} == true",
		Body:         "fix",
		Exit:         graph.End,
		ExhaustedKey: "gave_up",
	}
	if err := loop.Install(g, "gate"); err != nil {
		return err
	}
	if err := g.AddNode("fix", fixChecklist, graph.RequireTools("agent")); err != nil {
		return err
	}
	if err := g.AddNode("bump", loop.Increment()); err != nil {
		return err
	}
	if err := g.AddEdge("verify", "gate"); err != nil {
		return err
	}
	if err := g.AddEdge("fix", "bump"); err != nil {
		return err
	}
	return g.AddEdge("bump", "verify")
}

func verifyChecklist(ctx context.Context, s state.View, t graph.Tools) (state.Update, error) {
	out := t.Run(ctx, "checklist", map[string]any{
		"file": s.String("checklist"),
		"vars": s.Get("vars", nil),
	})
	if !out.Success && out.Output == "" {
		// Nothing ran: the file itself is broken.
		return nil, errors.New(out.Error)
	}
	return state.Update{"passed": out.Success, "report": out.Output}, nil
}

func fixChecklist(ctx context.Context, s state.View, t graph.Tools) (state.Update, error) {
	prompt := fmt.Sprintf("The checklist %s has failing items:\n\n%s\n\nFix the failing items, then stop.",
		s.String("checklist"), s.String("report"))
	out := t.Run(ctx, "agent", map[string]any{"prompt": prompt})
	if !out.Success {
		return nil, errors.New(out.Error)
	}
	return state.Update{"pane": out.Output}, nil
}
