package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkatanski/claude-workflow-sub002/internal/graph"
	"github.com/mkatanski/claude-workflow-sub002/internal/orchestrator"
	"github.com/mkatanski/claude-workflow-sub002/internal/result"
	"github.com/mkatanski/claude-workflow-sub002/internal/state"
)

var (
	promptTimeout time.Duration
	promptKeep    bool
)

var promptCmd = &cobra.Command{
	Use:   "prompt <text|@file>",
	Short: "Run one agent turn in a tmux pane",
	Long: `Open an agent pane, send the prompt, and wait for the turn to complete.

The prompt may be given inline or read from a file with @path. The pane is
closed when the turn ends unless --keep is set and the turn succeeded.`,
	Args: cobra.ExactArgs(1),
	RunE: runPrompt,
}

func init() {
	promptCmd.Flags().DurationVar(&promptTimeout, "timeout", 0, "turn timeout (default: pane.turn_timeout)")
	promptCmd.Flags().BoolVar(&promptKeep, "keep", false, "leave the pane open after a successful turn")
	rootCmd.AddCommand(promptCmd)
}

func runPrompt(cmd *cobra.Command, args []string) error {
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

	text, err := promptText(args[0])
	if err != nil {
		return err
	}
	timeout := cfg.Pane.TurnTimeout
	if promptTimeout > 0 {
		timeout = promptTimeout
	}

	session, err := orchestrator.NewSession(cfg, dir,
		orchestrator.WithLogger(logger),
		orchestrator.WithRunLogs(),
		orchestrator.WithKeepPane(promptKeep),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcome, err := session.Run(ctx, "prompt", func(g *graph.Graph) error {
		if err := g.AddNode("prompt", promptNode(timeout), graph.RequireTools("agent")); err != nil {
			return err
		}
		if err := g.AddEdge(graph.Start, "prompt"); err != nil {
			return err
		}
		return g.AddEdge("prompt", graph.End)
	}, map[string]any{"prompt": text})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("interrupted")
		}
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Turn completed in pane %s\n", outcome.State["pane"])
	if promptKeep {
		fmt.Fprintf(out, "Pane left open.\n")
	}
	fmt.Fprintf(out, "Run: %s\n", outcome.RunID)
	return nil
}

func promptNode(timeout time.Duration) graph.NodeFunc {
	return func(ctx context.Context, s state.View, t graph.Tools) (state.Update, error) {
		out := t.Run(ctx, "agent", map[string]any{
			"prompt":  s.String("prompt"),
			"timeout": timeout.String(),
		})
		if !out.Success {
			return nil, errors.New(out.Error)
		}
		return state.Update{"pane": out.Output}, nil
	}
}

// promptText resolves an @file argument to the file's contents.
func promptText(arg string) (string, error) {
	path, ok := strings.CutPrefix(arg, "@")
	if !ok {
		return arg, nil
	}
	text, err := result.ReadFile(path).Get()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("prompt file %s is empty", path)
	}
	return text, nil
}
