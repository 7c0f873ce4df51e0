package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mkatanski/claude-workflow-sub002/internal/completion"
)

var (
	notifyPane    string
	notifyProject string
	notifyPort    int
)

var notifyCmd = &cobra.Command{
	Use:   "notify <complete|exited>",
	Short: "Send a completion signal to the running workflow",
	Long: `Report that the agent in this pane finished its turn (complete) or
ended its session (exited).

This is the command installed as the agent's Stop and SessionEnd hooks.
The pane defaults to $TMUX_PANE, the project to the working directory and
the port to $CWF_SIGNAL_PORT.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(completion.KindComplete), string(completion.KindExited)},
	RunE:      runNotify,
}

func init() {
	notifyCmd.Flags().StringVar(&notifyPane, "pane", "", "tmux pane id (default: $TMUX_PANE)")
	notifyCmd.Flags().StringVar(&notifyProject, "project", "", "project directory (default: working directory)")
	notifyCmd.Flags().IntVar(&notifyPort, "port", 0, "signal server port (default: $"+completion.PortEnv+")")
	rootCmd.AddCommand(notifyCmd)
}

func runNotify(cmd *cobra.Command, args []string) error {
	kind := completion.Kind(args[0])
	if kind != completion.KindComplete && kind != completion.KindExited {
		return fmt.Errorf("unknown signal %q (want complete or exited)", args[0])
	}

	pane := notifyPane
	if pane == "" {
		pane = os.Getenv("TMUX_PANE")
	}
	if pane == "" {
		return fmt.Errorf("no pane: pass --pane or run inside tmux")
	}

	project := notifyProject
	if project == "" {
		dir, err := getWorkDir()
		if err != nil {
			return err
		}
		project = dir
	}

	baseURL, err := notifyBaseURL()
	if err != nil {
		return err
	}
	return completion.Notify(cmd.Context(), baseURL, kind, pane, project)
}

func notifyBaseURL() (string, error) {
	if notifyPort == 0 {
		return completion.BaseURLFromEnv()
	}
	if notifyPort < 1 || notifyPort > 65535 {
		return "", fmt.Errorf("invalid port %d", notifyPort)
	}
	return "http://" + completion.Host + ":" + strconv.Itoa(notifyPort), nil
}
