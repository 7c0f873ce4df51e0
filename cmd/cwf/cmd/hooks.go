package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mkatanski/claude-workflow-sub002/internal/pane"
)

var hooksBinary string

var hooksCmd = &cobra.Command{
	Use:   "hooks",
	Short: "Manage agent signal hooks",
}

var hooksInstallCmd = &cobra.Command{
	Use:   "install [dir]",
	Short: "Install the Stop and SessionEnd signal hooks",
	Long: `Write the agent hooks that report turn completion and session end
into ` + pane.HookSettingsFile + ` under dir (default: working directory).

Existing settings and other hooks are preserved. Running it twice is safe.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHooksInstall,
}

func init() {
	hooksInstallCmd.Flags().StringVar(&hooksBinary, "binary", "", "cwf executable the hooks call (default: agent.notify_binary)")
	hooksCmd.AddCommand(hooksInstallCmd)
	rootCmd.AddCommand(hooksCmd)
}

func runHooksInstall(cmd *cobra.Command, args []string) error {
	dir, err := getWorkDir()
	if err != nil {
		return err
	}
	if len(args) == 1 {
		dir, err = filepath.Abs(args[0])
		if err != nil {
			return err
		}
	}

	binary := hooksBinary
	if binary == "" {
		cfg, err := loadConfig(dir)
		if err != nil {
			return err
		}
		binary = cfg.Agent.NotifyBinary
	}

	path, err := pane.WriteHookSettings(dir, binary)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Hooks written to %s\n", path)
	return nil
}
