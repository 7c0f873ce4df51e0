package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mkatanski/claude-workflow-sub002/internal/config"
	"github.com/mkatanski/claude-workflow-sub002/internal/logging"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"

	// Global flags
	verbose    bool
	workDir    string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "cwf",
	Short: "Drive coding agents in tmux panes from workflow graphs",
	Long: `cwf runs workflow graphs whose nodes drive an interactive coding agent
in a tmux pane, run shell commands, query JSON and evaluate checklists.

The agent reports turn completion back through a loopback HTTP signal
server; 'cwf notify' is the hook command that sends those signals.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&workDir, "workdir", "C", "", "working directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ~/.cwf/config.toml and .cwf/config.toml)")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("cwf {{.Version}}\n")
}

// getWorkDir returns the effective working directory.
func getWorkDir() (string, error) {
	if workDir != "" {
		return filepath.Abs(workDir)
	}
	return os.Getwd()
}

// loadConfig reads configuration for dir, honouring --config.
func loadConfig(dir string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadFromDir(dir)
	}
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = config.LogLevelDebug
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the command logger. The returned closer is never nil.
func newLogger(cfg *config.Config, dir string) (*slog.Logger, io.Closer, error) {
	logger, closer, err := logging.NewFromConfig(cfg, dir)
	if err != nil {
		return nil, nil, fmt.Errorf("setting up logging: %w", err)
	}
	if closer == nil {
		closer = io.NopCloser(nil)
	}
	return logger, closer, nil
}
