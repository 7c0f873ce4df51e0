package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mkatanski/claude-workflow-sub002/internal/completion"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the completion signal server in the foreground",
	Long: `Run the loopback signal server on its own, logging every signal it
receives, until interrupted. Useful for testing agent hooks by hand:

  CWF_SIGNAL_PORT=<port> cwf notify complete --pane %1`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", -1, "preferred port (default: server.port, 0 for any)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
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

	if servePort >= 0 {
		cfg.Server.Port = servePort
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := completion.NewServer(cfg.Server, completion.WithLogger(logger))
	if err := server.Listen(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s (export %s=%d)\n", server.BaseURL(), completion.PortEnv, server.Port())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
