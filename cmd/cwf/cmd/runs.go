package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mkatanski/claude-workflow-sub002/internal/orchestrator"
)

var (
	runsStatus string
	runsJSON   bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded workflow runs",
	Long: `List run records from the runs directory, newest first.

Examples:
  cwf runs                    # all runs
  cwf runs --status failed    # only failed runs
  cwf runs show <id>          # full record with final state
  cwf runs trace <id>         # step trace`,
	Args: cobra.NoArgs,
	RunE: runRuns,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a run record",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsTraceCmd = &cobra.Command{
	Use:   "trace <id>",
	Short: "Print the step trace of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsTrace,
}

func init() {
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "filter by status (running, completed, failed)")
	runsCmd.Flags().BoolVar(&runsJSON, "json", false, "output as JSON")
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsTraceCmd)
	rootCmd.AddCommand(runsCmd)
}

func openRunStore() (*orchestrator.RunStore, error) {
	dir, err := getWorkDir()
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		return nil, err
	}
	return orchestrator.NewRunStore(cfg.RunsDir(dir))
}

func runRuns(cmd *cobra.Command, args []string) error {
	switch orchestrator.RunStatus(runsStatus) {
	case "", orchestrator.RunStatusRunning, orchestrator.RunStatusCompleted, orchestrator.RunStatusFailed:
	default:
		return fmt.Errorf("invalid status %q", runsStatus)
	}

	store, err := openRunStore()
	if err != nil {
		return err
	}
	records, err := store.List(orchestrator.RunStatus(runsStatus))
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}

	out := cmd.OutOrStdout()
	if runsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No runs found")
		return nil
	}
	return printRunsTable(out, records)
}

func printRunsTable(out io.Writer, records []*orchestrator.RunRecord) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tGRAPH\tSTATUS\tSTARTED\tSTEPS\tFAILED AT")
	for _, rec := range records {
		failedAt := "-"
		if rec.FailedNode != "" {
			failedAt = rec.FailedNode
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			rec.ID, rec.Graph, rec.Status, rec.StartedAt.Format("2006-01-02 15:04:05"), len(rec.Path), failedAt)
	}
	return w.Flush()
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	store, err := openRunStore()
	if err != nil {
		return err
	}
	rec, err := store.Get(args[0])
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runRunsTrace(cmd *cobra.Command, args []string) error {
	store, err := openRunStore()
	if err != nil {
		return err
	}
	f, err := os.Open(orchestrator.TracePath(store.Dir(), args[0]))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no trace for run %s", args[0])
		}
		return err
	}
	defer f.Close()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tNODE\tNEXT\tDURATION\tERROR")
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry orchestrator.TraceEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		duration := "-"
		if entry.Action == orchestrator.TraceActionStep {
			duration = fmt.Sprintf("%dms", entry.DurationMS)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			entry.Timestamp.Format("15:04:05.000"), entry.Action,
			dash(entry.Node), dash(entry.Next), duration, dash(firstLine(entry.Error)))
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
