// Package orchestrator runs one workflow end to end: it starts the completion
// signal server, builds the pane manager and tool handles, runs the graph,
// and always tears the agent pane down, whatever the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mkatanski/claude-workflow-sub002/internal/completion"
	"github.com/mkatanski/claude-workflow-sub002/internal/config"
	cwferrors "github.com/mkatanski/claude-workflow-sub002/internal/errors"
	"github.com/mkatanski/claude-workflow-sub002/internal/graph"
	"github.com/mkatanski/claude-workflow-sub002/internal/logging"
	"github.com/mkatanski/claude-workflow-sub002/internal/pane"
	"github.com/mkatanski/claude-workflow-sub002/internal/state"
	"github.com/mkatanski/claude-workflow-sub002/internal/tools"
)

// cleanupTimeout bounds pane teardown and server shutdown after the run's
// own context is gone.
const cleanupTimeout = time.Minute

// Definition adds a workflow's nodes and edges to g.
type Definition func(g *graph.Graph) error

// Session runs workflows for one project directory.
type Session struct {
	cfg      *config.Config
	project  string
	logger   *slog.Logger
	runner   pane.Runner
	extra    []tools.Tool
	maxSteps int
	keepPane bool
	runLogs  bool
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRunner replaces the tmux runner.
func WithRunner(r pane.Runner) SessionOption {
	return func(s *Session) {
		s.runner = r
	}
}

// WithTool registers an extra tool next to the built-in ones.
func WithTool(t tools.Tool) SessionOption {
	return func(s *Session) {
		s.extra = append(s.extra, t)
	}
}

// WithMaxSteps bounds node executions per run.
func WithMaxSteps(n int) SessionOption {
	return func(s *Session) {
		s.maxSteps = n
	}
}

// WithKeepPane leaves the last agent pane open when the run succeeds.
func WithKeepPane(keep bool) SessionOption {
	return func(s *Session) {
		s.keepPane = keep
	}
}

// WithRunLogs also writes each run's log to <logs_dir>/<run-id>.log.
func WithRunLogs() SessionOption {
	return func(s *Session) {
		s.runLogs = true
	}
}

// NewSession validates cfg and returns a session rooted at project.
func NewSession(cfg *config.Config, project string, opts ...SessionOption) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(project)
	if err != nil {
		return nil, fmt.Errorf("resolving project dir: %w", err)
	}

	s := &Session{
		cfg:     cfg,
		project: abs,
		logger:  logging.NewDefault(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "orchestrator")
	return s, nil
}

// Outcome describes a finished run.
type Outcome struct {
	RunID      string
	Status     RunStatus
	State      map[string]any
	Steps      int
	RecordPath string
	TracePath  string
}

// Run executes the workflow built by define with the given initial state.
//
// The signal server and the graph run in one errgroup; when the graph ends
// the server is shut down. The pane is closed on every path. A run record
// and a step trace are written to the runs directory. Errors from the graph
// itself are *graph.RunError; the outcome then carries the failure snapshot.
func (s *Session) Run(ctx context.Context, name string, define Definition, initial map[string]any) (*Outcome, error) {
	runID := NewRunID()
	logger := logging.WithRun(s.logger, runID)
	if s.runLogs {
		runLogger, closer, err := logging.NewForRun(s.cfg, s.project, runID)
		if err != nil {
			return nil, fmt.Errorf("opening run log: %w", err)
		}
		defer closer.Close()
		logger = runLogger.With("component", "orchestrator")
	}

	runs, err := NewRunStore(s.cfg.RunsDir(s.project))
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(runs.Dir(), runID)
	if err != nil {
		return nil, err
	}
	defer tracer.Close()

	server := completion.NewServer(s.cfg.Server, completion.WithLogger(logger))
	if err := server.Listen(ctx); err != nil {
		return nil, err
	}

	grp, gctx := errgroup.WithContext(ctx)
	runCtx, finish := context.WithCancel(gctx)
	defer finish()

	grp.Go(func() error {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	var outcome *Outcome
	grp.Go(func() error {
		defer finish()
		r := &run{
			session: s,
			id:      runID,
			name:    name,
			logger:  logger,
			server:  server,
			runs:    runs,
			tracer:  tracer,
		}
		var err error
		outcome, err = r.execute(runCtx, define, initial)
		return err
	})

	err = grp.Wait()
	return outcome, err
}

// run is the state of one Session.Run.
type run struct {
	session *Session
	id      string
	name    string
	logger  *slog.Logger
	server  *completion.Server
	runs    *RunStore
	tracer  *Tracer
	path    []string
}

func (r *run) execute(ctx context.Context, define Definition, initial map[string]any) (*Outcome, error) {
	cfg := r.session.cfg
	scratch := filepath.Join(cfg.ScratchDir(r.session.project), r.id)

	paneOpts := []pane.Option{pane.WithLogger(r.logger), pane.WithScratchDir(scratch)}
	if r.session.runner != nil {
		paneOpts = append(paneOpts, pane.WithRunner(r.session.runner))
	}
	panes := pane.NewManager(r.server, r.session.project, cfg, paneOpts...)

	registry := tools.NewDefaultRegistry(r.session.project, panes, cfg.Pane.TurnTimeout)
	for _, t := range r.session.extra {
		if err := registry.Register(t); err != nil {
			return nil, err
		}
	}

	g := graph.New(r.name,
		graph.WithLogger(r.logger),
		graph.WithTools(registry),
		graph.WithMaxSteps(r.session.maxSteps),
		graph.WithObserver(r.observe),
		graph.WithStoreOptions(
			state.WithThreshold(cfg.State.LargeValueBytes),
			state.WithScratchDir(scratch),
		),
	)
	if err := define(g); err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}

	rec := &RunRecord{
		ID:        r.id,
		Graph:     r.name,
		Project:   r.session.project,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
	}
	r.save(rec)
	_ = r.tracer.LogStart(r.name)
	r.logger.Info("run starting", "graph", r.name, "signal_port", r.server.Port())

	store, runErr := g.Run(ctx, initial)
	r.closePane(ctx, panes, runErr)

	finished := time.Now()
	rec.FinishedAt = &finished
	rec.Path = r.path

	if runErr != nil {
		rec.Status = RunStatusFailed
		rec.Error = runErr.Error()
		rec.Category = cwferrors.Classify(runErr)
		var ge *graph.RunError
		if errors.As(runErr, &ge) {
			rec.FailedNode = ge.Node
			rec.Category = ge.Category
			rec.State = ge.Snapshot
			_ = r.tracer.LogError(ge)
		}
		r.logger.Error("run failed", "node", rec.FailedNode, "category", rec.Category,
			"record", r.runs.Path(r.id), "scratch", scratch)
	} else {
		rec.Status = RunStatusCompleted
		rec.State = store.Snapshot()
		r.logger.Info("run completed", "steps", len(r.path), "duration", finished.Sub(rec.StartedAt))
	}
	r.save(rec)
	_ = r.tracer.LogFinish(rec.Status, len(r.path))

	if store != nil {
		_ = store.Close()
	}
	// Scratch files stay behind after a failure so the snapshot's file
	// references can still be read.
	if runErr == nil {
		_ = os.RemoveAll(scratch)
	}

	return &Outcome{
		RunID:      r.id,
		Status:     rec.Status,
		State:      rec.State,
		Steps:      len(r.path),
		RecordPath: r.runs.Path(r.id),
		TracePath:  r.tracer.Path(),
	}, runErr
}

func (r *run) observe(step graph.Step) {
	r.path = append(r.path, step.Node)
	r.tracer.LogStep(step)
}

// closePane tears down whatever pane the run left open. It runs on a context
// detached from ctx so an interrupted run still cleans up. A kept pane is
// only kept when the run succeeded.
func (r *run) closePane(ctx context.Context, panes *pane.Manager, runErr error) {
	paneID := panes.Current()
	if paneID == "" {
		return
	}
	if r.session.keepPane && runErr == nil {
		r.logger.Info("leaving pane open", "pane", paneID)
		return
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	err := panes.Close(closeCtx)
	_ = r.tracer.LogTeardown(paneID, err)
	if err != nil {
		r.logger.Warn("pane teardown incomplete", "pane", paneID, "error", err)
	}
}

func (r *run) save(rec *RunRecord) {
	if err := r.runs.Save(rec); err != nil {
		r.logger.Warn("cannot write run record", "error", err)
	}
}
