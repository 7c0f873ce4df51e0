package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mkatanski/claude-workflow-sub002/internal/graph"
)

// TraceAction is the kind of a trace entry.
type TraceAction string

const (
	TraceActionStart    TraceAction = "start"    // Run started
	TraceActionStep     TraceAction = "step"     // Node executed
	TraceActionError    TraceAction = "error"    // Run failed
	TraceActionTeardown TraceAction = "teardown" // Pane cleanup result
	TraceActionFinish   TraceAction = "finish"   // Run ended
)

// TraceEntry is one line of the trace file.
type TraceEntry struct {
	Timestamp  time.Time      `json:"ts"`
	Action     TraceAction    `json:"action"`
	RunID      string         `json:"run_id,omitempty"`
	Node       string         `json:"node,omitempty"`
	Next       string         `json:"next,omitempty"`
	Keys       []string       `json:"keys,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Tracer appends execution traces to <dir>/<runID>.trace.jsonl.
type Tracer struct {
	mu    sync.Mutex
	file  *os.File
	path  string
	runID string
}

// NewTracer opens the trace file for runID in dir.
func NewTracer(dir, runID string) (*Tracer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating trace directory: %w", err)
	}

	path := TracePath(dir, runID)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening trace file: %w", err)
	}

	return &Tracer{file: file, path: path, runID: runID}, nil
}

// TracePath returns where the trace for runID lives in dir.
func TracePath(dir, runID string) string {
	return filepath.Join(dir, runID+".trace.jsonl")
}

// Close closes the trace file.
func (t *Tracer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file != nil {
		err := t.file.Close()
		t.file = nil
		return err
	}
	return nil
}

// Path returns the trace file path.
func (t *Tracer) Path() string {
	return t.path
}

// Log writes entry, stamping time and run id.
func (t *Tracer) Log(entry TraceEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file == nil {
		return fmt.Errorf("tracer closed")
	}
	entry.Timestamp = time.Now()
	if entry.RunID == "" {
		entry.RunID = t.runID
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling trace entry: %w", err)
	}
	if _, err := t.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing trace entry: %w", err)
	}
	return nil
}

// LogStart traces a run start.
func (t *Tracer) LogStart(graphName string) error {
	return t.Log(TraceEntry{
		Action:  TraceActionStart,
		Details: map[string]any{"graph": graphName},
	})
}

// LogStep traces one scheduler step. It matches graph.WithObserver.
func (t *Tracer) LogStep(s graph.Step) {
	entry := TraceEntry{
		Action:     TraceActionStep,
		Node:       s.Node,
		Next:       s.Next,
		Keys:       s.Keys,
		DurationMS: s.Duration.Milliseconds(),
		Details:    map[string]any{"index": s.Index},
	}
	if s.Err != nil {
		entry.Error = s.Err.Error()
	}
	_ = t.Log(entry)
}

// LogError traces a run failure.
func (t *Tracer) LogError(runErr *graph.RunError) error {
	return t.Log(TraceEntry{
		Action:  TraceActionError,
		Node:    runErr.Node,
		Details: map[string]any{"category": runErr.Category, "path": runErr.Path},
		Error:   runErr.Err.Error(),
	})
}

// LogTeardown traces pane cleanup.
func (t *Tracer) LogTeardown(paneID string, err error) error {
	entry := TraceEntry{
		Action:  TraceActionTeardown,
		Details: map[string]any{"pane": paneID},
	}
	if err != nil {
		entry.Error = err.Error()
	}
	return t.Log(entry)
}

// LogFinish traces the end of a run.
func (t *Tracer) LogFinish(status RunStatus, steps int) error {
	return t.Log(TraceEntry{
		Action:  TraceActionFinish,
		Details: map[string]any{"status": status, "steps": steps},
	})
}
