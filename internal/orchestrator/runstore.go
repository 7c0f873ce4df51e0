package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	cwferrors "github.com/mkatanski/claude-workflow-sub002/internal/errors"
)

// RunStatus is the lifecycle state of a run record.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunRecord is what a run leaves behind in the runs directory.
type RunRecord struct {
	ID         string             `yaml:"id" json:"id"`
	Graph      string             `yaml:"graph" json:"graph"`
	Project    string             `yaml:"project" json:"project"`
	Status     RunStatus          `yaml:"status" json:"status"`
	StartedAt  time.Time          `yaml:"started_at" json:"started_at"`
	FinishedAt *time.Time         `yaml:"finished_at,omitempty" json:"finished_at,omitempty"`
	Path       []string           `yaml:"path,omitempty" json:"path,omitempty"`
	FailedNode string             `yaml:"failed_node,omitempty" json:"failed_node,omitempty"`
	Category   cwferrors.Category `yaml:"category,omitempty" json:"category,omitempty"`
	Error      string             `yaml:"error,omitempty" json:"error,omitempty"`
	State      map[string]any     `yaml:"state,omitempty" json:"state,omitempty"`
}

// RunStore persists run records as YAML files with atomic writes.
type RunStore struct {
	dir string
}

// NewRunStore opens the runs directory, creating it if needed.
func NewRunStore(dir string) (*RunStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating runs dir: %w", err)
	}

	// Recover from any interrupted writes
	if err := recoverInterruptedWrites(dir); err != nil {
		return nil, fmt.Errorf("recovering interrupted writes: %w", err)
	}

	return &RunStore{dir: dir}, nil
}

// Dir returns the runs directory.
func (s *RunStore) Dir() string { return s.dir }

// Path returns where the record for id lives.
func (s *RunStore) Path(id string) string {
	return filepath.Join(s.dir, id+".yaml")
}

// recoverInterruptedWrites handles .tmp files left from crashed writes.
func recoverInterruptedWrites(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".yaml.tmp") {
			continue
		}

		tmpPath := filepath.Join(dir, entry.Name())
		mainPath := strings.TrimSuffix(tmpPath, ".tmp")

		if _, err := os.Stat(mainPath); err == nil {
			os.Remove(tmpPath)
		} else {
			os.Rename(tmpPath, mainPath)
		}
	}
	return nil
}

// Save writes the record atomically (write-then-rename).
func (s *RunStore) Save(rec *RunRecord) error {
	if rec.ID == "" {
		return cwferrors.New(cwferrors.CodeConfigMissingField, "run record has no id")
	}
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling run record: %w", err)
	}

	mainPath := s.Path(rec.ID)
	tmpPath := mainPath + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return cwferrors.IOWriteError(tmpPath, err)
	}
	if err := os.Rename(tmpPath, mainPath); err != nil {
		os.Remove(tmpPath)
		return cwferrors.IOWriteError(mainPath, err)
	}
	return nil
}

// Get reads the record for id.
func (s *RunStore) Get(id string) (*RunRecord, error) {
	path := s.Path(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cwferrors.IOFileNotFound(path)
		}
		return nil, cwferrors.IOReadError(path, err)
	}

	var rec RunRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, cwferrors.IOParseError("yaml", err).WithDetail("path", path)
	}
	return &rec, nil
}

// List returns every readable record, newest first. status filters when
// non-empty.
func (s *RunStore) List(status RunStatus) ([]*RunRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var records []*RunRecord
	for _, entry := range entries {
		name := entry.Name()
		// .yaml.tmp ends in .tmp and is skipped here
		if !strings.HasSuffix(name, ".yaml") {
			continue
		}
		rec, err := s.Get(strings.TrimSuffix(name, ".yaml"))
		if err != nil {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		records = append(records, rec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	return records, nil
}
