// Package state holds the variable set threaded through a workflow run.
//
// The Store is an ordered name → value mapping. Nodes never write to it
// directly: they return an Update and the scheduler merges it, overwriting
// only the keys the update names. Large string values are moved to scratch
// files and replaced by a file reference token so prompts built from them
// stay within argument-length limits; Resolve reads them back at the point of
// interpolation.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// FileRefPrefix marks a value that was moved to a scratch file.
const FileRefPrefix = "@file:"

// DefaultThreshold is the rendered size above which string values are
// externalised.
const DefaultThreshold = 16 * 1024

// Update is a partial store update returned by a node.
type Update map[string]any

// deleted is the sentinel type behind Deleted.
type deleted struct{}

// Deleted, used as an Update value, removes the key on merge.
var Deleted = deleted{}

// View is the read-only face of a Store handed to nodes and routers.
type View interface {
	// Lookup returns the value at a dotted path.
	Lookup(path string) (any, bool)
	// Get returns the value at a dotted path, or def.
	Get(path string, def any) any
	// String returns the resolved string form of the value at path, "" if absent.
	String(path string) string
	// Keys returns top-level keys in insertion order.
	Keys() []string
	// Snapshot returns a shallow copy of the top-level mapping.
	Snapshot() map[string]any
}

// Store is the mutable variable set of one run.
type Store struct {
	mu        sync.RWMutex
	keys      []string
	values    map[string]any
	threshold int
	scratch   string
	ownsDir   bool
}

// Option customises a Store.
type Option func(*Store)

// WithThreshold sets the externalisation threshold in bytes.
func WithThreshold(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.threshold = n
		}
	}
}

// WithScratchDir sets the directory that receives externalised values.
func WithScratchDir(dir string) Option {
	return func(s *Store) {
		s.scratch = dir
	}
}

// New creates a store seeded with initial variables. Initial keys are
// inserted in sorted order.
func New(initial map[string]any, opts ...Option) (*Store, error) {
	s := &Store{
		values:    make(map[string]any),
		threshold: DefaultThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Merge(Update(initial)); err != nil {
		return nil, err
	}
	return s, nil
}

// Merge applies an update. Keys not named by the update are left untouched.
// New keys are appended in sorted order so merges are deterministic.
func (s *Store) Merge(u Update) error {
	if len(u) == 0 {
		return nil
	}
	names := make([]string, 0, len(u))
	for k := range u {
		names = append(names, k)
	}
	sort.Strings(names)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range names {
		v := u[k]
		if _, ok := v.(deleted); ok {
			s.remove(k)
			continue
		}
		stored, err := s.externalise(v)
		if err != nil {
			return fmt.Errorf("storing %q: %w", k, err)
		}
		if _, exists := s.values[k]; !exists {
			s.keys = append(s.keys, k)
		}
		s.values[k] = stored
	}
	return nil
}

// SetPath stores value at a dotted path. The top-level value is replaced by
// an updated copy; nothing reachable from a previous Snapshot changes.
func (s *Store) SetPath(path string, value any) error {
	segs := splitPath(path)
	if len(segs) == 0 {
		return fmt.Errorf("empty path")
	}
	root := segs[0]
	if len(segs) == 1 {
		return s.Merge(Update{root: value})
	}
	s.mu.RLock()
	current := s.values[root]
	s.mu.RUnlock()
	return s.Merge(Update{root: Set(current, strings.Join(segs[1:], "."), value)})
}

// DeletePath removes the value at a dotted path.
func (s *Store) DeletePath(path string) error {
	segs := splitPath(path)
	if len(segs) == 0 {
		return fmt.Errorf("empty path")
	}
	root := segs[0]
	if len(segs) == 1 {
		return s.Merge(Update{root: Deleted})
	}
	s.mu.RLock()
	current, ok := s.values[root]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.Merge(Update{root: Delete(current, strings.Join(segs[1:], "."))})
}

// Lookup implements View.
func (s *Store) Lookup(path string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Lookup(s.values, path)
}

// Get implements View.
func (s *Store) Get(path string, def any) any {
	if v, ok := s.Lookup(path); ok {
		return v
	}
	return def
}

// String implements View. File reference tokens are resolved.
func (s *Store) String(path string) string {
	v, ok := s.Lookup(path)
	if !ok {
		return ""
	}
	return Stringify(Resolve(v))
}

// Keys implements View.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

// Snapshot implements View.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Len returns the number of top-level keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Close removes the scratch directory if the store created it.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownsDir && s.scratch != "" {
		err := os.RemoveAll(s.scratch)
		s.scratch = ""
		s.ownsDir = false
		return err
	}
	return nil
}

func (s *Store) remove(key string) {
	if _, ok := s.values[key]; !ok {
		return
	}
	delete(s.values, key)
	for i, k := range s.keys {
		if k == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
}

// externalise swaps a large string for a file reference. Structured values
// stay in place so path access keeps working.
func (s *Store) externalise(v any) (any, error) {
	str, ok := v.(string)
	if !ok || len(str) <= s.threshold || IsFileRef(str) {
		return v, nil
	}
	if s.scratch == "" {
		dir, err := os.MkdirTemp("", "cwf-state-")
		if err != nil {
			return nil, err
		}
		s.scratch = dir
		s.ownsDir = true
	} else if err := os.MkdirAll(s.scratch, 0755); err != nil {
		return nil, err
	}
	path, err := WriteScratch(s.scratch, "value", str)
	if err != nil {
		return nil, err
	}
	return FileRefPrefix + path, nil
}

// WriteScratch writes content to a uniquely named file in dir, creating dir
// if needed, and returns its absolute path.
func WriteScratch(dir, prefix, content string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%s.txt", prefix, uuid.NewString())
	path, err := filepath.Abs(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return "", err
	}
	return path, nil
}

// IsFileRef reports whether v is a file reference token.
func IsFileRef(v any) bool {
	s, ok := v.(string)
	return ok && strings.HasPrefix(s, FileRefPrefix)
}

// Resolve returns the file content for a reference token and v unchanged
// otherwise. An unreadable reference is returned as the token itself.
func Resolve(v any) any {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, FileRefPrefix) {
		return v
	}
	data, err := os.ReadFile(strings.TrimPrefix(s, FileRefPrefix))
	if err != nil {
		return s
	}
	return string(data)
}

// Stringify converts any value to a string representation.
// For maps and slices, it JSON-marshals them instead of using Go's %v format.
func Stringify(val any) string {
	if val == nil {
		return ""
	}

	switch v := val.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}

	rv := reflect.ValueOf(val)
	kind := rv.Kind()

	if kind == reflect.Map || kind == reflect.Slice || kind == reflect.Array {
		if b, err := json.Marshal(val); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", val)
	}

	return fmt.Sprintf("%v", val)
}
