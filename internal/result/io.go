package result

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	cwferrors "github.com/mkatanski/claude-workflow-sub002/internal/errors"
)

// ReadFile reads a file as text.
func ReadFile(path string) Result[string] {
	data, err := os.ReadFile(path)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return Err[string](cwferrors.IOFileNotFound(path).WithCause(err))
		case errors.Is(err, fs.ErrPermission):
			return Err[string](cwferrors.IOPermissionDenied(path, err))
		default:
			return Err[string](cwferrors.IOReadError(path, err))
		}
	}
	return Ok(string(data))
}

// WriteFile writes content, creating parent directories, and returns the path.
func WriteFile(path, content string) Result[string] {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Err[string](cwferrors.IOWriteError(path, err))
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return Err[string](cwferrors.IOPermissionDenied(path, err))
		}
		return Err[string](cwferrors.IOWriteError(path, err))
	}
	return Ok(path)
}

// ParseJSON decodes JSON text into T.
func ParseJSON[T any](text string) Result[T] {
	var v T
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return Err[T](cwferrors.IOParseError("json", err))
	}
	return Ok(v)
}

// ParseYAML decodes YAML text into T.
func ParseYAML[T any](text string) Result[T] {
	var v T
	if err := yaml.Unmarshal([]byte(text), &v); err != nil {
		return Err[T](cwferrors.IOParseError("yaml", err))
	}
	return Ok(v)
}

// ReadJSON reads and decodes a JSON file.
func ReadJSON[T any](path string) Result[T] {
	return FlatMap(ReadFile(path), ParseJSON[T])
}

// ReadYAML reads and decodes a YAML file.
func ReadYAML[T any](path string) Result[T] {
	return FlatMap(ReadFile(path), ParseYAML[T])
}

// Kind names the shape a schema field must have.
type Kind string

const (
	KindAny    Kind = ""
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
	KindList   Kind = "list"
	KindMap    Kind = "map"
)

// Schema is a lightweight structural check over a decoded object.
type Schema struct {
	Required []string
	Fields   map[string]Kind
}

// ValidateSchema checks obj against s and returns obj unchanged on success.
func ValidateSchema(obj map[string]any, s Schema) Result[map[string]any] {
	var problems []string
	for _, name := range s.Required {
		if _, ok := obj[name]; !ok {
			problems = append(problems, fmt.Sprintf("missing required field %q", name))
		}
	}

	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v, ok := obj[name]
		if !ok {
			continue
		}
		if want := s.Fields[name]; !kindMatches(v, want) {
			problems = append(problems, fmt.Sprintf("field %q: expected %s, got %T", name, want, v))
		}
	}

	if len(problems) > 0 {
		return Err[map[string]any](cwferrors.Newf(cwferrors.CodeSchemaViolation, "schema violation: %v", problems).
			WithDetail("problems", problems))
	}
	return Ok(obj)
}

func kindMatches(v any, k Kind) bool {
	switch k {
	case KindAny:
		return true
	case KindString:
		_, ok := v.(string)
		return ok
	case KindNumber:
		switch v.(type) {
		case int, int64, float64, float32, uint, uint64, int32:
			return true
		}
		return false
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindList:
		_, ok := v.([]any)
		return ok
	case KindMap:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}

// FromOutput wraps a tool's {success, output, error} triple.
func FromOutput(success bool, output, errText string) Result[string] {
	if success {
		return Ok(output)
	}
	if errText == "" {
		errText = "tool reported failure"
	}
	return Err[string](cwferrors.New(cwferrors.CodeToolFailed, errText).WithDetail("output", output))
}
