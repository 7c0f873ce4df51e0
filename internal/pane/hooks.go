package pane

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	"github.com/mkatanski/claude-workflow-sub002/internal/completion"
	cwferrors "github.com/mkatanski/claude-workflow-sub002/internal/errors"
)

// HookSettingsFile is the agent settings file that carries the signal hooks,
// relative to the project.
const HookSettingsFile = ".claude/settings.local.json"

// hookEvents maps agent hook events to the signal they send.
var hookEvents = []struct {
	event string
	kind  completion.Kind
}{
	{"Stop", completion.KindComplete},
	{"SessionEnd", completion.KindExited},
}

// HookCommand is the command an agent hook runs to send kind.
func HookCommand(binary string, kind completion.Kind) string {
	if binary == "" {
		binary = "cwf"
	}
	return fmt.Sprintf("%s notify %s 2>/dev/null || true", ShellQuote(binary), kind)
}

// WriteHookSettings installs Stop and SessionEnd hooks that call back into
// binary. Existing settings, including other hooks, are preserved and the
// call is idempotent. Returns the settings path.
func WriteHookSettings(dir, binary string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("project directory is required")
	}
	path := filepath.Join(dir, HookSettingsFile)

	content := "{}"
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		content = string(data)
		if strings.TrimSpace(content) == "" {
			content = "{}"
		}
		if !gjson.Valid(content) {
			return "", cwferrors.IOParseError("json", fmt.Errorf("%s is not valid JSON", path))
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return "", cwferrors.IOReadError(path, err)
	}

	changed := false
	for _, h := range hookEvents {
		command := HookCommand(binary, h.kind)
		key := "hooks." + h.event
		existing := gjson.Get(content, key)
		if existing.IsArray() && strings.Contains(existing.Raw, sjsonString(command)) {
			continue
		}

		entry := fmt.Sprintf(`{"hooks":[{"type":"command","command":%s}]}`, sjsonString(command))
		if existing.IsArray() {
			content, err = sjson.SetRaw(content, key+".-1", entry)
		} else {
			content, err = sjson.SetRaw(content, key, "["+entry+"]")
		}
		if err != nil {
			return "", fmt.Errorf("setting %s: %w", key, err)
		}
		changed = true
	}

	if !changed {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", cwferrors.IOWriteError(path, err)
	}
	if err := os.WriteFile(path, pretty.Pretty([]byte(content)), 0644); err != nil {
		return "", cwferrors.IOWriteError(path, err)
	}
	return path, nil
}

// sjsonString encodes s as a JSON string literal.
func sjsonString(s string) string {
	out, _ := sjson.Set(`{"v":""}`, "v", s)
	return gjson.Get(out, "v").Raw
}
