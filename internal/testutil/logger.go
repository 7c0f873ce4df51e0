package testutil

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestLogger captures structured logs for assertion in tests.
type TestLogger struct {
	mu      sync.RWMutex
	entries []LogEntry
	Logger  *slog.Logger
	buffer  *bytes.Buffer
}

// LogEntry is one captured record.
type LogEntry struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// NewTestLogger creates a logger that captures every entry at debug level
// and above.
func NewTestLogger(t *testing.T) *TestLogger {
	t.Helper()

	tl := &TestLogger{buffer: &bytes.Buffer{}}
	tl.Logger = slog.New(&captureHandler{
		sink:    tl,
		handler: slog.NewJSONHandler(tl.buffer, &slog.HandlerOptions{Level: slog.LevelDebug}),
	})
	return tl
}

// captureHandler wraps a slog handler to capture entries.
type captureHandler struct {
	sink    *TestLogger
	handler slog.Handler
	attrs   []slog.Attr
}

func (h *captureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *captureHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := LogEntry{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
		Attrs:   make(map[string]any, len(h.attrs)+r.NumAttrs()),
	}
	for _, a := range h.attrs {
		entry.Attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		entry.Attrs[a.Key] = a.Value.Any()
		return true
	})

	h.sink.mu.Lock()
	h.sink.entries = append(h.sink.entries, entry)
	h.sink.mu.Unlock()

	return h.handler.Handle(ctx, r)
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &captureHandler{sink: h.sink, handler: h.handler.WithAttrs(attrs), attrs: merged}
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	return &captureHandler{sink: h.sink, handler: h.handler.WithGroup(name), attrs: h.attrs}
}

// Entries returns a copy of all captured entries.
func (l *TestLogger) Entries() []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Containing returns entries whose message contains substring.
func (l *TestLogger) Containing(substring string) []LogEntry {
	var out []LogEntry
	for _, e := range l.Entries() {
		if strings.Contains(e.Message, substring) {
			out = append(out, e)
		}
	}
	return out
}

// AtLevel returns entries logged at level.
func (l *TestLogger) AtLevel(level slog.Level) []LogEntry {
	var out []LogEntry
	for _, e := range l.Entries() {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

// WithAttrValue returns entries carrying key=value.
func (l *TestLogger) WithAttrValue(key string, value any) []LogEntry {
	var out []LogEntry
	for _, e := range l.Entries() {
		if v, ok := e.Attrs[key]; ok && v == value {
			out = append(out, e)
		}
	}
	return out
}

// Output returns the raw JSON lines.
func (l *TestLogger) Output() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.buffer.String()
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError + 100,
	}))
}
