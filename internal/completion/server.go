// Package completion implements the loopback rendezvous between the
// orchestrator and agent sessions running in terminal panes.
//
// Hooks inside a pane POST to /complete when the agent finishes a turn and
// to /exited when the session process ends. The Server fires the matching
// per-pane Event, waking the node blocked in WaitForComplete or
// WaitForExited.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mkatanski/claude-workflow-sub002/internal/config"
	cwferrors "github.com/mkatanski/claude-workflow-sub002/internal/errors"
)

// Host is the only interface the server binds.
const Host = "127.0.0.1"

// Kind names a signal endpoint.
type Kind string

const (
	KindComplete Kind = "complete"
	KindExited   Kind = "exited"
)

// PaneIDPattern is the accepted pane identifier syntax.
var PaneIDPattern = regexp.MustCompile(`^%\d+$`)

type paneEvents struct {
	complete *Event
	exited   *Event
}

func (p *paneEvents) event(kind Kind) *Event {
	if kind == KindExited {
		return p.exited
	}
	return p.complete
}

// Server is the completion signal listener.
type Server struct {
	echo     *echo.Echo
	logger   *slog.Logger
	port     int
	attempts int

	mu       sync.RWMutex
	panes    map[string]*paneEvents
	listener net.Listener
	done     chan struct{}
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer builds an unstarted server. A zero Port binds an ephemeral port.
func NewServer(cfg config.ServerConfig, opts ...Option) *Server {
	attempts := cfg.PortAttempts
	if attempts < 1 {
		attempts = 1
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		logger:   slog.Default(),
		port:     cfg.Port,
		attempts: attempts,
		panes:    make(map[string]*paneEvents),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	e.Use(middleware.Recover())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			s.logger.Debug("signal request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration", time.Since(start),
			)
			return err
		}
	})

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.POST("/complete", s.handleSignal(KindComplete))
	s.echo.POST("/exited", s.handleSignal(KindExited))
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Listen binds the first free port in [Port, Port+PortAttempts) and starts
// serving in the background. Exhausting the range is fatal to the run.
func (s *Server) Listen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("completion: server already listening on %s", s.listener.Addr())
	}

	ln, err := s.bind(ctx)
	if err != nil {
		return err
	}
	s.listener = ln
	s.done = make(chan struct{})

	s.echo.Listener = ln
	done := s.done
	go func() {
		defer close(done)
		if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("signal server stopped", "error", err)
		}
	}()

	s.logger.Info("signal server listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) bind(ctx context.Context) (net.Listener, error) {
	var lc net.ListenConfig
	if s.port == 0 {
		ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(Host, "0"))
		if err != nil {
			return nil, cwferrors.New(cwferrors.CodeServerPortExhausted, "cannot bind ephemeral port").WithCause(err)
		}
		return ln, nil
	}

	var lastErr error
	for p := s.port; p < s.port+s.attempts && p <= 65535; p++ {
		ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(Host, fmt.Sprint(p)))
		if err == nil {
			return ln, nil
		}
		lastErr = err
		s.logger.Debug("signal port busy", "port", p, "error", err)
	}
	return nil, cwferrors.Newf(cwferrors.CodeServerPortExhausted,
		"no free port in %d-%d", s.port, s.port+s.attempts-1).
		WithDetail("first_port", s.port).
		WithDetail("attempts", s.attempts).
		WithCause(lastErr)
}

// Port returns the bound port, or 0 before Listen.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return 0
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// BaseURL returns http://127.0.0.1:<port>, or "" before Listen.
func (s *Server) BaseURL() string {
	port := s.Port()
	if port == 0 {
		return ""
	}
	return fmt.Sprintf("http://%s:%d", Host, port)
}

// Shutdown stops the listener and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		return nil
	}
	done := s.done
	s.listener = nil
	s.mu.Unlock()

	s.logger.Info("signal server shutting down")
	if err := s.echo.Shutdown(ctx); err != nil {
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// RegisterPane allocates fresh complete and exited events for paneID. A pane
// registered again starts with both events re-armed.
func (s *Server) RegisterPane(paneID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.panes[paneID]; ok {
		p.complete.Reset()
		p.exited.Reset()
		return
	}
	s.panes[paneID] = &paneEvents{complete: NewEvent(), exited: NewEvent()}
}

// UnregisterPane releases the events of paneID. Late signals for it are
// accepted and ignored.
func (s *Server) UnregisterPane(paneID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.panes, paneID)
}

// Registered reports whether paneID currently has events.
func (s *Server) Registered(paneID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.panes[paneID]
	return ok
}

func (s *Server) eventFor(paneID string, kind Kind) *Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.panes[paneID]
	if !ok {
		return nil
	}
	return p.event(kind)
}

// Signal fires kind for paneID and reports whether the pane was registered.
func (s *Server) Signal(paneID string, kind Kind) bool {
	ev := s.eventFor(paneID, kind)
	if ev == nil {
		return false
	}
	ev.Set()
	return true
}

// WaitForComplete waits for the next turn-complete signal from paneID.
// Timing out is an outcome, not an error.
func (s *Server) WaitForComplete(ctx context.Context, paneID string, timeout time.Duration) bool {
	return s.wait(ctx, paneID, KindComplete, timeout)
}

// WaitForExited waits for the session-ended signal from paneID.
func (s *Server) WaitForExited(ctx context.Context, paneID string, timeout time.Duration) bool {
	return s.wait(ctx, paneID, KindExited, timeout)
}

func (s *Server) wait(ctx context.Context, paneID string, kind Kind, timeout time.Duration) bool {
	ev := s.eventFor(paneID, kind)
	if ev == nil {
		s.logger.Warn("wait on unregistered pane", "pane", paneID, "kind", kind)
		return false
	}
	return ev.Wait(ctx, timeout)
}

// ResetComplete re-arms the turn-complete event of paneID so the next turn
// can be awaited.
func (s *Server) ResetComplete(paneID string) {
	if ev := s.eventFor(paneID, KindComplete); ev != nil {
		ev.Reset()
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Panes  int    `json:"panes"`
}

func (s *Server) handleHealth(c echo.Context) error {
	s.mu.RLock()
	n := len(s.panes)
	s.mu.RUnlock()
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Panes: n})
}

func (s *Server) handleSignal(kind Kind) echo.HandlerFunc {
	return func(c echo.Context) error {
		pane := c.FormValue("pane")
		project := c.FormValue("project")

		if !PaneIDPattern.MatchString(pane) {
			return c.String(http.StatusBadRequest, "invalid pane id")
		}
		if strings.TrimSpace(project) == "" {
			return c.String(http.StatusBadRequest, "project is required")
		}

		if s.Signal(pane, kind) {
			s.logger.Info("pane signaled", "pane", pane, "kind", kind, "project", project)
		} else {
			s.logger.Debug("signal for unregistered pane ignored", "pane", pane, "kind", kind)
		}
		return c.String(http.StatusOK, "ok")
	}
}
