package completion

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkatanski/claude-workflow-sub002/internal/config"
	cwferrors "github.com/mkatanski/claude-workflow-sub002/internal/errors"
	"github.com/mkatanski/claude-workflow-sub002/internal/logging"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return NewServer(config.ServerConfig{Port: 0, PortAttempts: 1}, WithLogger(logging.NewForTest()))
}

func postForm(t *testing.T, h http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)
	s.RegisterPane("%1")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Panes)
}

func TestHandleSignal_Validation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		form url.Values
		want int
	}{
		{"valid", url.Values{"pane": {"%3"}, "project": {"/repo"}}, http.StatusOK},
		{"missing pane", url.Values{"project": {"/repo"}}, http.StatusBadRequest},
		{"malformed pane", url.Values{"pane": {"3"}, "project": {"/repo"}}, http.StatusBadRequest},
		{"pane with suffix", url.Values{"pane": {"%3; rm"}, "project": {"/repo"}}, http.StatusBadRequest},
		{"missing project", url.Values{"pane": {"%3"}}, http.StatusBadRequest},
		{"blank project", url.Values{"pane": {"%3"}, "project": {"  "}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, path := range []string{"/complete", "/exited"} {
				rec := postForm(t, s.Handler(), path, tt.form)
				assert.Equal(t, tt.want, rec.Code, path)
			}
		})
	}
}

func TestHandleSignal_UnknownPathIs404(t *testing.T) {
	s := newTestServer(t)
	rec := postForm(t, s.Handler(), "/other", url.Values{"pane": {"%1"}, "project": {"/p"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSignal_FiresRegisteredPane(t *testing.T) {
	s := newTestServer(t)
	s.RegisterPane("%7")
	form := url.Values{"pane": {"%7"}, "project": {"/repo"}}

	rec := postForm(t, s.Handler(), "/complete", form)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	assert.True(t, s.WaitForComplete(context.Background(), "%7", 0))
	assert.False(t, s.WaitForExited(context.Background(), "%7", 0))

	postForm(t, s.Handler(), "/exited", form)
	assert.True(t, s.WaitForExited(context.Background(), "%7", 0))
}

func TestHandleSignal_UnregisteredPaneIsNoop(t *testing.T) {
	s := newTestServer(t)
	rec := postForm(t, s.Handler(), "/complete", url.Values{"pane": {"%99"}, "project": {"/repo"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, s.Registered("%99"))

	s.RegisterPane("%5")
	s.UnregisterPane("%5")
	rec = postForm(t, s.Handler(), "/exited", url.Values{"pane": {"%5"}, "project": {"/repo"}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestResetComplete_AllowsNextTurn(t *testing.T) {
	s := newTestServer(t)
	s.RegisterPane("%2")

	assert.True(t, s.Signal("%2", KindComplete))
	assert.True(t, s.WaitForComplete(context.Background(), "%2", 0))

	s.ResetComplete("%2")
	assert.False(t, s.WaitForComplete(context.Background(), "%2", 0))

	s.Signal("%2", KindComplete)
	assert.True(t, s.WaitForComplete(context.Background(), "%2", 0))
}

func TestRegisterPane_Twice(t *testing.T) {
	s := newTestServer(t)
	s.RegisterPane("%4")
	s.Signal("%4", KindExited)
	s.RegisterPane("%4")
	assert.False(t, s.WaitForExited(context.Background(), "%4", 0))
}

func TestWait_UnregisteredReturnsFalse(t *testing.T) {
	s := newTestServer(t)
	assert.False(t, s.WaitForComplete(context.Background(), "%8", 10*time.Millisecond))
}

func TestListen_EndToEnd(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.Listen(ctx))
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	require.NotZero(t, s.Port())
	assert.Contains(t, s.BaseURL(), "http://127.0.0.1:")

	s.RegisterPane("%11")
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = Notify(ctx, s.BaseURL(), KindComplete, "%11", "/repo")
	}()
	assert.True(t, s.WaitForComplete(ctx, "%11", 5*time.Second))

	err := Notify(ctx, s.BaseURL(), KindExited, "bad", "/repo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")

	assert.Error(t, s.Listen(ctx), "second Listen must fail")
}

func TestListen_ProbesForward(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port
	if port >= 65535 {
		t.Skip("no room to probe above ephemeral port")
	}

	s := NewServer(config.ServerConfig{Port: port, PortAttempts: 5}, WithLogger(logging.NewForTest()))
	if err := s.Listen(context.Background()); err != nil {
		t.Skipf("neighbouring ports unavailable: %v", err)
	}
	defer s.Shutdown(context.Background())

	assert.Greater(t, s.Port(), port)
	assert.LessOrEqual(t, s.Port(), port+4)
}

func TestListen_PortExhausted(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	s := NewServer(config.ServerConfig{Port: port, PortAttempts: 1}, WithLogger(logging.NewForTest()))
	err = s.Listen(context.Background())
	require.Error(t, err)
	assert.True(t, cwferrors.HasCode(err, cwferrors.CodeServerPortExhausted))
	assert.Equal(t, cwferrors.CategoryProcess, cwferrors.Classify(err))
	assert.Equal(t, 0, s.Port())
	assert.Equal(t, "", s.BaseURL())
}

func TestShutdown_BeforeListen(t *testing.T) {
	s := newTestServer(t)
	assert.NoError(t, s.Shutdown(context.Background()))
}

func TestNotify_RejectsUnknownKind(t *testing.T) {
	err := Notify(context.Background(), "http://127.0.0.1:1", Kind("paused"), "%1", "/p")
	assert.Error(t, err)
}

func TestBaseURLFromEnv(t *testing.T) {
	t.Setenv(PortEnv, "7440")
	got, err := BaseURLFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:7440", got)

	t.Setenv(PortEnv, "nope")
	_, err = BaseURLFromEnv()
	assert.Error(t, err)

	t.Setenv(PortEnv, "")
	_, err = BaseURLFromEnv()
	assert.Error(t, err)
}
