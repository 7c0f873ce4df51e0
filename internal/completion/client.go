package completion

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// PortEnv carries the signal server port into pane environments.
const PortEnv = "CWF_SIGNAL_PORT"

// BaseURLFromEnv returns the server URL advertised through PortEnv.
func BaseURLFromEnv() (string, error) {
	raw := strings.TrimSpace(os.Getenv(PortEnv))
	if raw == "" {
		return "", fmt.Errorf("%s is not set", PortEnv)
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port < 1 || port > 65535 {
		return "", fmt.Errorf("%s=%q is not a valid port", PortEnv, raw)
	}
	return fmt.Sprintf("http://%s:%d", Host, port), nil
}

// Notify posts a signal of kind for pane to the server at baseURL.
func Notify(ctx context.Context, baseURL string, kind Kind, pane, project string) error {
	if kind != KindComplete && kind != KindExited {
		return fmt.Errorf("unknown signal kind %q", kind)
	}

	form := url.Values{}
	form.Set("pane", pane)
	form.Set("project", project)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(baseURL, "/")+"/"+string(kind), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("notify %s: %w", kind, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notify %s: status %d: %s", kind, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
