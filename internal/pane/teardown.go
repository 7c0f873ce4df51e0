package pane

import (
	"context"
	"strings"
	"time"

	cwferrors "github.com/mkatanski/claude-workflow-sub002/internal/errors"
)

// Close tears down the current pane. tmux control commands are fire and
// forget, so teardown escalates:
//
//  1. send C-c, pause
//  2. send C-d twice, pausing after each
//  3. wait, bounded, for the session-ended signal
//  4. kill-pane, whatever step 3 reported
//  5. poll for the pane, killing once more if it is still there
//  6. unregister the pane's events
//
// Control errors are swallowed because the pane may already be gone. The
// only error is a pane that survives the poll bound; callers log it and
// carry on.
//
// Teardown ignores ctx cancellation and is bounded by the configured pauses
// instead, so a cancelled run still removes its pane. The pane stays current
// until teardown has finished.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	paneID := m.current
	m.mu.Unlock()

	if paneID == "" {
		return nil
	}

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.teardownBound())
	defer cancel()
	err := m.teardown(tctx, paneID)

	m.mu.Lock()
	if m.current == paneID {
		m.current = ""
	}
	m.mu.Unlock()
	return err
}

// teardownSlack covers the tmux round trips teardown makes on top of its
// configured pauses.
const teardownSlack = 30 * time.Second

func (m *Manager) teardownBound() time.Duration {
	polls := m.cfg.ExistencePolls
	if polls < 1 {
		polls = 1
	}
	return m.cfg.InterruptPause + 2*m.cfg.EOFPause + m.cfg.ExitWait +
		time.Duration(polls)*m.cfg.ExistenceBackoff + teardownSlack
}

func (m *Manager) teardown(ctx context.Context, paneID string) error {
	log := m.logger.With("pane", paneID)
	defer m.signals.UnregisterPane(paneID)

	m.control(ctx, "send-keys", "-t", paneID, "C-c")
	sleep(ctx, m.cfg.InterruptPause)

	for i := 0; i < 2; i++ {
		m.control(ctx, "send-keys", "-t", paneID, "C-d")
		sleep(ctx, m.cfg.EOFPause)
	}

	if m.signals.WaitForExited(ctx, paneID, m.cfg.ExitWait) {
		log.Debug("session ended")
	} else {
		log.Debug("no session-ended signal, forcing kill")
	}

	m.control(ctx, "kill-pane", "-t", paneID)

	polls := m.cfg.ExistencePolls
	if polls < 1 {
		polls = 1
	}
	retried := false
	for i := 0; i < polls; i++ {
		if !m.exists(ctx, paneID) {
			log.Info("pane closed")
			return nil
		}
		if !retried {
			m.control(ctx, "kill-pane", "-t", paneID)
			retried = true
		}
		sleep(ctx, m.cfg.ExistenceBackoff)
	}

	if !m.exists(ctx, paneID) {
		log.Info("pane closed")
		return nil
	}
	return cwferrors.PaneTeardownIncomplete(paneID, polls)
}

// control runs a teardown command, ignoring failures.
func (m *Manager) control(ctx context.Context, args ...string) {
	if _, err := m.runner.Run(ctx, args...); err != nil {
		m.logger.Debug("teardown step failed", "command", args[0], "error", Diagnostic(err))
	}
}

// exists reports whether tmux still knows paneID. Only tmux saying the pane
// or its server is missing counts as gone; any other failure leaves the
// pane's state unknown and it is reported as still there.
func (m *Manager) exists(ctx context.Context, paneID string) bool {
	out, err := m.runner.Run(ctx, "display-message", "-p", "-t", paneID, "#{pane_id}")
	if err != nil {
		if paneMissing(err) {
			return false
		}
		m.logger.Debug("pane existence unknown", "pane", paneID, "error", Diagnostic(err))
		return true
	}
	return strings.TrimSpace(out) == paneID
}

func paneMissing(err error) bool {
	msg := Diagnostic(err)
	return strings.Contains(msg, "can't find pane") || strings.Contains(msg, "no server running")
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
