package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Shell runs commands through /bin/sh -c.
//
// Arguments: "command" (required), "dir", "env" (map), "timeout" (duration
// string). Output is stdout with the trailing newline trimmed. A non-zero
// exit is a failure whose Error carries the exit code and stderr.
type Shell struct {
	// Shell defaults to /bin/sh.
	Shell string
	// Dir is the working directory when the call doesn't name one.
	Dir string
	// KillGrace is how long a cancelled command gets between SIGTERM and
	// SIGKILL.
	KillGrace time.Duration
}

// NewShell returns a shell tool rooted at dir.
func NewShell(dir string) *Shell {
	return &Shell{Shell: "/bin/sh", Dir: dir, KillGrace: 3 * time.Second}
}

// Name implements Tool.
func (s *Shell) Name() string { return "shell" }

// Run implements Tool.
func (s *Shell) Run(ctx context.Context, args map[string]any) Output {
	command := stringArg(args, "command")
	if command == "" {
		return Fail("command is required")
	}
	if raw := stringArg(args, "timeout"); raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil {
			return Fail("invalid timeout %q: %v", raw, err)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	dir := stringArg(args, "dir")
	if dir == "" {
		dir = s.Dir
	}
	stdout, stderr, code, err := s.exec(ctx, command, dir, stringMapArg(args, "env"))
	out := strings.TrimSuffix(stdout, "\n")
	switch {
	case err != nil:
		return Output{Output: out, Error: err.Error()}
	case code != 0:
		msg := fmt.Sprintf("exit status %d", code)
		if e := strings.TrimSpace(stderr); e != "" {
			msg += ": " + e
		}
		return Output{Output: out, Error: msg}
	}
	return Ok(out)
}

// exec runs command in its own process group so cancellation reaches the
// whole tree: SIGTERM first, SIGKILL after KillGrace.
func (s *Shell) exec(ctx context.Context, command, dir string, env map[string]string) (string, string, int, error) {
	shell := s.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	// Not CommandContext: cancellation is handled below so the process
	// group gets SIGTERM before SIGKILL.
	cmd := exec.Command(shell, "-c", command)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return "", "", -1, fmt.Errorf("starting command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		grace := s.KillGrace
		if grace <= 0 {
			grace = 3 * time.Second
		}
		select {
		case <-done:
		case <-time.After(grace):
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			<-done
		}
		return stdout.String(), stderr.String(), -1, ctx.Err()

	case err := <-done:
		if err == nil {
			return stdout.String(), stderr.String(), 0, nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
		}
		return stdout.String(), stderr.String(), -1, err
	}
}
