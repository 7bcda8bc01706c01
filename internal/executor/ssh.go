package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
)

// maxOutputBytes caps captured remote output to prevent OOM from chatty
// commands.
const maxOutputBytes = 1 << 20 // 1 MB

// SSHConfig configures the SSH executor.
type SSHConfig struct {
	KeyPath     string // Private key path. Empty = ssh default identity.
	DefaultUser string // Login user when the worker record has none. Default: root.
	ConnTimeout time.Duration
}

// SSHExecutor shells out to the system ssh/scp binaries. Host key checking
// is disabled: workers are short-lived VMs whose keys churn on every
// provision.
type SSHExecutor struct {
	cfg    SSHConfig
	logger *slog.Logger
}

// NewSSH creates an SSH executor.
func NewSSH(cfg SSHConfig, logger *slog.Logger) *SSHExecutor {
	if cfg.DefaultUser == "" {
		cfg.DefaultUser = "root"
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 10 * time.Second
	}
	return &SSHExecutor{cfg: cfg, logger: logger}
}

// Run executes a shell command on the worker via ssh.
func (e *SSHExecutor) Run(ctx context.Context, w *domain.Worker, command string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRunTimeout)
		defer cancel()
	}

	args := e.baseArgs()
	args = append(args, e.target(w), command)

	cmd := exec.CommandContext(ctx, "ssh", args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var out bytes.Buffer
	lw := &limitedWriter{w: &out, remaining: maxOutputBytes}
	cmd.Stdout = lw
	cmd.Stderr = lw

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	e.logger.DebugContext(ctx, "remote command",
		slog.String("worker_id", w.ID),
		slog.String("host", w.Host),
		slog.String("command", truncate(command, 120)),
		slog.Duration("duration", duration),
		slog.Bool("ok", runErr == nil),
	)

	if runErr != nil {
		if ctx.Err() != nil {
			return out.String(), fmt.Errorf("remote command on %s timed out: %w", w.Host, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return out.String(), fmt.Errorf("remote command on %s exited %d: %s",
				w.Host, exitErr.ExitCode(), truncate(out.String(), 500))
		}
		return out.String(), fmt.Errorf("running ssh to %s: %w", w.Host, runErr)
	}
	return out.String(), nil
}

// Push writes content to remotePath via a local temp file and scp.
// scp handles arbitrary content safely where shell heredocs would not.
func (e *SSHExecutor) Push(ctx context.Context, w *domain.Worker, remotePath, content string) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultPushTimeout)
		defer cancel()
	}

	tmp, err := os.CreateTemp("", "kazi-push-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.WriteString(tmp, content); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	args := e.baseArgs()
	args = append(args, tmpPath, e.target(w)+":"+remotePath)

	cmd := exec.CommandContext(ctx, "scp", args...)
	var out bytes.Buffer
	lw := &limitedWriter{w: &out, remaining: maxOutputBytes}
	cmd.Stdout = lw
	cmd.Stderr = lw

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("scp to %s timed out: %w", w.Host, ctx.Err())
		}
		return fmt.Errorf("scp %s to %s: %s: %w", remotePath, w.Host, truncate(out.String(), 300), err)
	}

	e.logger.DebugContext(ctx, "remote file written",
		slog.String("worker_id", w.ID),
		slog.String("host", w.Host),
		slog.String("path", remotePath),
		slog.Int("bytes", len(content)),
	)
	return nil
}

func (e *SSHExecutor) baseArgs() []string {
	args := []string{
		"-o", "IdentitiesOnly=yes",
		"-o", "StrictHostKeyChecking=no",
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(e.cfg.ConnTimeout.Seconds())),
	}
	if e.cfg.KeyPath != "" {
		args = append([]string{"-i", e.cfg.KeyPath}, args...)
	}
	return args
}

func (e *SSHExecutor) target(w *domain.Worker) string {
	user := w.SSHUser
	if user == "" {
		user = e.cfg.DefaultUser
	}
	return user + "@" + w.Host
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded, not reported as an error.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}
