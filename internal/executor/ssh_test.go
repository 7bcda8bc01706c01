package executor

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
)

func newTestExecutor(cfg SSHConfig) *SSHExecutor {
	return NewSSH(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBaseArgsWithKey(t *testing.T) {
	e := newTestExecutor(SSHConfig{KeyPath: "/keys/id_ed25519", ConnTimeout: 5 * time.Second})
	args := strings.Join(e.baseArgs(), " ")

	if !strings.HasPrefix(args, "-i /keys/id_ed25519") {
		t.Errorf("key flag missing or misplaced: %q", args)
	}
	if !strings.Contains(args, "StrictHostKeyChecking=no") {
		t.Errorf("host key checking not disabled: %q", args)
	}
	if !strings.Contains(args, "ConnectTimeout=5") {
		t.Errorf("connect timeout not applied: %q", args)
	}
}

func TestBaseArgsWithoutKey(t *testing.T) {
	e := newTestExecutor(SSHConfig{})
	args := strings.Join(e.baseArgs(), " ")

	if strings.Contains(args, "-i ") {
		t.Errorf("unexpected identity flag: %q", args)
	}
	if !strings.Contains(args, "ConnectTimeout=10") {
		t.Errorf("default connect timeout missing: %q", args)
	}
}

func TestTargetUsesWorkerUser(t *testing.T) {
	e := newTestExecutor(SSHConfig{DefaultUser: "deploy"})

	if got := e.target(&domain.Worker{Host: "10.0.0.5", SSHUser: "ubuntu"}); got != "ubuntu@10.0.0.5" {
		t.Errorf("target = %q", got)
	}
	if got := e.target(&domain.Worker{Host: "10.0.0.5"}); got != "deploy@10.0.0.5" {
		t.Errorf("target = %q, want config default user", got)
	}
}

func TestTargetDefaultUserIsRoot(t *testing.T) {
	e := newTestExecutor(SSHConfig{})
	if got := e.target(&domain.Worker{Host: "w1"}); got != "root@w1" {
		t.Errorf("target = %q", got)
	}
}

func TestLimitedWriterCapsOutput(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: 10}

	n, err := lw.Write([]byte("0123456789abcdef"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 10 {
		t.Errorf("n = %d, want 10", n)
	}
	if buf.String() != "0123456789" {
		t.Errorf("captured = %q", buf.String())
	}

	// Subsequent writes report success but are discarded.
	if n, err := lw.Write([]byte("more")); err != nil || n != 4 {
		t.Errorf("overflow write = (%d, %v), want (4, nil)", n, err)
	}
	if buf.Len() != 10 {
		t.Errorf("buffer grew past the cap: %d", buf.Len())
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("  hello  ", 10); got != "hello" {
		t.Errorf("truncate trims = %q", got)
	}
	if got := truncate("abcdefgh", 4); got != "abcd" {
		t.Errorf("truncate caps = %q", got)
	}
}
