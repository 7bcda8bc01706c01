// Package executor runs commands and writes files on remote worker hosts.
package executor

import (
	"context"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
)

// Default per-call deadlines. Dependency installs get a longer budget.
const (
	DefaultRunTimeout  = 30 * time.Second
	DefaultPushTimeout = 30 * time.Second
	InstallTimeout     = 3 * time.Minute
)

// Remote executes commands on worker hosts. Implementations must honor the
// context deadline and cap captured output.
type Remote interface {
	// Run executes a shell command on the worker and returns combined
	// stdout/stderr. A non-zero exit status is returned as an error with
	// whatever output was captured.
	Run(ctx context.Context, w *domain.Worker, command string) (string, error)
	// Push writes content to an absolute path on the worker. Parent
	// directories must already exist.
	Push(ctx context.Context, w *domain.Worker, remotePath, content string) error
}
