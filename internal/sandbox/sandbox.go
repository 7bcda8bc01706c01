// Package sandbox provisions ephemeral web application sandboxes on remote
// workers. Each sandbox owns a port from a fixed range, a directory under
// /opt/sandboxes on its worker, and an optional build conversation driven by
// an LLM tool loop.
package sandbox

import (
	"context"
	"errors"

	"github.com/jkaninda/kazi/internal/domain"
)

// Port range reserved for sandbox applications on a worker.
const (
	PortRangeStart = 8100
	PortRangeEnd   = 8199
)

// RemoteRoot is the directory on the worker under which sandboxes live.
const RemoteRoot = "/opt/sandboxes"

var (
	// ErrNotFound indicates the sandbox does not exist.
	ErrNotFound = errors.New("sandbox not found")

	// ErrNoFreePorts indicates the whole port range is in use.
	ErrNoFreePorts = errors.New("no free sandbox ports")

	// ErrSyntaxCheck indicates the entry point failed validation and the
	// application was not started.
	ErrSyntaxCheck = errors.New("entry point failed syntax check")
)

// SandboxStore persists sandboxes.
type SandboxStore interface {
	Create(ctx context.Context, sb *domain.Sandbox) error
	Get(ctx context.Context, id string) (*domain.Sandbox, error)
	List(ctx context.Context) ([]domain.Sandbox, error)
	Update(ctx context.Context, sb *domain.Sandbox) error
	Delete(ctx context.Context, id string) error
}

// Metrics receives sandbox lifecycle events. A nil Metrics disables
// instrumentation.
type Metrics interface {
	SandboxCreated()
	SandboxDeployed(verified bool)
	SandboxDeployFailed(reason string)
	BuildToolCall(tool string)
}
