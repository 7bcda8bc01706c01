// Package storage defines the unified Store interface that abstracts all persistence operations.
// Three backends are provided: JSON files (default, zero-config), SQLite, and PostgreSQL.
package storage

import (
	"context"

	"github.com/jkaninda/kazi/internal/registry"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/taskflow"
)

// Store is the unified persistence interface for Kazi.
// It provides access to all domain-specific sub-stores through accessor methods.
type Store interface {
	// Sub-store accessors. Each returns a domain-specific store interface
	// sharing the same underlying document or connection.
	Workers() registry.WorkerStore
	Tasks() taskflow.TaskStore
	Sandboxes() sandbox.SandboxStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("jsonfile", "sqlite" or "postgres").
	Driver() string
}

// DriverJSONFile is the JSON file driver name.
const DriverJSONFile = "jsonfile"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
