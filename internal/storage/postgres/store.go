package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/kazi/internal/registry"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/storage"
	"github.com/jkaninda/kazi/internal/taskflow"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu        sync.Mutex
	workers   registry.WorkerStore
	tasks     taskflow.TaskStore
	sandboxes sandbox.SandboxStore
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

// Migrate is a no-op; PostgreSQL migration runs in Open() via autoMigrate.
func (s *Store) Migrate(_ context.Context) error {
	return nil
}

// Ping checks the database connection for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// GormDB returns the underlying DB for direct access when needed.
func (s *Store) GormDB() *DB {
	return s.pgDB
}

func (s *Store) Workers() registry.WorkerStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers == nil {
		s.workers = NewWorkerRepository(s.pgDB.GormDB())
	}
	return s.workers
}

func (s *Store) Tasks() taskflow.TaskStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks == nil {
		s.tasks = NewTaskRepository(s.pgDB.GormDB())
	}
	return s.tasks
}

func (s *Store) Sandboxes() sandbox.SandboxStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sandboxes == nil {
		s.sandboxes = NewSandboxRepository(s.pgDB.GormDB())
	}
	return s.sandboxes
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
