// Package jsonfile implements the unified Store interface with plain JSON
// documents on disk. It is the default backend: zero dependencies, zero
// setup, and the on-disk state is readable and editable with any text tool.
//
// Two documents are kept: state.json (workers and tasks) and sandboxes.json.
// Every mutation rewrites the whole document under a single writer lock, so
// concurrent API calls serialize on persistence and the files are always a
// complete, consistent snapshot.
package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/registry"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/storage"
	"github.com/jkaninda/kazi/internal/taskflow"
)

const (
	stateFile     = "state.json"
	sandboxesFile = "sandboxes.json"
)

// document is the on-disk shape of state.json.
type document struct {
	Workers map[string]*domain.Worker `json:"workers"`
	Tasks   []*domain.Task            `json:"tasks"`
}

// Store implements storage.Store backed by JSON files.
type Store struct {
	dir    string
	logger *slog.Logger

	mu        sync.Mutex
	doc       document
	sandboxes map[string]*domain.Sandbox
}

// Open creates a JSON file Store rooted at dir, loading any existing state.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("jsonfile dir is required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating state directory %s: %w", dir, err)
	}

	s := &Store{
		dir:       dir,
		logger:    logger,
		doc:       document{Workers: map[string]*domain.Worker{}},
		sandboxes: map[string]*domain.Sandbox{},
	}

	if err := loadJSON(filepath.Join(dir, stateFile), &s.doc); err != nil {
		return nil, err
	}
	if s.doc.Workers == nil {
		s.doc.Workers = map[string]*domain.Worker{}
	}
	if err := loadJSON(filepath.Join(dir, sandboxesFile), &s.sandboxes); err != nil {
		return nil, err
	}

	logger.Info("jsonfile store opened",
		slog.String("dir", dir),
		slog.Int("workers", len(s.doc.Workers)),
		slog.Int("tasks", len(s.doc.Tasks)),
		slog.Int("sandboxes", len(s.sandboxes)))
	return s, nil
}

// loadJSON reads a document, treating a missing file as empty state.
func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// saveLocked writes a whole document atomically. Callers hold s.mu.
func (s *Store) saveLocked(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

func (s *Store) saveState() error     { return s.saveLocked(stateFile, &s.doc) }
func (s *Store) saveSandboxes() error { return s.saveLocked(sandboxesFile, s.sandboxes) }

// Workers returns the worker sub-store.
func (s *Store) Workers() registry.WorkerStore { return &workerStore{s} }

// Tasks returns the task sub-store.
func (s *Store) Tasks() taskflow.TaskStore { return &taskStore{s} }

// Sandboxes returns the sandbox sub-store.
func (s *Store) Sandboxes() sandbox.SandboxStore { return &sandboxStore{s} }

// Migrate is a no-op for the JSON file backend.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the state directory is still reachable, for readiness probes.
func (s *Store) Ping(_ context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("state directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("state directory %s is not a directory", s.dir)
	}
	return nil
}

// Close flushes nothing; every mutation is already on disk.
func (s *Store) Close() error { return nil }

// Driver returns "jsonfile".
func (s *Store) Driver() string { return storage.DriverJSONFile }

// clone deep-copies a record via JSON so callers can mutate freely before
// handing it back through Update.
func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return v
	}
	return out
}

// --- workers ---

type workerStore struct{ s *Store }

func (ws *workerStore) Upsert(_ context.Context, w *domain.Worker) error {
	ws.s.mu.Lock()
	defer ws.s.mu.Unlock()
	ws.s.doc.Workers[w.ID] = clone(w)
	return ws.s.saveState()
}

func (ws *workerStore) Get(_ context.Context, id string) (*domain.Worker, error) {
	ws.s.mu.Lock()
	defer ws.s.mu.Unlock()
	w, ok := ws.s.doc.Workers[id]
	if !ok {
		return nil, fmt.Errorf("worker %s: %w", id, registry.ErrNotFound)
	}
	return clone(w), nil
}

func (ws *workerStore) List(_ context.Context) ([]domain.Worker, error) {
	ws.s.mu.Lock()
	defer ws.s.mu.Unlock()
	out := make([]domain.Worker, 0, len(ws.s.doc.Workers))
	for _, w := range ws.s.doc.Workers {
		out = append(out, *clone(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- tasks ---

type taskStore struct{ s *Store }

func (ts *taskStore) Create(_ context.Context, t *domain.Task) error {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	for _, existing := range ts.s.doc.Tasks {
		if existing.ID == t.ID {
			return fmt.Errorf("task %s already exists", t.ID)
		}
	}
	ts.s.doc.Tasks = append(ts.s.doc.Tasks, clone(t))
	return ts.s.saveState()
}

func (ts *taskStore) Get(_ context.Context, id string) (*domain.Task, error) {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	for _, t := range ts.s.doc.Tasks {
		if t.ID == id {
			return clone(t), nil
		}
	}
	return nil, fmt.Errorf("task %s: %w", id, taskflow.ErrNotFound)
}

func (ts *taskStore) List(_ context.Context) ([]domain.Task, error) {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	out := make([]domain.Task, 0, len(ts.s.doc.Tasks))
	for _, t := range ts.s.doc.Tasks {
		out = append(out, *clone(t))
	}
	return out, nil
}

func (ts *taskStore) ListByParent(_ context.Context, parentID string) ([]domain.Task, error) {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	var out []domain.Task
	for _, t := range ts.s.doc.Tasks {
		if t.ParentID == parentID {
			out = append(out, *clone(t))
		}
	}
	return out, nil
}

func (ts *taskStore) Update(_ context.Context, t *domain.Task) error {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	for i, existing := range ts.s.doc.Tasks {
		if existing.ID == t.ID {
			ts.s.doc.Tasks[i] = clone(t)
			return ts.s.saveState()
		}
	}
	return fmt.Errorf("task %s: %w", t.ID, taskflow.ErrNotFound)
}

func (ts *taskStore) Delete(_ context.Context, id string) error {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	for i, existing := range ts.s.doc.Tasks {
		if existing.ID == id {
			ts.s.doc.Tasks = append(ts.s.doc.Tasks[:i], ts.s.doc.Tasks[i+1:]...)
			return ts.s.saveState()
		}
	}
	return fmt.Errorf("task %s: %w", id, taskflow.ErrNotFound)
}

// --- sandboxes ---

type sandboxStore struct{ s *Store }

func (ss *sandboxStore) Create(_ context.Context, sb *domain.Sandbox) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	if _, ok := ss.s.sandboxes[sb.ID]; ok {
		return fmt.Errorf("sandbox %s already exists", sb.ID)
	}
	ss.s.sandboxes[sb.ID] = clone(sb)
	return ss.s.saveSandboxes()
}

func (ss *sandboxStore) Get(_ context.Context, id string) (*domain.Sandbox, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	sb, ok := ss.s.sandboxes[id]
	if !ok {
		return nil, fmt.Errorf("sandbox %s: %w", id, sandbox.ErrNotFound)
	}
	return clone(sb), nil
}

func (ss *sandboxStore) List(_ context.Context) ([]domain.Sandbox, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	out := make([]domain.Sandbox, 0, len(ss.s.sandboxes))
	for _, sb := range ss.s.sandboxes {
		out = append(out, *clone(sb))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (ss *sandboxStore) Update(_ context.Context, sb *domain.Sandbox) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	if _, ok := ss.s.sandboxes[sb.ID]; !ok {
		return fmt.Errorf("sandbox %s: %w", sb.ID, sandbox.ErrNotFound)
	}
	ss.s.sandboxes[sb.ID] = clone(sb)
	return ss.s.saveSandboxes()
}

func (ss *sandboxStore) Delete(_ context.Context, id string) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	delete(ss.s.sandboxes, id)
	return ss.s.saveSandboxes()
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
