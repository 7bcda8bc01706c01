package registry

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
)

type memoryStore struct {
	workers map[string]*domain.Worker
}

func newMemoryStore() *memoryStore {
	return &memoryStore{workers: make(map[string]*domain.Worker)}
}

func (m *memoryStore) Upsert(_ context.Context, w *domain.Worker) error {
	cp := *w
	m.workers[w.ID] = &cp
	return nil
}

func (m *memoryStore) Get(_ context.Context, id string) (*domain.Worker, error) {
	w, ok := m.workers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *memoryStore) List(_ context.Context) ([]domain.Worker, error) {
	out := make([]domain.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, *w)
	}
	return out, nil
}

func newTestRegistry(cfg Config) (*Registry, *memoryStore) {
	store := newMemoryStore()
	reg := New(store, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return reg, store
}

func TestHeartbeat_RegistersNewWorker(t *testing.T) {
	reg, store := newTestRegistry(Config{})
	ctx := context.Background()

	w := &domain.Worker{ID: "worker-1", Host: "10.0.0.5", Status: "active"}
	if err := reg.Heartbeat(ctx, w); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	got := store.workers["worker-1"]
	if got == nil {
		t.Fatal("worker not persisted")
	}
	if got.FirstSeenAt.IsZero() || got.LastHeartbeatAt.IsZero() {
		t.Errorf("timestamps not stamped: %+v", got)
	}
	if got.FirstSeenAt != got.LastHeartbeatAt {
		t.Errorf("first heartbeat: first_seen %v != last_heartbeat %v", got.FirstSeenAt, got.LastHeartbeatAt)
	}
}

func TestHeartbeat_IdempotentPreservesFirstSeen(t *testing.T) {
	reg, store := newTestRegistry(Config{})
	ctx := context.Background()

	first := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return first }
	if err := reg.Heartbeat(ctx, &domain.Worker{ID: "worker-1", Host: "10.0.0.5"}); err != nil {
		t.Fatalf("first heartbeat: %v", err)
	}

	later := first.Add(45 * time.Second)
	reg.now = func() time.Time { return later }
	if err := reg.Heartbeat(ctx, &domain.Worker{ID: "worker-1", Host: "10.0.0.5", Status: "busy"}); err != nil {
		t.Fatalf("second heartbeat: %v", err)
	}

	got := store.workers["worker-1"]
	if !got.FirstSeenAt.Equal(first) {
		t.Errorf("first_seen = %v, want preserved %v", got.FirstSeenAt, first)
	}
	if !got.LastHeartbeatAt.Equal(later) {
		t.Errorf("last_heartbeat = %v, want %v", got.LastHeartbeatAt, later)
	}
	if got.Status != "busy" {
		t.Errorf("status = %s, want replaced with busy", got.Status)
	}
}

func TestActive_WindowExcludesStale(t *testing.T) {
	reg, _ := newTestRegistry(Config{})
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return base }
	reg.Heartbeat(ctx, &domain.Worker{ID: "stale", Host: "10.0.0.1"})

	reg.now = func() time.Time { return base.Add(60 * time.Second) }
	reg.Heartbeat(ctx, &domain.Worker{ID: "live", Host: "10.0.0.2"})

	// 121s after the stale worker's beat: outside the 120s window.
	reg.now = func() time.Time { return base.Add(121 * time.Second) }
	active, err := reg.Active(ctx)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(active) != 1 || active[0].ID != "live" {
		t.Errorf("active = %v, want only live", active)
	}
}

func TestActive_WindowBoundaryExclusive(t *testing.T) {
	reg, _ := newTestRegistry(Config{})
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return base }
	reg.Heartbeat(ctx, &domain.Worker{ID: "edge", Host: "10.0.0.1"})

	// Exactly at the window boundary the worker is no longer active.
	reg.now = func() time.Time { return base.Add(DefaultLivenessWindow) }
	active, err := reg.Active(ctx)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("active = %v, want empty at exact boundary", active)
	}
}

func TestNextAvailable_PrefersActiveStatus(t *testing.T) {
	reg, _ := newTestRegistry(Config{})
	ctx := context.Background()

	reg.Heartbeat(ctx, &domain.Worker{ID: "a-busy", Host: "10.0.0.1", Status: "busy"})
	reg.Heartbeat(ctx, &domain.Worker{ID: "b-free", Host: "10.0.0.2", Status: "active"})

	w, err := reg.NextAvailable(ctx)
	if err != nil {
		t.Fatalf("NextAvailable: %v", err)
	}
	if w.ID != "b-free" {
		t.Errorf("picked %s, want b-free", w.ID)
	}
}

func TestNextAvailable_AnyActiveBeatsFallback(t *testing.T) {
	reg, _ := newTestRegistry(Config{Fallback: domain.Worker{ID: "fallback", Host: "10.0.0.9"}})
	ctx := context.Background()

	reg.Heartbeat(ctx, &domain.Worker{ID: "only-busy", Host: "10.0.0.1", Status: "busy"})

	w, err := reg.NextAvailable(ctx)
	if err != nil {
		t.Fatalf("NextAvailable: %v", err)
	}
	if w.ID != "only-busy" {
		t.Errorf("picked %s, want only-busy over fallback", w.ID)
	}
}

func TestNextAvailable_FallbackWhenSilent(t *testing.T) {
	reg, _ := newTestRegistry(Config{Fallback: domain.Worker{ID: "fallback", Host: "10.0.0.9"}})

	w, err := reg.NextAvailable(context.Background())
	if err != nil {
		t.Fatalf("NextAvailable: %v", err)
	}
	if w.ID != "fallback" || w.Host != "10.0.0.9" {
		t.Errorf("picked %+v, want fallback", w)
	}
}

func TestList_SortedByID(t *testing.T) {
	reg, _ := newTestRegistry(Config{})
	ctx := context.Background()

	reg.Heartbeat(ctx, &domain.Worker{ID: "zeta", Host: "h"})
	reg.Heartbeat(ctx, &domain.Worker{ID: "alpha", Host: "h"})

	workers, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(workers) != 2 || workers[0].ID != "alpha" || workers[1].ID != "zeta" {
		t.Errorf("list order = %v", workers)
	}
}
