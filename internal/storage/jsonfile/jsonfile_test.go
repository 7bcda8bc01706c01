package jsonfile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/taskflow"
)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestOpenRequiresDir(t *testing.T) {
	if _, err := Open("", slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error for empty dir")
	}
}

func TestPingReportsMissingDir(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("removing state dir: %v", err)
	}
	if err := s.Ping(context.Background()); err == nil {
		t.Fatal("expected error after state directory vanished")
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s := openTestStore(t, dir)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := &domain.Worker{ID: "w1", Host: "10.0.0.5", Status: "active", LastHeartbeatAt: now}
	if err := s.Workers().Upsert(ctx, w); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	task := &domain.Task{ID: "t1", Title: "render", Status: domain.TaskQueued, CreatedAt: now}
	if err := s.Tasks().Create(ctx, task); err != nil {
		t.Fatalf("Create task: %v", err)
	}
	sb := &domain.Sandbox{ID: "sbx-1", Title: "demo", Status: domain.SandboxCreated,
		Port: 8100, Files: map[string]string{"server.js": "x"}, CreatedAt: now}
	if err := s.Sandboxes().Create(ctx, sb); err != nil {
		t.Fatalf("Create sandbox: %v", err)
	}

	reopened := openTestStore(t, dir)

	gotW, err := reopened.Workers().Get(ctx, "w1")
	if err != nil {
		t.Fatalf("Get worker: %v", err)
	}
	if gotW.Host != "10.0.0.5" || !gotW.LastHeartbeatAt.Equal(now) {
		t.Errorf("worker = %+v", gotW)
	}
	gotT, err := reopened.Tasks().Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get task: %v", err)
	}
	if gotT.Title != "render" || gotT.Status != domain.TaskQueued {
		t.Errorf("task = %+v", gotT)
	}
	gotSB, err := reopened.Sandboxes().Get(ctx, "sbx-1")
	if err != nil {
		t.Fatalf("Get sandbox: %v", err)
	}
	if gotSB.Port != 8100 || gotSB.Files["server.js"] != "x" {
		t.Errorf("sandbox = %+v", gotSB)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s := openTestStore(t, dir)

	if err := s.Sandboxes().Create(ctx, &domain.Sandbox{
		ID: "sbx-1", Files: map[string]string{"a.js": "original"},
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, _ := s.Sandboxes().Get(ctx, "sbx-1")
	got.Files["a.js"] = "mutated"

	again, _ := s.Sandboxes().Get(ctx, "sbx-1")
	if again.Files["a.js"] != "original" {
		t.Error("caller mutation leaked into the store")
	}
}

func TestTaskNotFound(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	ctx := context.Background()

	if _, err := s.Tasks().Get(ctx, "missing"); !errors.Is(err, taskflow.ErrNotFound) {
		t.Errorf("Get err = %v, want taskflow.ErrNotFound", err)
	}
	if err := s.Tasks().Update(ctx, &domain.Task{ID: "missing"}); !errors.Is(err, taskflow.ErrNotFound) {
		t.Errorf("Update err = %v, want taskflow.ErrNotFound", err)
	}
	if _, err := s.Sandboxes().Get(ctx, "missing"); !errors.Is(err, sandbox.ErrNotFound) {
		t.Errorf("sandbox Get err = %v, want sandbox.ErrNotFound", err)
	}
}

func TestCreateDuplicateTask(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	ctx := context.Background()

	if err := s.Tasks().Create(ctx, &domain.Task{ID: "t1"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Tasks().Create(ctx, &domain.Task{ID: "t1"}); err == nil {
		t.Fatal("expected duplicate create to fail")
	}
}

func TestDeleteTask(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		if err := s.Tasks().Create(ctx, &domain.Task{ID: id}); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	if err := s.Tasks().Delete(ctx, "t2"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	all, _ := s.Tasks().List(ctx)
	if len(all) != 2 {
		t.Fatalf("tasks = %d, want 2", len(all))
	}
	for _, tk := range all {
		if tk.ID == "t2" {
			t.Error("deleted task still listed")
		}
	}
}

func TestListByParent(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	ctx := context.Background()

	_ = s.Tasks().Create(ctx, &domain.Task{ID: "p"})
	_ = s.Tasks().Create(ctx, &domain.Task{ID: "c1", ParentID: "p"})
	_ = s.Tasks().Create(ctx, &domain.Task{ID: "c2", ParentID: "p"})
	_ = s.Tasks().Create(ctx, &domain.Task{ID: "other", ParentID: "q"})

	children, err := s.Tasks().ListByParent(ctx, "p")
	if err != nil {
		t.Fatalf("ListByParent: %v", err)
	}
	if len(children) != 2 {
		t.Errorf("children = %d, want 2", len(children))
	}
}

func TestCorruptStateFileFailsOpen(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "state.json"), []byte("{not json"), 0640); err != nil {
		t.Fatalf("seeding corrupt file: %v", err)
	}
	if _, err := Open(dir, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error for corrupt state file")
	}
}
