package planner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/llm"
	"github.com/jkaninda/kazi/internal/registry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- extractPlan ---

func TestExtractPlan_PlainJSON(t *testing.T) {
	raw := `{"plan_summary":"s","worker_assignments":[{"worker_id":"w1","role":"renderer","script":"#!/bin/bash\necho hi"}]}`
	plan, err := extractPlan(raw)
	if err != nil {
		t.Fatalf("extractPlan: %v", err)
	}
	if plan.Summary != "s" || len(plan.Assignments) != 1 || plan.Assignments[0].WorkerID != "w1" {
		t.Errorf("plan = %+v", plan)
	}
}

func TestExtractPlan_WrappedInProse(t *testing.T) {
	raw := "Here is the plan:\n```json\n" +
		`{"plan_summary":"s","worker_assignments":[{"worker_id":"w1","script":"echo"}]}` +
		"\n```\nLet me know if you need changes."
	plan, err := extractPlan(raw)
	if err != nil {
		t.Fatalf("extractPlan: %v", err)
	}
	if len(plan.Assignments) != 1 {
		t.Errorf("assignments = %+v", plan.Assignments)
	}
}

func TestExtractPlan_NoJSON(t *testing.T) {
	if _, err := extractPlan("I cannot help with that."); err == nil {
		t.Fatal("expected error for prose-only output")
	}
}

func TestExtractPlan_NoAssignments(t *testing.T) {
	if _, err := extractPlan(`{"plan_summary":"empty"}`); err == nil {
		t.Fatal("expected error for plan without assignments")
	}
}

func TestExtractPlan_EmptyScript(t *testing.T) {
	raw := `{"worker_assignments":[{"worker_id":"w1","script":"  \n "}]}`
	if _, err := extractPlan(raw); err == nil {
		t.Fatal("expected error for blank script")
	}
}

// --- Slugify ---

func TestSlugify(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Launch video: 5 slides!", "launch-video-5-slides"},
		{"", "task"},
		{"---", ""},
		{"UPPER case", "upper-case"},
	}
	for _, tc := range cases {
		if got := Slugify(tc.in); got != tc.want {
			t.Errorf("Slugify(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSlugify_CapsLength(t *testing.T) {
	got := Slugify(strings.Repeat("abc def ", 20))
	if len(got) > 31 {
		t.Errorf("slug too long: %d chars (%q)", len(got), got)
	}
}

// --- Builtin planner ---

func TestBuiltin_SlideshowByKind(t *testing.T) {
	b := NewBuiltin("http://master:8080", nil, discardLogger())
	task := &domain.Task{
		ID:   "t1",
		Kind: "image_slideshow",
		Extra: map[string]any{
			"images":     []any{"/srv/a.png", "/srv/b.png"},
			"narrations": []any{"first", "second"},
		},
	}

	plan, err := b.Plan(context.Background(), task, []domain.Worker{{ID: "w1", Status: "active"}}, "/artifacts/t1")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Assignments) != 1 || plan.Assignments[0].WorkerID != "w1" {
		t.Fatalf("assignments = %+v", plan.Assignments)
	}
	script := plan.Assignments[0].Script
	for _, want := range []string{"ffmpeg", "elevenlabs", "report \"done\"", "http://master:8080/tasks/$TASK_ID/state"} {
		if !strings.Contains(strings.ToLower(script), strings.ToLower(want)) {
			t.Errorf("script missing %q", want)
		}
	}
}

func TestBuiltin_SlideshowByPayloadShape(t *testing.T) {
	b := NewBuiltin("http://master:8080", nil, discardLogger())
	task := &domain.Task{
		ID:   "t1",
		Kind: "video",
		Extra: map[string]any{
			"images":     []any{"/srv/a.png"},
			"narrations": []any{"hello"},
		},
	}
	if _, err := b.Plan(context.Background(), task, []domain.Worker{{ID: "w1"}}, "/artifacts/t1"); err != nil {
		t.Fatalf("Plan by payload shape: %v", err)
	}
}

func TestBuiltin_SlideshowTruncatesToShorterList(t *testing.T) {
	b := NewBuiltin("http://m", nil, discardLogger())
	task := &domain.Task{
		ID:   "t1",
		Kind: "image_slideshow",
		Extra: map[string]any{
			"images":     []any{"/a.png", "/b.png", "/c.png"},
			"narrations": []any{"one"},
		},
	}
	plan, err := b.Plan(context.Background(), task, []domain.Worker{{ID: "w1"}}, "/artifacts/t1")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if strings.Contains(plan.Assignments[0].Script, "img2.png") {
		t.Error("script references slide 2 despite single narration")
	}
}

func TestBuiltin_RenderRequiresHTMLSource(t *testing.T) {
	b := NewBuiltin("http://m", nil, discardLogger())

	task := &domain.Task{ID: "t1", Kind: "render"}
	if _, err := b.Plan(context.Background(), task, nil, "/a"); !errors.Is(err, ErrNoPlan) {
		t.Errorf("render without html_source: err = %v, want ErrNoPlan", err)
	}

	task.Extra = map[string]any{"html_source": "<html><body>hi</body></html>", "duration_s": float64(10)}
	plan, err := b.Plan(context.Background(), task, []domain.Worker{{ID: "w1"}}, "/a")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	script := plan.Assignments[0].Script
	if !strings.Contains(script, "puppeteer-core") || !strings.Contains(script, "const total = 300;") {
		t.Errorf("render script missing capture setup:\n%s", script)
	}
}

func TestBuiltin_UnknownKind(t *testing.T) {
	b := NewBuiltin("http://m", nil, discardLogger())
	task := &domain.Task{ID: "t1", Kind: "summarize_pdf"}
	if _, err := b.Plan(context.Background(), task, nil, "/a"); !errors.Is(err, ErrNoPlan) {
		t.Errorf("err = %v, want ErrNoPlan", err)
	}
}

// emptyWorkerStore is a fleet with no registered workers.
type emptyWorkerStore struct{}

func (emptyWorkerStore) Upsert(context.Context, *domain.Worker) error { return nil }
func (emptyWorkerStore) Get(context.Context, string) (*domain.Worker, error) {
	return nil, registry.ErrNotFound
}
func (emptyWorkerStore) List(context.Context) ([]domain.Worker, error) { return nil, nil }

func TestBuiltin_UsesConfiguredFallbackWorker(t *testing.T) {
	reg := registry.New(emptyWorkerStore{}, registry.Config{
		Fallback: domain.Worker{ID: "gpu-1", Host: "10.0.0.9"},
	}, discardLogger())
	b := NewBuiltin("http://m", reg, discardLogger())

	task := &domain.Task{
		ID:    "t1",
		Kind:  "image_slideshow",
		Extra: map[string]any{"images": []any{"/a.png"}, "narrations": []any{"one"}},
	}
	plan, err := b.Plan(context.Background(), task, nil, "/artifacts/t1")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Assignments[0].WorkerID != "gpu-1" {
		t.Errorf("worker = %q, want configured fallback gpu-1", plan.Assignments[0].WorkerID)
	}
}

func TestBuiltin_WorkerListSelection(t *testing.T) {
	b := NewBuiltin("http://m", nil, discardLogger())
	busy := domain.Worker{ID: "busy", Status: "busy"}
	free := domain.Worker{ID: "free", Status: "active"}

	if got, err := b.pickWorker(context.Background(), []domain.Worker{busy, free}); err != nil || got.ID != "free" {
		t.Errorf("picked %s (%v), want free", got.ID, err)
	}
	if got, err := b.pickWorker(context.Background(), []domain.Worker{busy}); err != nil || got.ID != "busy" {
		t.Errorf("picked %s (%v), want busy as last resort", got.ID, err)
	}
	if _, err := b.pickWorker(context.Background(), nil); err == nil {
		t.Error("expected error with no selector and no workers")
	}
}

// --- LLMPlanner ---

type fakeProvider struct {
	resp *llm.Response
	err  error
}

func (f *fakeProvider) SendMessage(context.Context, *llm.Request) (*llm.Response, error) {
	return f.resp, f.err
}
func (f *fakeProvider) Name() string { return "fake" }

func TestLLMPlanner_TransportErrorIsUnavailable(t *testing.T) {
	p := NewLLMPlanner(&fakeProvider{err: errors.New("connection refused")}, "http://m", discardLogger())
	_, err := p.Plan(context.Background(), &domain.Task{ID: "t1"}, nil, "/a")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestLLMPlanner_GarbageOutputIsUnavailable(t *testing.T) {
	p := NewLLMPlanner(&fakeProvider{resp: &llm.Response{Content: "no json here"}}, "http://m", discardLogger())
	_, err := p.Plan(context.Background(), &domain.Task{ID: "t1"}, nil, "/a")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestLLMPlanner_DefaultsArtifactDir(t *testing.T) {
	raw := `{"plan_summary":"s","worker_assignments":[{"worker_id":"w1","script":"echo"}]}`
	p := NewLLMPlanner(&fakeProvider{resp: &llm.Response{Content: raw}}, "http://m", discardLogger())
	plan, err := p.Plan(context.Background(), &domain.Task{ID: "t1"}, nil, "/artifacts/t1-x")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.ArtifactDir != "/artifacts/t1-x" {
		t.Errorf("artifact dir = %q", plan.ArtifactDir)
	}
}
