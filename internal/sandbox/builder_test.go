package sandbox

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/llm"
)

// scriptedProvider replays a fixed sequence of responses. Once the script is
// exhausted the last response repeats.
type scriptedProvider struct {
	mu        sync.Mutex
	calls     int
	responses []*llm.Response
	err       error
}

func (p *scriptedProvider) SendMessage(_ context.Context, _ *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	i := p.calls - 1
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	return p.responses[i], nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func toolUseResponse(name string, input map[string]any) *llm.Response {
	return &llm.Response{
		ContentBlocks: []llm.ContentBlock{llm.ToolUseBlock("tu-1", name, input)},
		StopReason:    "tool_use",
	}
}

func textResponse(text string) *llm.Response {
	return &llm.Response{
		Content:       text,
		ContentBlocks: []llm.ContentBlock{llm.TextBlock(text)},
		StopReason:    "end_turn",
	}
}

func newTestBuilder(store *memoryStore, exec *fakeRemote, provider llm.Provider) *Builder {
	m := newTestManager(store, exec)
	b := NewBuilder(provider, m, testLogger(), nil)
	b.settle = time.Millisecond
	return b
}

func TestBuilderStartRecordsMessage(t *testing.T) {
	store := newMemoryStore()
	seedSandbox(t, store, "sbx-1", PortRangeStart)
	b := newTestBuilder(store, &fakeRemote{}, &scriptedProvider{})

	sb, err := b.Start(context.Background(), "sbx-1", "build a todo app")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sb.Status != domain.SandboxBuilding {
		t.Errorf("status = %q, want building", sb.Status)
	}
	if len(sb.Messages) != 1 || sb.Messages[0].Content != "build a todo app" {
		t.Errorf("messages = %+v", sb.Messages)
	}
	if len(sb.Log) != 1 || sb.Log[0].Tool != "user" {
		t.Errorf("log = %+v", sb.Log)
	}
}

func TestBuilderIterationCap(t *testing.T) {
	store := newMemoryStore()
	seedSandbox(t, store, "sbx-1", PortRangeStart)
	provider := &scriptedProvider{responses: []*llm.Response{
		toolUseResponse(toolRunCommand, map[string]any{"command": "ls"}),
	}}
	b := newTestBuilder(store, &fakeRemote{}, provider)

	if _, err := b.Start(context.Background(), "sbx-1", "loop forever"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	b.Run(context.Background(), "sbx-1")

	if got := provider.callCount(); got != MaxBuildIterations {
		t.Errorf("provider calls = %d, want %d", got, MaxBuildIterations)
	}
	sb, _ := store.Get(context.Background(), "sbx-1")
	if sb.Status != domain.SandboxCreated {
		t.Errorf("status = %q, want created when no service was started", sb.Status)
	}
}

func TestBuilderWriteFile(t *testing.T) {
	store := newMemoryStore()
	seedSandbox(t, store, "sbx-1", PortRangeStart)
	exec := &fakeRemote{}
	provider := &scriptedProvider{responses: []*llm.Response{
		toolUseResponse(toolWriteFile, map[string]any{
			"path":    "public/index.html",
			"content": "<h1>todo</h1>",
		}),
		textResponse("wrote the page"),
	}}
	b := newTestBuilder(store, exec, provider)

	if _, err := b.Start(context.Background(), "sbx-1", "write the page"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	b.Run(context.Background(), "sbx-1")

	sb, _ := store.Get(context.Background(), "sbx-1")
	if sb.Files["public/index.html"] != "<h1>todo</h1>" {
		t.Errorf("files = %+v", sb.Files)
	}
	if _, ok := exec.pushes[Dir("sbx-1")+"/public/index.html"]; !ok {
		t.Error("file was not pushed to the worker")
	}
	last := sb.Messages[len(sb.Messages)-1]
	if last.Role != "assistant" || last.Content != "wrote the page" {
		t.Errorf("final message = %+v", last)
	}
}

func TestBuilderStartServiceSyntaxHint(t *testing.T) {
	store := newMemoryStore()
	seedSandbox(t, store, "sbx-1", PortRangeStart)
	exec := &fakeRemote{run: func(cmd string) (string, error) {
		if strings.Contains(cmd, "node --check") {
			return "SyntaxError: Invalid or unexpected token", nil
		}
		return "", nil
	}}
	provider := &scriptedProvider{responses: []*llm.Response{
		toolUseResponse(toolStartService, map[string]any{"entry_point": "server.js"}),
		textResponse("giving up"),
	}}
	b := newTestBuilder(store, exec, provider)

	if _, err := b.Start(context.Background(), "sbx-1", "start it"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	b.Run(context.Background(), "sbx-1")

	if exec.ran("nohup") {
		t.Error("service was started despite failing the syntax check")
	}
	sb, _ := store.Get(context.Background(), "sbx-1")
	var hint string
	for _, e := range sb.Log {
		if e.Tool == toolStartService {
			hint = e.Result
		}
	}
	if !strings.Contains(hint, "Syntax error") || !strings.Contains(hint, "HINT") {
		t.Errorf("tool result = %q, want syntax hint", hint)
	}
	if sb.Status != domain.SandboxCreated {
		t.Errorf("status = %q, want created", sb.Status)
	}
}

func TestBuilderStartServiceDeploys(t *testing.T) {
	store := newMemoryStore()
	seedSandbox(t, store, "sbx-1", PortRangeStart)
	exec := &fakeRemote{run: func(cmd string) (string, error) {
		switch {
		case strings.Contains(cmd, "node --check"):
			return "", nil
		case strings.Contains(cmd, "curl"):
			return "running", nil
		}
		return "", nil
	}}
	provider := &scriptedProvider{responses: []*llm.Response{
		toolUseResponse(toolStartService, map[string]any{"entry_point": "server.js"}),
		textResponse("the app is live"),
	}}
	b := newTestBuilder(store, exec, provider)

	if _, err := b.Start(context.Background(), "sbx-1", "ship it"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	b.Run(context.Background(), "sbx-1")

	sb, _ := store.Get(context.Background(), "sbx-1")
	if sb.Status != domain.SandboxDeployed {
		t.Errorf("status = %q, want deployed", sb.Status)
	}
	if !sb.Verified {
		t.Error("expected the probe to verify the started service")
	}
	if sb.EntryPoint != "server.js" {
		t.Errorf("entry_point = %q", sb.EntryPoint)
	}
}

func TestBuilderProposeFollowupWorkers(t *testing.T) {
	store := newMemoryStore()
	seedSandbox(t, store, "sbx-1", PortRangeStart)
	provider := &scriptedProvider{responses: []*llm.Response{
		toolUseResponse(toolProposeFollowup, map[string]any{
			"workers": []any{
				map[string]any{
					"id":          "qa-1",
					"role":        "qa",
					"description": "exercise the checkout flow",
					"scenarios": []any{
						map[string]any{
							"name":   "smoke",
							"script": "curl -s localhost:8100/",
						},
					},
				},
			},
		}),
		textResponse("proposed a tester"),
	}}
	b := newTestBuilder(store, &fakeRemote{}, provider)

	if _, err := b.Start(context.Background(), "sbx-1", "suggest testers"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	b.Run(context.Background(), "sbx-1")

	sb, _ := store.Get(context.Background(), "sbx-1")
	if len(sb.SuggestedWorkers) != 1 {
		t.Fatalf("suggested workers = %d, want 1", len(sb.SuggestedWorkers))
	}
	w := sb.SuggestedWorkers[0]
	if w.Role != "qa" || len(w.Scenarios) != 1 || w.Scenarios[0].Name != "smoke" {
		t.Errorf("worker = %+v", w)
	}
}

func TestBuilderProviderErrorEndsSession(t *testing.T) {
	store := newMemoryStore()
	seedSandbox(t, store, "sbx-1", PortRangeStart)
	provider := &scriptedProvider{err: context.DeadlineExceeded}
	b := newTestBuilder(store, &fakeRemote{}, provider)

	if _, err := b.Start(context.Background(), "sbx-1", "build"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	b.Run(context.Background(), "sbx-1")

	if got := provider.callCount(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
	sb, _ := store.Get(context.Background(), "sbx-1")
	if sb.Status != domain.SandboxCreated {
		t.Errorf("status = %q, want created", sb.Status)
	}
	var logged bool
	for _, e := range sb.Log {
		if e.Tool == "error" && strings.Contains(e.Result, "LLM error") {
			logged = true
		}
	}
	if !logged {
		t.Error("provider failure was not logged on the sandbox")
	}
}
