package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/llm"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestTracerOrNil_Nil(t *testing.T) {
	var obs *Observability
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m == nil {
		t.Fatal("expected non-nil MetricsCollector")
	}
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// Initialize some metrics so they appear in Gather (CounterVec only appears after first use).
	m.LLMRequestsTotal.WithLabelValues("test", "success").Inc()
	m.TasksCreatedTotal.WithLabelValues("script").Inc()
	m.SandboxDeploysTotal.WithLabelValues("verified").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"kazi_llm_requests_total",
		"kazi_task_created_total",
		"kazi_sandbox_deploys_total",
		"kazi_http_requests_total",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_InterfaceAdapters(t *testing.T) {
	m := NewMetricsCollector()

	m.TaskCreated("render")
	m.TaskCreated("render")
	m.TaskTransition("queued", "planning")
	m.TaskPlanned("builtin")
	m.SubtasksCreated(3)
	m.SandboxDeployed(true)
	m.SandboxDeployFailed("syntax")
	m.BuildToolCall("write_file")

	if got := counterValue(t, m.Registry, "kazi_task_created_total", prometheus.Labels{"kind": "render"}); got != 2 {
		t.Errorf("task created counter = %v, want 2", got)
	}
	if got := counterValue(t, m.Registry, "kazi_task_transitions_total", prometheus.Labels{"from": "queued", "to": "planning"}); got != 1 {
		t.Errorf("transition counter = %v, want 1", got)
	}
	if got := counterValue(t, m.Registry, "kazi_orchestrator_subtasks_created_total", nil); got != 3 {
		t.Errorf("subtasks counter = %v, want 3", got)
	}
	if got := counterValue(t, m.Registry, "kazi_sandbox_deploys_total", prometheus.Labels{"outcome": "failed_syntax"}); got != 1 {
		t.Errorf("deploy failure counter = %v, want 1", got)
	}
}

// --- InstrumentedProvider ---

type fakeProvider struct {
	resp *llm.Response
	err  error
}

func (f *fakeProvider) SendMessage(_ context.Context, _ *llm.Request) (*llm.Response, error) {
	return f.resp, f.err
}

func (f *fakeProvider) Name() string { return "test" }

func TestInstrumentedProvider_Success(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &fakeProvider{resp: &llm.Response{
		Content: "hello",
		Usage:   llm.Usage{InputTokens: 10, OutputTokens: 5},
	}}

	p := NewInstrumentedProvider(inner, metrics, nil, nil)
	resp, err := p.SendMessage(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("content = %q, want %q", resp.Content, "hello")
	}

	val := counterValue(t, metrics.Registry, "kazi_llm_requests_total", prometheus.Labels{"provider": "test", "status": "success"})
	if val != 1 {
		t.Errorf("success counter = %v, want 1", val)
	}
	tokens := counterValue(t, metrics.Registry, "kazi_llm_tokens_used_total", prometheus.Labels{"provider": "test", "direction": "input"})
	if tokens != 10 {
		t.Errorf("input tokens = %v, want 10", tokens)
	}
}

func TestInstrumentedProvider_Error(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &fakeProvider{err: errors.New("boom")}

	p := NewInstrumentedProvider(inner, metrics, nil, nil)
	if _, err := p.SendMessage(context.Background(), &llm.Request{}); err == nil {
		t.Fatal("expected error")
	}

	val := counterValue(t, metrics.Registry, "kazi_llm_requests_total", prometheus.Labels{"provider": "test", "status": "error"})
	if val != 1 {
		t.Errorf("error counter = %v, want 1", val)
	}
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if got := h.CheckHealth().Status; got != "ok" {
		t.Errorf("health status = %q, want ok", got)
	}
	if got := h.CheckReady(context.Background()).Status; got != "ok" {
		t.Errorf("ready status = %q, want ok", got)
	}
}

func TestHealthChecker_FailingCheck(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("db", func(_ context.Context) error { return nil })
	h.AddCheck("worker", func(_ context.Context) error { return errors.New("unreachable") })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("ready status = %q, want degraded", status.Status)
	}
	if status.Checks["db"].Status != "ok" {
		t.Errorf("db check = %q, want ok", status.Checks["db"].Status)
	}
	if status.Checks["worker"].Status != "fail" {
		t.Errorf("worker check = %q, want fail", status.Checks["worker"].Status)
	}
	if status.Checks["worker"].Message != "unreachable" {
		t.Errorf("worker message = %q", status.Checks["worker"].Message)
	}
}

func TestHealthChecker_ReregisterReplacesCheck(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("database", func(_ context.Context) error { return errors.New("down") })
	h.AddCheck("database", func(_ context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("ready status = %q, want ok", status.Status)
	}
	if len(status.Checks) != 1 {
		t.Errorf("checks = %d, want 1", len(status.Checks))
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest("POST", "/tasks", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
	val := counterValue(t, metrics.Registry, "kazi_http_requests_total",
		prometheus.Labels{"method": "POST", "path": "/tasks", "status_code": "201"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	// Should not panic with nil metrics.
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

// --- helpers ---

// counterValue gathers the registry and returns the value of the counter
// with the given name and labels, or 0 when absent.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want prometheus.Labels) bool {
	got := make(map[string]string, len(pairs))
	for _, p := range pairs {
		got[p.GetName()] = p.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}
