package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Kazi.
// Uses a custom registry, no global state. The adapter methods at the bottom
// satisfy the engine-local Metrics interfaces so packages stay decoupled from
// Prometheus.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Task metrics.
	TasksCreatedTotal    *prometheus.CounterVec
	TaskTransitionsTotal *prometheus.CounterVec

	// Orchestrator metrics.
	TasksPlannedTotal    *prometheus.CounterVec
	PlanFailuresTotal    prometheus.Counter
	SubtasksCreatedTotal prometheus.Counter

	// Worker registry metrics.
	ActiveWorkers prometheus.Gauge

	// Sandbox metrics.
	SandboxesCreatedTotal prometheus.Counter
	SandboxDeploysTotal   *prometheus.CounterVec
	BuildToolCallsTotal   *prometheus.CounterVec

	// LLM metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		TasksCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "task",
			Name:      "created_total",
			Help:      "Total tasks created.",
		}, []string{"kind"}),

		TaskTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "task",
			Name:      "transitions_total",
			Help:      "Total task state transitions.",
		}, []string{"from", "to"}),

		TasksPlannedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "orchestrator",
			Name:      "tasks_planned_total",
			Help:      "Total tasks planned, labelled by plan source.",
		}, []string{"source"}),

		PlanFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "orchestrator",
			Name:      "plan_failures_total",
			Help:      "Tasks failed because no planner produced a plan.",
		}),

		SubtasksCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "orchestrator",
			Name:      "subtasks_created_total",
			Help:      "Total child tasks fanned out from plans.",
		}),

		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kazi",
			Subsystem: "registry",
			Name:      "active_workers",
			Help:      "Workers with a heartbeat inside the liveness window.",
		}),

		SandboxesCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "sandbox",
			Name:      "created_total",
			Help:      "Total sandboxes provisioned.",
		}),

		SandboxDeploysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "sandbox",
			Name:      "deploys_total",
			Help:      "Total sandbox deployments by outcome.",
		}, []string{"outcome"}),

		BuildToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "sandbox",
			Name:      "build_tool_calls_total",
			Help:      "Tool invocations made by the build loop.",
		}, []string{"tool"}),

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM API requests.",
		}, []string{"provider", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "LLM API request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed.",
		}, []string{"provider", "direction"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kazi",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.TasksCreatedTotal,
		m.TaskTransitionsTotal,
		m.TasksPlannedTotal,
		m.PlanFailuresTotal,
		m.SubtasksCreatedTotal,
		m.ActiveWorkers,
		m.SandboxesCreatedTotal,
		m.SandboxDeploysTotal,
		m.BuildToolCallsTotal,
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// --- Engine-local Metrics interface adapters ---

// TaskCreated implements taskflow.Metrics.
func (m *MetricsCollector) TaskCreated(kind string) {
	m.TasksCreatedTotal.WithLabelValues(kind).Inc()
}

// TaskTransition implements taskflow.Metrics.
func (m *MetricsCollector) TaskTransition(from, to string) {
	m.TaskTransitionsTotal.WithLabelValues(from, to).Inc()
}

// TaskPlanned implements orchestrator.Metrics.
func (m *MetricsCollector) TaskPlanned(source string) {
	m.TasksPlannedTotal.WithLabelValues(source).Inc()
}

// PlanFailed implements orchestrator.Metrics.
func (m *MetricsCollector) PlanFailed() {
	m.PlanFailuresTotal.Inc()
}

// SubtasksCreated implements orchestrator.Metrics.
func (m *MetricsCollector) SubtasksCreated(n int) {
	m.SubtasksCreatedTotal.Add(float64(n))
}

// SandboxCreated implements sandbox.Metrics.
func (m *MetricsCollector) SandboxCreated() {
	m.SandboxesCreatedTotal.Inc()
}

// SandboxDeployed implements sandbox.Metrics.
func (m *MetricsCollector) SandboxDeployed(verified bool) {
	outcome := "unverified"
	if verified {
		outcome = "verified"
	}
	m.SandboxDeploysTotal.WithLabelValues(outcome).Inc()
}

// SandboxDeployFailed implements sandbox.Metrics.
func (m *MetricsCollector) SandboxDeployFailed(reason string) {
	m.SandboxDeploysTotal.WithLabelValues("failed_" + reason).Inc()
}

// BuildToolCall implements sandbox.Metrics.
func (m *MetricsCollector) BuildToolCall(tool string) {
	m.BuildToolCallsTotal.WithLabelValues(tool).Inc()
}

// SetActiveWorkers implements janitor.Metrics.
func (m *MetricsCollector) SetActiveWorkers(n int) {
	m.ActiveWorkers.Set(float64(n))
}
