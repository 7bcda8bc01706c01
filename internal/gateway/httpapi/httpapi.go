// Package httpapi implements the HTTP API gateway for Kazi.
//
// The gateway exposes the worker registry, the task queue, and the sandbox
// provisioner as a JSON API. Requests are validated, logged, and measured;
// TLS is expected via a reverse proxy (not handled here).
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/registry"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/taskflow"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	MaxRequestSize int64 // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	tasks    *taskflow.Engine
	registry *registry.Registry
	manager  *sandbox.Manager
	builder  *sandbox.Builder
	logger   *slog.Logger
	server   *http.Server
	okapi    *okapi.Okapi
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, tasks *taskflow.Engine, reg *registry.Registry, mgr *sandbox.Manager, builder *sandbox.Builder, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:   cfg,
		tasks:    tasks,
		registry: reg,
		manager:  mgr,
		builder:  builder,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Kazi",
			Version: "v0.0.1",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Worker endpoints.
	g.okapi.Post("/workers/heartbeat", g.handleHeartbeat,
		okapi.DocSummary("Register or refresh a worker via heartbeat"),
		okapi.DocTags("Workers"),
		okapi.DocRequestBody(HeartbeatRequest{}),
		okapi.DocResponse(HeartbeatResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.okapi.Get("/workers", g.handleWorkerList,
		okapi.DocSummary("List all known workers with liveness"),
		okapi.DocTags("Workers"),
		okapi.DocResponse([]WorkerResponse{}),
	)

	// Task endpoints.
	g.okapi.Post("/tasks", g.handleTaskCreate,
		okapi.DocSummary("Enqueue a new task"),
		okapi.DocTags("Tasks"),
		okapi.DocRequestBody(TaskCreateRequest{}),
		okapi.DocResponse(http.StatusCreated, TaskResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.okapi.Get("/tasks", g.handleTaskList,
		okapi.DocSummary("List all tasks"),
		okapi.DocTags("Tasks"),
		okapi.DocResponse([]TaskResponse{}),
	)
	g.okapi.Get("/tasks/next/{workerId}", g.handleTaskClaim,
		okapi.DocSummary("Claim the next pending task for a worker"),
		okapi.DocTags("Tasks"),
		okapi.DocPathParam("workerId", "string", "Worker ID"),
		okapi.DocResponse(TaskResponse{}),
	)
	g.okapi.Get("/tasks/{id}", g.handleTaskGet,
		okapi.DocSummary("Get a task by ID"),
		okapi.DocTags("Tasks"),
		okapi.DocPathParam("id", "string", "Task ID"),
		okapi.DocResponse(TaskResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.okapi.Post("/tasks/{id}/state", g.handleTaskState,
		okapi.DocSummary("Transition a task to a new state"),
		okapi.DocTags("Tasks"),
		okapi.DocPathParam("id", "string", "Task ID"),
		okapi.DocRequestBody(TaskStateRequest{}),
		okapi.DocResponse(TaskResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.okapi.Get("/tasks/{id}/logs", g.handleTaskLogs,
		okapi.DocSummary("Tail the task's run log"),
		okapi.DocTags("Tasks"),
		okapi.DocPathParam("id", "string", "Task ID"),
		okapi.DocResponse(TaskLogsResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Sandbox endpoints.
	g.okapi.Post("/sandboxes", g.handleSandboxCreate,
		okapi.DocSummary("Provision a new sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocRequestBody(SandboxCreateRequest{}),
		okapi.DocResponse(http.StatusCreated, SandboxResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.okapi.Get("/sandboxes", g.handleSandboxList,
		okapi.DocSummary("List all sandboxes"),
		okapi.DocTags("Sandboxes"),
		okapi.DocResponse([]SandboxResponse{}),
	)
	g.okapi.Get("/sandboxes/{id}", g.handleSandboxGet,
		okapi.DocSummary("Get a sandbox by ID"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.okapi.Post("/sandboxes/{id}/deploy", g.handleSandboxDeploy,
		okapi.DocSummary("Deploy application files into a sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(SandboxDeployRequest{}),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.okapi.Post("/sandboxes/{id}/chat", g.handleSandboxChat,
		okapi.DocSummary("Send a build instruction to the sandbox agent"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(SandboxChatRequest{}),
		okapi.DocResponse(http.StatusAccepted, SandboxResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.okapi.Post("/sandboxes/{id}/scenario", g.handleSandboxScenario,
		okapi.DocSummary("Run a scenario script against a sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(ScenarioRequest{}),
		okapi.DocResponse(ScenarioResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.okapi.Delete("/sandboxes/{id}", g.handleSandboxDelete,
		okapi.DocSummary("Tear down and delete a sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(map[string]string{}),
	)

	// Observability endpoints.
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the JSON response for the health probes.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
