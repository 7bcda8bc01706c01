package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Each dependency check gets its own deadline so one hung dependency
// cannot consume the whole readiness budget.
const healthCheckTimeout = 3 * time.Second

// HealthChecker aggregates readiness from registered dependency checks.
// Liveness is unconditional; readiness degrades when any dependency fails.
type HealthChecker struct {
	mu     sync.RWMutex
	order  []string
	checks map[string]func(ctx context.Context) error
	logger *slog.Logger
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of a single dependency check.
type CheckResult struct {
	Status   string `json:"status"`            // "ok" or "fail"
	Message  string `json:"message,omitempty"` // Error message on failure.
	Duration string `json:"duration,omitempty"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{
		checks: map[string]func(ctx context.Context) error{},
		logger: logger,
	}
}

// AddCheck registers a named dependency check. Re-registering a name
// replaces the previous check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.checks[name]; !exists {
		h.order = append(h.order, name)
	}
	h.checks[name] = check
}

// CheckHealth reports liveness. The process answering is the whole signal.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs every registered check and reports "ok" only when all
// pass. Failures degrade the status but never error the endpoint; the
// caller decides what degraded means for routing.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	names := make([]string, len(h.order))
	copy(names, h.order)
	checks := make(map[string]func(ctx context.Context) error, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()

	if len(names) == 0 {
		return HealthStatus{Status: "ok"}
	}

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(names)),
	}
	for _, name := range names {
		status.Checks[name] = h.runCheck(ctx, name, checks[name])
		if status.Checks[name].Status != "ok" {
			status.Status = "degraded"
		}
	}
	return status
}

func (h *HealthChecker) runCheck(ctx context.Context, name string, check func(ctx context.Context) error) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	start := time.Now()
	err := check(checkCtx)
	elapsed := time.Since(start).Round(time.Millisecond)

	if err != nil {
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", name),
				slog.String("error", err.Error()),
			)
		}
		return CheckResult{Status: "fail", Message: err.Error(), Duration: elapsed.String()}
	}
	return CheckResult{Status: "ok", Duration: elapsed.String()}
}
