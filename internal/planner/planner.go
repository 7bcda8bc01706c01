// Package planner turns a queued task into a set of worker assignments.
// The primary planner asks an LLM to produce the plan; builtin plans cover
// known task kinds when the LLM is unreachable or returns garbage.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/llm"
)

var (
	// ErrUnavailable means the planning backend could not produce a plan
	// (network failure, missing credentials, unparseable output). Callers
	// fall back to builtin plans.
	ErrUnavailable = errors.New("planner unavailable")
	// ErrNoPlan means no planner, builtin or otherwise, covers this task.
	ErrNoPlan = errors.New("no plan available for task")
)

// Planner produces a plan for a queued task given the current worker fleet.
type Planner interface {
	Plan(ctx context.Context, task *domain.Task, workers []domain.Worker, artifactDir string) (*domain.Plan, error)
}

// LLMPlanner plans with an LLM provider.
type LLMPlanner struct {
	provider  llm.Provider
	masterURL string
	logger    *slog.Logger
}

// NewLLMPlanner creates an LLM-backed planner. masterURL is the externally
// reachable API base workers use to report state from their scripts.
func NewLLMPlanner(provider llm.Provider, masterURL string, logger *slog.Logger) *LLMPlanner {
	return &LLMPlanner{provider: provider, masterURL: masterURL, logger: logger}
}

// Plan asks the LLM for a complete plan. Every failure mode (transport,
// missing JSON, invalid plan) is surfaced as ErrUnavailable so the caller
// can degrade to builtin plans.
func (p *LLMPlanner) Plan(ctx context.Context, task *domain.Task, workers []domain.Worker, artifactDir string) (*domain.Plan, error) {
	if p.provider == nil {
		return nil, fmt.Errorf("no provider configured: %w", ErrUnavailable)
	}

	prompt := buildPlanPrompt(task, workers, artifactDir, p.masterURL)

	resp, err := p.provider.SendMessage(ctx, &llm.Request{
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens: 8192,
	})
	if err != nil {
		return nil, fmt.Errorf("llm request failed: %v: %w", err, ErrUnavailable)
	}

	plan, err := extractPlan(resp.Content)
	if err != nil {
		p.logger.WarnContext(ctx, "planner returned unparseable output",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%v: %w", err, ErrUnavailable)
	}
	if plan.ArtifactDir == "" {
		plan.ArtifactDir = artifactDir
	}

	p.logger.InfoContext(ctx, "plan produced",
		slog.String("task_id", task.ID),
		slog.String("summary", plan.Summary),
		slog.Int("assignments", len(plan.Assignments)),
	)
	return plan, nil
}

// extractPlan finds and decodes the JSON plan object in raw model output.
// Models sometimes wrap the JSON in prose or code fences; take the outermost
// brace pair.
func extractPlan(raw string) (*domain.Plan, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in planner output")
	}

	var plan domain.Plan
	if err := json.Unmarshal([]byte(raw[start:end+1]), &plan); err != nil {
		return nil, fmt.Errorf("parsing plan JSON: %w", err)
	}
	if len(plan.Assignments) == 0 {
		return nil, fmt.Errorf("plan has no worker assignments")
	}
	for i, a := range plan.Assignments {
		if a.WorkerID == "" {
			return nil, fmt.Errorf("assignment %d missing worker_id", i)
		}
		if strings.TrimSpace(a.Script) == "" {
			return nil, fmt.Errorf("assignment %d (%s) has an empty script", i, a.WorkerID)
		}
	}
	return &plan, nil
}

// Slugify reduces a title to a filesystem-safe slug used in artifact paths.
func Slugify(s string) string {
	if s == "" {
		s = "task"
	}
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= 30 {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
