// Package orchestrator watches for queued top-level tasks, plans them into
// per-worker bash scripts, and fans the plan out as child tasks. Planning is
// delegated to the configured planner (normally LLM-backed) with a builtin
// fallback for known task kinds.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/notifier"
	"github.com/jkaninda/kazi/internal/planner"
	"github.com/jkaninda/kazi/internal/registry"
	"github.com/jkaninda/kazi/internal/taskflow"
)

// DefaultPollInterval is how often the engine scans for queued tasks.
const DefaultPollInterval = 5 * time.Second

// Metrics receives orchestration events. A nil Metrics disables
// instrumentation.
type Metrics interface {
	TaskPlanned(planSource string)
	PlanFailed()
	SubtasksCreated(n int)
}

// Config configures the orchestration engine.
type Config struct {
	PollInterval time.Duration // Zero = DefaultPollInterval.
	ArtifactBase string        // Root directory for per-task artifact dirs.
}

// Engine is the orchestration loop. One engine runs per process; claimed
// tasks are moved to planning before any slow work starts, so a crashed
// engine never double-plans on restart.
type Engine struct {
	tasks    *taskflow.Engine
	registry *registry.Registry
	primary  planner.Planner
	fallback planner.Planner
	notifier notifier.Notifier
	logger   *slog.Logger
	metrics  Metrics

	interval     time.Duration
	artifactBase string

	// seen short-circuits tasks already picked up this run. The persisted
	// planning status is the real guard; this only avoids re-reading them
	// every tick.
	seen map[string]bool
}

// New creates an orchestration engine.
func New(
	tasks *taskflow.Engine,
	reg *registry.Registry,
	primary, fallback planner.Planner,
	n notifier.Notifier,
	cfg Config,
	logger *slog.Logger,
	metrics Metrics,
) *Engine {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if n == nil {
		n = &notifier.Noop{}
	}
	return &Engine{
		tasks:        tasks,
		registry:     reg,
		primary:      primary,
		fallback:     fallback,
		notifier:     n,
		logger:       logger,
		metrics:      metrics,
		interval:     interval,
		artifactBase: cfg.ArtifactBase,
		seen:         map[string]bool{},
	}
}

// Run polls until the context is cancelled. One pass runs immediately so a
// queued task never waits a full interval after startup.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("orchestrator started", slog.Duration("poll_interval", e.interval))
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("orchestrator stopped")
			return
		case <-ticker.C:
			e.runOnce(ctx)
		}
	}
}

// runOnce scans for queued top-level tasks and orchestrates each.
func (e *Engine) runOnce(ctx context.Context) {
	all, err := e.tasks.List(ctx)
	if err != nil {
		e.logger.Error("listing tasks failed", slog.String("error", err.Error()))
		return
	}

	for i := range all {
		t := &all[i]
		if t.Status != domain.TaskQueued || t.ParentID != "" || e.seen[t.ID] {
			continue
		}
		e.seen[t.ID] = true
		if err := e.orchestrate(ctx, t); err != nil {
			e.logger.Error("orchestration failed",
				slog.String("task", t.ID), slog.String("error", err.Error()))
			// Fail notifies on its own; no second notification here.
			_ = e.tasks.Fail(ctx, t.ID, "Orchestration error: "+err.Error())
		}
	}
}

// orchestrate plans one task and creates its child tasks.
func (e *Engine) orchestrate(ctx context.Context, t *domain.Task) error {
	label := t.Title
	if label == "" {
		label = t.Description
	}
	if label == "" {
		label = t.ID
	}
	e.logger.Info("task picked up", slog.String("task", t.ID), slog.String("title", label))

	if _, err := e.tasks.SetState(ctx, t.ID, domain.TaskPlanning, "analyzing task"); err != nil {
		return err
	}
	e.notify(ctx, "New task", fmt.Sprintf("%s\nID: %s\nPlanning...", label, t.ID))

	workers, err := e.registry.Active(ctx)
	if err != nil {
		return fmt.Errorf("listing workers: %w", err)
	}

	artifactDir := filepath.Join(e.artifactBase, t.ID+"-"+planner.Slugify(label))
	plan, source, err := e.plan(ctx, t, workers, artifactDir)
	if err != nil {
		if e.metrics != nil {
			e.metrics.PlanFailed()
		}
		return fmt.Errorf("no plan available: %w", err)
	}
	if e.metrics != nil {
		e.metrics.TaskPlanned(source)
	}

	aDir := strings.TrimSuffix(plan.ArtifactDir, "/")
	if aDir == "" {
		aDir = artifactDir
	}
	if err := os.MkdirAll(aDir, 0750); err != nil {
		return fmt.Errorf("creating artifact dir: %w", err)
	}
	if err := e.tasks.SetArtifactDir(ctx, t.ID, aDir); err != nil {
		return err
	}
	if _, err := e.tasks.SetState(ctx, t.ID, domain.TaskAssigning, plan.Summary); err != nil {
		return err
	}
	e.notify(ctx, "Plan", plan.NotifyMessage)

	created := 0
	for _, asgn := range plan.Assignments {
		if err := e.createSubtask(ctx, t, label, aDir, asgn); err != nil {
			return fmt.Errorf("creating subtask for %s: %w", asgn.WorkerID, err)
		}
		created++
	}
	if e.metrics != nil {
		e.metrics.SubtasksCreated(created)
	}
	e.logger.Info("plan fanned out",
		slog.String("task", t.ID),
		slog.String("source", source),
		slog.Int("subtasks", created))
	return nil
}

// plan asks the primary planner first, falling back to the builtin planner
// when it is unavailable. The returned string names the plan source.
func (e *Engine) plan(ctx context.Context, t *domain.Task, workers []domain.Worker, artifactDir string) (*domain.Plan, string, error) {
	if e.primary != nil {
		plan, err := e.primary.Plan(ctx, t, workers, artifactDir)
		if err == nil {
			return plan, "llm", nil
		}
		e.logger.Warn("primary planner unavailable, trying builtin",
			slog.String("task", t.ID), slog.String("error", err.Error()))
	}
	if e.fallback == nil {
		return nil, "", planner.ErrNoPlan
	}
	plan, err := e.fallback.Plan(ctx, t, workers, artifactDir)
	if err != nil {
		return nil, "", err
	}
	return plan, "builtin", nil
}

// createSubtask writes the assignment's script (with the log tee injected)
// and creates the pending child task bound to the assigned worker.
func (e *Engine) createSubtask(ctx context.Context, parent *domain.Task, label, artifactDir string, asgn domain.WorkerAssignment) error {
	scriptPath := filepath.Join(artifactDir, "worker-"+asgn.WorkerID+".sh")
	workerLog := filepath.Join(artifactDir, "run-"+asgn.WorkerID+".log")

	script := injectLogTee(asgn.Script, artifactDir, workerLog, asgn.WorkerID, asgn.Role)
	if err := os.WriteFile(scriptPath, []byte(script), 0755); err != nil {
		return fmt.Errorf("writing script: %w", err)
	}
	e.logger.Info("worker script written",
		slog.String("script", scriptPath), slog.String("log", workerLog))

	kind := parent.Kind
	if kind == "" {
		kind = "script"
	}
	_, err := e.tasks.Create(ctx, taskflow.CreateInput{
		Title:            fmt.Sprintf("%s [%s]", label, asgn.Role),
		Description:      asgn.Role,
		Kind:             kind,
		Status:           domain.TaskPending,
		ParentID:         parent.ID,
		AssignedWorkerID: asgn.WorkerID,
		Role:             asgn.Role,
		ScriptPath:       scriptPath,
		ArtifactDir:      artifactDir,
		WorkerLogPath:    workerLog,
	})
	return err
}

// execTeeRe matches log redirections the planner may have emitted itself;
// they are stripped so the injected one wins.
var execTeeRe = regexp.MustCompile(`exec\s*>\s*>\(tee[^\n]*\)\s*2>&1\n?`)

// injectLogTee inserts the per-worker log redirection right after "set -e"
// (or after the shebang when the script has no set -e), so everything the
// script prints lands in the worker's log file.
func injectLogTee(script, artifactDir, workerLog, workerID, role string) string {
	script = execTeeRe.ReplaceAllString(script, "")

	inject := fmt.Sprintf("\nmkdir -p %q\nexec > >(tee -a %q) 2>&1\necho \"[$(date -u +%%H:%%M:%%S)] Worker %s starting role: %s\"\n",
		artifactDir, workerLog, workerID, role)

	if idx := strings.Index(script, "set -e"); idx >= 0 {
		at := idx + len("set -e")
		return script[:at] + inject + script[at:]
	}
	if idx := strings.Index(script, "\n"); idx >= 0 {
		return script[:idx+1] + inject + script[idx+1:]
	}
	return script + inject
}

func (e *Engine) notify(ctx context.Context, subject, body string) {
	if err := e.notifier.Notify(ctx, subject, body); err != nil {
		e.logger.Warn("notification failed", slog.String("error", err.Error()))
	}
}
