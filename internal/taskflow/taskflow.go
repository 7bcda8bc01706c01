// Package taskflow implements the task state machine: freeform transitions
// with an append-only history, per-status timestamps, and automatic parent
// resolution when child tasks reach a terminal state.
package taskflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/notifier"
)

var (
	// ErrNotFound is returned when a task ID is unknown.
	ErrNotFound = errors.New("task not found")
	// ErrTerminal is returned when a transition is requested on a task
	// that has already reached done, failed, or cancelled.
	ErrTerminal = errors.New("task is in a terminal state")
)

// TaskStore persists tasks. Implemented by all storage backends.
type TaskStore interface {
	Create(ctx context.Context, t *domain.Task) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	List(ctx context.Context) ([]domain.Task, error)
	ListByParent(ctx context.Context, parentID string) ([]domain.Task, error)
	Update(ctx context.Context, t *domain.Task) error
	Delete(ctx context.Context, id string) error
}

// Metrics is the subset of collector hooks the engine reports to.
// Nil-safe: a nil Metrics disables reporting.
type Metrics interface {
	TaskCreated(kind string)
	TaskTransition(from, to string)
}

// Engine is the task state machine service.
type Engine struct {
	store    TaskStore
	notifier notifier.Notifier
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a task engine. notifier may be a no-op sender.
func New(store TaskStore, n notifier.Notifier, metrics Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		notifier: n,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateInput is what callers supply to create a task.
type CreateInput struct {
	Title            string
	Description      string
	Kind             string
	Extra            map[string]any
	Status           domain.TaskStatus // Empty = queued (top-level default).
	ParentID         string
	AssignedWorkerID string
	Role             string
	ScriptPath       string
	ArtifactDir      string
	WorkerLogPath    string
}

// Create persists a new task. Top-level tasks start queued for the
// orchestrator to pick up; child tasks are created pending so workers can
// pull them directly.
func (e *Engine) Create(ctx context.Context, in CreateInput) (*domain.Task, error) {
	status := in.Status
	if status == "" {
		status = domain.TaskQueued
	}
	now := e.now().UTC()

	t := &domain.Task{
		ID:               domain.NewID(),
		Title:            in.Title,
		Description:      in.Description,
		Kind:             in.Kind,
		Status:           status,
		Extra:            in.Extra,
		ParentID:         in.ParentID,
		AssignedWorkerID: in.AssignedWorkerID,
		Role:             in.Role,
		ScriptPath:       in.ScriptPath,
		ArtifactDir:      in.ArtifactDir,
		WorkerLogPath:    in.WorkerLogPath,
		Transitions:      []domain.Transition{{To: status, At: now}},
		StatusTimes:      map[domain.TaskStatus]time.Time{status: now},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	if e.metrics != nil {
		e.metrics.TaskCreated(t.Kind)
	}
	e.logger.InfoContext(ctx, "task created",
		slog.String("task_id", t.ID),
		slog.String("kind", t.Kind),
		slog.String("status", string(status)),
		slog.String("parent_id", t.ParentID),
	)
	return t, nil
}

// Get returns a task by ID.
func (e *Engine) Get(ctx context.Context, id string) (*domain.Task, error) {
	return e.store.Get(ctx, id)
}

// List returns all tasks sorted by creation time.
func (e *Engine) List(ctx context.Context) ([]domain.Task, error) {
	tasks, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

// Children returns all child tasks of the given parent.
func (e *Engine) Children(ctx context.Context, parentID string) ([]domain.Task, error) {
	return e.store.ListByParent(ctx, parentID)
}

// SetState transitions a task to a new status, appending to its history and
// stamping the status entry time. Any non-empty status string is accepted so
// worker scripts can report freeform progress states. Terminal tasks reject
// further transitions.
//
// When a child task reaches done or failed, the parent is resolved:
// any failed child fails the parent immediately (fail-fast), and the parent
// completes only when every child is done. The just-updated child's new
// status is authoritative in the sibling scan, so resolution never acts on
// a stale read of the triggering task.
func (e *Engine) SetState(ctx context.Context, id string, to domain.TaskStatus, note string) (*domain.Task, error) {
	if to == "" {
		return nil, fmt.Errorf("target status is required")
	}

	t, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("task %s is %s: %w", id, t.Status, ErrTerminal)
	}

	now := e.now().UTC()
	t.Transitions = append(t.Transitions, domain.Transition{
		From: t.Status,
		To:   to,
		At:   now,
		Note: note,
	})
	from := t.Status
	t.Status = to
	if t.StatusTimes == nil {
		t.StatusTimes = make(map[domain.TaskStatus]time.Time)
	}
	t.StatusTimes[to] = now
	t.UpdatedAt = now

	if err := e.store.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("updating task %s: %w", id, err)
	}
	if e.metrics != nil {
		e.metrics.TaskTransition(string(from), string(to))
	}

	e.logger.InfoContext(ctx, "task transition",
		slog.String("task_id", id),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("note", note),
	)

	if t.ParentID != "" && to.Terminal() {
		if err := e.resolveParent(ctx, t, to); err != nil {
			e.logger.ErrorContext(ctx, "parent resolution failed",
				slog.String("task_id", id),
				slog.String("parent_id", t.ParentID),
				slog.String("error", err.Error()),
			)
		}
	}

	return t, nil
}

// resolveParent applies the fail-fast AND-join: the parent fails as soon as
// any child fails, and completes only when all children are done. The parent
// is left untouched while any sibling is still in flight.
func (e *Engine) resolveParent(ctx context.Context, child *domain.Task, childStatus domain.TaskStatus) error {
	parent, err := e.store.Get(ctx, child.ParentID)
	if err != nil {
		return err
	}
	if parent.Status.Terminal() {
		return nil
	}

	siblings, err := e.store.ListByParent(ctx, child.ParentID)
	if err != nil {
		return err
	}

	allDone := true
	anyFailed := false
	for _, s := range siblings {
		status := s.Status
		if s.ID == child.ID {
			status = childStatus
		}
		if status != domain.TaskDone {
			allDone = false
		}
		if status == domain.TaskFailed || status == domain.TaskCancelled {
			anyFailed = true
		}
	}

	switch {
	case anyFailed:
		note := fmt.Sprintf("subtask %s failed", child.ID)
		if _, err := e.SetState(ctx, parent.ID, domain.TaskFailed, note); err != nil {
			return err
		}
		e.notify(ctx, "Task failed",
			fmt.Sprintf("Task `%s` (%s) failed: %s", parent.ID, parent.Title, note))
	case allDone:
		note := fmt.Sprintf("all %d subtasks complete", len(siblings))
		if _, err := e.SetState(ctx, parent.ID, domain.TaskDone, note); err != nil {
			return err
		}
		e.notify(ctx, "Task complete",
			fmt.Sprintf("Task `%s` (%s) complete: %s", parent.ID, parent.Title, note))
	}
	return nil
}

// Fail marks a task failed with a human-readable note and sends a
// notification. Used by the orchestrator for plan and staging failures.
func (e *Engine) Fail(ctx context.Context, id, note string) error {
	t, err := e.SetState(ctx, id, domain.TaskFailed, note)
	if err != nil {
		return err
	}
	e.notify(ctx, "Task failed", fmt.Sprintf("Task `%s` (%s) failed: %s", t.ID, t.Title, note))
	return nil
}

// Claim hands the next pending task to a worker and marks it running.
// Tasks explicitly assigned to the worker take priority over unassigned
// pending tasks. Returns nil when nothing is pending.
func (e *Engine) Claim(ctx context.Context, workerID string) (*domain.Task, error) {
	tasks, err := e.List(ctx)
	if err != nil {
		return nil, err
	}

	var candidate *domain.Task
	for i := range tasks {
		t := &tasks[i]
		if t.Status != domain.TaskPending {
			continue
		}
		if t.AssignedWorkerID == workerID {
			candidate = t
			break
		}
		if t.AssignedWorkerID == "" && candidate == nil {
			candidate = t
		}
	}
	if candidate == nil {
		return nil, nil
	}

	candidate.AssignedWorkerID = workerID
	if err := e.store.Update(ctx, candidate); err != nil {
		return nil, fmt.Errorf("assigning task %s: %w", candidate.ID, err)
	}
	return e.SetState(ctx, candidate.ID, domain.TaskRunning, "claimed by "+workerID)
}

// SetArtifactDir records the artifact directory on a task so log retrieval
// can locate run.log after planning.
func (e *Engine) SetArtifactDir(ctx context.Context, id, dir string) error {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	t.ArtifactDir = dir
	t.UpdatedAt = e.now().UTC()
	return e.store.Update(ctx, t)
}

// PruneTerminal deletes terminal tasks whose last update is older than the
// retention window. Returns the number of deleted tasks.
func (e *Engine) PruneTerminal(ctx context.Context, retention time.Duration) (int, error) {
	tasks, err := e.store.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := e.now().UTC().Add(-retention)
	deleted := 0
	for _, t := range tasks {
		if t.Status.Terminal() && t.UpdatedAt.Before(cutoff) {
			if err := e.store.Delete(ctx, t.ID); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, nil
}

func (e *Engine) notify(ctx context.Context, subject, body string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, subject, body); err != nil {
		e.logger.WarnContext(ctx, "notification failed",
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
	}
}
