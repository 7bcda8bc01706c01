package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/taskflow"
)

// TaskRepository implements taskflow.TaskStore with GORM.
type TaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository creates a TaskRepository.
func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Create inserts a new task.
func (r *TaskRepository) Create(ctx context.Context, t *domain.Task) error {
	if err := r.db.WithContext(ctx).Create(toTaskModel(t)).Error; err != nil {
		return fmt.Errorf("creating task %s: %w", t.ID, err)
	}
	return nil
}

// Get retrieves a task by ID.
func (r *TaskRepository) Get(ctx context.Context, id string) (*domain.Task, error) {
	var model TaskModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("task %s: %w", id, taskflow.ErrNotFound)
		}
		return nil, fmt.Errorf("getting task %s: %w", id, err)
	}
	return toTaskDomain(&model), nil
}

// List returns all tasks, oldest first.
func (r *TaskRepository) List(ctx context.Context) ([]domain.Task, error) {
	var models []TaskModel
	if err := r.db.WithContext(ctx).Order("created_at").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return toTaskDomains(models), nil
}

// ListByParent returns the children of a task, oldest first.
func (r *TaskRepository) ListByParent(ctx context.Context, parentID string) ([]domain.Task, error) {
	var models []TaskModel
	if err := r.db.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Order("created_at").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing children of %s: %w", parentID, err)
	}
	return toTaskDomains(models), nil
}

// Update fully replaces a task record.
func (r *TaskRepository) Update(ctx context.Context, t *domain.Task) error {
	result := r.db.WithContext(ctx).
		Model(&TaskModel{}).
		Where("id = ?", t.ID).
		Select("*").
		Omit("created_at").
		Updates(toTaskModel(t))
	if result.Error != nil {
		return fmt.Errorf("updating task %s: %w", t.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("task %s: %w", t.ID, taskflow.ErrNotFound)
	}
	return nil
}

// Delete removes a task.
func (r *TaskRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&TaskModel{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting task %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("task %s: %w", id, taskflow.ErrNotFound)
	}
	return nil
}

func toTaskModel(t *domain.Task) *TaskModel {
	extra, _ := json.Marshal(t.Extra)
	transitions, _ := json.Marshal(t.Transitions)
	statusTimes, _ := json.Marshal(t.StatusTimes)
	return &TaskModel{
		ID:               t.ID,
		Title:            t.Title,
		Description:      t.Description,
		Kind:             t.Kind,
		Status:           string(t.Status),
		Extra:            JSONB(extra),
		ParentID:         t.ParentID,
		AssignedWorkerID: t.AssignedWorkerID,
		Role:             t.Role,
		ScriptPath:       t.ScriptPath,
		ArtifactDir:      t.ArtifactDir,
		WorkerLogPath:    t.WorkerLogPath,
		Transitions:      JSONB(transitions),
		StatusTimes:      JSONB(statusTimes),
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

func toTaskDomain(m *TaskModel) *domain.Task {
	var extra map[string]any
	_ = json.Unmarshal(m.Extra, &extra)
	var transitions []domain.Transition
	_ = json.Unmarshal(m.Transitions, &transitions)
	var statusTimes map[domain.TaskStatus]time.Time
	_ = json.Unmarshal(m.StatusTimes, &statusTimes)
	return &domain.Task{
		ID:               m.ID,
		Title:            m.Title,
		Description:      m.Description,
		Kind:             m.Kind,
		Status:           domain.TaskStatus(m.Status),
		Extra:            extra,
		ParentID:         m.ParentID,
		AssignedWorkerID: m.AssignedWorkerID,
		Role:             m.Role,
		ScriptPath:       m.ScriptPath,
		ArtifactDir:      m.ArtifactDir,
		WorkerLogPath:    m.WorkerLogPath,
		Transitions:      transitions,
		StatusTimes:      statusTimes,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func toTaskDomains(models []TaskModel) []domain.Task {
	out := make([]domain.Task, 0, len(models))
	for i := range models {
		out = append(out, *toTaskDomain(&models[i]))
	}
	return out
}
