package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/registry"
)

// WorkerRepository implements registry.WorkerStore with GORM.
type WorkerRepository struct {
	db *gorm.DB
}

// NewWorkerRepository creates a WorkerRepository.
func NewWorkerRepository(db *gorm.DB) *WorkerRepository {
	return &WorkerRepository{db: db}
}

// Upsert inserts or fully replaces a worker record keyed by ID.
func (r *WorkerRepository) Upsert(ctx context.Context, w *domain.Worker) error {
	model := toWorkerModel(w)
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(model).Error; err != nil {
		return fmt.Errorf("upserting worker %s: %w", w.ID, err)
	}
	return nil
}

// Get retrieves a worker by ID.
func (r *WorkerRepository) Get(ctx context.Context, id string) (*domain.Worker, error) {
	var model WorkerModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("worker %s: %w", id, registry.ErrNotFound)
		}
		return nil, fmt.Errorf("getting worker %s: %w", id, err)
	}
	return toWorkerDomain(&model), nil
}

// List returns all workers ordered by ID.
func (r *WorkerRepository) List(ctx context.Context) ([]domain.Worker, error) {
	var models []WorkerModel
	if err := r.db.WithContext(ctx).Order("id").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing workers: %w", err)
	}
	out := make([]domain.Worker, 0, len(models))
	for i := range models {
		out = append(out, *toWorkerDomain(&models[i]))
	}
	return out, nil
}

func toWorkerModel(w *domain.Worker) *WorkerModel {
	skills, _ := json.Marshal(w.Skills)
	meta, _ := json.Marshal(w.Meta)
	return &WorkerModel{
		ID:              w.ID,
		Host:            w.Host,
		SSHUser:         w.SSHUser,
		Status:          w.Status,
		CurrentTaskID:   w.CurrentTaskID,
		Skills:          JSONB(skills),
		Meta:            JSONB(meta),
		FirstSeenAt:     w.FirstSeenAt,
		LastHeartbeatAt: w.LastHeartbeatAt,
	}
}

func toWorkerDomain(m *WorkerModel) *domain.Worker {
	var skills []string
	_ = json.Unmarshal(m.Skills, &skills)
	var meta map[string]string
	_ = json.Unmarshal(m.Meta, &meta)
	return &domain.Worker{
		ID:              m.ID,
		Host:            m.Host,
		SSHUser:         m.SSHUser,
		Status:          m.Status,
		CurrentTaskID:   m.CurrentTaskID,
		Skills:          skills,
		Meta:            meta,
		FirstSeenAt:     m.FirstSeenAt,
		LastHeartbeatAt: m.LastHeartbeatAt,
	}
}
