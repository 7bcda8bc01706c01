package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/sandbox"
)

// SandboxRepository implements sandbox.SandboxStore with GORM.
type SandboxRepository struct {
	db *gorm.DB
}

// NewSandboxRepository creates a SandboxRepository.
func NewSandboxRepository(db *gorm.DB) *SandboxRepository {
	return &SandboxRepository{db: db}
}

// Create inserts a new sandbox.
func (r *SandboxRepository) Create(ctx context.Context, sb *domain.Sandbox) error {
	if err := r.db.WithContext(ctx).Create(toSandboxModel(sb)).Error; err != nil {
		return fmt.Errorf("creating sandbox %s: %w", sb.ID, err)
	}
	return nil
}

// Get retrieves a sandbox by ID.
func (r *SandboxRepository) Get(ctx context.Context, id string) (*domain.Sandbox, error) {
	var model SandboxModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("sandbox %s: %w", id, sandbox.ErrNotFound)
		}
		return nil, fmt.Errorf("getting sandbox %s: %w", id, err)
	}
	return toSandboxDomain(&model), nil
}

// List returns all sandboxes, oldest first.
func (r *SandboxRepository) List(ctx context.Context) ([]domain.Sandbox, error) {
	var models []SandboxModel
	if err := r.db.WithContext(ctx).Order("created_at").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing sandboxes: %w", err)
	}
	out := make([]domain.Sandbox, 0, len(models))
	for i := range models {
		out = append(out, *toSandboxDomain(&models[i]))
	}
	return out, nil
}

// Update fully replaces a sandbox record.
func (r *SandboxRepository) Update(ctx context.Context, sb *domain.Sandbox) error {
	result := r.db.WithContext(ctx).
		Model(&SandboxModel{}).
		Where("id = ?", sb.ID).
		Select("*").
		Omit("created_at").
		Updates(toSandboxModel(sb))
	if result.Error != nil {
		return fmt.Errorf("updating sandbox %s: %w", sb.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("sandbox %s: %w", sb.ID, sandbox.ErrNotFound)
	}
	return nil
}

// Delete removes a sandbox. Deleting a missing sandbox is not an error.
func (r *SandboxRepository) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Delete(&SandboxModel{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("deleting sandbox %s: %w", id, err)
	}
	return nil
}

func toSandboxModel(sb *domain.Sandbox) *SandboxModel {
	files, _ := json.Marshal(sb.Files)
	log, _ := json.Marshal(sb.Log)
	messages, _ := json.Marshal(sb.Messages)
	suggested, _ := json.Marshal(sb.SuggestedWorkers)
	return &SandboxModel{
		ID:               sb.ID,
		Title:            sb.Title,
		Status:           string(sb.Status),
		WorkerHost:       sb.WorkerHost,
		Port:             sb.Port,
		URL:              sb.URL,
		EntryPoint:       sb.EntryPoint,
		Verified:         sb.Verified,
		LastError:        sb.LastError,
		Files:            JSONB(files),
		Log:              JSONB(log),
		Messages:         JSONB(messages),
		SuggestedWorkers: JSONB(suggested),
		CreatedAt:        sb.CreatedAt,
		UpdatedAt:        sb.UpdatedAt,
	}
}

func toSandboxDomain(m *SandboxModel) *domain.Sandbox {
	var files map[string]string
	_ = json.Unmarshal(m.Files, &files)
	var log []domain.SandboxLogEntry
	_ = json.Unmarshal(m.Log, &log)
	var messages []domain.ChatMessage
	_ = json.Unmarshal(m.Messages, &messages)
	var suggested []domain.SuggestedWorker
	_ = json.Unmarshal(m.SuggestedWorkers, &suggested)
	if files == nil {
		files = map[string]string{}
	}
	return &domain.Sandbox{
		ID:               m.ID,
		Title:            m.Title,
		Status:           domain.SandboxStatus(m.Status),
		WorkerHost:       m.WorkerHost,
		Port:             m.Port,
		URL:              m.URL,
		EntryPoint:       m.EntryPoint,
		Verified:         m.Verified,
		LastError:        m.LastError,
		Files:            files,
		Log:              log,
		Messages:         messages,
		SuggestedWorkers: suggested,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}
