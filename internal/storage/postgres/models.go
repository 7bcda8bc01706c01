package postgres

import (
	"encoding/json"
	"time"
)

// JSONB is a json.RawMessage stored in a jsonb column (TEXT under SQLite).
type JSONB json.RawMessage

// WorkerModel maps to the "workers" table.
type WorkerModel struct {
	ID              string `gorm:"primaryKey"`
	Host            string `gorm:"not null"`
	SSHUser         string
	Status          string `gorm:"index"`
	CurrentTaskID   string
	Skills          JSONB `gorm:"type:jsonb;not null;default:'[]'"`
	Meta            JSONB `gorm:"type:jsonb;not null;default:'{}'"`
	FirstSeenAt     time.Time
	LastHeartbeatAt time.Time `gorm:"index"`
}

func (WorkerModel) TableName() string { return "workers" }

// TaskModel maps to the "tasks" table.
// Transitions and StatusTimes are stored as JSON documents; the task history
// is always read and written whole, never queried by element.
type TaskModel struct {
	ID               string `gorm:"primaryKey"`
	Title            string `gorm:"not null"`
	Description      string
	Kind             string `gorm:"index"`
	Status           string `gorm:"index;not null"`
	Extra            JSONB  `gorm:"type:jsonb;not null;default:'{}'"`
	ParentID         string `gorm:"index"`
	AssignedWorkerID string `gorm:"index"`
	Role             string
	ScriptPath       string
	ArtifactDir      string
	WorkerLogPath    string
	Transitions      JSONB `gorm:"type:jsonb;not null;default:'[]'"`
	StatusTimes      JSONB `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt        time.Time `gorm:"index"`
	UpdatedAt        time.Time
}

func (TaskModel) TableName() string { return "tasks" }

// SandboxModel maps to the "sandboxes" table.
type SandboxModel struct {
	ID               string `gorm:"primaryKey"`
	Title            string
	Status           string `gorm:"index"`
	WorkerHost       string
	Port             int `gorm:"index"`
	URL              string
	EntryPoint       string
	Verified         bool
	LastError        string
	Files            JSONB `gorm:"type:jsonb;not null;default:'{}'"`
	Log              JSONB `gorm:"type:jsonb;not null;default:'[]'"`
	Messages         JSONB `gorm:"type:jsonb;not null;default:'[]'"`
	SuggestedWorkers JSONB `gorm:"type:jsonb;not null;default:'[]'"`
	CreatedAt        time.Time `gorm:"index"`
	UpdatedAt        time.Time
}

func (SandboxModel) TableName() string { return "sandboxes" }
