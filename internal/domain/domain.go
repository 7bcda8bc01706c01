// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task. Orchestrated top-level tasks
// flow queued → planning → assigning → running → done/failed; worker scripts
// may report additional freeform snake_case states in between.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskPending   TaskStatus = "pending"
	TaskPlanning  TaskStatus = "planning"
	TaskAssigning TaskStatus = "assigning"
	TaskRunning   TaskStatus = "running"
	TaskDone      TaskStatus = "done"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status ends the task's lifecycle.
// Terminal tasks never transition again.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskFailed || s == TaskCancelled
}

// Transition is one entry in a task's append-only state history.
type Transition struct {
	From TaskStatus `json:"from"`
	To   TaskStatus `json:"to"`
	At   time.Time  `json:"at"`
	Note string     `json:"note,omitempty"`
}

// Task is a unit of work. Top-level tasks are planned by the orchestrator
// and fan out into child tasks, one per worker assignment. Child tasks
// reference their parent via ParentID and are executed by workers pulling
// from the task queue.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	Kind        string     `json:"kind,omitempty"` // e.g. "image_slideshow", "render", "script"
	Status      TaskStatus `json:"status"`

	// Extra carries kind-specific payload (image lists, narrations, HTML
	// source). Builtin planners decode the fields they understand.
	Extra map[string]any `json:"extra,omitempty"`

	ParentID         string `json:"parent_id,omitempty"`
	AssignedWorkerID string `json:"assigned_worker_id,omitempty"`
	Role             string `json:"role,omitempty"`

	ScriptPath    string `json:"script_path,omitempty"`
	ArtifactDir   string `json:"artifact_dir,omitempty"`
	WorkerLogPath string `json:"worker_log_path,omitempty"`

	Transitions []Transition `json:"transitions"`

	// StatusTimes records when each status was entered ("<status>_at" in
	// the original wire representation). CreatedAt is always present.
	StatusTimes map[TaskStatus]time.Time `json:"status_times,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	UpdatedAt   time.Time                `json:"updated_at"`
}

// Worker is a remote compute node known to the registry. Workers announce
// themselves via heartbeats; a worker with no heartbeat inside the liveness
// window is treated as gone but its record is never deleted.
type Worker struct {
	ID              string            `json:"id"`
	Host            string            `json:"host"`
	SSHUser         string            `json:"ssh_user,omitempty"`
	Status          string            `json:"status,omitempty"` // self-reported: "active", "busy", ...
	CurrentTaskID   string            `json:"current_task_id,omitempty"`
	Skills          []string          `json:"skills,omitempty"`
	Meta            map[string]string `json:"meta,omitempty"`
	FirstSeenAt     time.Time         `json:"first_seen_at"`
	LastHeartbeatAt time.Time         `json:"last_heartbeat_at"`
}

// SandboxStatus is the lifecycle state of a sandbox.
type SandboxStatus string

const (
	SandboxCreated   SandboxStatus = "created"
	SandboxDeploying SandboxStatus = "deploying"
	SandboxDeployed  SandboxStatus = "deployed"
	SandboxBuilding  SandboxStatus = "building"
	SandboxError     SandboxStatus = "error"
)

// Sandbox is an ephemeral web service provisioned on a worker host.
// Files mirrors what has been pushed to the remote sandbox directory so
// follow-up build sessions can iterate on the existing application.
type Sandbox struct {
	ID         string        `json:"id"`
	Title      string        `json:"title"`
	Status     SandboxStatus `json:"status"`
	WorkerHost string        `json:"worker_host"`
	Port       int           `json:"port"`
	URL        string        `json:"url"`
	EntryPoint string        `json:"entry_point,omitempty"`
	Verified   bool          `json:"verified"`
	LastError  string        `json:"last_error,omitempty"`

	Files            map[string]string `json:"files"`
	Log              []SandboxLogEntry `json:"log"`
	Messages         []ChatMessage     `json:"messages"`
	SuggestedWorkers []SuggestedWorker `json:"suggested_workers,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SandboxLogEntry records one tool invocation (or user message) during a
// build session. Result is truncated before storage.
type SandboxLogEntry struct {
	Tool   string    `json:"tool"`
	Result string    `json:"result"`
	At     time.Time `json:"at"`
}

// ChatMessage is a single turn of a sandbox build conversation.
type ChatMessage struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// SuggestedWorker is a follow-up agent proposed by the build loop to
// exercise the deployed application.
type SuggestedWorker struct {
	ID          string     `json:"id"`
	Role        string     `json:"role"`
	Description string     `json:"description"`
	Scenarios   []Scenario `json:"scenarios,omitempty"`
}

// Scenario is a named script a suggested worker would run against the app.
type Scenario struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Script      string `json:"script"`
}

// Plan is the transient output of a planner. It is consumed immediately by
// the orchestrator and never persisted.
type Plan struct {
	Summary       string             `json:"plan_summary"`
	NotifyMessage string             `json:"notify_message"`
	ArtifactDir   string             `json:"artifact_dir"`
	Assignments   []WorkerAssignment `json:"worker_assignments"`
}

// WorkerAssignment binds one worker to a role and a complete bash script.
type WorkerAssignment struct {
	WorkerID string `json:"worker_id"`
	Role     string `json:"role"`
	Script   string `json:"script"`
}

// NewID generates a new random UUID string.
func NewID() string {
	return uuid.New().String()
}
