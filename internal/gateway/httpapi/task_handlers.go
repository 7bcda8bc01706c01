package httpapi

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/taskflow"
	"github.com/jkaninda/okapi"
)

// TaskResponse is the full task document returned by task endpoints.
type TaskResponse = domain.Task

// TaskCreateRequest is the JSON body for POST /tasks.
type TaskCreateRequest struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Kind        string         `json:"kind,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// TaskStateRequest is the JSON body for POST /tasks/{id}/state.
type TaskStateRequest struct {
	To   string `json:"to"`
	Note string `json:"note,omitempty"`
}

// TaskLogsResponse is the JSON response for GET /tasks/{id}/logs.
type TaskLogsResponse struct {
	Logs  string `json:"logs"`
	Lines int    `json:"lines"`
}

func (g *Gateway) handleTaskCreate(c *okapi.Context) error {
	var req TaskCreateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Title == "" && req.Description == "" {
		return c.AbortBadRequest("title or description is required")
	}

	t, err := g.tasks.Create(c.Context(), taskflow.CreateInput{
		Title:       req.Title,
		Description: req.Description,
		Kind:        req.Kind,
		Extra:       req.Extra,
	})
	if err != nil {
		return c.AbortInternalServerError("creating task failed")
	}
	return c.JSON(http.StatusCreated, t)
}

func (g *Gateway) handleTaskList(c *okapi.Context) error {
	tasks, err := g.tasks.List(c.Context())
	if err != nil {
		return c.AbortInternalServerError("listing tasks failed")
	}
	return c.OK(tasks)
}

func (g *Gateway) handleTaskGet(c *okapi.Context) error {
	t, err := g.tasks.Get(c.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, taskflow.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "task not found"})
		}
		return c.AbortInternalServerError("fetching task failed")
	}
	return c.OK(t)
}

func (g *Gateway) handleTaskState(c *okapi.Context) error {
	var req TaskStateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.To == "" {
		return c.AbortBadRequest("to is required")
	}

	t, err := g.tasks.SetState(c.Context(), c.Param("id"), domain.TaskStatus(req.To), req.Note)
	switch {
	case errors.Is(err, taskflow.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "task not found"})
	case errors.Is(err, taskflow.ErrTerminal):
		return c.JSON(http.StatusConflict, okapi.M{"error": err.Error()})
	case err != nil:
		return c.AbortInternalServerError("state transition failed")
	}
	return c.OK(t)
}

// handleTaskClaim hands the next pending task to a polling worker.
// Returns 204 when nothing is pending.
func (g *Gateway) handleTaskClaim(c *okapi.Context) error {
	t, err := g.tasks.Claim(c.Context(), c.Param("workerId"))
	if err != nil {
		return c.AbortInternalServerError("claiming task failed")
	}
	if t == nil {
		return c.JSON(http.StatusNoContent, nil)
	}
	return c.OK(t)
}

// handleTaskLogs tails the task's run log from the shared artifact
// directory. A missing log file is not an error: scripts create it lazily.
func (g *Gateway) handleTaskLogs(c *okapi.Context) error {
	t, err := g.tasks.Get(c.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, taskflow.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "task not found"})
		}
		return c.AbortInternalServerError("fetching task failed")
	}

	logFile := t.WorkerLogPath
	if logFile == "" && t.ArtifactDir != "" {
		logFile = filepath.Join(strings.TrimSuffix(t.ArtifactDir, "/"), "run.log")
	}
	if logFile == "" {
		return c.OK(TaskLogsResponse{})
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		return c.OK(TaskLogsResponse{})
	}

	lines := strings.Split(string(data), "\n")
	tail := lines
	if len(tail) > 200 {
		tail = tail[len(tail)-200:]
	}
	return c.OK(TaskLogsResponse{Logs: strings.Join(tail, "\n"), Lines: len(lines)})
}
