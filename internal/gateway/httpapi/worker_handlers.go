package httpapi

import (
	"log/slog"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/okapi"
)

// HeartbeatRequest is the JSON body for POST /workers/heartbeat.
type HeartbeatRequest struct {
	ID            string            `json:"id"`
	Host          string            `json:"host,omitempty"`
	SSHUser       string            `json:"ssh_user,omitempty"`
	Status        string            `json:"status,omitempty"`
	CurrentTaskID string            `json:"current_task_id,omitempty"`
	Skills        []string          `json:"skills,omitempty"`
	Meta          map[string]string `json:"meta,omitempty"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	ID   string    `json:"id"`
	Seen time.Time `json:"seen"`
}

// WorkerResponse is one worker in GET /workers, annotated with liveness.
type WorkerResponse struct {
	domain.Worker
	Active bool `json:"active"`
}

func (g *Gateway) handleHeartbeat(c *okapi.Context) error {
	var req HeartbeatRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ID == "" {
		return c.AbortBadRequest("id is required")
	}

	w := &domain.Worker{
		ID:            req.ID,
		Host:          req.Host,
		SSHUser:       req.SSHUser,
		Status:        req.Status,
		CurrentTaskID: req.CurrentTaskID,
		Skills:        req.Skills,
		Meta:          req.Meta,
	}
	if err := g.registry.Heartbeat(c.Context(), w); err != nil {
		g.logger.Error("heartbeat failed",
			slog.String("worker", req.ID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("heartbeat failed")
	}

	return c.OK(HeartbeatResponse{ID: w.ID, Seen: w.LastHeartbeatAt})
}

func (g *Gateway) handleWorkerList(c *okapi.Context) error {
	workers, err := g.registry.List(c.Context())
	if err != nil {
		return c.AbortInternalServerError("listing workers failed")
	}
	active, err := g.registry.Active(c.Context())
	if err != nil {
		return c.AbortInternalServerError("listing workers failed")
	}
	live := make(map[string]bool, len(active))
	for _, w := range active {
		live[w.ID] = true
	}

	resp := make([]WorkerResponse, len(workers))
	for i, w := range workers {
		resp[i] = WorkerResponse{Worker: w, Active: live[w.ID]}
	}
	return c.OK(resp)
}
