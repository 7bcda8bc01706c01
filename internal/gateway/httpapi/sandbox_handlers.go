package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/okapi"
)

// SandboxResponse is the full sandbox document returned by sandbox endpoints.
type SandboxResponse = domain.Sandbox

// SandboxCreateRequest is the JSON body for POST /sandboxes.
type SandboxCreateRequest struct {
	Title string `json:"title"`
}

// SandboxDeployRequest is the JSON body for POST /sandboxes/{id}/deploy.
type SandboxDeployRequest struct {
	Files       []sandbox.DeployFile `json:"files"`
	NpmPackages []string             `json:"npm_packages,omitempty"`
	EntryPoint  string               `json:"entry_point,omitempty"`
}

// SandboxChatRequest is the JSON body for POST /sandboxes/{id}/chat.
type SandboxChatRequest struct {
	Message string `json:"message"`
}

// ScenarioRequest is the JSON body for POST /sandboxes/{id}/scenario.
type ScenarioRequest struct {
	Script string `json:"script"`
	Host   string `json:"host,omitempty"` // Default: the sandbox worker host.
}

// ScenarioResponse carries the combined output of a scenario run.
type ScenarioResponse struct {
	Output string `json:"output"`
}

func (g *Gateway) handleSandboxCreate(c *okapi.Context) error {
	var req SandboxCreateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Title == "" {
		return c.AbortBadRequest("title is required")
	}

	sb, err := g.manager.Create(c.Context(), req.Title)
	if err != nil {
		if errors.Is(err, sandbox.ErrNoFreePorts) {
			return c.JSON(http.StatusConflict, okapi.M{"error": "no free ports in the sandbox range"})
		}
		g.logger.Error("sandbox creation failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("creating sandbox failed")
	}
	return c.JSON(http.StatusCreated, sb)
}

func (g *Gateway) handleSandboxList(c *okapi.Context) error {
	sbs, err := g.manager.Store().List(c.Context())
	if err != nil {
		return c.AbortInternalServerError("listing sandboxes failed")
	}
	return c.OK(sbs)
}

func (g *Gateway) handleSandboxGet(c *okapi.Context) error {
	sb, err := g.manager.Store().Get(c.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "sandbox not found"})
		}
		return c.AbortInternalServerError("fetching sandbox failed")
	}
	return c.OK(sb)
}

func (g *Gateway) handleSandboxDeploy(c *okapi.Context) error {
	var req SandboxDeployRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if len(req.Files) == 0 {
		return c.AbortBadRequest("files is required")
	}

	sb, err := g.manager.Deploy(c.Context(), c.Param("id"), sandbox.DeployInput{
		Files:       req.Files,
		NpmPackages: req.NpmPackages,
		EntryPoint:  req.EntryPoint,
	})
	switch {
	case errors.Is(err, sandbox.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "sandbox not found"})
	case errors.Is(err, sandbox.ErrSyntaxCheck):
		// The sandbox record carries the validator output in last_error.
		return c.JSON(http.StatusUnprocessableEntity, okapi.M{"error": err.Error()})
	case err != nil:
		g.logger.Error("sandbox deploy failed",
			slog.String("sandbox", c.Param("id")),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("deploy failed")
	}
	return c.OK(sb)
}

// handleSandboxChat accepts a build instruction and runs the agentic build
// loop in the background. The caller polls GET /sandboxes/{id} for progress.
func (g *Gateway) handleSandboxChat(c *okapi.Context) error {
	var req SandboxChatRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Message == "" {
		return c.AbortBadRequest("message is required")
	}
	if g.builder == nil {
		return c.AbortServiceUnavailable("build agent not configured")
	}

	sb, err := g.builder.Start(c.Context(), c.Param("id"), req.Message)
	if err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "sandbox not found"})
		}
		return c.AbortInternalServerError("starting build session failed")
	}

	go g.builder.Run(context.WithoutCancel(c.Context()), sb.ID)

	return c.JSON(http.StatusAccepted, sb)
}

func (g *Gateway) handleSandboxScenario(c *okapi.Context) error {
	var req ScenarioRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Script == "" {
		return c.AbortBadRequest("script is required")
	}

	out, err := g.manager.RunScenario(c.Context(), c.Param("id"), req.Script, req.Host)
	switch {
	case errors.Is(err, sandbox.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "sandbox not found"})
	case err != nil:
		// Scenario scripts are allowed to fail; the output is the result.
		return c.OK(ScenarioResponse{Output: out + "\nerror: " + err.Error()})
	}
	return c.OK(ScenarioResponse{Output: out})
}

// handleSandboxDelete tears down the remote service and removes the record.
// Teardown is best-effort: the record is deleted even when the remote
// cleanup fails, and an unknown ID is not an error.
func (g *Gateway) handleSandboxDelete(c *okapi.Context) error {
	if err := g.manager.Teardown(c.Context(), c.Param("id")); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		g.logger.Warn("sandbox teardown incomplete",
			slog.String("sandbox", c.Param("id")),
			slog.String("error", err.Error()),
		)
	}
	return c.OK(okapi.M{"status": "deleted"})
}
