package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/executor"
)

// DefaultSettleDelay is how long a freshly started application gets before
// the reachability probe runs.
const DefaultSettleDelay = 4 * time.Second

// Manager provisions, deploys, and tears down sandboxes on a worker host.
type Manager struct {
	store       SandboxStore
	ports       *Allocator
	exec        executor.Remote
	workerHost  string
	settleDelay time.Duration
	logger      *slog.Logger
	metrics     Metrics
	now         func() time.Time
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	WorkerHost  string
	SettleDelay time.Duration // Zero = DefaultSettleDelay.
}

// NewManager creates a sandbox Manager.
func NewManager(store SandboxStore, exec executor.Remote, cfg ManagerConfig, logger *slog.Logger, metrics Metrics) *Manager {
	settle := cfg.SettleDelay
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	return &Manager{
		store:       store,
		ports:       NewAllocator(store),
		exec:        exec,
		workerHost:  cfg.WorkerHost,
		settleDelay: settle,
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
	}
}

// Store exposes the sandbox store for read paths (HTTP handlers).
func (m *Manager) Store() SandboxStore { return m.store }

// WorkerHost returns the host sandboxes are provisioned on.
func (m *Manager) WorkerHost() string { return m.workerHost }

// worker builds the executor target for a sandbox's host.
func (m *Manager) worker(host string) *domain.Worker {
	if host == "" {
		host = m.workerHost
	}
	return &domain.Worker{Host: host}
}

// Dir returns the sandbox's directory on the worker.
func Dir(id string) string { return path.Join(RemoteRoot, id) }

// Create provisions an empty sandbox: allocates a port, persists the record,
// and creates the directory on the worker. Directory creation is best-effort;
// the deploy path creates it again.
func (m *Manager) Create(ctx context.Context, title string) (*domain.Sandbox, error) {
	if title == "" {
		title = "New Sandbox"
	}
	port, err := m.ports.Next(ctx)
	if err != nil {
		return nil, err
	}
	defer m.ports.release(port)

	sb := &domain.Sandbox{
		ID:         "sbx-" + domain.NewID(),
		Title:      title,
		Status:     domain.SandboxCreated,
		WorkerHost: m.workerHost,
		Port:       port,
		URL:        fmt.Sprintf("http://%s:%d", m.workerHost, port),
		Files:      map[string]string{},
		CreatedAt:  m.now().UTC(),
		UpdatedAt:  m.now().UTC(),
	}
	if err := m.store.Create(ctx, sb); err != nil {
		return nil, fmt.Errorf("persisting sandbox: %w", err)
	}

	if _, err := m.exec.Run(ctx, m.worker(sb.WorkerHost), "mkdir -p "+Dir(sb.ID)); err != nil {
		m.logger.Warn("sandbox directory creation failed",
			slog.String("sandbox", sb.ID), slog.String("error", err.Error()))
	}

	if m.metrics != nil {
		m.metrics.SandboxCreated()
	}
	m.logger.Info("sandbox created",
		slog.String("sandbox", sb.ID),
		slog.Int("port", sb.Port),
		slog.String("worker", sb.WorkerHost))
	return sb, nil
}

// DeployInput is a full application to install into a sandbox.
type DeployInput struct {
	Files       []DeployFile `json:"files"`
	NpmPackages []string     `json:"npm_packages"`
	EntryPoint  string       `json:"entry_point"` // Default "server.js".
}

// DeployFile is one file of a deployment, path relative to the sandbox dir.
type DeployFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Deploy installs and starts an application in an existing sandbox. The
// pipeline is: push files, install packages, validate the entry point, then
// restart. A syntax failure is fatal and the application is never started;
// the sandbox is left in SandboxError with the validator output.
func (m *Manager) Deploy(ctx context.Context, id string, in DeployInput) (*domain.Sandbox, error) {
	sb, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(in.Files) == 0 {
		return nil, fmt.Errorf("deploy requires at least one file")
	}
	entry := in.EntryPoint
	if entry == "" {
		entry = "server.js"
	}

	sb.Status = domain.SandboxDeploying
	sb.EntryPoint = entry
	sb.LastError = ""
	m.save(ctx, sb)

	w := m.worker(sb.WorkerHost)
	dir := Dir(sb.ID)

	if _, err := m.exec.Run(ctx, w, "mkdir -p "+dir); err != nil {
		return nil, m.failDeploy(ctx, sb, fmt.Errorf("creating sandbox directory: %w", err))
	}

	for _, f := range in.Files {
		remote := path.Join(dir, f.Path)
		if _, err := m.exec.Run(ctx, w, fmt.Sprintf("mkdir -p $(dirname '%s')", remote)); err != nil {
			return nil, m.failDeploy(ctx, sb, fmt.Errorf("creating directory for %s: %w", f.Path, err))
		}
		if err := m.exec.Push(ctx, w, remote, f.Content); err != nil {
			return nil, m.failDeploy(ctx, sb, fmt.Errorf("writing %s: %w", f.Path, err))
		}
		sb.Files[f.Path] = f.Content
	}

	if len(in.NpmPackages) > 0 {
		installCtx, cancel := context.WithTimeout(ctx, executor.InstallTimeout)
		out, err := m.exec.Run(installCtx, w,
			fmt.Sprintf("cd %s && npm install %s 2>&1", dir, strings.Join(in.NpmPackages, " ")))
		cancel()
		if err != nil {
			return nil, m.failDeploy(ctx, sb, fmt.Errorf("npm install: %w", err))
		}
		m.appendLog(sb, "npm_install", out)
	}

	if out, err := m.syntaxCheck(ctx, sb, entry); err != nil {
		sb.Status = domain.SandboxError
		sb.LastError = out
		m.save(ctx, sb)
		if m.metrics != nil {
			m.metrics.SandboxDeployFailed("syntax")
		}
		return nil, fmt.Errorf("%w: %s", ErrSyntaxCheck, truncate(out, 500))
	}

	verified, err := m.startService(ctx, sb, entry, m.settleDelay)
	if err != nil {
		return nil, m.failDeploy(ctx, sb, err)
	}

	sb.Status = domain.SandboxDeployed
	sb.Verified = verified
	m.save(ctx, sb)
	if m.metrics != nil {
		m.metrics.SandboxDeployed(verified)
	}
	m.logger.Info("sandbox deployed",
		slog.String("sandbox", sb.ID),
		slog.String("url", sb.URL),
		slog.Bool("verified", verified))
	return sb, nil
}

// syntaxCheck validates the entry point with node --check. It returns the
// validator output and a non-nil error only when the check failed.
func (m *Manager) syntaxCheck(ctx context.Context, sb *domain.Sandbox, entry string) (string, error) {
	out, err := m.exec.Run(ctx, m.worker(sb.WorkerHost),
		fmt.Sprintf("node --check %s 2>&1", path.Join(Dir(sb.ID), entry)))
	if err != nil {
		return out + "\n" + err.Error(), err
	}
	if strings.TrimSpace(out) != "" {
		return out, fmt.Errorf("node --check reported errors")
	}
	return "", nil
}

// startService kills whatever holds the sandbox port, starts the entry point
// detached from the SSH session, waits for the app to settle, then probes it.
// The bool reports whether the app answered the probe.
func (m *Manager) startService(ctx context.Context, sb *domain.Sandbox, entry string, settle time.Duration) (bool, error) {
	w := m.worker(sb.WorkerHost)
	dir := Dir(sb.ID)

	if _, err := m.exec.Run(ctx, w, fmt.Sprintf("fuser -k %d/tcp 2>/dev/null || true", sb.Port)); err != nil {
		m.logger.Warn("freeing sandbox port failed",
			slog.String("sandbox", sb.ID), slog.String("error", err.Error()))
	}

	startCmd := fmt.Sprintf(
		"nohup bash -c 'cd %s && PORT=%d node %s >> %s/app.log 2>&1' > /dev/null 2>&1 &",
		dir, sb.Port, entry, dir)
	if _, err := m.exec.Run(ctx, w, startCmd); err != nil {
		return false, fmt.Errorf("starting %s: %w", entry, err)
	}

	select {
	case <-time.After(settle):
	case <-ctx.Done():
		return false, ctx.Err()
	}

	out, err := m.exec.Run(ctx, w, fmt.Sprintf(
		"curl -s --max-time 3 http://localhost:%d/ > /dev/null 2>&1 && echo running || echo starting", sb.Port))
	if err != nil {
		return false, nil
	}
	return strings.TrimSpace(out) == "running", nil
}

// RunScenario pushes a bash script to the sandbox's worker (or an explicit
// host) and runs it, returning combined output. The script is removed after
// the run.
func (m *Manager) RunScenario(ctx context.Context, id, script, host string) (string, error) {
	sb, err := m.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if host == "" {
		host = sb.WorkerHost
	}
	w := m.worker(host)

	remote := fmt.Sprintf("/tmp/scenario-%d.sh", m.now().UnixNano())
	if err := m.exec.Push(ctx, w, remote, script); err != nil {
		return "", fmt.Errorf("pushing scenario script: %w", err)
	}
	return m.exec.Run(ctx, w, fmt.Sprintf("bash '%s' 2>&1; rm -f '%s'", remote, remote))
}

// Teardown removes a sandbox. The remote cleanup (kill the port, remove the
// directory) is best-effort; the record is deleted regardless so a dead
// worker cannot make a sandbox immortal.
func (m *Manager) Teardown(ctx context.Context, id string) error {
	sb, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	cleanup := fmt.Sprintf("fuser -k %d/tcp 2>/dev/null || true; rm -rf %s", sb.Port, Dir(sb.ID))
	if _, err := m.exec.Run(ctx, m.worker(sb.WorkerHost), cleanup); err != nil {
		m.logger.Warn("sandbox remote cleanup failed",
			slog.String("sandbox", sb.ID), slog.String("error", err.Error()))
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting sandbox record: %w", err)
	}
	m.logger.Info("sandbox removed", slog.String("sandbox", id))
	return nil
}

// failDeploy marks the sandbox as errored and returns the original error.
func (m *Manager) failDeploy(ctx context.Context, sb *domain.Sandbox, err error) error {
	sb.Status = domain.SandboxError
	sb.LastError = truncate(err.Error(), 500)
	m.save(ctx, sb)
	if m.metrics != nil {
		m.metrics.SandboxDeployFailed("deploy")
	}
	return err
}

// appendLog records a tool event on the sandbox, result capped at 500 chars.
func (m *Manager) appendLog(sb *domain.Sandbox, tool, result string) {
	sb.Log = append(sb.Log, domain.SandboxLogEntry{
		Tool:   tool,
		Result: truncate(result, 500),
		At:     m.now().UTC(),
	})
}

func (m *Manager) save(ctx context.Context, sb *domain.Sandbox) {
	sb.UpdatedAt = m.now().UTC()
	if err := m.store.Update(ctx, sb); err != nil {
		m.logger.Error("persisting sandbox failed",
			slog.String("sandbox", sb.ID), slog.String("error", err.Error()))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
