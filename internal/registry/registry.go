// Package registry tracks worker liveness via heartbeats.
// Workers report in periodically; the registry answers "who is alive"
// questions for the orchestrator and sandbox provisioner.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
)

// DefaultLivenessWindow is how recently a worker must have heartbeated
// to be considered active.
const DefaultLivenessWindow = 120 * time.Second

// ErrNotFound is returned when a worker ID is unknown to the registry.
var ErrNotFound = errors.New("worker not found")

// WorkerStore persists worker records. Implemented by all storage backends.
type WorkerStore interface {
	Upsert(ctx context.Context, w *domain.Worker) error
	Get(ctx context.Context, id string) (*domain.Worker, error)
	List(ctx context.Context) ([]domain.Worker, error)
}

// Registry answers worker liveness and selection queries.
type Registry struct {
	store    WorkerStore
	window   time.Duration
	fallback domain.Worker
	logger   *slog.Logger
	now      func() time.Time
}

// Config configures the registry.
type Config struct {
	// LivenessWindow overrides DefaultLivenessWindow when positive.
	LivenessWindow time.Duration
	// Fallback is the worker descriptor returned by NextAvailable when no
	// live worker exists. Selection then degrades to a static default
	// instead of stalling the orchestrator.
	Fallback domain.Worker
}

// New creates a Registry backed by the given store.
func New(store WorkerStore, cfg Config, logger *slog.Logger) *Registry {
	window := cfg.LivenessWindow
	if window <= 0 {
		window = DefaultLivenessWindow
	}
	return &Registry{
		store:    store,
		window:   window,
		fallback: cfg.Fallback,
		logger:   logger,
		now:      time.Now,
	}
}

// Heartbeat upserts the worker record and stamps its last-seen time.
// Repeated heartbeats from the same worker are idempotent: the record is
// replaced, the first-seen time preserved.
func (r *Registry) Heartbeat(ctx context.Context, w *domain.Worker) error {
	now := r.now().UTC()
	w.LastHeartbeatAt = now

	existing, err := r.store.Get(ctx, w.ID)
	switch {
	case err == nil:
		w.FirstSeenAt = existing.FirstSeenAt
	case errors.Is(err, ErrNotFound):
		w.FirstSeenAt = now
		r.logger.InfoContext(ctx, "worker registered",
			slog.String("worker_id", w.ID),
			slog.String("host", w.Host),
		)
	default:
		return err
	}

	return r.store.Upsert(ctx, w)
}

// Get returns a single worker record.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Worker, error) {
	return r.store.Get(ctx, id)
}

// List returns all known workers, live or not, sorted by ID.
func (r *Registry) List(ctx context.Context) ([]domain.Worker, error) {
	workers, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	return workers, nil
}

// Active returns workers whose last heartbeat is within the liveness window.
func (r *Registry) Active(ctx context.Context) ([]domain.Worker, error) {
	workers, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := r.now().UTC().Add(-r.window)
	active := workers[:0]
	for _, w := range workers {
		if w.LastHeartbeatAt.After(cutoff) {
			active = append(active, w)
		}
	}
	return active, nil
}

// NextAvailable returns the first active worker, or the configured fallback
// descriptor when the fleet is empty or silent. The fallback lets planning
// proceed against a default host rather than blocking on registration.
func (r *Registry) NextAvailable(ctx context.Context) (*domain.Worker, error) {
	active, err := r.Active(ctx)
	if err != nil {
		return nil, err
	}
	for _, w := range active {
		if w.Status == "" || w.Status == "active" {
			picked := w
			return &picked, nil
		}
	}
	if len(active) > 0 {
		picked := active[0]
		return &picked, nil
	}

	r.logger.WarnContext(ctx, "no active workers, using fallback",
		slog.String("worker_id", r.fallback.ID),
		slog.String("host", r.fallback.Host),
	)
	fb := r.fallback
	return &fb, nil
}
