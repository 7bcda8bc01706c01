// Package janitor runs periodic maintenance: pruning terminal tasks past
// their retention window and refreshing the active-worker gauge.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/kazi/internal/registry"
	"github.com/jkaninda/kazi/internal/taskflow"
)

// Metrics is the gauge surface the janitor refreshes. Nil disables it.
type Metrics interface {
	SetActiveWorkers(n int)
}

// Config controls the janitor schedule and retention window.
type Config struct {
	Schedule  string        // Cron expression. Default: "@every 10m".
	Retention time.Duration // How long terminal tasks are kept. Default: 72h.
}

func (c Config) schedule() string {
	if c.Schedule != "" {
		return c.Schedule
	}
	return "@every 10m"
}

func (c Config) retention() time.Duration {
	if c.Retention > 0 {
		return c.Retention
	}
	return 72 * time.Hour
}

// Janitor schedules the maintenance sweep on a cron runner.
type Janitor struct {
	tasks    *taskflow.Engine
	registry *registry.Registry
	metrics  Metrics
	logger   *slog.Logger
	config   Config
	cron     *cron.Cron
}

// New creates a Janitor.
func New(tasks *taskflow.Engine, reg *registry.Registry, metrics Metrics, logger *slog.Logger, cfg Config) *Janitor {
	return &Janitor{
		tasks:    tasks,
		registry: reg,
		metrics:  metrics,
		logger:   logger,
		config:   cfg,
		cron:     cron.New(),
	}
}

// Start registers the sweep and begins the cron runner. The runner stops
// when ctx is canceled. An immediate sweep runs at startup so gauges are
// populated before the first tick.
func (j *Janitor) Start(ctx context.Context) error {
	if _, err := j.cron.AddFunc(j.config.schedule(), func() { j.Sweep(ctx) }); err != nil {
		return err
	}

	j.logger.Info("janitor started",
		slog.String("schedule", j.config.schedule()),
		slog.String("retention", j.config.retention().String()),
	)
	j.Sweep(ctx)
	j.cron.Start()

	go func() {
		<-ctx.Done()
		stopCtx := j.cron.Stop()
		<-stopCtx.Done()
		j.logger.Info("janitor stopped")
	}()
	return nil
}

// Sweep runs one maintenance pass.
func (j *Janitor) Sweep(ctx context.Context) {
	deleted, err := j.tasks.PruneTerminal(ctx, j.config.retention())
	if err != nil {
		j.logger.Error("task pruning failed", slog.String("error", err.Error()))
	} else if deleted > 0 {
		j.logger.Info("terminal tasks pruned", slog.Int("deleted", deleted))
	}

	if j.metrics != nil {
		active, err := j.registry.Active(ctx)
		if err != nil {
			j.logger.Error("active worker refresh failed", slog.String("error", err.Error()))
			return
		}
		j.metrics.SetActiveWorkers(len(active))
	}
}
