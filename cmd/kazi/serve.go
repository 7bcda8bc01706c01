package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/executor"
	"github.com/jkaninda/kazi/internal/gateway/httpapi"
	"github.com/jkaninda/kazi/internal/janitor"
	"github.com/jkaninda/kazi/internal/llm"
	"github.com/jkaninda/kazi/internal/llm/anthropic"
	"github.com/jkaninda/kazi/internal/notifier"
	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/orchestrator"
	"github.com/jkaninda/kazi/internal/planner"
	"github.com/jkaninda/kazi/internal/registry"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/storage"
	"github.com/jkaninda/kazi/internal/storage/jsonfile"
	pgstore "github.com/jkaninda/kazi/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/kazi/internal/storage/sqlite"
	"github.com/jkaninda/kazi/internal/taskflow"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serveConfigPath string
	serveListenAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestration server (HTTP API, orchestrator, janitor)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `kazi --config path` and `kazi serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveListenAddr, "listen", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the full engine: storage, registry, task engine,
// orchestrator loop, sandbox provisioner, janitor, and the HTTP gateway.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig(goutils.Env("KAZI_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if serveListenAddr != "" {
		cfg.Listen = serveListenAddr
	}

	// Ensure the data and artifact directories exist.
	for _, dir := range []string{cfg.ResolvedDataDir(), cfg.ArtifactDir()} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	logger.Info("starting kazi",
		slog.String("listen", cfg.ListenAddr()),
		slog.String("storage", cfg.StorageDriverName()),
		slog.Bool("llm_planner", cfg.PlannerEnabled()),
	)

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	}()

	// Storage.
	store, err := initStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	}()
	if err := store.Migrate(context.Background()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	if obs != nil && obs.Health != nil &&
		cfg.Observability != nil && cfg.Observability.Health != nil && cfg.Observability.Health.IncludeDB {
		obs.Health.AddCheck("database", store.Ping)
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Notifier.
	var notif notifier.Notifier = notifier.Noop{}
	if tg := telegramConfig(cfg); tg != nil {
		notif = notifier.NewTelegramSender(tg.BotToken, tg.ChatID, logger)
		logger.Info("telegram notifications enabled")
	}

	// Worker registry.
	regCfg := registry.Config{LivenessWindow: cfg.Registry.LivenessWindow()}
	if cfg.Registry != nil && cfg.Registry.Fallback != nil {
		fb := cfg.Registry.Fallback
		regCfg.Fallback = domain.Worker{ID: fb.ID, Host: fb.Host, SSHUser: fb.User, Status: fb.Role}
	}
	reg := registry.New(store.Workers(), regCfg, logger)

	// Task engine.
	var tfMetrics taskflow.Metrics
	if obs != nil && obs.Metrics != nil {
		tfMetrics = obs.Metrics
	}
	tasks := taskflow.New(store.Tasks(), notif, tfMetrics, logger)

	// SSH executor.
	exec := executor.NewSSH(executor.SSHConfig{
		KeyPath:     cfg.SSH.KeyPath,
		DefaultUser: cfg.SSH.DefaultUser,
		ConnTimeout: cfg.SSH.ConnTimeout(),
	}, logger)

	// LLM provider (optional; the builtin planner covers known task kinds).
	var provider llm.Provider
	if cfg.PlannerEnabled() {
		anth := cfg.Providers.Anthropic
		provider = anthropic.NewClient(anth.APIKey, anth.ModelName(), logger)
		if obs != nil && obs.Metrics != nil {
			provider = observability.NewInstrumentedProvider(provider, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
		}
	}

	// Planners: LLM first when configured, builtin always available.
	var primary planner.Planner
	if provider != nil {
		primary = planner.NewLLMPlanner(provider, cfg.Master(), logger)
	}
	fallback := planner.NewBuiltin(cfg.Master(), reg, logger)

	// Orchestration loop.
	var orchMetrics orchestrator.Metrics
	if obs != nil && obs.Metrics != nil {
		orchMetrics = obs.Metrics
	}
	orch := orchestrator.New(tasks, reg, primary, fallback, notif, orchestrator.Config{
		PollInterval: cfg.Orchestrator.PollInterval(),
		ArtifactBase: cfg.ArtifactDir(),
	}, logger, orchMetrics)
	go orch.Run(ctx)

	// Sandbox provisioner and build agent.
	var sbxMetrics sandbox.Metrics
	if obs != nil && obs.Metrics != nil {
		sbxMetrics = obs.Metrics
	}
	manager := sandbox.NewManager(store.Sandboxes(), exec, sandbox.ManagerConfig{
		WorkerHost:  cfg.Sandbox.Host(),
		SettleDelay: cfg.Sandbox.SettleDelay(),
	}, logger, sbxMetrics)

	var builder *sandbox.Builder
	if provider != nil {
		builder = sandbox.NewBuilder(provider, manager, logger, sbxMetrics)
	}

	// Janitor.
	if cfg.Janitor != nil && cfg.Janitor.Enabled {
		var janMetrics janitor.Metrics
		if obs != nil && obs.Metrics != nil {
			janMetrics = obs.Metrics
		}
		jan := janitor.New(tasks, reg, janMetrics, logger, janitor.Config{
			Schedule:  cfg.Janitor.CronSchedule(),
			Retention: cfg.Janitor.Retention(),
		})
		if err := jan.Start(ctx); err != nil {
			return fmt.Errorf("starting janitor: %w", err)
		}
	}

	// HTTP gateway.
	httpCfg := httpapi.Config{ListenAddr: cfg.ListenAddr()}
	if obs != nil {
		httpCfg.Metrics = obs.Metrics
		httpCfg.HealthChecker = obs.Health
		if obs.Metrics != nil {
			httpCfg.MetricsRegistry = obs.Metrics.Registry
		}
		if obs.Tracer != nil {
			httpCfg.Tracer = obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}
	gw := httpapi.NewGateway(httpCfg, tasks, reg, manager, builder, logger)

	errs := make(chan error, 1)
	go func() { errs <- gw.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return gw.Stop(shutdownCtx)
}

// loadConfig reads the config file when present; a missing file falls back
// to environment-and-defaults so `kazi` runs without any setup.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func telegramConfig(cfg *config.Config) *config.TelegramConfig {
	if cfg.Notification == nil || cfg.Notification.Telegram == nil {
		return nil
	}
	if cfg.Notification.Telegram.BotToken == "" || cfg.Notification.Telegram.ChatID == "" {
		return nil
	}
	return cfg.Notification.Telegram
}

func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverJSONFile:
		return jsonfile.Open(cfg.StateDir(), logger)
	case storage.DriverSQLite:
		journalMode := "wal"
		if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlitestore.Open(sqlitestore.Config{
			Path:        cfg.DatabasePath(),
			JournalMode: journalMode,
		}, logger)
	case storage.DriverPostgres:
		dsn := cfg.Storage.Postgres.DSN
		if envDSN := os.Getenv("KAZI_DB_DSN"); envDSN != "" {
			dsn = envDSN
		}
		pgCfg := pgstore.Config{
			DSN:             dsn,
			MaxOpenConns:    cfg.Storage.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.Postgres.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second,
		}
		db, err := pgstore.Open(pgCfg, logger)
		if err != nil {
			return nil, err
		}
		return pgstore.NewStore(db), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}
