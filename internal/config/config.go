// Package config handles loading and validating Kazi configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Kazi.
type Config struct {
	Listen        string               `json:"listen,omitempty" yaml:"listen,omitempty"`       // HTTP listen address. Default: ":8080".
	MasterURL     string               `json:"master_url,omitempty" yaml:"master_url,omitempty"` // Base URL workers use to reach this server. Override: KAZI_MASTER_URL env var.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`   // Persistent data directory. Default: ~/.kazi/data. Override: KAZI_DATA_DIR env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`     // nil = JSON file store under the data directory.
	SSH           SSHConfig            `json:"ssh" yaml:"ssh"`
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Orchestrator  *OrchestratorConfig  `json:"orchestrator,omitempty" yaml:"orchestrator,omitempty"` // nil = defaults (5s poll).
	Registry      *RegistryConfig      `json:"registry,omitempty" yaml:"registry,omitempty"`         // nil = defaults (120s liveness).
	Sandbox       *SandboxConfig       `json:"sandbox,omitempty" yaml:"sandbox,omitempty"`           // nil = sandboxes target localhost.
	Notification  *NotificationConfig  `json:"notification,omitempty" yaml:"notification,omitempty"` // nil = notifications disabled.
	Janitor       *JanitorConfig       `json:"janitor,omitempty" yaml:"janitor,omitempty"`           // nil = janitor disabled.
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled.
}

// ListenAddr returns the HTTP listen address, defaulting to ":8080".
func (c *Config) ListenAddr() string {
	if c.Listen != "" {
		return c.Listen
	}
	return ":8080"
}

// Master returns the base URL workers report back to. When unset, it is
// derived from the listen address on localhost.
func (c *Config) Master() string {
	if c.MasterURL != "" {
		return strings.TrimSuffix(c.MasterURL, "/")
	}
	addr := c.ListenAddr()
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

// StorageConfig configures the persistence backend.
// When nil, defaults to a JSON file store under the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "jsonfile" (default), "sqlite", or "postgres".
	JSONFile *JSONFileStorageConfig `json:"jsonfile,omitempty" yaml:"jsonfile,omitempty"` // JSON file store settings.
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "jsonfile".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "jsonfile"
}

// JSONFileStorageConfig holds JSON file store settings.
type JSONFileStorageConfig struct {
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"` // State directory. Default: derived from data_dir.
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data_dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// SSHConfig configures the SSH executor used to reach workers.
type SSHConfig struct {
	KeyPath            string `json:"key_path,omitempty" yaml:"key_path,omitempty"`         // Private key path. Empty = ssh default identity.
	DefaultUser        string `json:"default_user,omitempty" yaml:"default_user,omitempty"` // Login user when a worker record has none. Default: root.
	ConnTimeoutSeconds int    `json:"conn_timeout_seconds" yaml:"conn_timeout_seconds"`     // Default: 10.
}

// ConnTimeout returns the SSH connect timeout.
func (s *SSHConfig) ConnTimeout() time.Duration {
	if s.ConnTimeoutSeconds > 0 {
		return time.Duration(s.ConnTimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// ProvidersConfig configures LLM providers.
type ProvidersConfig struct {
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
}

// AnthropicConfig holds Anthropic API settings. The API key can be set here
// or via the ANTHROPIC_API_KEY environment variable; the env var takes
// precedence. An empty key disables the LLM planner and the system falls
// back to the builtin planner.
type AnthropicConfig struct {
	APIKey    string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model     string `json:"model,omitempty" yaml:"model,omitempty"` // Default: claude-sonnet-4-20250514.
	MaxTokens int    `json:"max_tokens" yaml:"max_tokens"`           // Default: 16000.
}

// ModelName returns the configured model, defaulting to a current Sonnet.
func (a *AnthropicConfig) ModelName() string {
	if a.Model != "" {
		return a.Model
	}
	return "claude-sonnet-4-20250514"
}

// Tokens returns the max output tokens per request.
func (a *AnthropicConfig) Tokens() int {
	if a.MaxTokens > 0 {
		return a.MaxTokens
	}
	return 16000
}

// OrchestratorConfig configures the task orchestration loop.
type OrchestratorConfig struct {
	PollIntervalSeconds int    `json:"poll_interval_seconds" yaml:"poll_interval_seconds"` // Default: 5.
	ArtifactBase        string `json:"artifact_base,omitempty" yaml:"artifact_base,omitempty"` // Default: data_dir/artifacts.
}

// PollInterval returns the queue polling interval.
func (o *OrchestratorConfig) PollInterval() time.Duration {
	if o != nil && o.PollIntervalSeconds > 0 {
		return time.Duration(o.PollIntervalSeconds) * time.Second
	}
	return 5 * time.Second
}

// RegistryConfig configures worker liveness tracking.
type RegistryConfig struct {
	LivenessWindowSeconds int                   `json:"liveness_window_seconds" yaml:"liveness_window_seconds"` // Default: 120.
	Fallback              *FallbackWorkerConfig `json:"fallback,omitempty" yaml:"fallback,omitempty"`           // Static worker used when none are live.
}

// LivenessWindow returns the heartbeat window, defaulting to two minutes.
func (r *RegistryConfig) LivenessWindow() time.Duration {
	if r != nil && r.LivenessWindowSeconds > 0 {
		return time.Duration(r.LivenessWindowSeconds) * time.Second
	}
	return 120 * time.Second
}

// FallbackWorkerConfig describes the static worker the orchestrator assigns
// work to when no live worker has sent a heartbeat.
type FallbackWorkerConfig struct {
	ID   string `json:"id" yaml:"id"`
	Host string `json:"host" yaml:"host"`
	User string `json:"user,omitempty" yaml:"user,omitempty"`
	Role string `json:"role,omitempty" yaml:"role,omitempty"`
}

// SandboxConfig configures remote sandbox provisioning.
type SandboxConfig struct {
	WorkerHost         string `json:"worker_host,omitempty" yaml:"worker_host,omitempty"` // Host sandboxes are deployed to. Default: localhost.
	SettleDelaySeconds int    `json:"settle_delay_seconds" yaml:"settle_delay_seconds"`   // Wait before probing a started service. Default: 4.
}

// Host returns the sandbox worker host, defaulting to localhost.
func (s *SandboxConfig) Host() string {
	if s != nil && s.WorkerHost != "" {
		return s.WorkerHost
	}
	return "localhost"
}

// SettleDelay returns the post-start settle delay.
func (s *SandboxConfig) SettleDelay() time.Duration {
	if s != nil && s.SettleDelaySeconds > 0 {
		return time.Duration(s.SettleDelaySeconds) * time.Second
	}
	return 4 * time.Second
}

// NotificationConfig configures outbound notification senders.
// When nil, notifications are disabled.
type NotificationConfig struct {
	Telegram *TelegramConfig `json:"telegram,omitempty" yaml:"telegram,omitempty"`
}

// TelegramConfig holds Telegram bot credentials. The bot token can be set
// here or via the TELEGRAM_BOT_TOKEN environment variable.
type TelegramConfig struct {
	BotToken string `json:"bot_token,omitempty" yaml:"bot_token,omitempty"`
	ChatID   string `json:"chat_id" yaml:"chat_id"`
}

// JanitorConfig configures periodic cleanup of terminal tasks.
type JanitorConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	Schedule       string `json:"schedule,omitempty" yaml:"schedule,omitempty"` // Cron expression. Default: "@every 10m".
	RetentionHours int    `json:"retention_hours" yaml:"retention_hours"`       // Default: 72.
}

// CronSchedule returns the janitor cron spec.
func (j *JanitorConfig) CronSchedule() string {
	if j != nil && j.Schedule != "" {
		return j.Schedule
	}
	return "@every 10m"
}

// Retention returns how long terminal tasks are kept.
func (j *JanitorConfig) Retention() time.Duration {
	if j != nil && j.RetentionHours > 0 {
		return time.Duration(j.RetentionHours) * time.Hour
	}
	return 72 * time.Hour
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "kazi"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0 to 1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB bool `json:"include_db" yaml:"include_db"`
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.kazi/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/kazi.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".kazi", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Provider API keys and bot tokens can be set in the config
// file or overridden by environment variables. Environment variables take
// precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns a runnable configuration without a config file, built from
// environment variables and defaults alone.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	return cfg
}

// applyEnv applies environment variable overrides. Env vars take precedence
// over config file values.
func (c *Config) applyEnv() {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		c.Providers.Anthropic.APIKey = envKey
	}
	if envKey := os.Getenv("TELEGRAM_BOT_TOKEN"); envKey != "" {
		if c.Notification == nil {
			c.Notification = &NotificationConfig{}
		}
		if c.Notification.Telegram == nil {
			c.Notification.Telegram = &TelegramConfig{}
		}
		c.Notification.Telegram.BotToken = envKey
	}
	if envID := os.Getenv("TELEGRAM_CHAT_ID"); envID != "" {
		if c.Notification != nil && c.Notification.Telegram != nil {
			c.Notification.Telegram.ChatID = envID
		}
	}
	if envURL := os.Getenv("KAZI_MASTER_URL"); envURL != "" {
		c.MasterURL = envURL
	}
	if envDD := os.Getenv("KAZI_DATA_DIR"); envDD != "" {
		c.DataDir = envDD
	}

	// Resolve DataDir default.
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".kazi", "data")
		}
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".kazi", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// StateDir returns the JSON file store directory.
func (c *Config) StateDir() string {
	if c.Storage != nil && c.Storage.JSONFile != nil && c.Storage.JSONFile.Dir != "" {
		return c.Storage.JSONFile.Dir
	}
	return filepath.Join(c.ResolvedDataDir(), "state")
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "kazi.db")
}

// ArtifactDir returns the orchestrator artifact base directory.
func (c *Config) ArtifactDir() string {
	if c.Orchestrator != nil && c.Orchestrator.ArtifactBase != "" {
		return c.Orchestrator.ArtifactBase
	}
	return filepath.Join(c.ResolvedDataDir(), "artifacts")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

// PlannerEnabled reports whether the LLM planner is configured.
func (c *Config) PlannerEnabled() bool {
	return c.Providers.Anthropic.APIKey != ""
}

func (c *Config) validate() error {
	switch driver := c.Storage.StorageDriver(); driver {
	case "jsonfile", "sqlite":
		// valid
	case "postgres":
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use jsonfile, sqlite, or postgres)", driver)
	}
	if c.Notification != nil && c.Notification.Telegram != nil {
		tg := c.Notification.Telegram
		if tg.BotToken != "" && tg.ChatID == "" {
			return fmt.Errorf("notification.telegram.chat_id is required (set TELEGRAM_CHAT_ID env var)")
		}
	}
	if c.Registry != nil && c.Registry.Fallback != nil {
		fb := c.Registry.Fallback
		if fb.ID == "" || fb.Host == "" {
			return fmt.Errorf("registry.fallback requires id and host")
		}
	}
	if o := c.Orchestrator; o != nil && o.PollIntervalSeconds < 0 {
		return fmt.Errorf("orchestrator.poll_interval_seconds must not be negative")
	}
	if j := c.Janitor; j != nil && j.RetentionHours < 0 {
		return fmt.Errorf("janitor.retention_hours must not be negative")
	}
	return nil
}
