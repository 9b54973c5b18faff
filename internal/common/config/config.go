// Package config provides configuration management for Tandem.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Tandem.
type Config struct {
	Storage     StorageConfig     `mapstructure:"storage"`
	Snapshot    SnapshotConfig    `mapstructure:"snapshot"`
	Events      EventsConfig      `mapstructure:"events"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Permissions PermissionsConfig `mapstructure:"permissions"`
	MCP         MCPConfig         `mapstructure:"mcp"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// StorageConfig holds persistent store configuration.
// Driver selects the backing implementation: "sqlite" (default), "postgres",
// or "memory" for ephemeral runs.
type StorageConfig struct {
	Driver   string         `mapstructure:"driver"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig holds SQLite connection configuration.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// SnapshotConfig holds snapshot layer configuration.
// Backend selects "git" (shadow repository per session) or "memory" (tests).
type SnapshotConfig struct {
	Backend string `mapstructure:"backend"`
	DataDir string `mapstructure:"dataDir"` // shadow git dirs live under <dataDir>/snapshots
}

// EventsConfig holds event bus configuration.
// An empty NATS URL means events stay on the in-process bus only.
type EventsConfig struct {
	QueueSize        int    `mapstructure:"queueSize"` // per-subscriber bounded queue
	NATSURL          string `mapstructure:"natsUrl"`
	NATSClientID     string `mapstructure:"natsClientId"`
	NATSMaxReconnect int    `mapstructure:"natsMaxReconnects"`
}

// AgentConfig holds agent loop configuration.
type AgentConfig struct {
	DefaultModel    string `mapstructure:"defaultModel"`
	RunTimeout      int    `mapstructure:"runTimeout"`  // per-run deadline in seconds
	MaxSteps        int    `mapstructure:"maxSteps"`    // provider iterations per run
	ToolTimeout     int    `mapstructure:"toolTimeout"` // per-tool-call deadline in seconds
	AnthropicAPIKey string `mapstructure:"anthropicApiKey"`
}

// PermissionsConfig holds permission broker configuration.
type PermissionsConfig struct {
	PolicyPath     string `mapstructure:"policyPath"`     // YAML rules file; empty means no rules
	DefaultMode    string `mapstructure:"defaultMode"`    // ask, allow, deny
	RequestTimeout int    `mapstructure:"requestTimeout"` // seconds to wait for a response
}

// MCPConfig lists external MCP servers whose tools join the registry.
type MCPConfig struct {
	Servers []MCPServerConfig `mapstructure:"servers"`
}

// MCPServerConfig describes one stdio MCP server.
type MCPServerConfig struct {
	Name    string            `mapstructure:"name"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
}

// TracingConfig holds OpenTelemetry configuration.
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"` // OTLP HTTP endpoint; empty disables tracing
	ServiceName string `mapstructure:"serviceName"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RunTimeoutDuration returns the per-run deadline as a time.Duration.
func (a *AgentConfig) RunTimeoutDuration() time.Duration {
	return time.Duration(a.RunTimeout) * time.Second
}

// ToolTimeoutDuration returns the per-tool-call deadline as a time.Duration.
func (a *AgentConfig) ToolTimeoutDuration() time.Duration {
	return time.Duration(a.ToolTimeout) * time.Second
}

// RequestTimeoutDuration returns the permission response wait as a time.Duration.
func (p *PermissionsConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(p.RequestTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("TANDEM_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Storage defaults
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "~/.tandem/tandem.db")
	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.postgres.user", "tandem")
	v.SetDefault("storage.postgres.password", "")
	v.SetDefault("storage.postgres.dbName", "tandem")
	v.SetDefault("storage.postgres.sslMode", "disable")
	v.SetDefault("storage.postgres.maxConns", 25)
	v.SetDefault("storage.postgres.minConns", 5)

	// Snapshot defaults
	v.SetDefault("snapshot.backend", "git")
	v.SetDefault("snapshot.dataDir", "~/.tandem")

	// Events defaults - empty NATS URL means in-process bus only
	v.SetDefault("events.queueSize", 64)
	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.natsClientId", "tandem")
	v.SetDefault("events.natsMaxReconnects", 10)

	// Agent defaults
	v.SetDefault("agent.defaultModel", "claude-sonnet-4-5")
	v.SetDefault("agent.runTimeout", 600) // 10 minutes
	v.SetDefault("agent.maxSteps", 50)
	v.SetDefault("agent.toolTimeout", 120) // 2 minutes
	v.SetDefault("agent.anthropicApiKey", "")

	// Permissions defaults
	v.SetDefault("permissions.policyPath", "")
	v.SetDefault("permissions.defaultMode", "ask")
	v.SetDefault("permissions.requestTimeout", 300) // 5 minutes

	// Tracing defaults - disabled unless an endpoint is provided
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.serviceName", "tandemd")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TANDEM_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.tandem/, or /etc/tandem/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("TANDEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("agent.anthropicApiKey", "ANTHROPIC_API_KEY", "TANDEM_AGENT_ANTHROPIC_API_KEY")
	_ = v.BindEnv("agent.defaultModel", "TANDEM_AGENT_DEFAULT_MODEL")
	_ = v.BindEnv("events.natsUrl", "TANDEM_EVENTS_NATS_URL")
	_ = v.BindEnv("storage.sqlite.path", "TANDEM_STORAGE_SQLITE_PATH")
	_ = v.BindEnv("tracing.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT", "TANDEM_TRACING_ENDPOINT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.tandem/")
	}
	v.AddConfigPath("/etc/tandem/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Storage validation
	switch cfg.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, "storage.driver must be one of: memory, sqlite, postgres")
	}
	if cfg.Storage.Driver == "sqlite" && cfg.Storage.SQLite.Path == "" {
		errs = append(errs, "storage.sqlite.path is required when storage.driver is sqlite")
	}
	if cfg.Storage.Driver == "postgres" {
		if cfg.Storage.Postgres.Port <= 0 || cfg.Storage.Postgres.Port > 65535 {
			errs = append(errs, "storage.postgres.port must be between 1 and 65535")
		}
		if cfg.Storage.Postgres.User == "" {
			errs = append(errs, "storage.postgres.user is required when storage.driver is postgres")
		}
		if cfg.Storage.Postgres.DBName == "" {
			errs = append(errs, "storage.postgres.dbName is required when storage.driver is postgres")
		}
	}

	// Snapshot validation
	switch cfg.Snapshot.Backend {
	case "git", "memory":
	default:
		errs = append(errs, "snapshot.backend must be one of: git, memory")
	}

	// Events validation - NATS optional (in-process bus if URL empty)
	if cfg.Events.QueueSize < 1 {
		errs = append(errs, "events.queueSize must be positive")
	}

	// Agent validation
	if cfg.Agent.RunTimeout <= 0 {
		errs = append(errs, "agent.runTimeout must be positive")
	}
	if cfg.Agent.MaxSteps <= 0 {
		errs = append(errs, "agent.maxSteps must be positive")
	}
	if cfg.Agent.ToolTimeout <= 0 {
		errs = append(errs, "agent.toolTimeout must be positive")
	}

	// MCP validation
	for _, server := range cfg.MCP.Servers {
		if server.Name == "" || server.Command == "" {
			errs = append(errs, "mcp.servers entries require name and command")
			break
		}
	}

	// Permissions validation
	switch cfg.Permissions.DefaultMode {
	case "ask", "allow", "deny":
	default:
		errs = append(errs, "permissions.defaultMode must be one of: ask, allow, deny")
	}
	if cfg.Permissions.RequestTimeout <= 0 {
		errs = append(errs, "permissions.requestTimeout must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode,
	)
}

// ExpandPath expands a leading ~ in path to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") || path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			if path == "~" {
				return home
			}
			return home + path[1:]
		}
	}
	return path
}
