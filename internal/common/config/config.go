// Package config provides configuration management for taskdeck.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for taskdeck.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Events   EventsConfig   `mapstructure:"events"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Forge    ForgeConfig    `mapstructure:"forge"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StorageConfig holds on-disk layout and database driver selection.
type StorageConfig struct {
	// DataDir is the root for everything taskdeck writes (default: ~/.taskdeck).
	DataDir string `mapstructure:"dataDir"`
	// ReposDir holds one bare clone per repository URL.
	ReposDir string `mapstructure:"reposDir"`
	// WorktreesDir holds one worktree per task.
	WorktreesDir string `mapstructure:"worktreesDir"`
	// SecretsDir holds the encrypted secret blob and its key file.
	SecretsDir string `mapstructure:"secretsDir"`
	// Driver selects the task store backend: sqlite (default) or postgres.
	Driver string `mapstructure:"driver"`
	// SQLitePath is the database file used when driver is sqlite.
	SQLitePath string `mapstructure:"sqlitePath"`
}

// DatabaseConfig holds PostgreSQL connection configuration, used only when
// storage.driver is postgres.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// EventsConfig holds event hub and bus configuration.
type EventsConfig struct {
	// Transport selects the bus implementation: memory (default) or nats.
	Transport string `mapstructure:"transport"`
	// HeartbeatInterval is the keep-alive cadence on event streams, in seconds.
	HeartbeatInterval int `mapstructure:"heartbeatInterval"`
	// LogBufferSize bounds the per-task log ring; oldest entries drop on overflow.
	LogBufferSize int `mapstructure:"logBufferSize"`
	// SubscriberBuffer is the per-subscriber channel depth before a slow
	// subscriber is dropped.
	SubscriberBuffer int `mapstructure:"subscriberBuffer"`
}

// NATSConfig holds NATS messaging configuration, used when events.transport is nats.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds agent runner configuration.
type AgentConfig struct {
	// RunTimeout is the initial deadline for one agent run, in seconds.
	RunTimeout int `mapstructure:"runTimeout"`
	// ExtendBy is added to a running agent's deadline per extend call, in seconds.
	ExtendBy int `mapstructure:"extendBy"`
	// HeartbeatInterval is the cadence of synthetic liveness log lines for
	// backends that buffer their output, in seconds.
	HeartbeatInterval int `mapstructure:"heartbeatInterval"`
	// DefaultCLI is the global default CLI backend id (claude, codex,
	// copilot, gemini). Empty means no CLI preference.
	DefaultCLI string `mapstructure:"defaultCli"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// Token, when set, is required as a bearer token on every request.
	Token string `mapstructure:"token"`
}

// ForgeConfig holds fallback forge credentials used when the secret store is empty.
type ForgeConfig struct {
	GitHubToken string `mapstructure:"githubToken"`
	GitLabToken string `mapstructure:"gitlabToken"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RunTimeoutDuration returns the initial agent deadline as a time.Duration.
func (a *AgentConfig) RunTimeoutDuration() time.Duration {
	return time.Duration(a.RunTimeout) * time.Second
}

// ExtendByDuration returns the deadline extension increment as a time.Duration.
func (a *AgentConfig) ExtendByDuration() time.Duration {
	return time.Duration(a.ExtendBy) * time.Second
}

// HeartbeatDuration returns the synthetic heartbeat cadence as a time.Duration.
func (a *AgentConfig) HeartbeatDuration() time.Duration {
	return time.Duration(a.HeartbeatInterval) * time.Second
}

// HeartbeatDuration returns the stream keep-alive cadence as a time.Duration.
func (e *EventsConfig) HeartbeatDuration() time.Duration {
	return time.Duration(e.HeartbeatInterval) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// detectDefaultLogFormat returns json for production-looking environments and
// a human-readable console format for terminals.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TASKDECK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskdeck"
	}
	return filepath.Join(home, ".taskdeck")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	dataDir := defaultDataDir()

	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Storage defaults
	v.SetDefault("storage.dataDir", dataDir)
	v.SetDefault("storage.reposDir", filepath.Join(dataDir, "repos"))
	v.SetDefault("storage.worktreesDir", filepath.Join(dataDir, "worktrees"))
	v.SetDefault("storage.secretsDir", filepath.Join(dataDir, "secrets"))
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlitePath", filepath.Join(dataDir, "taskdeck.db"))

	// Database defaults (postgres option)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "taskdeck")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "taskdeck")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Events defaults
	v.SetDefault("events.transport", "memory")
	v.SetDefault("events.heartbeatInterval", 15)
	v.SetDefault("events.logBufferSize", 2000)
	v.SetDefault("events.subscriberBuffer", 64)

	// NATS defaults - empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent defaults
	v.SetDefault("agent.runTimeout", 300)
	v.SetDefault("agent.extendBy", 300)
	v.SetDefault("agent.heartbeatInterval", 15)
	v.SetDefault("agent.defaultCli", "")

	// Auth defaults - empty token means no authentication
	v.SetDefault("auth.token", "")

	// Forge defaults
	v.SetDefault("forge.githubToken", "")
	v.SetDefault("forge.gitlabToken", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TASKDECK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/taskdeck/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("TASKDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the documented bare env names and for camelCase
	// config keys AutomaticEnv cannot derive.
	_ = v.BindEnv("server.port", "PORT", "TASKDECK_SERVER_PORT")
	_ = v.BindEnv("auth.token", "AUTH_TOKEN", "TASKDECK_AUTH_TOKEN")
	_ = v.BindEnv("storage.reposDir", "REPOS_BASE_DIR", "TASKDECK_STORAGE_REPOS_DIR")
	_ = v.BindEnv("storage.worktreesDir", "WORKTREES_DIR", "TASKDECK_STORAGE_WORKTREES_DIR")
	_ = v.BindEnv("storage.secretsDir", "SECRETS_DIR", "TASKDECK_STORAGE_SECRETS_DIR")
	_ = v.BindEnv("storage.sqlitePath", "TASKDECK_DB_PATH")
	_ = v.BindEnv("storage.driver", "TASKDECK_DB_DRIVER")
	_ = v.BindEnv("forge.githubToken", "GITHUB_TOKEN", "TASKDECK_FORGE_GITHUB_TOKEN")
	_ = v.BindEnv("forge.gitlabToken", "GITLAB_TOKEN", "TASKDECK_FORGE_GITLAB_TOKEN")
	_ = v.BindEnv("agent.defaultCli", "TASKDECK_AGENT_DEFAULT_CLI")
	_ = v.BindEnv("agent.runTimeout", "TASKDECK_AGENT_RUN_TIMEOUT")
	_ = v.BindEnv("agent.extendBy", "TASKDECK_AGENT_EXTEND_BY")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskdeck/")

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
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Storage.Driver {
	case "sqlite":
		if cfg.Storage.SQLitePath == "" {
			errs = append(errs, "storage.sqlitePath is required when storage.driver is sqlite")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required when storage.driver is postgres")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when storage.driver is postgres")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when storage.driver is postgres")
		}
	default:
		errs = append(errs, "storage.driver must be one of: sqlite, postgres")
	}

	switch cfg.Events.Transport {
	case "memory":
	case "nats":
		if cfg.NATS.URL == "" {
			errs = append(errs, "nats.url is required when events.transport is nats")
		}
	default:
		errs = append(errs, "events.transport must be one of: memory, nats")
	}
	if cfg.Events.HeartbeatInterval <= 0 {
		errs = append(errs, "events.heartbeatInterval must be positive")
	}
	if cfg.Events.LogBufferSize <= 0 {
		errs = append(errs, "events.logBufferSize must be positive")
	}
	if cfg.Events.SubscriberBuffer <= 0 {
		errs = append(errs, "events.subscriberBuffer must be positive")
	}

	if cfg.Agent.RunTimeout <= 0 {
		errs = append(errs, "agent.runTimeout must be positive")
	}
	if cfg.Agent.ExtendBy <= 0 {
		errs = append(errs, "agent.extendBy must be positive")
	}
	if cfg.Agent.HeartbeatInterval <= 0 {
		errs = append(errs, "agent.heartbeatInterval must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
