// Package config provides configuration management for agentdock.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentdock.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Session   SessionConfig   `mapstructure:"session"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Discord   DiscordConfig   `mapstructure:"discord"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	MCP       MCPConfig       `mapstructure:"mcp"`
	Tasks     TasksConfig     `mapstructure:"tasks"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	// PublicURL is the externally reachable base URL, used to build
	// websocket URLs returned to clients. Defaults to http://localhost:{port}.
	PublicURL string `mapstructure:"publicUrl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DatabaseConfig holds database connection configuration.
// Driver selects the backend: "sqlite" (default) or "postgres".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// RedisConfig holds the live-state bus configuration.
// An empty URL selects the in-process bus (single-node development mode).
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// NATSConfig holds NATS messaging configuration for domain events.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client and worker container configuration.
type DockerConfig struct {
	Host          string `mapstructure:"host"`
	APIVersion    string `mapstructure:"apiVersion"`
	Image         string `mapstructure:"image"`
	Network       string `mapstructure:"network"`
	MemoryLimit   string `mapstructure:"memoryLimit"` // e.g. "2g"
	CPULimit      float64
	WorkspaceRoot string `mapstructure:"workspaceRoot"`
	// RedisURL and GatewayURL as seen from inside worker containers.
	// These usually differ from the gateway's own view (container DNS names).
	WorkerRedisURL   string `mapstructure:"workerRedisUrl"`
	WorkerGatewayURL string `mapstructure:"workerGatewayUrl"`
	AgentBinary      string `mapstructure:"agentBinary"`
}

// SessionConfig holds session lifecycle limits and timeouts.
type SessionConfig struct {
	StartupTimeout   int `mapstructure:"startupTimeoutSeconds"`
	IdleTimeout      int `mapstructure:"idleTimeoutSeconds"`
	RequestTimeout   int `mapstructure:"requestTimeoutSeconds"`
	MaxSpawnDepth    int `mapstructure:"maxSpawnDepth"`
	MaxChildren      int `mapstructure:"maxChildrenPerSession"`
	MaxTotalInstance int `mapstructure:"maxTotalInstances"`
}

// SchedulerConfig holds cron scheduler configuration.
type SchedulerConfig struct {
	MisfireGrace int `mapstructure:"misfireGraceSeconds"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwtSecret"`
	TokenDuration int    `mapstructure:"tokenDuration"` // in seconds
}

// StorageConfig holds object storage (S3 compatible) configuration.
// An empty endpoint disables snapshots and artifacts.
type StorageConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"accessKey"`
	SecretKey string `mapstructure:"secretKey"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"useSsl"`
}

// DiscordConfig holds the Discord bot bridge configuration.
type DiscordConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BotURL  string `mapstructure:"botUrl"`
	Channel string `mapstructure:"channel"`
}

// NotifyConfig holds push notification configuration.
type NotifyConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	APIURL   string `mapstructure:"apiUrl"`
	APIToken string `mapstructure:"apiToken"`
	UserKey  string `mapstructure:"userKey"`
}

// MCPConfig holds the embedded MCP tool server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// TasksConfig holds task subsystem configuration.
type TasksConfig struct {
	// SeedFile points to a YAML file of task definitions loaded at startup.
	// Definitions are created only if no task with the same name exists.
	SeedFile string `mapstructure:"seedFile"`
}

// TracingConfig holds OpenTelemetry configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TokenDurationTime returns the token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// StartupTimeoutDuration returns the session startup timeout as a time.Duration.
func (s *SessionConfig) StartupTimeoutDuration() time.Duration {
	return time.Duration(s.StartupTimeout) * time.Second
}

// RequestTimeoutDuration returns the blocking-chat timeout as a time.Duration.
func (s *SessionConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(s.RequestTimeout) * time.Second
}

// MisfireGraceDuration returns the scheduler misfire grace as a time.Duration.
func (s *SchedulerConfig) MisfireGraceDuration() time.Duration {
	return time.Duration(s.MisfireGrace) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTDOCK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.publicUrl", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Database defaults - sqlite file in the working directory
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "agentdock.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentdock")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agentdock")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Redis defaults - empty URL means use the in-process bus
	v.SetDefault("redis.url", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentdock-gateway")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.image", "agentdock-worker:latest")
	v.SetDefault("docker.network", "agentdock-internal")
	v.SetDefault("docker.memoryLimit", "2g")
	v.SetDefault("docker.cpuLimit", 2.0)
	v.SetDefault("docker.workspaceRoot", "/var/lib/agentdock/workspaces")
	v.SetDefault("docker.workerRedisUrl", "redis://redis:6379/0")
	v.SetDefault("docker.workerGatewayUrl", "http://gateway:8080")
	v.SetDefault("docker.agentBinary", "agent")

	// Session lifecycle defaults
	v.SetDefault("session.startupTimeoutSeconds", 60)
	v.SetDefault("session.idleTimeoutSeconds", 300)
	v.SetDefault("session.requestTimeoutSeconds", 600)
	v.SetDefault("session.maxSpawnDepth", 5)
	v.SetDefault("session.maxChildrenPerSession", 10)
	v.SetDefault("session.maxTotalInstances", 50)

	// Scheduler defaults
	v.SetDefault("scheduler.misfireGraceSeconds", 300)

	// Auth defaults
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 3600) // 1 hour

	// Storage defaults - disabled unless endpoint is set
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.accessKey", "")
	v.SetDefault("storage.secretKey", "")
	v.SetDefault("storage.bucket", "agentdock")
	v.SetDefault("storage.useSsl", false)

	// Discord defaults
	v.SetDefault("discord.enabled", false)
	v.SetDefault("discord.botUrl", "")
	v.SetDefault("discord.channel", "")

	// Notify defaults
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.apiUrl", "https://api.pushover.net/1/messages.json")
	v.SetDefault("notify.apiToken", "")
	v.SetDefault("notify.userKey", "")

	// MCP server defaults
	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 9090)

	// Tasks defaults
	v.SetDefault("tasks.seedFile", "")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTDOCK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ./config, or /etc/agentdock/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTDOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("server.publicUrl", "AGENTDOCK_SERVER_PUBLIC_URL")
	_ = v.BindEnv("docker.workspaceRoot", "AGENTDOCK_DOCKER_WORKSPACE_ROOT")
	_ = v.BindEnv("docker.workerRedisUrl", "AGENTDOCK_DOCKER_WORKER_REDIS_URL")
	_ = v.BindEnv("docker.workerGatewayUrl", "AGENTDOCK_DOCKER_WORKER_GATEWAY_URL")
	_ = v.BindEnv("docker.agentBinary", "AGENTDOCK_DOCKER_AGENT_BINARY")
	_ = v.BindEnv("docker.memoryLimit", "AGENTDOCK_DOCKER_MEMORY_LIMIT")
	_ = v.BindEnv("auth.jwtSecret", "AGENTDOCK_AUTH_JWT_SECRET")
	_ = v.BindEnv("tasks.seedFile", "AGENTDOCK_TASKS_SEED_FILE")
	_ = v.BindEnv("storage.accessKey", "AGENTDOCK_STORAGE_ACCESS_KEY")
	_ = v.BindEnv("storage.secretKey", "AGENTDOCK_STORAGE_SECRET_KEY")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/agentdock/")

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
	cfg.Docker.CPULimit = v.GetFloat64("docker.cpuLimit")

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Session.MaxSpawnDepth <= 0 {
		errs = append(errs, "session.maxSpawnDepth must be positive")
	}
	if cfg.Session.MaxChildren <= 0 {
		errs = append(errs, "session.maxChildrenPerSession must be positive")
	}
	if cfg.Session.MaxTotalInstance <= 0 {
		errs = append(errs, "session.maxTotalInstances must be positive")
	}
	if cfg.Session.StartupTimeout <= 0 {
		errs = append(errs, "session.startupTimeoutSeconds must be positive")
	}
	if cfg.Scheduler.MisfireGrace < 0 {
		errs = append(errs, "scheduler.misfireGraceSeconds must not be negative")
	}

	// Auth validation - generate random secret if not set (dev mode)
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Discord.Enabled && cfg.Discord.BotURL == "" {
		errs = append(errs, "discord.botUrl is required when discord.enabled is true")
	}
	if cfg.Storage.Endpoint != "" && cfg.Storage.Bucket == "" {
		errs = append(errs, "storage.bucket is required when storage.endpoint is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	// In production, users should set AGENTDOCK_AUTH_JWT_SECRET
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
