// Package config provides configuration management for the coordinator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the coordinator.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Session  SessionConfig  `mapstructure:"session"`
	Agents   AgentsConfig   `mapstructure:"agents"`
	Tasks    TasksConfig    `mapstructure:"tasks"`
	Backends BackendsConfig `mapstructure:"backends"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds transport configuration.
type ServerConfig struct {
	// InterfaceMode selects which transports are served: stdio, http, websocket, remote, all
	InterfaceMode string `mapstructure:"interfaceMode"`
	HTTPPort      int    `mapstructure:"httpPort"`
	WSPort        int    `mapstructure:"wsPort"`
	// ProtocolVersion is the date-stamped MCP protocol version advertised on initialize
	ProtocolVersion string `mapstructure:"protocolVersion"`
	// RequestTimeout is the end-to-end ceiling for a single MCP request, in seconds
	RequestTimeout int `mapstructure:"requestTimeout"`
}

// NATSConfig holds NATS JetStream configuration for the durable event log.
// An empty host means the in-memory event log is used (no crash recovery).
type NATSConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	// RetentionDays controls how long event streams are kept (default 7)
	RetentionDays int `mapstructure:"retentionDays"`
	// AppendTimeout bounds how long a durable append may block, in seconds
	AppendTimeout int `mapstructure:"appendTimeout"`
}

// SessionConfig holds session token configuration.
type SessionConfig struct {
	TTL int `mapstructure:"ttl"` // in seconds
}

// AgentsConfig holds agent liveness configuration.
type AgentsConfig struct {
	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // in seconds
	StaleThreshold    int `mapstructure:"staleThreshold"`    // in seconds
	IdleThreshold     int `mapstructure:"idleThreshold"`     // in seconds
	InboxCap          int `mapstructure:"inboxCap"`
}

// TasksConfig holds task registry configuration.
type TasksConfig struct {
	// BoardRetention caps how many terminal tasks stay visible on the board
	BoardRetention int `mapstructure:"boardRetention"`
}

// BackendsConfig locates the external MCP server configuration document.
type BackendsConfig struct {
	ConfigPath string `mapstructure:"configPath"`
	// CallTimeout is the default per-call timeout for backend requests, in seconds
	CallTimeout int `mapstructure:"callTimeout"`
	// PendingCap bounds in-flight requests per backend
	PendingCap int `mapstructure:"pendingCap"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// URL builds the NATS connection URL from host and port.
func (n *NATSConfig) URL() string {
	if n.Host == "" {
		return ""
	}
	return fmt.Sprintf("nats://%s:%d", n.Host, n.Port)
}

// Retention returns the stream retention as a time.Duration.
func (n *NATSConfig) Retention() time.Duration {
	return time.Duration(n.RetentionDays) * 24 * time.Hour
}

// AppendTimeoutDuration returns the append timeout as a time.Duration.
func (n *NATSConfig) AppendTimeoutDuration() time.Duration {
	return time.Duration(n.AppendTimeout) * time.Second
}

// TTLDuration returns the session TTL as a time.Duration.
func (s *SessionConfig) TTLDuration() time.Duration {
	return time.Duration(s.TTL) * time.Second
}

// HeartbeatIntervalDuration returns the heartbeat tick as a time.Duration.
func (a *AgentsConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(a.HeartbeatInterval) * time.Second
}

// StaleThresholdDuration returns the stale threshold as a time.Duration.
func (a *AgentsConfig) StaleThresholdDuration() time.Duration {
	return time.Duration(a.StaleThreshold) * time.Second
}

// IdleThresholdDuration returns the idle threshold as a time.Duration.
func (a *AgentsConfig) IdleThresholdDuration() time.Duration {
	return time.Duration(a.IdleThreshold) * time.Second
}

// RequestTimeoutDuration returns the request ceiling as a time.Duration.
func (s *ServerConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(s.RequestTimeout) * time.Second
}

// CallTimeoutDuration returns the backend call timeout as a time.Duration.
func (b *BackendsConfig) CallTimeoutDuration() time.Duration {
	return time.Duration(b.CallTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("COORD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.interfaceMode", "stdio")
	v.SetDefault("server.httpPort", 8700)
	v.SetDefault("server.wsPort", 8701)
	v.SetDefault("server.protocolVersion", "2025-03-26")
	v.SetDefault("server.requestTimeout", 60)

	// NATS defaults - empty host means use the in-memory event log
	v.SetDefault("nats.host", "")
	v.SetDefault("nats.port", 4222)
	v.SetDefault("nats.clientId", "agent-coordinator")
	v.SetDefault("nats.maxReconnects", 10)
	v.SetDefault("nats.retentionDays", 7)
	v.SetDefault("nats.appendTimeout", 5)

	// Session defaults
	v.SetDefault("session.ttl", 3600)

	// Agent liveness defaults
	v.SetDefault("agents.heartbeatInterval", 15)
	v.SetDefault("agents.staleThreshold", 90)
	v.SetDefault("agents.idleThreshold", 30)
	v.SetDefault("agents.inboxCap", 1024)

	// Task defaults
	v.SetDefault("tasks.boardRetention", 100)

	// Backend defaults
	v.SetDefault("backends.configPath", "")
	v.SetDefault("backends.callTimeout", 30)
	v.SetDefault("backends.pendingCap", 64)

	// Logging defaults - stderr so the stdio transport owns stdout
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix COORD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agent-coordinator/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("COORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the unprefixed env vars the launcher scripts set.
	// AutomaticEnv does not handle camelCase keys or foreign prefixes.
	_ = v.BindEnv("server.interfaceMode", "MCP_INTERFACE_MODE", "COORD_SERVER_INTERFACE_MODE")
	_ = v.BindEnv("server.httpPort", "MCP_HTTP_PORT", "COORD_SERVER_HTTP_PORT")
	_ = v.BindEnv("server.wsPort", "MCP_WS_PORT", "COORD_SERVER_WS_PORT")
	_ = v.BindEnv("nats.host", "NATS_HOST", "COORD_NATS_HOST")
	_ = v.BindEnv("nats.port", "NATS_PORT", "COORD_NATS_PORT")
	_ = v.BindEnv("backends.configPath", "MCP_SERVERS_CONFIG", "COORD_BACKENDS_CONFIG_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agent-coordinator/")

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

	validModes := map[string]bool{"stdio": true, "http": true, "websocket": true, "remote": true, "all": true}
	if !validModes[strings.ToLower(cfg.Server.InterfaceMode)] {
		errs = append(errs, "server.interfaceMode must be one of: stdio, http, websocket, remote, all")
	}
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		errs = append(errs, "server.httpPort must be between 1 and 65535")
	}
	if cfg.Server.WSPort <= 0 || cfg.Server.WSPort > 65535 {
		errs = append(errs, "server.wsPort must be between 1 and 65535")
	}
	if cfg.Server.RequestTimeout <= 0 {
		errs = append(errs, "server.requestTimeout must be positive")
	}

	if cfg.NATS.Host != "" {
		if cfg.NATS.Port <= 0 || cfg.NATS.Port > 65535 {
			errs = append(errs, "nats.port must be between 1 and 65535")
		}
	}
	if cfg.NATS.RetentionDays <= 0 {
		errs = append(errs, "nats.retentionDays must be positive")
	}

	if cfg.Session.TTL <= 0 {
		errs = append(errs, "session.ttl must be positive")
	}
	if cfg.Agents.HeartbeatInterval <= 0 {
		errs = append(errs, "agents.heartbeatInterval must be positive")
	}
	if cfg.Agents.StaleThreshold <= cfg.Agents.HeartbeatInterval {
		errs = append(errs, "agents.staleThreshold must exceed agents.heartbeatInterval")
	}
	if cfg.Agents.InboxCap <= 0 {
		errs = append(errs, "agents.inboxCap must be positive")
	}
	if cfg.Backends.PendingCap <= 0 {
		errs = append(errs, "backends.pendingCap must be positive")
	}

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
