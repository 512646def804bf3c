// Package supervisor runs external MCP servers as child processes, frames
// JSON-RPC over their stdio, and keeps them alive with backoff restarts.
package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ServerSpec describes one external server entry in the configuration
// document.
type ServerSpec struct {
	Type        string            `json:"type"` // only "stdio" is supported
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	AutoRestart bool              `json:"auto_restart"`
	Description string            `json:"description,omitempty"`
}

// Settings are the document-wide supervisor knobs.
type Settings struct {
	StartupTimeoutMs    int `json:"startup_timeout_ms"`
	HeartbeatIntervalMs int `json:"heartbeat_interval_ms"`
	AutoRestartDelayMs  int `json:"auto_restart_delay_ms"`
	MaxRestartAttempts  int `json:"max_restart_attempts"`
}

// StartupTimeout returns the readiness probe deadline.
func (s Settings) StartupTimeout() time.Duration {
	return time.Duration(s.StartupTimeoutMs) * time.Millisecond
}

// HeartbeatInterval returns the health probe cadence.
func (s Settings) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalMs) * time.Millisecond
}

// RestartDelay returns the base delay before a restart attempt.
func (s Settings) RestartDelay() time.Duration {
	return time.Duration(s.AutoRestartDelayMs) * time.Millisecond
}

// File is the external-server configuration document.
type File struct {
	Servers map[string]ServerSpec `json:"servers"`
	Config  Settings              `json:"config"`
}

// LoadFile reads and validates the configuration document. A missing path
// yields an empty document: the coordinator runs with native tools only.
func LoadFile(path string) (*File, error) {
	if path == "" {
		return &File{Servers: map[string]ServerSpec{}, Config: defaultSettings()}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read server config %s: %w", path, err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse server config %s: %w", path, err)
	}

	applyDefaults(&f.Config)
	for name, spec := range f.Servers {
		if spec.Type != "" && spec.Type != "stdio" {
			return nil, fmt.Errorf("server %s: unsupported type %q", name, spec.Type)
		}
		if spec.Command == "" {
			return nil, fmt.Errorf("server %s: command is required", name)
		}
	}
	if f.Servers == nil {
		f.Servers = map[string]ServerSpec{}
	}
	return &f, nil
}

func defaultSettings() Settings {
	s := Settings{}
	applyDefaults(&s)
	return s
}

func applyDefaults(s *Settings) {
	if s.StartupTimeoutMs <= 0 {
		s.StartupTimeoutMs = 10000
	}
	if s.HeartbeatIntervalMs <= 0 {
		s.HeartbeatIntervalMs = 30000
	}
	if s.AutoRestartDelayMs <= 0 {
		s.AutoRestartDelayMs = 1000
	}
	if s.MaxRestartAttempts <= 0 {
		s.MaxRestartAttempts = 5
	}
}
