// Package config loads the Loom process configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the process configuration.
type Config struct {
	// Runtime holds runtime-wide defaults.
	Runtime RuntimeConfig `yaml:"runtime"`

	// Observability configures the metrics/health HTTP server and tracing.
	Observability ObservabilityConfig `yaml:"observability,omitempty"`

	// Agents are created declaratively at boot with the default merge
	// workflow and their initial state.
	Agents []AgentDef `yaml:"agents,omitempty"`

	// Schedules inject activities into agents on cron schedules.
	Schedules []ScheduleDef `yaml:"schedules,omitempty"`
}

// RuntimeConfig holds runtime-wide defaults.
type RuntimeConfig struct {
	// Mailbox is the default mailbox configuration for created agents.
	Mailbox MailboxDef `yaml:"mailbox"`

	// SendRatePerSecond enables send rate limiting when positive.
	SendRatePerSecond float64 `yaml:"send_rate_per_second,omitempty"`

	// SendBurst is the limiter burst when rate limiting is enabled.
	SendBurst int `yaml:"send_burst,omitempty"`

	// EnableMetrics toggles Prometheus collection. Default: true.
	EnableMetrics *bool `yaml:"enable_metrics,omitempty"`
}

// MailboxDef mirrors runtime.MailboxConfig in YAML form.
type MailboxDef struct {
	Size                  int  `yaml:"size"`
	EnablePrioritization  bool `yaml:"enable_prioritization"`
	PriorityQueueSize     int  `yaml:"priority_queue_size,omitempty"`
	BackpressureTimeoutMS int  `yaml:"backpressure_timeout_ms,omitempty"`
}

// BackpressureTimeout returns the configured timeout as a duration.
func (d MailboxDef) BackpressureTimeout() time.Duration {
	return time.Duration(d.BackpressureTimeoutMS) * time.Millisecond
}

// ObservabilityConfig configures the HTTP observability surface.
type ObservabilityConfig struct {
	// Port is the metrics/health server port. 0 disables the server.
	Port int `yaml:"port,omitempty"`

	// TracesExporter selects the trace exporter: "otlp", "stdout", "none".
	TracesExporter string `yaml:"traces_exporter,omitempty"`

	// OTLPEndpoint is the OTLP endpoint when the otlp exporter is used.
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
}

// AgentDef declares one agent to create at boot.
type AgentDef struct {
	// ID is the agent identity; required and unique.
	ID string `yaml:"id"`

	// InitialState is the agent's starting state.
	InitialState map[string]any `yaml:"initial_state,omitempty"`

	// Mailbox overrides the runtime default for this agent.
	Mailbox *MailboxDef `yaml:"mailbox,omitempty"`
}

// ScheduleDef declares one cron-driven activity injection.
type ScheduleDef struct {
	// Name identifies the schedule; required and unique.
	Name string `yaml:"name"`

	// Spec is a cron expression (with seconds) or an @every duration.
	Spec string `yaml:"spec"`

	// AgentID is the target agent.
	AgentID string `yaml:"agent_id"`

	// ActivityType is the injected activity's type. Default: EVENT.
	ActivityType string `yaml:"activity_type,omitempty"`

	// Payload is the injected activity's payload.
	Payload map[string]any `yaml:"payload,omitempty"`
}

// LoadConfig loads configuration from a YAML file and applies defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Runtime.Mailbox.Size == 0 {
		cfg.Runtime.Mailbox.Size = 100
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// SaveConfig saves configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent id is required")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
	}

	for _, s := range c.Schedules {
		if s.Name == "" {
			return fmt.Errorf("schedule name is required")
		}
		if s.Spec == "" {
			return fmt.Errorf("schedule %q: spec is required", s.Name)
		}
		if !seen[s.AgentID] {
			return fmt.Errorf("schedule %q: unknown agent %q", s.Name, s.AgentID)
		}
	}

	return nil
}

// MetricsEnabled reports whether metric collection is on (default true).
func (c *Config) MetricsEnabled() bool {
	if c.Runtime.EnableMetrics == nil {
		return true
	}
	return *c.Runtime.EnableMetrics
}
