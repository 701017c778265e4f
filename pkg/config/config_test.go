package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
runtime:
  mailbox:
    size: 32
    enable_prioritization: true
    priority_queue_size: 8
    backpressure_timeout_ms: 250
  send_rate_per_second: 100
  send_burst: 10
observability:
  port: 9090
  traces_exporter: stdout
agents:
  - id: worker-1
    initial_state:
      count: 0
  - id: worker-2
    mailbox:
      size: 4
schedules:
  - name: tick
    spec: "@every 1s"
    agent_id: worker-1
    activity_type: EVENT
    payload:
      kind: tick
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.Runtime.Mailbox.Size)
	assert.True(t, cfg.Runtime.Mailbox.EnablePrioritization)
	assert.Equal(t, 8, cfg.Runtime.Mailbox.PriorityQueueSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Runtime.Mailbox.BackpressureTimeout())
	assert.Equal(t, 100.0, cfg.Runtime.SendRatePerSecond)
	assert.Equal(t, 9090, cfg.Observability.Port)
	assert.True(t, cfg.MetricsEnabled(), "metrics default to enabled")

	require.Len(t, cfg.Agents, 2)
	assert.Equal(t, "worker-1", cfg.Agents[0].ID)
	assert.Equal(t, map[string]any{"count": 0}, cfg.Agents[0].InitialState)
	require.NotNil(t, cfg.Agents[1].Mailbox)
	assert.Equal(t, 4, cfg.Agents[1].Mailbox.Size)

	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, "tick", cfg.Schedules[0].Name)
	assert.Equal(t, "worker-1", cfg.Schedules[0].AgentID)
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
agents:
  - id: solo
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Runtime.Mailbox.Size, "mailbox size defaults to 100")
	assert.True(t, cfg.MetricsEnabled())
}

func TestLoadConfig_MetricsDisabled(t *testing.T) {
	path := writeConfig(t, `
runtime:
  enable_metrics: false
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.False(t, cfg.MetricsEnabled())
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing agent id",
			content: "agents:\n  - initial_state: {}\n",
			wantErr: "agent id is required",
		},
		{
			name:    "duplicate agent id",
			content: "agents:\n  - id: a\n  - id: a\n",
			wantErr: "duplicate agent id",
		},
		{
			name:    "schedule without name",
			content: "agents:\n  - id: a\nschedules:\n  - spec: \"@every 1s\"\n    agent_id: a\n",
			wantErr: "schedule name is required",
		},
		{
			name:    "schedule without spec",
			content: "agents:\n  - id: a\nschedules:\n  - name: j\n    agent_id: a\n",
			wantErr: "spec is required",
		},
		{
			name:    "schedule targeting unknown agent",
			content: "agents:\n  - id: a\nschedules:\n  - name: j\n    spec: \"@every 1s\"\n    agent_id: b\n",
			wantErr: "unknown agent",
		},
		{
			name:    "malformed yaml",
			content: "runtime: [not a map",
			wantErr: "failed to parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg := &Config{
		Runtime: RuntimeConfig{
			Mailbox: MailboxDef{Size: 16},
		},
		Agents: []AgentDef{{ID: "a"}},
	}

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 16, loaded.Runtime.Mailbox.Size)
	require.Len(t, loaded.Agents, 1)
	assert.Equal(t, "a", loaded.Agents[0].ID)
}
