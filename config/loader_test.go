package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "*", cfg.Server.AllowedOrigin)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 0, cfg.Redis.DB)

	assert.Equal(t, "memory", cfg.Checkpoint.Backend)
	assert.Equal(t, "queryflow:", cfg.Checkpoint.KeyPrefix)
	assert.Equal(t, 24*time.Hour, cfg.Checkpoint.TTL)

	assert.Equal(t, 3, cfg.Workflow.WorkflowRetries)
	assert.Equal(t, 2, cfg.Workflow.StepRetries)
	assert.Equal(t, 20, cfg.Workflow.StepCap)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	require.NoError(t, cfg.Validate())
}

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "memory", cfg.Checkpoint.Backend)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s

checkpoint:
  backend: sqlite
  path: /tmp/checkpoints.db

workflow:
  workflow_retries: 5
  step_cap: 30

model:
  base_url: "http://localhost:11434/v1"
  model: "llama3"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "sqlite", cfg.Checkpoint.Backend)
	assert.Equal(t, "/tmp/checkpoints.db", cfg.Checkpoint.Path)
	assert.Equal(t, 5, cfg.Workflow.WorkflowRetries)
	assert.Equal(t, 30, cfg.Workflow.StepCap)
	assert.Equal(t, "llama3", cfg.Model.Model)

	// Unset sections keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Workflow.StepRetries)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("QUERYFLOW_SERVER_HTTP_PORT", "9000")
	t.Setenv("QUERYFLOW_CHECKPOINT_BACKEND", "redis")
	t.Setenv("QUERYFLOW_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("QUERYFLOW_WORKFLOW_STEP_CAP", "25")
	t.Setenv("QUERYFLOW_MODEL_TIMEOUT", "90s")
	t.Setenv("QUERYFLOW_LOG_OUTPUT_PATHS", "stdout, /var/log/queryflow.log")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, "redis", cfg.Checkpoint.Backend)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 25, cfg.Workflow.StepCap)
	assert.Equal(t, 90*time.Second, cfg.Model.Timeout)
	assert.Equal(t, []string{"stdout", "/var/log/queryflow.log"}, cfg.Log.OutputPaths)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  http_port: 8888\n"), 0o644))

	t.Setenv("QUERYFLOW_SERVER_HTTP_PORT", "9999")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.HTTPPort)
}

func TestLoader_CustomValidator(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			if c.Model.APIKey == "" {
				return fmt.Errorf("model.api_key is required")
			}
			return nil
		}).
		Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model.api_key is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.HTTPPort = 0 },
			wantErr: "invalid HTTP port",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Checkpoint.Backend = "etcd" },
			wantErr: "unknown checkpoint backend",
		},
		{
			name: "redis backend without addr",
			mutate: func(c *Config) {
				c.Checkpoint.Backend = "redis"
				c.Redis.Addr = ""
			},
			wantErr: "requires redis.addr",
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.Workflow.StepRetries = -1 },
			wantErr: "retry budgets",
		},
		{
			name:    "zero step cap",
			mutate:  func(c *Config) { c.Workflow.StepCap = 0 },
			wantErr: "step_cap must be positive",
		},
		{
			name:    "bad sample rate",
			mutate:  func(c *Config) { c.Telemetry.SampleRate = 1.5 },
			wantErr: "sample_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
