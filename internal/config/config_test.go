package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Test server defaults
	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, 9091, cfg.Server.GRPCPort)
	assert.Empty(t, cfg.Server.AuthTokens)

	// Test LLM defaults
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.NotEmpty(t, cfg.LLM.Model)

	// Test reasoning defaults
	assert.Equal(t, 20, cfg.Reasoning.PlanningTimeout)
	assert.Equal(t, 30, cfg.Reasoning.FeedbackTimeout)
	assert.Equal(t, 20, cfg.Reasoning.HistoryLimit)

	// Test executor defaults
	assert.Equal(t, 4, cfg.Executor.MaxConcurrency)
	assert.Equal(t, 1, cfg.Executor.Retries)

	// Test rules defaults
	assert.Equal(t, 80.0, cfg.Rules.CPUPercent)
	assert.Equal(t, 10, cfg.Rules.ErrorCount)
	assert.Equal(t, 1.5, cfg.Rules.CriticalFactor)

	// Test telemetry defaults
	assert.Equal(t, "http", cfg.Telemetry.Source)
	assert.True(t, cfg.Cache.EnableCaching)

	// Test chat history defaults
	assert.Equal(t, "sqlite", cfg.ChatHistory.Store)
	assert.NotEmpty(t, cfg.Database.SQLitePath)

	// Test logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	// Test tracing defaults
	assert.False(t, cfg.Tracing.Enabled)

	assert.Empty(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		modifyFn func(*Config)
		errorMsg string // empty means valid
	}{
		{
			name:     "valid default config",
			modifyFn: func(cfg *Config) {},
		},
		{
			name:     "invalid port - too low",
			modifyFn: func(cfg *Config) { cfg.Server.Port = 0 },
			errorMsg: "port must be between 1 and 65535",
		},
		{
			name:     "invalid port - too high",
			modifyFn: func(cfg *Config) { cfg.Server.Port = 70000 },
			errorMsg: "port must be between 1 and 65535",
		},
		{
			name:     "grpc port collides with http port",
			modifyFn: func(cfg *Config) { cfg.Server.GRPCPort = cfg.Server.Port },
			errorMsg: "grpc_port must differ",
		},
		{
			name:     "invalid provider",
			modifyFn: func(cfg *Config) { cfg.LLM.Provider = "invalid" },
			errorMsg: "invalid provider",
		},
		{
			name: "ollama without model",
			modifyFn: func(cfg *Config) {
				cfg.LLM.Provider = "ollama"
				cfg.LLM.Model = ""
			},
			errorMsg: "Ollama model is required",
		},
		{
			name:     "unknown mandatory requirement",
			modifyFn: func(cfg *Config) { cfg.Reasoning.MandatoryRequirements = []string{"gpu_metrics"} },
			errorMsg: `unknown requirement "gpu_metrics"`,
		},
		{
			name:     "zero concurrency",
			modifyFn: func(cfg *Config) { cfg.Executor.MaxConcurrency = 0 },
			errorMsg: "max_concurrency must be at least 1",
		},
		{
			name:     "too many retries",
			modifyFn: func(cfg *Config) { cfg.Executor.Retries = 9 },
			errorMsg: "retries must be between 0 and 5",
		},
		{
			name:     "non-positive disk threshold",
			modifyFn: func(cfg *Config) { cfg.Rules.DiskPercent = 0 },
			errorMsg: "threshold must be positive",
		},
		{
			name:     "critical factor below one",
			modifyFn: func(cfg *Config) { cfg.Rules.CriticalFactor = 0.9 },
			errorMsg: "critical_factor must be at least 1",
		},
		{
			name:     "invalid telemetry url",
			modifyFn: func(cfg *Config) { cfg.Telemetry.BaseURL = "ftp://metrics" },
			errorMsg: "must use http or https",
		},
		{
			name: "influx without org",
			modifyFn: func(cfg *Config) {
				cfg.Telemetry.Source = "influx"
				cfg.Influx.Org = ""
			},
			errorMsg: "org is required",
		},
		{
			name: "backend history without url",
			modifyFn: func(cfg *Config) {
				cfg.ChatHistory.Store = "backend"
				cfg.ChatHistory.BackendURL = ""
			},
			errorMsg: "url is required",
		},
		{
			name:     "invalid log level",
			modifyFn: func(cfg *Config) { cfg.Logging.Level = "verbose" },
			errorMsg: "invalid log level",
		},
		{
			name:     "sample ratio out of range",
			modifyFn: func(cfg *Config) { cfg.Tracing.SampleRatio = 2 },
			errorMsg: "sample_ratio must be between 0 and 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modifyFn(cfg)
			errs := cfg.Validate()

			if tt.errorMsg == "" {
				assert.Empty(t, errs)
				return
			}
			require.NotEmpty(t, errs)
			var found bool
			for _, err := range errs {
				if strings.Contains(err.Error(), tt.errorMsg) {
					found = true
				}
			}
			assert.True(t, found, "expected error containing %q, got %v", tt.errorMsg, errs)
		})
	}
}

func TestValidateSetsConfigured(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Validate()
	assert.False(t, cfg.LLM.Configured)

	cfg.LLM.APIKey = "sk-test"
	cfg.Validate()
	assert.True(t, cfg.LLM.Configured)

	cfg.LLM.Provider = "custom"
	cfg.LLM.BaseURL = ""
	cfg.Validate()
	assert.False(t, cfg.LLM.Configured)
}

func TestConfigManagerLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  auth_tokens: ["alpha", "beta"]

llm:
  provider: "anthropic"
  api_key: "test-anthropic-key"
  model: "claude-3-5-sonnet-20241022"

reasoning:
  planning_timeout: 5
  mandatory_requirements: ["cpu_metrics"]

executor:
  max_concurrency: 8

rules:
  cpu_percent: 70
  network_latency_ms: 250

telemetry:
  source: "influx"

influx:
  org: "ops"
  bucket: "metrics"

logging:
  level: "debug"
  format: "text"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	require.NotNil(t, cfg)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"alpha", "beta"}, cfg.Server.AuthTokens)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, "test-anthropic-key", cfg.LLM.APIKey)
	assert.Equal(t, 5, cfg.Reasoning.PlanningTimeout)
	assert.Equal(t, 30, cfg.Reasoning.FeedbackTimeout, "unset keys keep defaults")
	assert.Equal(t, []string{"cpu_metrics"}, cfg.Reasoning.MandatoryRequirements)
	assert.Equal(t, 8, cfg.Executor.MaxConcurrency)
	assert.Equal(t, 70.0, cfg.Rules.CPUPercent)
	assert.Equal(t, 250.0, cfg.Rules.NetworkLatencyMillis)
	assert.Equal(t, 85.0, cfg.Rules.MemoryPercent, "unset thresholds keep defaults")
	assert.Equal(t, "influx", cfg.Telemetry.Source)
	assert.Equal(t, "ops", cfg.Influx.Org)
	assert.Equal(t, "debug", cfg.Logging.Level)

	require.NoError(t, mgr.Validate(ctx))
	assert.True(t, mgr.Get(ctx).LLM.Configured)
}

func TestConfigManagerEnvironmentOverrides(t *testing.T) {
	t.Setenv("KUBILITICS_SERVER_PORT", "7070")
	t.Setenv("KUBILITICS_SERVER_AUTH_TOKENS", "one,two")
	t.Setenv("KUBILITICS_EXECUTOR_RETRIES", "3")
	t.Setenv("ANTHROPIC_API_KEY", "env-anthropic-key")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 8081

llm:
  provider: "anthropic"
  model: "claude-3-5-sonnet-20241022"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)

	// Environment variables should override config file
	assert.Equal(t, 7070, cfg.Server.Port, "port should be overridden by environment variable")
	assert.Equal(t, []string{"one", "two"}, cfg.Server.AuthTokens)
	assert.Equal(t, 3, cfg.Executor.Retries)
	assert.Equal(t, "env-anthropic-key", cfg.LLM.APIKey, "API key should come from environment variable")
}

func TestConfigManagerMissingFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nonexistent-config.yaml")

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	// Should not error - should use defaults
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	assert.NotNil(t, cfg)
	assert.Equal(t, 8081, cfg.Server.Port)
}

func TestConfigManagerValidation(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 99999

llm:
  provider: "invalid-provider"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	err = mgr.Validate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "llm.provider")
}

func TestConfigManagerReload(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("logging:\n  level: info\n"), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	assert.Equal(t, "info", mgr.Get(ctx).Logging.Level)

	require.NoError(t, os.WriteFile(configPath, []byte("logging:\n  level: warn\n"), 0644))
	require.NoError(t, mgr.Reload(ctx))
	assert.Equal(t, "warn", mgr.Get(ctx).Logging.Level)
}

func TestConfigManagerWatch(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("logging:\n  level: info\n"), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mgr.Load(ctx))

	ch := mgr.Watch(ctx)
	require.NoError(t, os.WriteFile(configPath, []byte("logging:\n  level: debug\n"), 0644))

	select {
	case cfg := <-ch:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload delivered")
	}
}
