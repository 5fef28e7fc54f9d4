package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	mu         sync.RWMutex
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
	watchOnce  sync.Once
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	// Initialize viper
	m.viper = viper.New()

	// Set config file path
	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	// Set environment variable prefix
	m.viper.SetEnvPrefix("KUBILITICS")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	m.setDefaults()

	// Try to read config file (optional)
	if err := m.readConfigFile(); err != nil {
		return err
	}

	// Unmarshal into config struct
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

// readConfigFile reads the YAML file. A missing file is not an error: the
// defaults and environment still apply.
func (m *viperConfigManager) readConfigFile() error {
	err := m.viper.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || os.IsNotExist(err) {
		return nil
	}
	return fmt.Errorf("error reading config file: %w", err)
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	m.mu.Lock()
	errs := m.config.Validate()
	m.mu.Unlock()
	if len(errs) > 0 {
		// Combine all errors into a single error message
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads. Reloaded
// configurations that fail validation are dropped.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.watchOnce.Do(func() {
		m.viper.OnConfigChange(func(e fsnotify.Event) {
			if ctx.Err() != nil {
				return
			}
			if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
				return
			}
			if err := m.unmarshalConfig(); err != nil {
				return
			}
			cfg := *m.Get(ctx)
			if errs := cfg.Validate(); len(errs) > 0 {
				return
			}
			// Send updated config to channel
			select {
			case m.watchChan <- cfg:
			default:
				// Channel full, skip this update
			}
		})
		m.viper.WatchConfig()
	})
	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.readConfigFile(); err != nil {
		return err
	}
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.grpc_port", defaults.Server.GRPCPort)
	m.viper.SetDefault("server.host", defaults.Server.Host)
	m.viper.SetDefault("server.auth_tokens", defaults.Server.AuthTokens)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	m.viper.SetDefault("server.rate_limit_rps", defaults.Server.RateLimitRPS)
	m.viper.SetDefault("server.rate_limit_burst", defaults.Server.RateLimitBurst)
	m.viper.SetDefault("server.shutdown_timeout", defaults.Server.ShutdownTimeout)
	m.viper.SetDefault("server.request_timeout", defaults.Server.RequestTimeout)

	// LLM defaults
	m.viper.SetDefault("llm.provider", defaults.LLM.Provider)
	m.viper.SetDefault("llm.api_key", defaults.LLM.APIKey)
	m.viper.SetDefault("llm.model", defaults.LLM.Model)
	m.viper.SetDefault("llm.base_url", defaults.LLM.BaseURL)

	// Reasoning defaults
	m.viper.SetDefault("reasoning.planning_timeout", defaults.Reasoning.PlanningTimeout)
	m.viper.SetDefault("reasoning.feedback_timeout", defaults.Reasoning.FeedbackTimeout)
	m.viper.SetDefault("reasoning.query_timeout", defaults.Reasoning.QueryTimeout)
	m.viper.SetDefault("reasoning.mandatory_requirements", defaults.Reasoning.MandatoryRequirements)
	m.viper.SetDefault("reasoning.history_limit", defaults.Reasoning.HistoryLimit)
	m.viper.SetDefault("reasoning.history_max_chars", defaults.Reasoning.HistoryMaxChars)
	m.viper.SetDefault("reasoning.prompt_max_context_chars", defaults.Reasoning.PromptMaxContextChars)

	// Executor defaults
	m.viper.SetDefault("executor.max_concurrency", defaults.Executor.MaxConcurrency)
	m.viper.SetDefault("executor.collector_timeout", defaults.Executor.CollectorTimeout)
	m.viper.SetDefault("executor.retries", defaults.Executor.Retries)
	m.viper.SetDefault("executor.backoff_ms", defaults.Executor.BackoffMillis)

	// Rules defaults
	m.viper.SetDefault("rules.cpu_percent", defaults.Rules.CPUPercent)
	m.viper.SetDefault("rules.memory_percent", defaults.Rules.MemoryPercent)
	m.viper.SetDefault("rules.disk_percent", defaults.Rules.DiskPercent)
	m.viper.SetDefault("rules.network_latency_ms", defaults.Rules.NetworkLatencyMillis)
	m.viper.SetDefault("rules.error_count", defaults.Rules.ErrorCount)
	m.viper.SetDefault("rules.critical_factor", defaults.Rules.CriticalFactor)

	// Telemetry defaults
	m.viper.SetDefault("telemetry.source", defaults.Telemetry.Source)
	m.viper.SetDefault("telemetry.base_url", defaults.Telemetry.BaseURL)
	m.viper.SetDefault("telemetry.token", defaults.Telemetry.Token)
	m.viper.SetDefault("telemetry.timeout", defaults.Telemetry.Timeout)

	// Influx defaults
	m.viper.SetDefault("influx.url", defaults.Influx.URL)
	m.viper.SetDefault("influx.token", defaults.Influx.Token)
	m.viper.SetDefault("influx.org", defaults.Influx.Org)
	m.viper.SetDefault("influx.bucket", defaults.Influx.Bucket)
	m.viper.SetDefault("influx.service_tag", defaults.Influx.ServiceTag)

	// Cache defaults
	m.viper.SetDefault("cache.enable_caching", defaults.Cache.EnableCaching)
	m.viper.SetDefault("cache.ttl_seconds", defaults.Cache.TTLSeconds)
	m.viper.SetDefault("cache.max_entries", defaults.Cache.MaxEntries)

	// Database defaults
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)

	// Chat history defaults
	m.viper.SetDefault("chat_history.store", defaults.ChatHistory.Store)
	m.viper.SetDefault("chat_history.backend_url", defaults.ChatHistory.BackendURL)
	m.viper.SetDefault("chat_history.timeout", defaults.ChatHistory.Timeout)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file", defaults.Logging.File)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", defaults.Logging.Compress)

	// Audit defaults
	m.viper.SetDefault("audit.enabled", defaults.Audit.Enabled)
	m.viper.SetDefault("audit.path", defaults.Audit.Path)
	m.viper.SetDefault("audit.max_size_mb", defaults.Audit.MaxSizeMB)
	m.viper.SetDefault("audit.max_backups", defaults.Audit.MaxBackups)
	m.viper.SetDefault("audit.max_age_days", defaults.Audit.MaxAgeDays)

	// Tracing defaults
	m.viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	m.viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)
	m.viper.SetDefault("tracing.sample_ratio", defaults.Tracing.SampleRatio)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Server
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.GRPCPort = m.viper.GetInt("server.grpc_port")
	cfg.Server.Host = m.viper.GetString("server.host")
	cfg.Server.AuthTokens = m.stringList("server.auth_tokens")
	cfg.Server.AllowedOrigins = m.stringList("server.allowed_origins")
	cfg.Server.RateLimitRPS = m.viper.GetFloat64("server.rate_limit_rps")
	cfg.Server.RateLimitBurst = m.viper.GetInt("server.rate_limit_burst")
	cfg.Server.ShutdownTimeout = m.viper.GetInt("server.shutdown_timeout")
	cfg.Server.RequestTimeout = m.viper.GetInt("server.request_timeout")

	// LLM
	cfg.LLM.Provider = strings.ToLower(m.viper.GetString("llm.provider"))
	cfg.LLM.APIKey = m.viper.GetString("llm.api_key")
	cfg.LLM.Model = m.viper.GetString("llm.model")
	cfg.LLM.BaseURL = m.viper.GetString("llm.base_url")

	// Reasoning
	cfg.Reasoning.PlanningTimeout = m.viper.GetInt("reasoning.planning_timeout")
	cfg.Reasoning.FeedbackTimeout = m.viper.GetInt("reasoning.feedback_timeout")
	cfg.Reasoning.QueryTimeout = m.viper.GetInt("reasoning.query_timeout")
	cfg.Reasoning.MandatoryRequirements = m.stringList("reasoning.mandatory_requirements")
	cfg.Reasoning.HistoryLimit = m.viper.GetInt("reasoning.history_limit")
	cfg.Reasoning.HistoryMaxChars = m.viper.GetInt("reasoning.history_max_chars")
	cfg.Reasoning.PromptMaxContextChars = m.viper.GetInt("reasoning.prompt_max_context_chars")

	// Executor
	cfg.Executor.MaxConcurrency = m.viper.GetInt("executor.max_concurrency")
	cfg.Executor.CollectorTimeout = m.viper.GetInt("executor.collector_timeout")
	cfg.Executor.Retries = m.viper.GetInt("executor.retries")
	cfg.Executor.BackoffMillis = m.viper.GetInt("executor.backoff_ms")

	// Rules
	cfg.Rules.CPUPercent = m.viper.GetFloat64("rules.cpu_percent")
	cfg.Rules.MemoryPercent = m.viper.GetFloat64("rules.memory_percent")
	cfg.Rules.DiskPercent = m.viper.GetFloat64("rules.disk_percent")
	cfg.Rules.NetworkLatencyMillis = m.viper.GetFloat64("rules.network_latency_ms")
	cfg.Rules.ErrorCount = m.viper.GetInt("rules.error_count")
	cfg.Rules.CriticalFactor = m.viper.GetFloat64("rules.critical_factor")

	// Telemetry
	cfg.Telemetry.Source = strings.ToLower(m.viper.GetString("telemetry.source"))
	cfg.Telemetry.BaseURL = m.viper.GetString("telemetry.base_url")
	cfg.Telemetry.Token = m.viper.GetString("telemetry.token")
	cfg.Telemetry.Timeout = m.viper.GetInt("telemetry.timeout")

	// Influx
	cfg.Influx.URL = m.viper.GetString("influx.url")
	cfg.Influx.Token = m.viper.GetString("influx.token")
	cfg.Influx.Org = m.viper.GetString("influx.org")
	cfg.Influx.Bucket = m.viper.GetString("influx.bucket")
	cfg.Influx.ServiceTag = m.viper.GetString("influx.service_tag")

	// Cache
	cfg.Cache.EnableCaching = m.viper.GetBool("cache.enable_caching")
	cfg.Cache.TTLSeconds = m.viper.GetInt("cache.ttl_seconds")
	cfg.Cache.MaxEntries = m.viper.GetInt("cache.max_entries")

	// Database
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")

	// Chat history
	cfg.ChatHistory.Store = strings.ToLower(m.viper.GetString("chat_history.store"))
	cfg.ChatHistory.BackendURL = m.viper.GetString("chat_history.backend_url")
	cfg.ChatHistory.Timeout = m.viper.GetInt("chat_history.timeout")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.File = m.viper.GetString("logging.file")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.Compress = m.viper.GetBool("logging.compress")

	// Audit
	cfg.Audit.Enabled = m.viper.GetBool("audit.enabled")
	cfg.Audit.Path = m.viper.GetString("audit.path")
	cfg.Audit.MaxSizeMB = m.viper.GetInt("audit.max_size_mb")
	cfg.Audit.MaxBackups = m.viper.GetInt("audit.max_backups")
	cfg.Audit.MaxAgeDays = m.viper.GetInt("audit.max_age_days")

	// Tracing
	cfg.Tracing.Enabled = m.viper.GetBool("tracing.enabled")
	cfg.Tracing.ServiceName = m.viper.GetString("tracing.service_name")
	cfg.Tracing.SampleRatio = m.viper.GetFloat64("tracing.sample_ratio")

	applyEnvOverrides(cfg)

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// stringList reads a list key. Environment values are comma separated.
func (m *viperConfigManager) stringList(key string) []string {
	var out []string
	for _, item := range m.viper.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// applyEnvOverrides fills provider credentials from the provider's
// conventional environment variables when the config leaves them empty.
func applyEnvOverrides(cfg *Config) {
	if cfg.LLM.APIKey == "" {
		switch cfg.LLM.Provider {
		case "openai", "custom":
			cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		case "anthropic":
			cfg.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
	if cfg.LLM.Provider == "ollama" && cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = os.Getenv("OLLAMA_BASE_URL")
	}
	if cfg.Influx.Token == "" {
		cfg.Influx.Token = os.Getenv("INFLUX_TOKEN")
	}
}
