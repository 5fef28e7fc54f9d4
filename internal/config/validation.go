package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors. It
// also sets LLM.Configured.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		add("server.grpc_port", "grpc_port must be between 0 and 65535, got %d", c.Server.GRPCPort)
	} else if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port {
		add("server.grpc_port", "grpc_port must differ from port %d", c.Server.Port)
	}
	if c.Server.RateLimitRPS < 0 {
		add("server.rate_limit_rps", "rate_limit_rps cannot be negative, got %.2f", c.Server.RateLimitRPS)
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst < 1 {
		add("server.rate_limit_burst", "rate_limit_burst must be at least 1 when rate limiting is on, got %d", c.Server.RateLimitBurst)
	}
	if c.Server.ShutdownTimeout < 1 {
		add("server.shutdown_timeout", "shutdown_timeout must be at least 1 second, got %d", c.Server.ShutdownTimeout)
	}
	if c.Server.RequestTimeout < 1 {
		add("server.request_timeout", "request_timeout must be at least 1 second, got %d", c.Server.RequestTimeout)
	}

	// Validate LLM configuration. Missing credentials are not fatal: the
	// service runs degraded with keyword planning and best-effort answers.
	switch c.LLM.Provider {
	case "openai", "anthropic":
		c.LLM.Configured = c.LLM.APIKey != ""
		if c.LLM.Configured && c.LLM.Model == "" {
			add("llm.model", "%s model is required", c.LLM.Provider)
		}
	case "ollama":
		c.LLM.Configured = true
		if c.LLM.Model == "" {
			add("llm.model", "Ollama model is required")
		}
	case "custom":
		c.LLM.Configured = c.LLM.BaseURL != ""
	case "none", "":
		c.LLM.Configured = false
	default:
		add("llm.provider", "invalid provider '%s', must be one of: openai, anthropic, ollama, custom, none", c.LLM.Provider)
	}
	if c.LLM.BaseURL != "" {
		if err := checkURL(c.LLM.BaseURL); err != nil {
			add("llm.base_url", "%v", err)
		}
	}

	// Validate reasoning configuration
	if c.Reasoning.PlanningTimeout < 1 {
		add("reasoning.planning_timeout", "planning_timeout must be at least 1 second, got %d", c.Reasoning.PlanningTimeout)
	}
	if c.Reasoning.FeedbackTimeout < 1 {
		add("reasoning.feedback_timeout", "feedback_timeout must be at least 1 second, got %d", c.Reasoning.FeedbackTimeout)
	}
	if c.Reasoning.QueryTimeout < 0 {
		add("reasoning.query_timeout", "query_timeout cannot be negative, got %d", c.Reasoning.QueryTimeout)
	}
	if _, err := reasoning.ParseRequirementIDs(c.Reasoning.MandatoryRequirements); err != nil {
		add("reasoning.mandatory_requirements", "%v", err)
	}
	if c.Reasoning.HistoryLimit < 0 {
		add("reasoning.history_limit", "history_limit cannot be negative, got %d", c.Reasoning.HistoryLimit)
	}
	if c.Reasoning.HistoryMaxChars < 0 {
		add("reasoning.history_max_chars", "history_max_chars cannot be negative, got %d", c.Reasoning.HistoryMaxChars)
	}

	// Validate executor configuration
	if c.Executor.MaxConcurrency < 1 {
		add("executor.max_concurrency", "max_concurrency must be at least 1, got %d", c.Executor.MaxConcurrency)
	}
	if c.Executor.CollectorTimeout < 1 {
		add("executor.collector_timeout", "collector_timeout must be at least 1 second, got %d", c.Executor.CollectorTimeout)
	}
	if c.Executor.Retries < 0 || c.Executor.Retries > 5 {
		add("executor.retries", "retries must be between 0 and 5, got %d", c.Executor.Retries)
	}
	if c.Executor.BackoffMillis < 0 {
		add("executor.backoff_ms", "backoff_ms cannot be negative, got %d", c.Executor.BackoffMillis)
	}

	// Validate rules configuration
	for field, v := range map[string]float64{
		"rules.cpu_percent":        c.Rules.CPUPercent,
		"rules.memory_percent":     c.Rules.MemoryPercent,
		"rules.disk_percent":       c.Rules.DiskPercent,
		"rules.network_latency_ms": c.Rules.NetworkLatencyMillis,
	} {
		if v <= 0 {
			add(field, "threshold must be positive, got %.2f", v)
		}
	}
	if c.Rules.ErrorCount < 1 {
		add("rules.error_count", "error_count must be at least 1, got %d", c.Rules.ErrorCount)
	}
	if c.Rules.CriticalFactor < 1 {
		add("rules.critical_factor", "critical_factor must be at least 1, got %.2f", c.Rules.CriticalFactor)
	}

	// Validate telemetry configuration
	switch c.Telemetry.Source {
	case "http":
		if err := checkURL(c.Telemetry.BaseURL); err != nil {
			add("telemetry.base_url", "%v", err)
		}
		if c.Telemetry.Timeout < 1 {
			add("telemetry.timeout", "timeout must be at least 1 second, got %d", c.Telemetry.Timeout)
		}
	case "influx":
		if err := checkURL(c.Influx.URL); err != nil {
			add("influx.url", "%v", err)
		}
		if c.Influx.Org == "" {
			add("influx.org", "org is required when telemetry source is influx")
		}
		if c.Influx.Bucket == "" {
			add("influx.bucket", "bucket is required when telemetry source is influx")
		}
	case "none":
	default:
		add("telemetry.source", "invalid source '%s', must be one of: http, influx, none", c.Telemetry.Source)
	}

	// Validate cache configuration
	if c.Cache.EnableCaching {
		if c.Cache.TTLSeconds < 1 {
			add("cache.ttl_seconds", "ttl_seconds must be at least 1 when caching is on, got %d", c.Cache.TTLSeconds)
		}
		if c.Cache.MaxEntries < 1 {
			add("cache.max_entries", "max_entries must be at least 1 when caching is on, got %d", c.Cache.MaxEntries)
		}
	}

	// Validate chat history configuration
	switch c.ChatHistory.Store {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			add("database.sqlite_path", "sqlite_path is required when chat_history.store is sqlite")
		}
	case "backend":
		if err := checkURL(c.ChatHistory.BackendURL); err != nil {
			add("chat_history.backend_url", "%v", err)
		}
		if c.ChatHistory.Timeout < 1 {
			add("chat_history.timeout", "timeout must be at least 1 second, got %d", c.ChatHistory.Timeout)
		}
	case "none":
	default:
		add("chat_history.store", "invalid store '%s', must be one of: sqlite, backend, none", c.ChatHistory.Store)
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		add("logging.level", "invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		add("logging.format", "invalid log format '%s', must be one of: json, text", c.Logging.Format)
	}

	// Validate audit configuration
	if c.Audit.Enabled && c.Audit.Path == "" {
		add("audit.path", "path is required when audit is enabled")
	}

	// Validate tracing configuration
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		add("tracing.sample_ratio", "sample_ratio must be between 0 and 1, got %.2f", c.Tracing.SampleRatio)
	}

	return errs
}

func checkURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}
