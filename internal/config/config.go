package config

import "context"

// Package config provides configuration management for kubilitics-reasoner.
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (KUBILITICS_* prefix, dots become underscores)
//   2. YAML config file (default: /etc/kubilitics/reasoner.yaml)
//   3. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Server       - HTTP/gRPC ports, bearer tokens, WebSocket origins, rate limit
//   2. LLM          - provider ("openai" | "anthropic" | "ollama" | "custom"), key, model
//   3. Reasoning    - planning/feedback timeouts, mandatory requirements, history
//   4. Executor     - collector concurrency, per-call timeout, retries
//   5. Rules        - thresholds that rate collected telemetry
//   6. Telemetry    - "http" | "influx" | "none" metrics and logs source
//   7. Influx       - InfluxDB 2.x connection
//   8. Cache        - telemetry payload cache
//   9. Database     - SQLite path for chat history and sessions
//  10. ChatHistory  - "sqlite" | "backend" | "none"
//  11. Logging      - level, format, rotated file
//  12. Audit        - rotated audit log
//  13. Tracing      - OpenTelemetry export
//
// Timeouts are whole seconds unless the key says otherwise.

// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Port     int
		GRPCPort int
		Host     string
		// AuthTokens are accepted bearer tokens. Empty disables the check and
		// leaves authorization to the downstream backends.
		AuthTokens []string
		// AllowedOrigins is a list of origins permitted to open WebSocket connections.
		// Use ["*"] to allow any origin (development only).
		AllowedOrigins  []string
		RateLimitRPS    float64 // per client; 0 disables
		RateLimitBurst  int
		ShutdownTimeout int
		RequestTimeout  int // HTTP handler deadline for one orchestrate call
	}

	// LLM provider configuration
	LLM struct {
		Provider string
		APIKey   string
		Model    string
		BaseURL  string
		// Configured is set by Validate when the provider has what it needs.
		Configured bool
	}

	// Reasoning pipeline configuration
	Reasoning struct {
		PlanningTimeout       int
		FeedbackTimeout       int
		QueryTimeout          int // 0 means no overall deadline
		MandatoryRequirements []string
		HistoryLimit          int
		HistoryMaxChars       int
		PromptMaxContextChars int
	}

	// Executor configuration
	Executor struct {
		MaxConcurrency   int
		CollectorTimeout int
		Retries          int
		BackoffMillis    int
	}

	// Threshold rules configuration
	Rules struct {
		CPUPercent           float64
		MemoryPercent        float64
		DiskPercent          float64
		NetworkLatencyMillis float64
		ErrorCount           int     // error entries that make a log dataset critical
		CriticalFactor       float64 // multiple of a threshold that is critical
	}

	// Telemetry source configuration
	Telemetry struct {
		Source  string
		BaseURL string
		Token   string
		Timeout int
	}

	// InfluxDB configuration
	Influx struct {
		URL        string
		Token      string
		Org        string
		Bucket     string
		ServiceTag string
	}

	// Cache configuration
	Cache struct {
		EnableCaching bool
		TTLSeconds    int
		MaxEntries    int
	}

	// Database configuration
	Database struct {
		SQLitePath string
	}

	// Chat history configuration
	ChatHistory struct {
		Store      string
		BackendURL string
		Timeout    int
	}

	// Logging configuration
	Logging struct {
		Level      string
		Format     string
		File       string // empty logs to stderr only
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		Compress   bool
	}

	// Audit log configuration
	Audit struct {
		Enabled    bool
		Path       string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
	}

	// Tracing configuration
	Tracing struct {
		Enabled     bool
		ServiceName string
		SampleRatio float64
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches the config file and delivers each successfully reloaded
	// configuration.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// DefaultConfigPath is used when no --config flag is given.
const DefaultConfigPath = "/etc/kubilitics/reasoner.yaml"

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager(DefaultConfigPath)
}
