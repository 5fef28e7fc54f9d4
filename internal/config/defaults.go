package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8081
	cfg.Server.GRPCPort = 9091
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.AuthTokens = nil
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.Server.RateLimitRPS = 5
	cfg.Server.RateLimitBurst = 10
	cfg.Server.ShutdownTimeout = 15
	cfg.Server.RequestTimeout = 90

	// LLM defaults
	cfg.LLM.Provider = "openai"
	cfg.LLM.APIKey = ""
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.BaseURL = ""

	// Reasoning defaults
	cfg.Reasoning.PlanningTimeout = 20
	cfg.Reasoning.FeedbackTimeout = 30
	cfg.Reasoning.QueryTimeout = 0
	cfg.Reasoning.MandatoryRequirements = nil
	cfg.Reasoning.HistoryLimit = 20
	cfg.Reasoning.HistoryMaxChars = 4000
	cfg.Reasoning.PromptMaxContextChars = 2000

	// Executor defaults
	cfg.Executor.MaxConcurrency = 4
	cfg.Executor.CollectorTimeout = 15
	cfg.Executor.Retries = 1
	cfg.Executor.BackoffMillis = 200

	// Rules defaults
	cfg.Rules.CPUPercent = 80
	cfg.Rules.MemoryPercent = 85
	cfg.Rules.DiskPercent = 90
	cfg.Rules.NetworkLatencyMillis = 1000
	cfg.Rules.ErrorCount = 10
	cfg.Rules.CriticalFactor = 1.5

	// Telemetry defaults
	cfg.Telemetry.Source = "http"
	cfg.Telemetry.BaseURL = "http://localhost:8080"
	cfg.Telemetry.Token = ""
	cfg.Telemetry.Timeout = 15

	// Influx defaults
	cfg.Influx.URL = "http://localhost:8086"
	cfg.Influx.Org = ""
	cfg.Influx.Bucket = "telegraf"
	cfg.Influx.ServiceTag = "service"

	// Cache defaults
	cfg.Cache.EnableCaching = true
	cfg.Cache.TTLSeconds = 30
	cfg.Cache.MaxEntries = 512

	// Database defaults
	cfg.Database.SQLitePath = "/var/lib/kubilitics/reasoner.db"

	// Chat history defaults
	cfg.ChatHistory.Store = "sqlite"
	cfg.ChatHistory.BackendURL = ""
	cfg.ChatHistory.Timeout = 10

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.File = ""
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 5
	cfg.Logging.MaxAgeDays = 14
	cfg.Logging.Compress = true

	// Audit defaults
	cfg.Audit.Enabled = true
	cfg.Audit.Path = "/var/log/kubilitics/reasoner-audit.log"
	cfg.Audit.MaxSizeMB = 100
	cfg.Audit.MaxBackups = 10
	cfg.Audit.MaxAgeDays = 90

	// Tracing defaults
	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "kubilitics-reasoner"
	cfg.Tracing.SampleRatio = 1.0

	return cfg
}
