package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-reasoner/internal/audit"
	"github.com/kubilitics/kubilitics-reasoner/internal/chathistory"
	"github.com/kubilitics/kubilitics-reasoner/internal/config"
	"github.com/kubilitics/kubilitics-reasoner/internal/db"
	"github.com/kubilitics/kubilitics-reasoner/internal/integration/backend"
	"github.com/kubilitics/kubilitics-reasoner/internal/llm/adapter"
	"github.com/kubilitics/kubilitics-reasoner/internal/logging"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/engine"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/executor"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/feedback"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/planner"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/prompt"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/rules"
	"github.com/kubilitics/kubilitics-reasoner/internal/server"
	"github.com/kubilitics/kubilitics-reasoner/internal/telemetry"
	"github.com/kubilitics/kubilitics-reasoner/internal/tracing"
)

// app holds the wired components of one process.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	auditLog audit.Logger
	store    db.Store // nil when no database is configured
	auth     reasoning.Authenticator
	engine   engine.ReasoningEngine

	closers []func() error // run in reverse order by Close
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// buildApp wires every component from cfg. On error everything opened so far
// is closed.
func buildApp(cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.logger, err = logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	a.closers = append(a.closers, a.logger.Close)
	log := a.logger.Logger

	a.auditLog = audit.Nop()
	if cfg.Audit.Enabled {
		ac := audit.DefaultConfig()
		ac.Path = cfg.Audit.Path
		ac.MaxSize = cfg.Audit.MaxSizeMB
		ac.MaxBackups = cfg.Audit.MaxBackups
		ac.MaxAge = cfg.Audit.MaxAgeDays
		if a.auditLog, err = audit.NewLogger(ac); err != nil {
			return nil, fmt.Errorf("init audit log: %w", err)
		}
		a.closers = append(a.closers, a.auditLog.Close)
	}

	shutdownTracing, err := tracing.Init(tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: server.Version,
		SampleRatio:    cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracing(ctx)
	})

	if cfg.Database.SQLitePath != "" {
		if a.store, err = db.NewSQLiteStore(cfg.Database.SQLitePath); err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.closers = append(a.closers, a.store.Close)
	}

	metricsP, logsP, closeTelemetry, err := buildTelemetry(cfg)
	if err != nil {
		return nil, err
	}
	if closeTelemetry != nil {
		a.closers = append(a.closers, closeTelemetry)
	}

	llm, err := adapter.NewLLMAdapter(&adapter.Config{
		Provider: adapter.ProviderType(cfg.LLM.Provider),
		APIKey:   cfg.LLM.APIKey,
		BaseURL:  cfg.LLM.BaseURL,
		Model:    cfg.LLM.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("init LLM adapter: %w", err)
	}
	if !cfg.LLM.Configured {
		log.Warn("LLM provider not configured, planning and synthesis use fallbacks",
			zap.String("provider", cfg.LLM.Provider))
	}

	mandatory, err := reasoning.ParseRequirementIDs(cfg.Reasoning.MandatoryRequirements)
	if err != nil {
		return nil, fmt.Errorf("reasoning.mandatory_requirements: %w", err)
	}
	prompts := prompt.NewPromptManager(cfg.Reasoning.PromptMaxContextChars)
	a.auth = engine.NewTokenAuthenticator(cfg.Server.AuthTokens)

	deps := engine.Deps{
		Planner: planner.New(llm, prompts, planner.Config{
			Timeout:   seconds(cfg.Reasoning.PlanningTimeout),
			Mandatory: mandatory,
		}, log),
		Executor: executor.New(metricsP, logsP, executor.Config{
			MaxConcurrency:   int64(cfg.Executor.MaxConcurrency),
			CollectorTimeout: seconds(cfg.Executor.CollectorTimeout),
			Retries:          cfg.Executor.Retries,
			Backoff:          time.Duration(cfg.Executor.BackoffMillis) * time.Millisecond,
		}, log),
		Rules: rules.New(rules.Thresholds{
			CPUPercent:           cfg.Rules.CPUPercent,
			MemoryPercent:        cfg.Rules.MemoryPercent,
			DiskPercent:          cfg.Rules.DiskPercent,
			NetworkLatencyMillis: cfg.Rules.NetworkLatencyMillis,
			ErrorCount:           cfg.Rules.ErrorCount,
			CriticalFactor:       cfg.Rules.CriticalFactor,
		}),
		Synthesizer:   feedback.New(llm, prompts, seconds(cfg.Reasoning.FeedbackTimeout), log),
		Authenticator: a.auth,
		AuditLog:      a.auditLog,
		Logger:        log,
	}
	if a.store != nil {
		deps.Sessions = a.store
	}

	switch cfg.ChatHistory.Store {
	case "sqlite":
		if a.store == nil {
			return nil, errors.New("chat_history.store is sqlite but database.sqlite_path is empty")
		}
		h := chathistory.NewStore(a.store)
		deps.History, deps.HistoryStore = h, h
	case "backend":
		bc := chathistory.NewBackendClient(backend.NewClient(cfg.ChatHistory.BackendURL,
			backend.WithHTTPClient(&http.Client{Timeout: seconds(cfg.ChatHistory.Timeout)})))
		deps.History, deps.HistoryStore, deps.Services = bc, bc, bc
	}

	a.engine, err = engine.New(deps, engine.Config{
		HistoryLimit:    cfg.Reasoning.HistoryLimit,
		HistoryMaxChars: cfg.Reasoning.HistoryMaxChars,
		QueryTimeout:    seconds(cfg.Reasoning.QueryTimeout),
	})
	if err != nil {
		return nil, err
	}

	log.Info("reasoner wired",
		zap.String("llm_provider", string(llm.Provider())),
		zap.String("telemetry", cfg.Telemetry.Source),
		zap.String("chat_history", cfg.ChatHistory.Store),
		zap.Bool("cache", cfg.Cache.EnableCaching),
		zap.Bool("audit", cfg.Audit.Enabled),
		zap.Bool("tracing", cfg.Tracing.Enabled))
	return a, nil
}

// buildTelemetry selects the metrics and logs providers. The influx source
// serves metrics only; logs then come from the HTTP backend when a base URL
// is configured.
func buildTelemetry(cfg *config.Config) (telemetry.MetricsProvider, telemetry.LogsProvider, func() error, error) {
	var (
		m       telemetry.MetricsProvider = telemetry.Noop{}
		l       telemetry.LogsProvider    = telemetry.Noop{}
		closeFn func() error
	)

	httpProvider := func() *telemetry.HTTPProvider {
		return telemetry.NewHTTPProvider(backend.NewClient(cfg.Telemetry.BaseURL,
			backend.WithHTTPClient(&http.Client{Timeout: seconds(cfg.Telemetry.Timeout)}),
			backend.WithToken(cfg.Telemetry.Token)))
	}

	switch cfg.Telemetry.Source {
	case "http":
		p := httpProvider()
		m, l = p, p
	case "influx":
		ip, err := telemetry.NewInfluxProvider(telemetry.InfluxConfig{
			URL:        cfg.Influx.URL,
			Token:      cfg.Influx.Token,
			Org:        cfg.Influx.Org,
			Bucket:     cfg.Influx.Bucket,
			ServiceTag: cfg.Influx.ServiceTag,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("init influx provider: %w", err)
		}
		m = ip
		closeFn = func() error { ip.Close(); return nil }
		if cfg.Telemetry.BaseURL != "" {
			l = httpProvider()
		}
	case "none":
		return m, l, nil, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown telemetry source %q", cfg.Telemetry.Source)
	}

	if cfg.Cache.EnableCaching {
		c := telemetry.NewCachedProvider(m, l, cfg.Cache.MaxEntries, seconds(cfg.Cache.TTLSeconds))
		m, l = c, c
	}
	return m, l, closeFn, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
