package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kubilitics/kubilitics-reasoner/internal/llm/provider/anthropic"
	"github.com/kubilitics/kubilitics-reasoner/internal/llm/provider/ollama"
	"github.com/kubilitics/kubilitics-reasoner/internal/llm/provider/openai"
	"github.com/kubilitics/kubilitics-reasoner/internal/llm/types"
	"github.com/kubilitics/kubilitics-reasoner/internal/metrics"
)

// ProviderType identifies which LLM provider is configured
type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderOllama    ProviderType = "ollama"
	ProviderCustom    ProviderType = "custom"
	ProviderNone      ProviderType = "none" // No LLM configured
)

// ErrProviderNotConfigured is returned when an LLM operation is attempted without a configured provider
var ErrProviderNotConfigured = errors.New("LLM provider not configured")

// Config holds LLM provider configuration
type Config struct {
	Provider ProviderType `json:"provider"`
	APIKey   string       `json:"api_key"`  // For OpenAI/Anthropic
	BaseURL  string       `json:"base_url"` // For Ollama/Custom
	Model    string       `json:"model"`    // Model name
}

// Completer is implemented by every provider client.
type Completer interface {
	Complete(ctx context.Context, messages []types.Message) (string, types.TokenUsage, error)
	Model() string
}

// llmAdapterImpl is the unified adapter implementation
type llmAdapterImpl struct {
	provider ProviderType
	model    string
	client   Completer
}

// NewLLMAdapter creates an adapter from configuration. Missing credentials
// yield a degraded adapter, not an error.
func NewLLMAdapter(cfg *Config) (LLMAdapter, error) {
	if cfg == nil || cfg.Provider == "" || cfg.Provider == ProviderNone {
		return &llmAdapterImpl{provider: ProviderNone}, nil
	}

	var client Completer
	var err error

	switch cfg.Provider {
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return &llmAdapterImpl{provider: ProviderNone}, nil
		}
		client, err = openai.NewOpenAIClient(cfg.APIKey, cfg.Model, cfg.BaseURL)
	case ProviderCustom:
		if cfg.BaseURL == "" {
			return &llmAdapterImpl{provider: ProviderNone}, nil
		}
		client, err = openai.NewOpenAIClient(cfg.APIKey, cfg.Model, cfg.BaseURL)
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return &llmAdapterImpl{provider: ProviderNone}, nil
		}
		client, err = anthropic.NewAnthropicClient(cfg.APIKey, cfg.Model, cfg.BaseURL)
	case ProviderOllama:
		client, err = ollama.NewOllamaClient(cfg.BaseURL, cfg.Model)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", cfg.Provider, err)
	}

	return New(cfg.Provider, client), nil
}

// New wraps an already constructed provider client.
func New(provider ProviderType, client Completer) LLMAdapter {
	return &llmAdapterImpl{provider: provider, model: client.Model(), client: client}
}

func (a *llmAdapterImpl) Provider() ProviderType { return a.provider }

func (a *llmAdapterImpl) Model() string { return a.model }

// Complete delegates to the provider client
func (a *llmAdapterImpl) Complete(ctx context.Context, messages []types.Message) (string, error) {
	if a.provider == ProviderNone || a.client == nil {
		return "", ErrProviderNotConfigured
	}

	start := time.Now()
	resp, usage, err := a.client.Complete(ctx, messages)
	metrics.LLMRequestDuration.WithLabelValues(string(a.provider), a.model).Observe(time.Since(start).Seconds())

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.LLMRequestsTotal.WithLabelValues(string(a.provider), a.model, status).Inc()
	if usage.PromptTokens > 0 {
		metrics.LLMTokensUsed.WithLabelValues(string(a.provider), a.model, "input").Add(float64(usage.PromptTokens))
	}
	if usage.CompletionTokens > 0 {
		metrics.LLMTokensUsed.WithLabelValues(string(a.provider), a.model, "output").Add(float64(usage.CompletionTokens))
	}

	return resp, err
}
