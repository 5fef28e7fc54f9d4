package adapter

import (
	"context"

	"github.com/kubilitics/kubilitics-reasoner/internal/llm/types"
)

// Package adapter provides a unified interface for different LLM providers.
//
// Responsibilities:
//   - Abstract differences between LLM providers (OpenAI, Anthropic, Ollama, custom)
//   - Provide a single Complete operation for the reasoning pipeline
//   - Record request latency, status and token usage metrics
//   - Start in degraded mode when no provider is configured
//
// Supported Providers:
//   1. OpenAI: gpt-4o, gpt-4o-mini (via go-openai)
//   2. Anthropic: claude-3-5-sonnet (Messages API)
//   3. Ollama: local models (llama3, mistral, ...)
//   4. Custom: any OpenAI-compatible endpoint (vLLM, LocalAI, LM Studio)
//
// Message order is passed through untouched. The reasoning pipeline relies on
// it to put the user's request ahead of framing instructions.

// LLMAdapter defines the unified interface for LLM providers.
type LLMAdapter interface {
	// Complete sends an ordered conversation and returns the completion text.
	Complete(ctx context.Context, messages []types.Message) (string, error)

	// Provider returns the configured provider, ProviderNone in degraded mode.
	Provider() ProviderType

	// Model returns the model name used for requests.
	Model() string
}
