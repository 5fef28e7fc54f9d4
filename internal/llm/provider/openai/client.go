package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/kubilitics/kubilitics-reasoner/internal/llm/types"
)

// Package openai implements the OpenAI provider on top of go-openai.
//
// The same client serves any OpenAI-compatible endpoint (vLLM, LocalAI,
// LM Studio) when a base URL is supplied.

// OpenAI API constants
const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o"
	DefaultTimeout = 120 * time.Second
)

// ErrUnauthorized is returned when the API rejects the key.
var ErrUnauthorized = errors.New("openai: unauthorized")

// OpenAIClientImpl implements the OpenAI provider (exported for adapter)
type OpenAIClientImpl struct {
	client  *goopenai.Client
	model   string
	baseURL string
}

// NewOpenAIClient creates a new OpenAI client. An empty baseURL targets the
// public API, which requires an API key.
func NewOpenAIClient(apiKey, model, baseURL string) (*OpenAIClientImpl, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
		if apiKey == "" {
			return nil, fmt.Errorf("OpenAI API key is required")
		}
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := goopenai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}

	return &OpenAIClientImpl{
		client:  goopenai.NewClientWithConfig(cfg),
		model:   model,
		baseURL: cfg.BaseURL,
	}, nil
}

// Model returns the configured model name.
func (c *OpenAIClientImpl) Model() string { return c.model }

// Complete sends the conversation and returns the first choice.
func (c *OpenAIClientImpl) Complete(ctx context.Context, messages []types.Message) (string, types.TokenUsage, error) {
	req := goopenai.ChatCompletionRequest{
		Model:    c.model,
		Messages: convertMessages(messages),
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *goopenai.APIError
		if errors.As(err, &apiErr) && (apiErr.HTTPStatusCode == http.StatusUnauthorized || apiErr.HTTPStatusCode == http.StatusForbidden) {
			return "", types.TokenUsage{}, fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
		}
		return "", types.TokenUsage{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", types.TokenUsage{}, fmt.Errorf("chat completion returned no choices")
	}

	usage := types.TokenUsage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	return resp.Choices[0].Message.Content, usage, nil
}

func convertMessages(messages []types.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := goopenai.ChatMessageRoleUser
		switch m.Role {
		case types.RoleSystem:
			role = goopenai.ChatMessageRoleSystem
		case types.RoleAssistant:
			role = goopenai.ChatMessageRoleAssistant
		}
		out = append(out, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}
