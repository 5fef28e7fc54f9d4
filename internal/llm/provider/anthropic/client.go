package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kubilitics/kubilitics-reasoner/internal/llm/types"
)

// Package anthropic implements the Anthropic Messages API provider.
//
// The Messages API takes a single top-level system prompt and requires
// strictly alternating user/assistant turns. Only system messages that lead
// the conversation become the system prompt; a system message that follows
// user content stays in place as a user turn so that conversation order is
// preserved.

// Anthropic API constants
const (
	DefaultBaseURL    = "https://api.anthropic.com/v1"
	DefaultModel      = "claude-3-5-sonnet-20241022"
	DefaultMaxTokens  = 4096
	DefaultAPIVersion = "2023-06-01"
	DefaultTimeout    = 120 * time.Second
)

// ErrUnauthorized is returned when the API rejects the key.
var ErrUnauthorized = errors.New("anthropic: unauthorized")

// AnthropicClientImpl implements the Anthropic provider (exported for adapter)
type AnthropicClientImpl struct {
	apiKey     string
	model      string
	maxTokens  int
	baseURL    string
	httpClient *http.Client
}

type anthMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []anthMessage `json:"messages"`
	System    string        `json:"system,omitempty"`
}

type anthResponse struct {
	ID         string         `json:"id"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// NewAnthropicClient creates a new Anthropic client
func NewAnthropicClient(apiKey, model, baseURL string) (*AnthropicClientImpl, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &AnthropicClientImpl{
		apiKey:     apiKey,
		model:      model,
		maxTokens:  DefaultMaxTokens,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}, nil
}

// Model returns the configured model name.
func (c *AnthropicClientImpl) Model() string { return c.model }

// Complete sends the conversation and concatenates the text blocks of the reply.
func (c *AnthropicClientImpl) Complete(ctx context.Context, messages []types.Message) (string, types.TokenUsage, error) {
	system, rest := extractSystem(messages)
	req := anthRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  convertMessages(rest),
		System:    system,
	}

	resp, err := c.makeRequest(ctx, req)
	if err != nil {
		return "", types.TokenUsage{}, err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	usage := types.TokenUsage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	return sb.String(), usage, nil
}

// extractSystem splits off the leading system messages.
func extractSystem(messages []types.Message) (string, []types.Message) {
	var parts []string
	i := 0
	for ; i < len(messages) && messages[i].Role == types.RoleSystem; i++ {
		parts = append(parts, messages[i].Content)
	}
	return strings.Join(parts, "\n\n"), messages[i:]
}

// convertMessages maps roles onto user/assistant and merges consecutive turns
// of the same role.
func convertMessages(messages []types.Message) []anthMessage {
	result := make([]anthMessage, 0, len(messages))
	for _, m := range messages {
		role := "user"
		if m.Role == types.RoleAssistant {
			role = "assistant"
		}
		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Content = append(result[n-1].Content, contentBlock{Type: "text", Text: m.Content})
			continue
		}
		result = append(result, anthMessage{
			Role:    role,
			Content: []contentBlock{{Type: "text", Text: m.Content}},
		})
	}
	return result
}

func (c *AnthropicClientImpl) makeRequest(ctx context.Context, req anthRequest) (*anthResponse, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", DefaultAPIVersion)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, string(body))
	case httpResp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("API error %d: %s", httpResp.StatusCode, string(body))
	}

	var resp anthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &resp, nil
}
