package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kubilitics/kubilitics-reasoner/internal/llm/types"
)

// Package ollama implements the Ollama chat API provider for locally hosted
// models.

// Ollama API constants
const (
	DefaultBaseURL = "http://localhost:11434"
	DefaultModel   = "llama3"
	DefaultTimeout = 300 * time.Second
)

// OllamaClientImpl implements the Ollama provider (exported for adapter)
type OllamaClientImpl struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

type chatRequest struct {
	Model    string          `json:"model"`
	Messages []types.Message `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
}

type chatResponse struct {
	Message         types.Message `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

// NewOllamaClient creates a new Ollama client. No connection is attempted.
func NewOllamaClient(baseURL, model string) (*OllamaClientImpl, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("invalid Ollama base URL %q", baseURL)
	}
	return &OllamaClientImpl{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}, nil
}

// Model returns the configured model name.
func (c *OllamaClientImpl) Model() string { return c.model }

// Complete posts a non-streaming chat request.
func (c *OllamaClientImpl) Complete(ctx context.Context, messages []types.Message) (string, types.TokenUsage, error) {
	reqBody, err := json.Marshal(chatRequest{Model: c.model, Messages: messages, Stream: false})
	if err != nil {
		return "", types.TokenUsage{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(reqBody))
	if err != nil {
		return "", types.TokenUsage{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", types.TokenUsage{}, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", types.TokenUsage{}, fmt.Errorf("failed to read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return "", types.TokenUsage{}, fmt.Errorf("ollama error %d: %s", httpResp.StatusCode, string(body))
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", types.TokenUsage{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if resp.Error != "" {
		return "", types.TokenUsage{}, fmt.Errorf("ollama error: %s", resp.Error)
	}

	usage := types.TokenUsage{
		PromptTokens:     resp.PromptEvalCount,
		CompletionTokens: resp.EvalCount,
		TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
	}
	return resp.Message.Content, usage, nil
}
