package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/kubilitics/kubilitics-reasoner/internal/llm/types"
)

type stubClient struct {
	reply string
	err   error
	got   []types.Message
}

func (s *stubClient) Complete(_ context.Context, messages []types.Message) (string, types.TokenUsage, error) {
	s.got = messages
	return s.reply, types.TokenUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}, s.err
}

func (s *stubClient) Model() string { return "stub-model" }

func TestNewLLMAdapterDegraded(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"none provider", &Config{Provider: ProviderNone}},
		{"openai without key", &Config{Provider: ProviderOpenAI}},
		{"anthropic without key", &Config{Provider: ProviderAnthropic}},
		{"custom without url", &Config{Provider: ProviderCustom}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewLLMAdapter(tt.cfg)
			if err != nil {
				t.Fatalf("NewLLMAdapter() error: %v", err)
			}
			if a.Provider() != ProviderNone {
				t.Errorf("expected degraded adapter, got %s", a.Provider())
			}
			if _, err := a.Complete(context.Background(), nil); !errors.Is(err, ErrProviderNotConfigured) {
				t.Errorf("expected ErrProviderNotConfigured, got %v", err)
			}
		})
	}
}

func TestNewLLMAdapterProviders(t *testing.T) {
	tests := []struct {
		cfg  Config
		want ProviderType
	}{
		{Config{Provider: ProviderOpenAI, APIKey: "sk"}, ProviderOpenAI},
		{Config{Provider: ProviderCustom, BaseURL: "http://vllm:8000/v1"}, ProviderCustom},
		{Config{Provider: ProviderAnthropic, APIKey: "k"}, ProviderAnthropic},
		{Config{Provider: ProviderOllama}, ProviderOllama},
	}
	for _, tt := range tests {
		a, err := NewLLMAdapter(&tt.cfg)
		if err != nil {
			t.Fatalf("NewLLMAdapter(%s) error: %v", tt.want, err)
		}
		if a.Provider() != tt.want {
			t.Errorf("expected %s, got %s", tt.want, a.Provider())
		}
		if a.Model() == "" {
			t.Errorf("%s: expected default model", tt.want)
		}
	}

	if _, err := NewLLMAdapter(&Config{Provider: "gemini"}); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

func TestCompletePassesMessagesInOrder(t *testing.T) {
	stub := &stubClient{reply: "ok"}
	a := New(ProviderOpenAI, stub)
	msgs := []types.Message{{Role: types.RoleUser, Content: "first"}, {Role: types.RoleSystem, Content: "second"}}

	got, err := a.Complete(context.Background(), msgs)
	if err != nil || got != "ok" {
		t.Fatalf("Complete() = %q, %v", got, err)
	}
	if len(stub.got) != 2 || stub.got[0].Content != "first" {
		t.Errorf("messages reordered: %+v", stub.got)
	}
	if a.Model() != "stub-model" {
		t.Errorf("unexpected model %s", a.Model())
	}
}

func TestCompletePropagatesError(t *testing.T) {
	a := New(ProviderOllama, &stubClient{err: errors.New("boom")})
	if _, err := a.Complete(context.Background(), nil); err == nil {
		t.Error("expected error")
	}
}
