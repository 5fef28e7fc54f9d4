package chathistory

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/kubilitics/kubilitics-reasoner/internal/integration/backend"
	"github.com/kubilitics/kubilitics-reasoner/internal/llm/types"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning"
)

// ServiceInfo is a monitored service registered in the backend.
type ServiceInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// BackendMessage is one exchange stored by the backend.
type BackendMessage struct {
	Prompt    string `json:"prompt"`
	Answer    string `json:"answer"`
	Timestamp string `json:"timestamp"`
}

type messagesResponse struct {
	SessionID string            `json:"sessionId"`
	ServiceID string            `json:"serviceId"`
	Messages  *[]BackendMessage `json:"messages"`
}

// BackendClient reads and writes chat history through the backend sessions
// API. The caller's credential is taken from the context
// (reasoning.WithCredential).
type BackendClient struct {
	client *backend.Client
}

// NewBackendClient creates a BackendClient.
func NewBackendClient(client *backend.Client) *BackendClient {
	return &BackendClient{client: client}
}

// Append posts the exchange to POST /api/sessions/{id}/add_message.
func (c *BackendClient) Append(ctx context.Context, sessionID string, entry reasoning.ChatEntry) error {
	body := map[string]string{"prompt": entry.Query, "answer": entry.Answer}
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/add_message"
	if err := c.client.Post(ctx, path, body, reasoning.CredentialFrom(ctx), nil); err != nil {
		return wrap(err)
	}
	return nil
}

// Messages returns the stored exchanges of sessionID ordered by timestamp.
func (c *BackendClient) Messages(ctx context.Context, sessionID string) ([]BackendMessage, error) {
	var resp messagesResponse
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/get_messages"
	if err := c.client.Get(ctx, path, nil, reasoning.CredentialFrom(ctx), &resp); err != nil {
		return nil, wrap(err)
	}
	if resp.Messages == nil {
		return nil, fmt.Errorf("get messages: %w: missing field \"messages\"", reasoning.ErrStructural)
	}
	msgs := *resp.Messages
	sort.SliceStable(msgs, func(i, j int) bool {
		return parseTimestamp(msgs[i].Timestamp).Before(parseTimestamp(msgs[j].Timestamp))
	})
	return msgs, nil
}

// Recent returns up to limit prior messages of sessionID, oldest first. Each
// backend exchange expands to a user and an assistant message.
func (c *BackendClient) Recent(ctx context.Context, sessionID string, limit int) ([]types.Message, error) {
	msgs, err := c.Messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var out []types.Message
	for _, m := range msgs {
		if m.Prompt != "" {
			out = append(out, types.Message{Role: types.RoleUser, Content: m.Prompt})
		}
		if m.Answer != "" {
			out = append(out, types.Message{Role: types.RoleAssistant, Content: m.Answer})
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Service returns GET /api/services/{id}.
func (c *BackendClient) Service(ctx context.Context, serviceID, credential string) (*ServiceInfo, error) {
	var info ServiceInfo
	if err := c.client.Get(ctx, "/api/services/"+url.PathEscape(serviceID), nil, credential, &info); err != nil {
		return nil, wrap(err)
	}
	if info.ID == "" {
		return nil, fmt.Errorf("get service %s: %w: missing id", serviceID, reasoning.ErrStructural)
	}
	return &info, nil
}

// wrap maps rejected credentials onto reasoning.ErrAuthentication.
func wrap(err error) error {
	if errors.Is(err, backend.ErrUnauthorized) {
		return fmt.Errorf("%w: %w", reasoning.ErrAuthentication, err)
	}
	return err
}

// parseTimestamp parses backend timestamps such as "2025-11-01T04:11:02.838Z".
// Unparseable values sort first.
func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
