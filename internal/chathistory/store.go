package chathistory

// Package chathistory persists and renders the conversation preceding a
// query.
//
// Two implementations satisfy reasoning.ChatHistoryStore and
// reasoning.ChatHistoryReader:
//   - Store:         local SQLite conversations (internal/db)
//   - BackendClient: the operations backend sessions API

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kubilitics/kubilitics-reasoner/internal/db"
	"github.com/kubilitics/kubilitics-reasoner/internal/llm/types"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning"
)

// Store keeps chat history in a db.ConversationStore.
type Store struct {
	conversations db.ConversationStore
	now           func() time.Time
}

// NewStore wraps conversations.
func NewStore(conversations db.ConversationStore) *Store {
	return &Store{conversations: conversations, now: time.Now}
}

// Append records the query as a user message and the answer as an assistant
// message of conversation sessionID.
func (s *Store) Append(ctx context.Context, sessionID string, entry reasoning.ChatEntry) error {
	if sessionID == "" {
		return fmt.Errorf("append chat history: empty session id")
	}
	meta := "{}"
	if len(entry.Metadata) > 0 {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("encode chat metadata: %w", err)
		}
		meta = string(b)
	}

	now := s.now().UTC()
	err := s.conversations.AppendMessages(ctx, sessionID,
		&db.MessageRecord{Role: types.RoleUser, Content: entry.Query, Timestamp: now},
		&db.MessageRecord{Role: types.RoleAssistant, Content: entry.Answer, Metadata: meta, Timestamp: now},
	)
	if err != nil {
		return fmt.Errorf("append chat history: %w", err)
	}
	return nil
}

// Recent returns up to limit prior messages of sessionID, oldest first.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]types.Message, error) {
	recs, err := s.conversations.RecentMessages(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("load chat history: %w", err)
	}
	out := make([]types.Message, 0, len(recs))
	for _, r := range recs {
		out = append(out, types.Message{Role: r.Role, Content: r.Content})
	}
	return out, nil
}
