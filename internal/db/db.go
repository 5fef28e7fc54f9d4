package db

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence interface of the reasoner.
type Store interface {
	ConversationStore
	SessionStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Conversation store ───────────────────────────────────────────────────────

// ConversationRecord is a persisted chat session.
type ConversationRecord struct {
	ID        string    `json:"id"`
	ServiceID string    `json:"service_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageRecord is a single message in a conversation.
type MessageRecord struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"` // user | assistant
	Content        string    `json:"content"`
	Metadata       string    `json:"metadata"` // JSON object
	Timestamp      time.Time `json:"timestamp"`
}

// ConversationStore persists multi-turn conversation history.
type ConversationStore interface {
	// SaveConversation creates or updates a conversation.
	SaveConversation(ctx context.Context, rec *ConversationRecord) error

	// GetConversation retrieves a conversation by ID.
	GetConversation(ctx context.Context, id string) (*ConversationRecord, error)

	// AppendMessages adds messages to a conversation in one transaction,
	// creating the conversation when it does not exist.
	AppendMessages(ctx context.Context, conversationID string, msgs ...*MessageRecord) error

	// RecentMessages returns the newest limit messages, oldest first.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]*MessageRecord, error)

	// DeleteConversation removes a conversation and all its messages.
	DeleteConversation(ctx context.Context, id string) error
}

// ─── Session store ────────────────────────────────────────────────────────────

// SessionRecord is the persisted outcome of one processed query.
type SessionRecord struct {
	ID            string    `json:"id"` // server-issued request id
	CorrelationID string    `json:"correlation_id,omitempty"`
	SessionID     string    `json:"session_id"`
	ServiceID     string    `json:"service_id"`
	Query         string    `json:"query"`
	RequestType   string    `json:"request_type"`
	Status        string    `json:"status"`
	FinalPhase    string    `json:"final_phase"`
	Answer        string    `json:"answer"`
	Confidence    float64   `json:"confidence"`
	Trace         string    `json:"trace"` // JSON trace summary
	DurationMs    int64     `json:"duration_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// SessionStore persists processed queries with their reasoning trace.
type SessionStore interface {
	// SaveSession writes (or overwrites) a session record.
	SaveSession(ctx context.Context, rec *SessionRecord) error

	// GetSession retrieves a session record by ID.
	GetSession(ctx context.Context, id string) (*SessionRecord, error)

	// ListSessions returns records of a chat session, newest first. An empty
	// sessionID lists every record.
	ListSessions(ctx context.Context, sessionID string, limit, offset int) ([]*SessionRecord, error)
}
