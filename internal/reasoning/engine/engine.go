package engine

// Package engine runs a user query through the reasoning pipeline.
//
// ProcessQuery is the single entry point. For every request it:
//
//  1. Authenticates the caller's credential (optional Authenticator).
//  2. Enriches the request with service metadata (optional ServiceDirectory).
//  3. Loads prior chat turns (optional ChatHistoryReader).
//  4. Classifies the query (monitoring, question, analysis, other).
//  5. Plans data requirements with the LLM, falling back to keywords.
//  6. Collects telemetry concurrently under the shared executor cap.
//  7. Synthesizes the answer, falling back to the raw reply or a
//     best-effort rendering of the collected data.
//  8. Builds and logs the reasoning trace.
//  9. Persists the session (optional SessionRecorder) and appends the
//     exchange to chat history. Both are best-effort.
//
// Every request runs under a request id issued by the engine. Steps appended
// to the request's state are published to the subscribers of that id, and the
// persisted session record is keyed by it. The caller's correlation id is
// carried into logs, audit events and the response only, so two requests
// that share one never share events or records.
//
// Errors returned by ProcessQuery always match one of reasoning.ErrAuthentication,
// reasoning.ErrTimeout or reasoning.ErrInternal under errors.Is. A request whose
// answer synthesis failed after data was collected returns a partial response
// instead of an error.

import (
	"context"
	"time"

	"github.com/kubilitics/kubilitics-reasoner/internal/chathistory"
	"github.com/kubilitics/kubilitics-reasoner/internal/db"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/state"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/trace"
)

// ReasoningEngine processes user queries.
type ReasoningEngine interface {
	// ProcessQuery answers userQuery in the context of a chat session and
	// service.
	ProcessQuery(ctx context.Context, sessionID, userQuery string, svc ServiceContext) (*Response, error)

	// Subscribe reserves a request id and returns a subscriber for the events
	// of that request. Pass sub.RequestID as ServiceContext.RequestID.
	Subscribe() *Subscriber

	// Unsubscribe removes a subscriber and closes its channel.
	Unsubscribe(sub *Subscriber)
}

// Response status values.
const (
	StatusCompleted = "completed"
	StatusPartial   = "partial"
)

// ServiceContext carries per-request caller data.
//
// CorrelationID is caller-supplied and only labels logs, audit events and
// the response. RequestID comes from Subscribe; a fresh id is issued when it
// is empty, was never reserved or is already in use by another request.
type ServiceContext struct {
	ServiceID     string
	Credential    string
	ContextData   map[string]any
	CorrelationID string // generated when empty
	RequestID     string
}

// Response is the result of a processed query.
type Response struct {
	RequestID       string                `json:"request_id"`
	CorrelationID   string                `json:"correlation_id"`
	SessionID       string                `json:"session_id"`
	ServiceID       string                `json:"service_id,omitempty"`
	Answer          string                `json:"answer"`
	Confidence      float64               `json:"confidence"`
	Status          string                `json:"status"`
	Recommendations []string              `json:"recommendations,omitempty"`
	ActionPlan      []string              `json:"action_plan,omitempty"`
	SystemStatus    string                `json:"system_status,omitempty"` // ok, warning or critical
	RequestType     reasoning.RequestType `json:"request_type"`
	ReasoningTrace  trace.Summary         `json:"reasoning_trace"`
	ExecutionTime   float64               `json:"execution_time"` // seconds
}

// SessionRecorder persists processed sessions. db.SessionStore satisfies it.
type SessionRecorder interface {
	SaveSession(ctx context.Context, rec *db.SessionRecord) error
}

// ServiceDirectory resolves service metadata for a request.
type ServiceDirectory interface {
	Service(ctx context.Context, serviceID, credential string) (*chathistory.ServiceInfo, error)
}

// Event types published to subscribers.
const (
	EventStep     = "step"
	EventResponse = "response"
	EventError    = "error"
	EventDone     = "done"
)

// Event is a streaming update for one request.
type Event struct {
	RequestID string          `json:"request_id"`
	Type      string          `json:"type"`
	Phase     reasoning.Phase `json:"phase,omitempty"`
	Step      *state.Step     `json:"step,omitempty"`
	Response  *Response       `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Subscriber receives the events of one request.
type Subscriber struct {
	RequestID string
	Ch        chan Event
}
