package reasoning

import (
	"context"
	"time"

	"github.com/kubilitics/kubilitics-reasoner/internal/llm/types"
)

// Package reasoning holds the domain model shared by the reasoning pipeline.
//
// A query moves through a fixed sequence of phases:
//   Initialized → Planning → Execution → Feedback → Done
// Any non-terminal phase may move to Failed.
//
// The subpackages implement one concern each:
//   - classifier: keyword intent classification
//   - state:      request-scoped state, step log and phase transitions
//   - planner:    LLM planning of data requirements with keyword fallback
//   - executor:   bounded concurrent telemetry collection
//   - feedback:   LLM answer synthesis with raw and best-effort fallbacks
//   - trace:      phase statistics normalization and trace rendering
//   - engine:     ProcessQuery, wiring the phases together

// RequestType is the intent assigned to a query before planning.
type RequestType string

const (
	RequestMonitoring RequestType = "monitoring"
	RequestQuestion   RequestType = "question"
	RequestAnalysis   RequestType = "analysis"
	RequestOther      RequestType = "other"
)

// Phase is a state of the reasoning state machine.
type Phase string

const (
	PhaseInitialized Phase = "initialized"
	PhasePlanning    Phase = "planning"
	PhaseExecution   Phase = "execution"
	PhaseFeedback    Phase = "feedback"
	PhaseDone        Phase = "done"
	PhaseFailed      Phase = "failed"
)

// phaseOrder is the canonical forward ordering. Failed has no rank.
var phaseOrder = map[Phase]int{
	PhaseInitialized: 0,
	PhasePlanning:    1,
	PhaseExecution:   2,
	PhaseFeedback:    3,
	PhaseDone:        4,
}

// Rank returns the position of p in the forward ordering, or -1 for Failed
// and unknown phases.
func (p Phase) Rank() int {
	if r, ok := phaseOrder[p]; ok {
		return r
	}
	return -1
}

// Terminal reports whether no further transitions are allowed from p.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// WorkPhases are the phases that record steps and statistics, in order.
var WorkPhases = []Phase{PhasePlanning, PhaseExecution, PhaseFeedback}

// ParsePhase maps a case-insensitive phase name onto a Phase.
func ParsePhase(s string) (Phase, bool) {
	p := Phase(lower(s))
	if p == PhaseFailed {
		return p, true
	}
	if _, ok := phaseOrder[p]; ok {
		return p, true
	}
	return "", false
}

// Requirement is one unit of telemetry selected by the planner.
type Requirement struct {
	ID             RequirementID `json:"id"`
	Source         Source        `json:"source"`
	Mandatory      bool          `json:"mandatory,omitempty"`
	Window         time.Duration `json:"window"`
	TargetServices []string      `json:"target_services,omitempty"`
}

// LanguageModel completes an ordered conversation and returns the reply text.
// Earlier messages carry more weight, so callers control ordering explicitly.
type LanguageModel interface {
	Complete(ctx context.Context, messages []types.Message) (string, error)
}

// ChatEntry is one (query, answer) exchange appended to chat history.
type ChatEntry struct {
	Query    string         `json:"query"`
	Answer   string         `json:"answer"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ChatHistoryStore records completed exchanges. Failures are never fatal to a
// request.
type ChatHistoryStore interface {
	Append(ctx context.Context, sessionID string, entry ChatEntry) error
}

// ChatHistoryReader returns up to limit prior messages of a session, oldest
// first.
type ChatHistoryReader interface {
	Recent(ctx context.Context, sessionID string, limit int) ([]types.Message, error)
}

// Authenticator validates the credential supplied with a request.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) error
}

type credentialKey struct{}

// WithCredential attaches the caller's credential to ctx for collaborators
// whose interfaces carry no credential parameter.
func WithCredential(ctx context.Context, credential string) context.Context {
	return context.WithValue(ctx, credentialKey{}, credential)
}

// CredentialFrom returns the credential attached by WithCredential.
func CredentialFrom(ctx context.Context) string {
	c, _ := ctx.Value(credentialKey{}).(string)
	return c
}
