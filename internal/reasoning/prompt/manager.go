package prompt

import (
	"github.com/kubilitics/kubilitics-reasoner/internal/llm/types"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning"
)

// Package prompt renders the two language-model conversations of a query.
//
// Responsibilities:
//   - Planning: instruct the model to pick data requirements from the
//     catalogue and reply with a single JSON object
//   - Feedback: present the user's request, the analyzed sources and the
//     unavailable sources, and ask for a JSON answer
//   - Carry the request type as an explicit field in both conversations
//
// Ordering:
//   The feedback conversation places the user's request first and the
//   framing instructions after it. Earlier content is weighted more heavily
//   by the model, so the literal request must not be buried under generic
//   instructions.

// PlanningInput is rendered into the planning conversation.
type PlanningInput struct {
	Query       string
	RequestType reasoning.RequestType
	ServiceID   string
	History     string
	Context     map[string]any
}

// SourceData is one successfully collected requirement.
type SourceData struct {
	ID      reasoning.RequirementID
	Summary string
}

// SourceFailure is one requirement that could not be collected.
type SourceFailure struct {
	ID     reasoning.RequirementID
	Reason string
}

// FeedbackInput is rendered into the feedback conversation.
type FeedbackInput struct {
	Query        string
	RequestType  reasoning.RequestType
	ServiceID    string
	History      string
	AnalysisPlan string
	Analyzed     []SourceData
	Unavailable  []SourceFailure
	SystemStatus string   // threshold rating of the analyzed data
	Findings     []string // threshold breaches, worst first
	// CollectionSkipped is set when intent gating skipped telemetry entirely.
	CollectionSkipped bool
}

// PromptManager renders the conversations sent to the language model.
type PromptManager interface {
	// PlanningMessages returns the planning conversation.
	PlanningMessages(in PlanningInput) []types.Message

	// FeedbackMessages returns the feedback conversation, user request first.
	FeedbackMessages(in FeedbackInput) []types.Message
}
