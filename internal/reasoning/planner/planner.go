package planner

// Package planner implements the Planning phase.
//
// The planner asks the language model once for a structured plan naming
// catalogue requirements. Any failure of that call (error, timeout, malformed
// or non-conforming reply) switches to the deterministic keyword fallback, so
// planning never fails a request on its own. Only cancellation of the
// caller's context aborts it.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-reasoner/internal/metrics"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/prompt"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/state"
)

// Confidence constants recorded for the planning phase.
const (
	StructuredConfidence = 0.9
	FallbackConfidence   = 0.4
)

// DefaultTimeout bounds the planning model call.
const DefaultTimeout = 20 * time.Second

// Fallback reasons.
const (
	ReasonTimeout = "timeout"
	ReasonError   = "error"
	ReasonParse   = "parse"
)

// Result is the outcome of the Planning phase.
type Result struct {
	Requirements   []reasoning.Requirement `json:"requirements"`
	UserIntent     string                  `json:"user_intent,omitempty"`
	AnalysisPlan   string                  `json:"analysis_plan,omitempty"`
	TargetServices []string                `json:"target_services,omitempty"`
	Priority       string                  `json:"priority,omitempty"`
	Window         time.Duration           `json:"window"`
	Confidence     float64                 `json:"confidence"`
	UsedFallback   bool                    `json:"used_fallback"`
	FallbackReason string                  `json:"fallback_reason,omitempty"`
}

// IDs returns the requirement identifiers in plan order.
func (r *Result) IDs() []reasoning.RequirementID {
	out := make([]reasoning.RequirementID, 0, len(r.Requirements))
	for _, req := range r.Requirements {
		out = append(out, req.ID)
	}
	return out
}

// Input carries per-request data not held on the state.
type Input struct {
	ServiceID string
	History   string
}

// Config configures a Planner.
type Config struct {
	Timeout   time.Duration
	Mandatory []reasoning.RequirementID
}

// Planner runs the Planning phase.
type Planner struct {
	llm       reasoning.LanguageModel
	prompts   prompt.PromptManager
	timeout   time.Duration
	mandatory []reasoning.RequirementID
	logger    *zap.Logger
}

// New creates a Planner. A nil logger is replaced by a no-op logger.
func New(llm reasoning.LanguageModel, prompts prompt.PromptManager, cfg Config, logger *zap.Logger) *Planner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		llm:       llm,
		prompts:   prompts,
		timeout:   cfg.Timeout,
		mandatory: cfg.Mandatory,
		logger:    logger.Named("planner"),
	}
}

// planReply is the JSON object requested from the model.
type planReply struct {
	UserIntent       string   `json:"user_intent"`
	AnalysisPlan     string   `json:"analysis_plan"`
	DataRequirements []string `json:"data_requirements"`
	TargetServices   []string `json:"target_services"`
	Priority         string   `json:"priority"`
}

// Plan runs the Planning phase on st and leaves it in Execution.
func (p *Planner) Plan(ctx context.Context, st *state.State, in Input) (*Result, error) {
	if err := enter(st, reasoning.PhasePlanning); err != nil {
		return nil, reasoning.NewError(reasoning.KindInternal, "plan", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, reasoning.NewError(reasoning.KindTimeout, "plan", err)
	}

	start := time.Now()
	log := p.logger.With(zap.String("session_id", st.SessionID))

	res, err := p.structured(ctx, st, in)
	if err != nil {
		if ctx.Err() != nil {
			return nil, reasoning.NewError(reasoning.KindTimeout, "plan", ctx.Err())
		}
		reason := ReasonError
		var pe *parseError
		switch {
		case errors.As(err, &pe):
			reason = ReasonParse
		case reasoning.KindOf(err) == reasoning.KindTimeout:
			reason = ReasonTimeout
			st.MarkTimeout(reasoning.PhasePlanning)
		}
		log.Warn("structured planning failed, using keyword fallback", zap.String("reason", reason), zap.Error(err))
		metrics.FallbacksTotal.WithLabelValues(string(reasoning.PhasePlanning), reason).Inc()
		st.MarkFallback(reasoning.PhasePlanning)
		res = p.fallback(st.UserQuery, reason)
	}

	p.finish(st, res)

	st.AddStep(state.Step{
		Phase:       reasoning.PhasePlanning,
		Kind:        stepKind(res),
		Description: describe(res),
		Result: map[string]any{
			"requirements":    res.IDs(),
			"used_fallback":   res.UsedFallback,
			"fallback_reason": res.FallbackReason,
			"user_intent":     res.UserIntent,
			"target_services": res.TargetServices,
			"window":          res.Window.String(),
		},
		Confidence: state.Float(res.Confidence),
		Duration:   time.Since(start),
	})
	if err := st.SetConfidence(reasoning.PhasePlanning, res.Confidence); err != nil {
		return nil, reasoning.NewError(reasoning.KindInternal, "plan", err)
	}
	if err := st.Transition(reasoning.PhaseExecution); err != nil {
		return nil, reasoning.NewError(reasoning.KindInternal, "plan", err)
	}

	log.Info("planning complete",
		zap.Strings("requirements", idStrings(res.IDs())),
		zap.Bool("used_fallback", res.UsedFallback),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

// parseError marks a reply that could not be used as a plan.
type parseError struct{ msg string }

func (e *parseError) Error() string { return "unusable plan: " + e.msg }

func (p *Planner) structured(ctx context.Context, st *state.State, in Input) (*Result, error) {
	if p.llm == nil {
		return nil, errors.New("no language model configured")
	}

	msgs := p.prompts.PlanningMessages(prompt.PlanningInput{
		Query:       st.UserQuery,
		RequestType: st.RequestType,
		ServiceID:   in.ServiceID,
		History:     in.History,
		Context:     st.ContextData,
	})

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	reply, err := p.llm.Complete(callCtx, msgs)
	if err != nil {
		return nil, fmt.Errorf("planning call: %w", err)
	}
	return ParseReply(reply)
}

// ParseReply strictly parses a planning reply. Every requirement must be a
// catalogue identifier and at least one must be present.
func ParseReply(reply string) (*Result, error) {
	block, ok := reasoning.ExtractJSONBlock(reply)
	if !ok {
		return nil, &parseError{msg: "no JSON object in reply"}
	}

	var pr planReply
	if err := json.Unmarshal([]byte(block), &pr); err != nil {
		return nil, &parseError{msg: err.Error()}
	}
	if len(pr.DataRequirements) == 0 {
		return nil, &parseError{msg: "empty data_requirements"}
	}
	ids, err := reasoning.ParseRequirementIDs(pr.DataRequirements)
	if err != nil {
		return nil, &parseError{msg: err.Error()}
	}

	res := &Result{
		UserIntent:     strings.TrimSpace(pr.UserIntent),
		AnalysisPlan:   strings.TrimSpace(pr.AnalysisPlan),
		TargetServices: compact(pr.TargetServices),
		Priority:       strings.ToLower(strings.TrimSpace(pr.Priority)),
		Confidence:     StructuredConfidence,
	}
	for _, id := range ids {
		res.Requirements = append(res.Requirements, reasoning.Requirement{ID: id})
	}
	return res, nil
}

func (p *Planner) fallback(query, reason string) *Result {
	ids, categories := FallbackRequirements(query)
	res := &Result{
		Confidence:     FallbackConfidence,
		UsedFallback:   true,
		FallbackReason: reason,
		AnalysisPlan:   "keyword fallback matched categories: " + strings.Join(categories, ", "),
	}
	if len(categories) == 0 {
		res.AnalysisPlan = "keyword fallback matched no category; collecting baseline metrics"
	}
	for _, id := range ids {
		res.Requirements = append(res.Requirements, reasoning.Requirement{ID: id})
	}
	return res
}

// finish fills in sources, window, targets and mandatory requirements.
func (p *Planner) finish(st *state.State, res *Result) {
	mandatory := make(map[reasoning.RequirementID]bool, len(p.mandatory))
	for _, id := range p.mandatory {
		mandatory[id] = true
	}
	present := make(map[reasoning.RequirementID]bool, len(res.Requirements))
	for _, r := range res.Requirements {
		present[r.ID] = true
	}
	for _, id := range p.mandatory {
		if _, ok := reasoning.Lookup(id); ok && !present[id] {
			res.Requirements = append(res.Requirements, reasoning.Requirement{ID: id})
			present[id] = true
		}
	}
	if len(res.Requirements) == 0 {
		for _, id := range baselineRequirements {
			res.Requirements = append(res.Requirements, reasoning.Requirement{ID: id})
		}
	}

	res.Window = DetectWindow(st.UserQuery)
	for i := range res.Requirements {
		r := &res.Requirements[i]
		entry, _ := reasoning.Lookup(r.ID)
		r.Source = entry.Source
		r.Mandatory = mandatory[r.ID]
		r.Window = res.Window
		r.TargetServices = res.TargetServices
	}
}

func enter(st *state.State, phase reasoning.Phase) error {
	if st.Phase() == phase {
		return nil
	}
	return st.Transition(phase)
}

func stepKind(res *Result) string {
	if res.UsedFallback {
		return state.KindFallback
	}
	return state.KindPlan
}

func describe(res *Result) string {
	ids := strings.Join(idStrings(res.IDs()), ", ")
	if res.UsedFallback {
		return fmt.Sprintf("Keyword fallback (%s) selected: %s", res.FallbackReason, ids)
	}
	return "Structured plan selected: " + ids
}

func idStrings(ids []reasoning.RequirementID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func compact(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
