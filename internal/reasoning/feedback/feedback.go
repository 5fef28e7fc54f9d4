package feedback

// Package feedback implements the Feedback phase.
//
// One language-model call turns the collected data into the final answer.
// When the call fails the synthesizer assembles a best-effort answer from
// the collected datasets, moves the state to Failed and keeps that answer as
// the partial answer. Only when nothing was collected does the phase return
// an error.
//
// Threshold findings from the rules evaluator are passed to the model and
// listed in best-effort answers. Their system status is reported with every
// answer that had data to rate.

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
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/executor"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/prompt"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/rules"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/state"
)

// DefaultTimeout bounds the feedback model call.
const DefaultTimeout = 30 * time.Second

// Confidence values used when the reply carries none.
const (
	DefaultConfidence = 0.7
	NeutralConfidence = 0.5
)

// Source records how an Answer was produced.
type Source string

const (
	SourceLLM        Source = "llm"
	SourceRaw        Source = "raw"
	SourceBestEffort Source = "best_effort"
)

// Answer is the outcome of the Feedback phase.
type Answer struct {
	Text            string   `json:"text"`
	Confidence      float64  `json:"confidence"`
	Recommendations []string `json:"recommendations,omitempty"`
	ActionPlan      []string `json:"action_plan,omitempty"`
	SystemStatus    string   `json:"system_status,omitempty"`
	Source          Source   `json:"source"`
}

// Input carries per-request data not held on the state.
type Input struct {
	ServiceID    string
	History      string
	AnalysisPlan string
	Assessment   *rules.Assessment // nil when nothing was rated
}

// Synthesizer runs the Feedback phase.
type Synthesizer struct {
	llm     reasoning.LanguageModel
	prompts prompt.PromptManager
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a Synthesizer. A non-positive timeout selects DefaultTimeout.
func New(llm reasoning.LanguageModel, prompts prompt.PromptManager, timeout time.Duration, logger *zap.Logger) *Synthesizer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{llm: llm, prompts: prompts, timeout: timeout, logger: logger.Named("feedback")}
}

// Synthesize produces the answer for st from exec.
//
// On success st ends in Done. When the model call fails and data exists, st
// ends in Failed with the returned best-effort answer stored as its partial
// answer and a nil error. Without data the error is returned.
func (s *Synthesizer) Synthesize(ctx context.Context, st *state.State, exec *executor.ExecutionResult, in Input) (*Answer, error) {
	if st.Phase() != reasoning.PhaseFeedback {
		if err := st.Transition(reasoning.PhaseFeedback); err != nil {
			return nil, reasoning.NewError(reasoning.KindInternal, "synthesize", err)
		}
	}
	start := time.Now()
	log := s.logger.With(zap.String("session_id", st.SessionID))

	reply, err := s.call(ctx, st, exec, in)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errors.New("empty model reply")
	}
	if err != nil {
		return s.fail(st, exec, in.Assessment, err, time.Since(start))
	}

	ans := ParseReply(reply)
	if in.Assessment != nil {
		ans.SystemStatus = in.Assessment.SystemStatus
	}
	st.AddStep(state.Step{
		Phase:       reasoning.PhaseFeedback,
		Kind:        state.KindSynthesis,
		Description: fmt.Sprintf("Synthesized answer (%s)", ans.Source),
		Result: map[string]any{
			"source":          string(ans.Source),
			"recommendations": len(ans.Recommendations),
			"answer_chars":    len(ans.Text),
			"system_status":   ans.SystemStatus,
		},
		Confidence: state.Float(ans.Confidence),
		Duration:   time.Since(start),
	})
	if err := st.SetConfidence(reasoning.PhaseFeedback, ans.Confidence); err != nil {
		return nil, reasoning.NewError(reasoning.KindInternal, "synthesize", err)
	}
	if err := st.Transition(reasoning.PhaseDone); err != nil {
		return nil, reasoning.NewError(reasoning.KindInternal, "synthesize", err)
	}

	log.Info("feedback complete",
		zap.String("source", string(ans.Source)),
		zap.Float64("confidence", ans.Confidence),
		zap.String("system_status", ans.SystemStatus),
		zap.Duration("duration", time.Since(start)))
	return ans, nil
}

func (s *Synthesizer) call(ctx context.Context, st *state.State, exec *executor.ExecutionResult, in Input) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.llm == nil {
		return "", errors.New("no language model configured")
	}

	msgs := s.prompts.FeedbackMessages(BuildInput(st, exec, in))
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.llm.Complete(callCtx, msgs)
}

// BuildInput assembles the feedback conversation input.
func BuildInput(st *state.State, exec *executor.ExecutionResult, in Input) prompt.FeedbackInput {
	fi := prompt.FeedbackInput{
		Query:        st.UserQuery,
		RequestType:  st.RequestType,
		ServiceID:    in.ServiceID,
		History:      in.History,
		AnalysisPlan: in.AnalysisPlan,
	}
	if a := in.Assessment; a != nil {
		fi.SystemStatus = a.SystemStatus
		for _, f := range a.Findings {
			fi.Findings = append(fi.Findings, f.String())
		}
	}
	if exec == nil {
		return fi
	}
	fi.CollectionSkipped = exec.Skipped
	for _, o := range exec.Outcomes {
		if o.Succeeded() {
			summary := "collected"
			if o.Data != nil {
				summary = o.Data.Describe()
			}
			fi.Analyzed = append(fi.Analyzed, prompt.SourceData{ID: o.Requirement, Summary: summary})
		} else {
			fi.Unavailable = append(fi.Unavailable, prompt.SourceFailure{ID: o.Requirement, Reason: o.ErrorDetail})
		}
	}
	return fi
}

func (s *Synthesizer) fail(st *state.State, exec *executor.ExecutionResult, a *rules.Assessment, cause error, elapsed time.Duration) (*Answer, error) {
	kind := reasoning.KindInternal
	reason := "error"
	if reasoning.KindOf(cause) == reasoning.KindTimeout {
		kind = reasoning.KindTimeout
		reason = "timeout"
		st.MarkTimeout(reasoning.PhaseFeedback)
	}
	s.logger.Warn("feedback call failed",
		zap.String("session_id", st.SessionID),
		zap.String("reason", reason),
		zap.Error(cause))

	text := BestEffort(st.UserQuery, exec, a)
	st.AddStep(state.Step{
		Phase:       reasoning.PhaseFeedback,
		Kind:        state.KindFailure,
		Description: "Answer synthesis failed: " + cause.Error(),
		Result:      map[string]any{"reason": reason, "partial_answer": text != ""},
		Confidence:  state.Float(0),
		Duration:    elapsed,
	})

	if text == "" {
		_ = st.Transition(reasoning.PhaseFailed)
		return nil, reasoning.NewError(kind, "synthesize", cause)
	}

	metrics.FallbacksTotal.WithLabelValues(string(reasoning.PhaseFeedback), reason).Inc()
	st.MarkFallback(reasoning.PhaseFeedback)
	if err := st.SetConfidence(reasoning.PhaseFeedback, NeutralConfidence); err != nil {
		return nil, reasoning.NewError(reasoning.KindInternal, "synthesize", err)
	}
	st.SetPartialAnswer(text)
	_ = st.Transition(reasoning.PhaseFailed)
	ans := &Answer{Text: text, Confidence: NeutralConfidence, Source: SourceBestEffort}
	if a != nil {
		ans.SystemStatus = a.SystemStatus
		ans.Recommendations = a.Recommendations
	}
	return ans, nil
}

// BestEffort renders the collected data and the threshold findings of a as a
// plain answer. It returns "" when nothing was collected.
func BestEffort(query string, exec *executor.ExecutionResult, a *rules.Assessment) string {
	if exec == nil {
		return ""
	}
	ok := exec.Succeeded()
	if len(ok) == 0 {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "The analysis could not be completed for %q. Collected data:\n", query)
	for _, o := range ok {
		summary := "collected"
		if o.Data != nil {
			summary = strings.ReplaceAll(o.Data.Describe(), "\n", "; ")
		}
		fmt.Fprintf(&sb, "- %s: %s\n", o.Requirement, summary)
	}
	if a != nil {
		fmt.Fprintf(&sb, "System status: %s\n", a.SystemStatus)
		for _, f := range a.Findings {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
	}
	if failed := exec.FailedOutcomes(); len(failed) > 0 {
		sb.WriteString("Unavailable:\n")
		for _, o := range failed {
			fmt.Fprintf(&sb, "- %s: %s\n", o.Requirement, o.ErrorDetail)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// reply is the JSON object requested from the model.
type reply struct {
	Answer          string   `json:"answer"`
	Summary         string   `json:"summary"`
	Confidence      *float64 `json:"confidence"`
	Recommendations []any    `json:"recommendations"`
	ActionPlan      []any    `json:"action_plan"`
}

// ParseReply converts a model reply into an Answer. Replies without a usable
// JSON object become raw answers with neutral confidence.
func ParseReply(text string) *Answer {
	raw := &Answer{Text: strings.TrimSpace(text), Confidence: NeutralConfidence, Source: SourceRaw}

	block, ok := reasoning.ExtractJSONBlock(text)
	if !ok {
		return raw
	}
	var r reply
	if err := json.Unmarshal([]byte(block), &r); err != nil {
		return raw
	}
	answer := strings.TrimSpace(r.Answer)
	if answer == "" {
		answer = strings.TrimSpace(r.Summary)
	}
	if answer == "" {
		return raw
	}

	conf := DefaultConfidence
	if r.Confidence != nil {
		conf = state.Clamp(*r.Confidence)
	}
	return &Answer{
		Text:            answer,
		Confidence:      conf,
		Recommendations: flatten(r.Recommendations),
		ActionPlan:      flatten(r.ActionPlan),
		Source:          SourceLLM,
	}
}

// flatten accepts strings or objects with a title/action/description field.
func flatten(items []any) []string {
	var out []string
	for _, it := range items {
		switch v := it.(type) {
		case string:
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		case map[string]any:
			for _, k := range []string{"action", "title", "step", "description"} {
				if s, ok := v[k].(string); ok && strings.TrimSpace(s) != "" {
					out = append(out, strings.TrimSpace(s))
					break
				}
			}
		}
	}
	return out
}
