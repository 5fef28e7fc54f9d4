package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning"
)

// Package state holds the request-scoped ReasoningState.
//
// A State is created when a query enters the engine and discarded when the
// response is returned. It is never shared between requests. The executor
// appends steps from concurrent collector goroutines, so step and counter
// mutation is guarded by a mutex local to the State.

// Step is one recorded unit of work. Steps are immutable once appended.
type Step struct {
	Phase       reasoning.Phase `json:"phase"`
	Kind        string          `json:"kind"`
	Description string          `json:"description"`
	Result      map[string]any  `json:"result,omitempty"`
	Confidence  *float64        `json:"confidence,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Duration    time.Duration   `json:"duration_ns,omitempty"`
}

// Step kinds.
const (
	KindClassification = "classification"
	KindPlan           = "plan"
	KindFallback       = "fallback"
	KindCollection     = "collection"
	KindSkipped        = "collection_skipped"
	KindAggregate      = "aggregate"
	KindAssessment     = "assessment"
	KindSynthesis      = "synthesis"
	KindFailure        = "failure"
)

// ExecutionMetadata carries timings and counters for a request.
type ExecutionMetadata struct {
	StartedAt      time.Time                         `json:"started_at"`
	FinishedAt     time.Time                         `json:"finished_at,omitempty"`
	PhaseStarted   map[reasoning.Phase]time.Time     `json:"phase_started"`
	PhaseDurations map[reasoning.Phase]time.Duration `json:"phase_durations"`
	StepCounts     map[reasoning.Phase]int           `json:"step_counts"`
	Fallbacks      []reasoning.Phase                 `json:"fallbacks,omitempty"`
	Timeouts       []reasoning.Phase                 `json:"timeouts,omitempty"`
}

// PhaseStat summarizes one work phase.
type PhaseStat struct {
	Phase         reasoning.Phase `json:"phase"`
	StartedAt     time.Time       `json:"started_at"`
	DurationMs    int64           `json:"duration_ms"`
	StepsCount    int             `json:"steps_count"`
	AvgConfidence float64         `json:"avg_confidence"`
}

// StepObserver is notified after each appended step.
type StepObserver func(sessionID string, step Step)

// State is the ReasoningState of a single request.
type State struct {
	SessionID   string
	UserQuery   string
	RequestType reasoning.RequestType
	ContextData map[string]any

	mu            sync.Mutex
	phase         reasoning.Phase
	steps         []Step
	confidence    map[reasoning.Phase]float64
	meta          ExecutionMetadata
	partialAnswer string
	observer      StepObserver
	now           func() time.Time
}

// Option configures a State.
type Option func(*State)

// WithObserver registers a step observer.
func WithObserver(o StepObserver) Option {
	return func(s *State) { s.observer = o }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *State) { s.now = now }
}

// New creates a State in the initialized phase.
func New(sessionID, query string, requestType reasoning.RequestType, contextData map[string]any, opts ...Option) *State {
	s := &State{
		SessionID:   sessionID,
		UserQuery:   query,
		RequestType: requestType,
		ContextData: contextData,
		phase:       reasoning.PhaseInitialized,
		confidence:  make(map[reasoning.Phase]float64),
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.ContextData == nil {
		s.ContextData = map[string]any{}
	}
	s.meta = ExecutionMetadata{
		StartedAt:      s.now(),
		PhaseStarted:   make(map[reasoning.Phase]time.Time),
		PhaseDurations: make(map[reasoning.Phase]time.Duration),
		StepCounts:     make(map[reasoning.Phase]int),
	}
	return s
}

// Phase returns the current phase.
func (s *State) Phase() reasoning.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Transition moves the state to phase to. Forward moves along the canonical
// order are allowed; any non-terminal phase may move to Failed.
func (s *State) Transition(to reasoning.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.phase
	if err := checkTransition(from, to); err != nil {
		return err
	}

	now := s.now()
	if started, ok := s.meta.PhaseStarted[from]; ok {
		s.meta.PhaseDurations[from] = now.Sub(started)
	}
	s.phase = to
	if to.Terminal() {
		s.meta.FinishedAt = now
	} else {
		s.meta.PhaseStarted[to] = now
	}
	return nil
}

func checkTransition(from, to reasoning.Phase) error {
	switch {
	case from.Terminal():
		return fmt.Errorf("%w: %s is terminal", reasoning.ErrInvalidTransition, from)
	case to == reasoning.PhaseFailed:
		return nil
	case to.Rank() < 0:
		return fmt.Errorf("%w: unknown phase %q", reasoning.ErrInvalidTransition, to)
	case to.Rank() <= from.Rank():
		return fmt.Errorf("%w: %s → %s", reasoning.ErrInvalidTransition, from, to)
	}
	return nil
}

// AddStep appends step, stamping the phase and timestamp when unset.
// A confidence outside [0,1] is clamped.
func (s *State) AddStep(step Step) Step {
	s.mu.Lock()
	if step.Phase == "" {
		step.Phase = s.phase
	}
	if step.Timestamp.IsZero() {
		step.Timestamp = s.now()
	}
	if step.Confidence != nil {
		c := Clamp(*step.Confidence)
		step.Confidence = &c
	}
	step.Result = copyMap(step.Result)
	s.steps = append(s.steps, step)
	s.meta.StepCounts[step.Phase]++
	obs := s.observer
	s.mu.Unlock()

	if obs != nil {
		obs(s.SessionID, step)
	}
	return step
}

// Steps returns a copy of the step log.
func (s *State) Steps() []Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Step, len(s.steps))
	copy(out, s.steps)
	for i := range out {
		out[i].Result = copyMap(out[i].Result)
	}
	return out
}

// SetConfidence records the confidence of phase. Scores outside [0,1] are
// rejected.
func (s *State) SetConfidence(phase reasoning.Phase, score float64) error {
	if score < 0 || score > 1 || score != score {
		return fmt.Errorf("confidence %v for %s outside [0,1]", score, phase)
	}
	s.mu.Lock()
	s.confidence[phase] = score
	s.mu.Unlock()
	return nil
}

// Confidence returns the recorded confidence of phase.
func (s *State) Confidence(phase reasoning.Phase) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.confidence[phase]
	return c, ok
}

// ConfidenceScores returns a copy of the per-phase confidence map.
func (s *State) ConfidenceScores() map[reasoning.Phase]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[reasoning.Phase]float64, len(s.confidence))
	for k, v := range s.confidence {
		out[k] = v
	}
	return out
}

// MarkFallback records that phase used its fallback path.
func (s *State) MarkFallback(phase reasoning.Phase) {
	s.mu.Lock()
	s.meta.Fallbacks = append(s.meta.Fallbacks, phase)
	s.mu.Unlock()
}

// MarkTimeout records that phase hit its deadline.
func (s *State) MarkTimeout(phase reasoning.Phase) {
	s.mu.Lock()
	s.meta.Timeouts = append(s.meta.Timeouts, phase)
	s.mu.Unlock()
}

// SetPartialAnswer keeps the best answer produced so far.
func (s *State) SetPartialAnswer(answer string) {
	s.mu.Lock()
	s.partialAnswer = answer
	s.mu.Unlock()
}

// PartialAnswer returns the best answer produced so far.
func (s *State) PartialAnswer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partialAnswer
}

// Metadata returns a copy of the execution metadata.
func (s *State) Metadata() ExecutionMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.meta
	m.PhaseStarted = copyPhaseTimes(s.meta.PhaseStarted)
	m.PhaseDurations = make(map[reasoning.Phase]time.Duration, len(s.meta.PhaseDurations))
	for k, v := range s.meta.PhaseDurations {
		m.PhaseDurations[k] = v
	}
	m.StepCounts = make(map[reasoning.Phase]int, len(s.meta.StepCounts))
	for k, v := range s.meta.StepCounts {
		m.StepCounts[k] = v
	}
	m.Fallbacks = append([]reasoning.Phase(nil), s.meta.Fallbacks...)
	m.Timeouts = append([]reasoning.Phase(nil), s.meta.Timeouts...)
	return m
}

// Elapsed returns the time since the request started, or the total duration
// once the state is terminal.
func (s *State) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.meta.FinishedAt.IsZero() {
		return s.meta.FinishedAt.Sub(s.meta.StartedAt)
	}
	return s.now().Sub(s.meta.StartedAt)
}

// PhaseStatistics returns per-phase statistics keyed by phase. Phases that
// never started are omitted.
func (s *State) PhaseStatistics() map[reasoning.Phase]PhaseStat {
	list := s.PhaseStatisticsList()
	out := make(map[reasoning.Phase]PhaseStat, len(list))
	for _, st := range list {
		out[st.Phase] = st
	}
	return out
}

// PhaseStatisticsList returns the same statistics as PhaseStatistics as an
// ordered list.
func (s *State) PhaseStatisticsList() []PhaseStat {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []PhaseStat
	for _, p := range reasoning.WorkPhases {
		started, ok := s.meta.PhaseStarted[p]
		if !ok {
			continue
		}
		d, done := s.meta.PhaseDurations[p]
		if !done {
			d = now.Sub(started)
		}
		out = append(out, PhaseStat{
			Phase:         p,
			StartedAt:     started,
			DurationMs:    d.Milliseconds(),
			StepsCount:    s.meta.StepCounts[p],
			AvgConfidence: s.avgConfidenceLocked(p),
		})
	}
	return out
}

// avgConfidenceLocked prefers the recorded phase confidence and falls back to
// the mean of step confidences.
func (s *State) avgConfidenceLocked(p reasoning.Phase) float64 {
	if c, ok := s.confidence[p]; ok {
		return c
	}
	var sum float64
	var n int
	for _, st := range s.steps {
		if st.Phase == p && st.Confidence != nil {
			sum += *st.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Snapshot is a read-only copy of a State.
type Snapshot struct {
	SessionID        string                      `json:"session_id"`
	UserQuery        string                      `json:"user_query"`
	RequestType      reasoning.RequestType       `json:"request_type"`
	Phase            reasoning.Phase             `json:"phase"`
	ContextData      map[string]any              `json:"context_data,omitempty"`
	Steps            []Step                      `json:"steps"`
	ConfidenceScores map[reasoning.Phase]float64 `json:"confidence_scores"`
	Metadata         ExecutionMetadata           `json:"execution_metadata"`
	PartialAnswer    string                      `json:"partial_answer,omitempty"`
}

// Snapshot copies the state for rendering and persistence.
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		SessionID:        s.SessionID,
		UserQuery:        s.UserQuery,
		RequestType:      s.RequestType,
		Phase:            s.Phase(),
		ContextData:      copyMap(s.ContextData),
		Steps:            s.Steps(),
		ConfidenceScores: s.ConfidenceScores(),
		Metadata:         s.Metadata(),
		PartialAnswer:    s.PartialAnswer(),
	}
}

// Clamp bounds c to [0,1]. NaN maps to 0.
func Clamp(c float64) float64 {
	switch {
	case c != c, c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

// Float returns a pointer to c, for Step.Confidence.
func Float(c float64) *float64 { return &c }

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyPhaseTimes(m map[reasoning.Phase]time.Time) map[reasoning.Phase]time.Time {
	out := make(map[reasoning.Phase]time.Time, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
