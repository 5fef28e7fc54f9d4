package trace

// Package trace renders the reasoning trace returned with every response.
//
// Phase statistics arrive either keyed by phase or as an ordered list,
// depending on who produced them (a live State, a persisted session, a JSON
// round trip). NormalizeStatistics folds every accepted shape into one
// canonically ordered list so the rest of the package never branches on
// shape.

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/state"
)

// PhaseRecord is the trace view of one phase.
type PhaseRecord struct {
	Phase      reasoning.Phase `json:"phase"`
	StartedAt  time.Time       `json:"started_at"`
	DurationMs int64           `json:"duration_ms"`
	StepsCount int             `json:"steps_count"`
	Confidence float64         `json:"confidence"`
}

// StepRecord is the trace view of one step.
type StepRecord struct {
	Phase       reasoning.Phase `json:"phase"`
	Kind        string          `json:"kind"`
	Description string          `json:"description"`
	Confidence  *float64        `json:"confidence,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	DurationMs  int64           `json:"duration_ms"`
}

// Summary is the reasoning trace of a request.
type Summary struct {
	SessionID       string                `json:"session_id"`
	RequestType     reasoning.RequestType `json:"request_type"`
	FinalPhase      reasoning.Phase       `json:"final_phase"`
	Phases          []PhaseRecord         `json:"phases"`
	TotalSteps      int                   `json:"total_steps"`
	ExecutionTimeMs int64                 `json:"execution_time_ms"`
	ConfidenceScore float64               `json:"confidence_score"`
	Fallbacks       []reasoning.Phase     `json:"fallbacks,omitempty"`
	Timeouts        []reasoning.Phase     `json:"timeouts,omitempty"`
	Steps           []StepRecord          `json:"steps"`
}

// Build produces the Summary of st.
func Build(st *state.State) Summary {
	snap := st.Snapshot()
	phases, _ := NormalizeStatistics(st.PhaseStatisticsList())

	sum := Summary{
		SessionID:       snap.SessionID,
		RequestType:     snap.RequestType,
		FinalPhase:      snap.Phase,
		Phases:          phases,
		TotalSteps:      len(snap.Steps),
		ExecutionTimeMs: st.Elapsed().Milliseconds(),
		ConfidenceScore: MeanConfidence(snap.ConfidenceScores),
		Fallbacks:       snap.Metadata.Fallbacks,
		Timeouts:        snap.Metadata.Timeouts,
		Steps:           make([]StepRecord, 0, len(snap.Steps)),
	}
	for _, s := range snap.Steps {
		sum.Steps = append(sum.Steps, StepRecord{
			Phase:       s.Phase,
			Kind:        s.Kind,
			Description: s.Description,
			Confidence:  s.Confidence,
			Timestamp:   s.Timestamp,
			DurationMs:  s.Duration.Milliseconds(),
		})
	}
	return sum
}

// MeanConfidence averages the recorded phase confidences. An empty map
// yields 0.
func MeanConfidence(scores map[reasoning.Phase]float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var total float64
	for _, c := range scores {
		total += c
	}
	return total / float64(len(scores))
}

// NormalizeStatistics converts phase statistics in any supported shape into
// records ordered by phase. Supported shapes are maps keyed by phase and
// lists of stats, holding either state.PhaseStat values or decoded JSON
// objects.
func NormalizeStatistics(stats any) ([]PhaseRecord, error) {
	var out []PhaseRecord
	switch v := stats.(type) {
	case nil:
		return nil, nil
	case []state.PhaseStat:
		for _, s := range v {
			out = append(out, fromStat(s))
		}
	case map[reasoning.Phase]state.PhaseStat:
		for p, s := range v {
			s.Phase = p
			out = append(out, fromStat(s))
		}
	case map[string]state.PhaseStat:
		for p, s := range v {
			s.Phase = reasoning.Phase(p)
			out = append(out, fromStat(s))
		}
	case map[string]any:
		for p, item := range v {
			rec, err := fromAny(item)
			if err != nil {
				return nil, fmt.Errorf("phase %s: %w", p, err)
			}
			rec.Phase = reasoning.Phase(p)
			out = append(out, rec)
		}
	case []any:
		for i, item := range v {
			rec, err := fromAny(item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			if rec.Phase == "" {
				return nil, fmt.Errorf("item %d: missing phase", i)
			}
			out = append(out, rec)
		}
	default:
		return nil, fmt.Errorf("unsupported phase statistics shape %T", stats)
	}

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Phase.Rank(), out[j].Phase.Rank()
		if ri != rj {
			return ri < rj
		}
		return out[i].Phase < out[j].Phase
	})
	return out, nil
}

func fromStat(s state.PhaseStat) PhaseRecord {
	return PhaseRecord{
		Phase:      s.Phase,
		StartedAt:  s.StartedAt,
		DurationMs: s.DurationMs,
		StepsCount: s.StepsCount,
		Confidence: s.AvgConfidence,
	}
}

// wireStat is the decoded JSON form of state.PhaseStat.
type wireStat struct {
	Phase         reasoning.Phase `json:"phase"`
	StartedAt     time.Time       `json:"started_at"`
	DurationMs    int64           `json:"duration_ms"`
	StepsCount    int             `json:"steps_count"`
	AvgConfidence *float64        `json:"avg_confidence"`
	Confidence    *float64        `json:"confidence"`
}

func fromAny(item any) (PhaseRecord, error) {
	switch v := item.(type) {
	case state.PhaseStat:
		return fromStat(v), nil
	case PhaseRecord:
		return v, nil
	case map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return PhaseRecord{}, err
		}
		var w wireStat
		if err := json.Unmarshal(b, &w); err != nil {
			return PhaseRecord{}, err
		}
		rec := PhaseRecord{Phase: w.Phase, StartedAt: w.StartedAt, DurationMs: w.DurationMs, StepsCount: w.StepsCount}
		switch {
		case w.AvgConfidence != nil:
			rec.Confidence = *w.AvgConfidence
		case w.Confidence != nil:
			rec.Confidence = *w.Confidence
		}
		return rec, nil
	}
	return PhaseRecord{}, fmt.Errorf("unsupported phase statistics item %T", item)
}
