package executor

// Package executor implements the Execution phase.
//
// Requirements are collected concurrently under a weighted semaphore that is
// shared by every request in the process. Each collector call is bounded by
// its own timeout and retried on transient failures. Raw payloads are
// normalized before they are recorded; a malformed payload fails only its own
// requirement.

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kubilitics/kubilitics-reasoner/internal/metrics"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/planner"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/state"
	"github.com/kubilitics/kubilitics-reasoner/internal/telemetry"
)

// Defaults applied when Config fields are zero.
const (
	DefaultMaxConcurrency   = 4
	DefaultCollectorTimeout = 15 * time.Second
	DefaultRetries          = 1
	DefaultBackoff          = 200 * time.Millisecond
)

// Outcome statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Outcome is the collection result of one requirement.
type Outcome struct {
	Requirement reasoning.RequirementID `json:"requirement"`
	Source      reasoning.Source        `json:"source"`
	Mandatory   bool                    `json:"mandatory,omitempty"`
	Status      string                  `json:"status"`
	Data        *telemetry.Dataset      `json:"data,omitempty"`
	ErrorDetail string                  `json:"error_detail,omitempty"`
	ErrorKind   reasoning.Kind          `json:"error_kind,omitempty"`
	Attempts    int                     `json:"attempts"`
	Duration    time.Duration           `json:"duration_ns"`
}

// Succeeded reports whether the requirement was collected.
func (o Outcome) Succeeded() bool { return o.Status == StatusSucceeded }

// ExecutionResult aggregates the outcomes of one Execution phase.
type ExecutionResult struct {
	Outcomes   []Outcome `json:"outcomes"`
	Attempted  int       `json:"attempted"`
	Successful int       `json:"successful"`
	Failed     int       `json:"failed"`
	Skipped    bool      `json:"skipped"`
}

// newResult derives the counters from the outcome records.
func newResult(outcomes []Outcome, skipped bool) *ExecutionResult {
	r := &ExecutionResult{Outcomes: outcomes, Attempted: len(outcomes), Skipped: skipped}
	for _, o := range outcomes {
		if o.Succeeded() {
			r.Successful++
		} else {
			r.Failed++
		}
	}
	return r
}

// AuthFailure returns the first outcome rejected for bad credentials.
func (r *ExecutionResult) AuthFailure() (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.ErrorKind == reasoning.KindAuthentication {
			return o, true
		}
	}
	return Outcome{}, false
}

// Succeeded returns the successful outcomes in plan order.
func (r *ExecutionResult) Succeeded() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Succeeded() {
			out = append(out, o)
		}
	}
	return out
}

// FailedOutcomes returns the failed outcomes in plan order.
func (r *ExecutionResult) FailedOutcomes() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if !o.Succeeded() {
			out = append(out, o)
		}
	}
	return out
}

// Confidence is successful/attempted, or 1.0 when nothing was attempted.
func (r *ExecutionResult) Confidence() float64 {
	if r.Attempted == 0 {
		return 1.0
	}
	return float64(r.Successful) / float64(r.Attempted)
}

// Config configures an Executor.
type Config struct {
	MaxConcurrency   int64
	CollectorTimeout time.Duration
	Retries          int
	Backoff          time.Duration
}

// Executor runs the Execution phase.
type Executor struct {
	metrics telemetry.MetricsProvider
	logs    telemetry.LogsProvider
	sem     *semaphore.Weighted
	cfg     Config
	logger  *zap.Logger
}

// New creates an Executor. Nil providers are replaced by telemetry.Noop.
// The returned Executor owns the process-wide semaphore and is meant to be
// shared by all requests.
func New(m telemetry.MetricsProvider, l telemetry.LogsProvider, cfg Config, logger *zap.Logger) *Executor {
	if m == nil {
		m = telemetry.Noop{}
	}
	if l == nil {
		l = telemetry.Noop{}
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.CollectorTimeout <= 0 {
		cfg.CollectorTimeout = DefaultCollectorTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		metrics: m,
		logs:    l,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrency),
		cfg:     cfg,
		logger:  logger.Named("executor"),
	}
}

// Request carries per-request collection parameters.
type Request struct {
	ServiceID  string
	Credential string
}

// Execute collects the plan's requirements and leaves st in Feedback.
func (e *Executor) Execute(ctx context.Context, st *state.State, plan *planner.Result, req Request) (*ExecutionResult, error) {
	if st.Phase() != reasoning.PhaseExecution {
		if err := st.Transition(reasoning.PhaseExecution); err != nil {
			return nil, reasoning.NewError(reasoning.KindInternal, "execute", err)
		}
	}
	start := time.Now()
	log := e.logger.With(zap.String("session_id", st.SessionID))

	selected := Select(st.RequestType, plan.Requirements)

	var res *ExecutionResult
	if len(selected) == 0 {
		res = newResult(nil, true)
		st.AddStep(state.Step{
			Phase:       reasoning.PhaseExecution,
			Kind:        state.KindSkipped,
			Description: fmt.Sprintf("Telemetry collection skipped for %s request", st.RequestType),
			Result:      map[string]any{"request_type": string(st.RequestType)},
		})
	} else {
		outcomes, err := e.collect(ctx, selected, req)
		if err != nil {
			return nil, reasoning.NewError(reasoning.KindTimeout, "execute", err)
		}
		res = newResult(outcomes, false)
		for _, o := range outcomes {
			st.AddStep(outcomeStep(o))
		}
	}

	conf := res.Confidence()
	st.AddStep(state.Step{
		Phase:       reasoning.PhaseExecution,
		Kind:        state.KindAggregate,
		Description: fmt.Sprintf("Collected %d of %d data sources", res.Successful, res.Attempted),
		Result: map[string]any{
			"attempted":  res.Attempted,
			"successful": res.Successful,
			"failed":     res.Failed,
			"skipped":    res.Skipped,
		},
		Confidence: state.Float(conf),
		Duration:   time.Since(start),
	})
	if err := st.SetConfidence(reasoning.PhaseExecution, conf); err != nil {
		return nil, reasoning.NewError(reasoning.KindInternal, "execute", err)
	}
	if err := st.Transition(reasoning.PhaseFeedback); err != nil {
		return nil, reasoning.NewError(reasoning.KindInternal, "execute", err)
	}

	log.Info("execution complete",
		zap.Int("attempted", res.Attempted),
		zap.Int("successful", res.Successful),
		zap.Int("failed", res.Failed),
		zap.Bool("skipped", res.Skipped),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

// Select applies intent gating: monitoring requests collect every
// requirement, other request types only the mandatory ones.
func Select(rt reasoning.RequestType, reqs []reasoning.Requirement) []reasoning.Requirement {
	if rt == reasoning.RequestMonitoring {
		return reqs
	}
	var out []reasoning.Requirement
	for _, r := range reqs {
		if r.Mandatory {
			out = append(out, r)
		}
	}
	return out
}

// collect runs every requirement concurrently. Per-requirement failures are
// recorded in the outcome; only cancellation of ctx returns an error.
func (e *Executor) collect(ctx context.Context, reqs []reasoning.Requirement, req Request) ([]Outcome, error) {
	outcomes := make([]Outcome, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range reqs {
		g.Go(func() error {
			if err := e.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer e.sem.Release(1)
			metrics.CollectorsInFlight.Inc()
			defer metrics.CollectorsInFlight.Dec()

			outcomes[i] = e.collectOne(gctx, r, req)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (e *Executor) collectOne(ctx context.Context, r reasoning.Requirement, req Request) Outcome {
	start := time.Now()
	out := Outcome{Requirement: r.ID, Source: r.Source, Mandatory: r.Mandatory}
	q := telemetry.Query{
		Requirement: r.ID,
		ServiceID:   req.ServiceID,
		Services:    r.TargetServices,
		Window:      r.Window,
		Credential:  req.Credential,
	}

	var err error
	for attempt := 0; attempt <= e.cfg.Retries; attempt++ {
		if attempt > 0 {
			if !sleep(ctx, e.cfg.Backoff*time.Duration(attempt)) {
				break
			}
		}
		out.Attempts++

		var ds *telemetry.Dataset
		ds, err = e.fetch(ctx, r, q)
		if err == nil {
			out.Status = StatusSucceeded
			out.Data = ds
			break
		}
		if !reasoning.Retryable(err) || ctx.Err() != nil {
			break
		}
		e.logger.Debug("collector attempt failed, retrying",
			zap.String("requirement", string(r.ID)),
			zap.Int("attempt", out.Attempts),
			zap.Error(err))
	}
	out.Duration = time.Since(start)

	if out.Status != StatusSucceeded {
		out.Status = StatusFailed
		out.ErrorKind = reasoning.KindOf(err)
		out.ErrorDetail = detail(err)
		metrics.CollectorFailuresTotal.WithLabelValues(string(r.ID), string(out.ErrorKind)).Inc()
		e.logger.Warn("collector failed",
			zap.String("requirement", string(r.ID)),
			zap.String("kind", string(out.ErrorKind)),
			zap.Int("attempts", out.Attempts),
			zap.Error(err))
	}
	metrics.CollectorCallsTotal.WithLabelValues(string(r.ID), out.Status).Inc()
	return out
}

func (e *Executor) fetch(ctx context.Context, r reasoning.Requirement, q telemetry.Query) (*telemetry.Dataset, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CollectorTimeout)
	defer cancel()

	var (
		raw any
		err error
	)
	switch r.Source {
	case reasoning.SourceLogs:
		raw, err = e.logs.FetchLogs(callCtx, q)
	case reasoning.SourceMetrics:
		raw, err = e.metrics.FetchMetrics(callCtx, q)
	default:
		return nil, reasoning.NewError(reasoning.KindInternal, "fetch", fmt.Errorf("requirement %s has no source", r.ID))
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, reasoning.NewError(reasoning.KindTimeout, "fetch", err)
		}
		return nil, err
	}
	return telemetry.Normalize(r.ID, r.Source, raw)
}

func outcomeStep(o Outcome) state.Step {
	step := state.Step{
		Phase:    reasoning.PhaseExecution,
		Kind:     state.KindCollection,
		Duration: o.Duration,
		Result: map[string]any{
			"requirement": string(o.Requirement),
			"status":      o.Status,
			"attempts":    o.Attempts,
		},
	}
	if o.Succeeded() {
		step.Description = fmt.Sprintf("Collected %s", o.Requirement)
		step.Confidence = state.Float(1)
		if o.Data != nil {
			step.Result["summary"] = o.Data.Describe()
		}
	} else {
		step.Description = fmt.Sprintf("Failed to collect %s: %s", o.Requirement, o.ErrorDetail)
		step.Confidence = state.Float(0)
		step.Result["error_kind"] = string(o.ErrorKind)
		step.Result["error_detail"] = o.ErrorDetail
	}
	return step
}

func detail(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// sleep waits for d and reports false when ctx ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
