package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-reasoner/internal/audit"
	"github.com/kubilitics/kubilitics-reasoner/internal/chathistory"
	"github.com/kubilitics/kubilitics-reasoner/internal/db"
	"github.com/kubilitics/kubilitics-reasoner/internal/metrics"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/classifier"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/executor"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/feedback"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/planner"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/rules"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/state"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/trace"
)

const tracerName = "github.com/kubilitics/kubilitics-reasoner/internal/reasoning/engine"

// Defaults applied by New.
const (
	DefaultHistoryLimit    = 20
	DefaultHistoryMaxChars = chathistory.DefaultMaxChars
)

// Deps are the collaborators of the engine. Planner, Executor and Synthesizer
// are required; everything else is optional. A nil Rules evaluator uses the
// default thresholds.
type Deps struct {
	Classifier  *classifier.Classifier
	Planner     *planner.Planner
	Executor    *executor.Executor
	Rules       *rules.Evaluator
	Synthesizer *feedback.Synthesizer

	Authenticator reasoning.Authenticator
	Services      ServiceDirectory
	History       reasoning.ChatHistoryReader
	HistoryStore  reasoning.ChatHistoryStore
	Sessions      SessionRecorder

	AuditLog audit.Logger
	Logger   *zap.Logger
	Tracer   oteltrace.Tracer
}

// Config tunes the engine.
type Config struct {
	HistoryLimit    int
	HistoryMaxChars int
	QueryTimeout    time.Duration // zero leaves the caller's deadline alone
}

// engineImpl is the concrete ReasoningEngine.
type engineImpl struct {
	classifier  *classifier.Classifier
	planner     *planner.Planner
	executor    *executor.Executor
	rules       *rules.Evaluator
	synthesizer *feedback.Synthesizer

	auth         reasoning.Authenticator
	services     ServiceDirectory
	history      reasoning.ChatHistoryReader
	historyStore reasoning.ChatHistoryStore
	sessions     SessionRecorder

	auditLog audit.Logger
	logger   *zap.Logger
	tracer   oteltrace.Tracer
	cfg      Config

	// Requests by request id: reserved by Subscribe or running
	subsMu   sync.Mutex
	requests map[string]*requestSlot
}

type requestSlot struct {
	subs    []*Subscriber
	running bool
}

// New creates a ReasoningEngine.
func New(deps Deps, cfg Config) (ReasoningEngine, error) {
	if deps.Planner == nil || deps.Executor == nil || deps.Synthesizer == nil {
		return nil, errors.New("engine: planner, executor and synthesizer are required")
	}
	if deps.Classifier == nil {
		deps.Classifier = classifier.New()
	}
	if deps.Rules == nil {
		deps.Rules = rules.New(rules.DefaultThresholds())
	}
	if deps.AuditLog == nil {
		deps.AuditLog = audit.Nop()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.HistoryMaxChars <= 0 {
		cfg.HistoryMaxChars = DefaultHistoryMaxChars
	}
	return &engineImpl{
		classifier:   deps.Classifier,
		planner:      deps.Planner,
		executor:     deps.Executor,
		rules:        deps.Rules,
		synthesizer:  deps.Synthesizer,
		auth:         deps.Authenticator,
		services:     deps.Services,
		history:      deps.History,
		historyStore: deps.HistoryStore,
		sessions:     deps.Sessions,
		auditLog:     deps.AuditLog,
		logger:       deps.Logger.Named("engine"),
		tracer:       deps.Tracer,
		cfg:          cfg,
		requests:     make(map[string]*requestSlot),
	}, nil
}

// ─── Subscriptions ────────────────────────────────────────────────────────────

// Subscribe reserves a new request id and registers a channel for its
// events. The channel is closed when the request finishes.
func (e *engineImpl) Subscribe() *Subscriber {
	sub := &Subscriber{RequestID: audit.GenerateCorrelationID(), Ch: make(chan Event, 64)}
	e.subsMu.Lock()
	e.requests[sub.RequestID] = &requestSlot{subs: []*Subscriber{sub}}
	e.subsMu.Unlock()
	return sub
}

// Unsubscribe removes sub. It is a no-op once the request has finished.
func (e *engineImpl) Unsubscribe(sub *Subscriber) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	slot, ok := e.requests[sub.RequestID]
	if !ok {
		return
	}
	for i, s := range slot.subs {
		if s == sub {
			slot.subs = append(slot.subs[:i:i], slot.subs[i+1:]...)
			close(s.Ch)
			break
		}
	}
	if len(slot.subs) == 0 && !slot.running {
		delete(e.requests, sub.RequestID)
	}
}

// claim marks id as running and returns it. An empty, unreserved or running
// id is replaced by a fresh one.
func (e *engineImpl) claim(id string) string {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	if slot, ok := e.requests[id]; ok && !slot.running {
		slot.running = true
		return id
	}
	id = audit.GenerateCorrelationID()
	e.requests[id] = &requestSlot{running: true}
	return id
}

// publish sends an event to all subscribers of a request. Slow subscribers
// miss events rather than stalling the pipeline.
func (e *engineImpl) publish(id string, ev Event) {
	ev.RequestID = id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	slot, ok := e.requests[id]
	if !ok {
		return
	}
	for _, s := range slot.subs {
		select {
		case s.Ch <- ev:
		default:
		}
	}
}

// release ends a request and closes its subscribers.
func (e *engineImpl) release(id string) {
	e.subsMu.Lock()
	slot := e.requests[id]
	delete(e.requests, id)
	e.subsMu.Unlock()
	if slot == nil {
		return
	}
	for _, s := range slot.subs {
		close(s.Ch)
	}
}

func (e *engineImpl) observer(id string) state.StepObserver {
	return func(_ string, step state.Step) {
		e.publish(id, Event{Type: EventStep, Phase: step.Phase, Step: &step, Timestamp: step.Timestamp})
	}
}

// ─── ProcessQuery ─────────────────────────────────────────────────────────────

// request bundles the per-request values threaded through the pipeline.
type request struct {
	id            string // engine-issued
	correlationID string // caller-supplied
	sessionID     string
	query         string
	svc           ServiceContext
	start         time.Time
	log           *zap.Logger
	span          oteltrace.Span
}

// ProcessQuery runs userQuery through the reasoning pipeline.
func (e *engineImpl) ProcessQuery(ctx context.Context, sessionID, userQuery string, svc ServiceContext) (*Response, error) {
	req := &request{
		id:            e.claim(svc.RequestID),
		correlationID: svc.CorrelationID,
		sessionID:     sessionID,
		query:         userQuery,
		svc:           svc,
		start:         time.Now(),
	}
	defer e.release(req.id)
	if req.correlationID == "" {
		req.correlationID = req.id
	}
	if req.sessionID == "" {
		req.sessionID = req.id
	}
	req.log = e.logger.With(
		zap.String("request_id", req.id),
		zap.String("correlation_id", req.correlationID),
		zap.String("session_id", req.sessionID),
		zap.String("service_id", svc.ServiceID))

	if e.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.QueryTimeout)
		defer cancel()
	}
	ctx = audit.WithCorrelationID(ctx, req.correlationID)
	ctx = reasoning.WithCredential(ctx, svc.Credential)
	ctx, req.span = e.tracer.Start(ctx, "reasoning.process_query", oteltrace.WithAttributes(
		attribute.String("request_id", req.id),
		attribute.String("correlation_id", req.correlationID),
		attribute.String("session_id", req.sessionID),
		attribute.String("service_id", svc.ServiceID),
	))
	defer req.span.End()

	_ = e.auditLog.LogQueryStarted(ctx, req.sessionID, svc.ServiceID)
	req.log.Info("query received", zap.Int("query_chars", len(userQuery)))

	if userQuery == "" {
		return nil, e.reject(ctx, req, reasoning.RequestOther, nil,
			reasoning.NewError(reasoning.KindInternal, "process query", errors.New("empty query")))
	}

	if err := e.authenticate(ctx, req); err != nil {
		return nil, e.reject(ctx, req, reasoning.RequestOther, nil, err)
	}

	contextData := copyContext(svc.ContextData)
	if err := e.describeService(ctx, req, contextData); err != nil {
		return nil, e.reject(ctx, req, reasoning.RequestOther, nil, err)
	}

	history, err := e.loadHistory(ctx, req)
	if err != nil {
		return nil, e.reject(ctx, req, reasoning.RequestOther, nil, err)
	}

	cls := e.classifier.Explain(userQuery)
	req.span.SetAttributes(attribute.String("request_type", string(cls.Type)))
	st := state.New(req.sessionID, userQuery, cls.Type, contextData, state.WithObserver(e.observer(req.id)))
	st.AddStep(state.Step{
		Phase:       reasoning.PhaseInitialized,
		Kind:        state.KindClassification,
		Description: fmt.Sprintf("Classified query as %s", cls.Type),
		Result: map[string]any{
			"monitoring_score": cls.MonitoringScore,
			"question_score":   cls.QuestionScore,
			"analysis_score":   cls.AnalysisScore,
			"matched":          cls.Matched,
		},
	})

	// Planning
	var plan *planner.Result
	err = e.phase(ctx, reasoning.PhasePlanning, func(ctx context.Context) error {
		var err error
		plan, err = e.planner.Plan(ctx, st, planner.Input{ServiceID: svc.ServiceID, History: history})
		return err
	})
	if err != nil {
		return nil, e.reject(ctx, req, cls.Type, st, err)
	}
	if plan.UsedFallback {
		_ = e.auditLog.LogFallback(ctx, req.sessionID, string(reasoning.PhasePlanning), plan.FallbackReason)
	}

	// Execution
	var exec *executor.ExecutionResult
	err = e.phase(ctx, reasoning.PhaseExecution, func(ctx context.Context) error {
		var err error
		exec, err = e.executor.Execute(ctx, st, plan, executor.Request{ServiceID: svc.ServiceID, Credential: svc.Credential})
		return err
	})
	if err != nil {
		return nil, e.reject(ctx, req, cls.Type, st, err)
	}
	if o, ok := exec.AuthFailure(); ok {
		err := reasoning.NewError(reasoning.KindAuthentication, "collect "+string(o.Requirement), errors.New(o.ErrorDetail))
		return nil, e.reject(ctx, req, cls.Type, st, err)
	}

	assessment := e.assess(st, exec)

	// Feedback
	var ans *feedback.Answer
	err = e.phase(ctx, reasoning.PhaseFeedback, func(ctx context.Context) error {
		var err error
		ans, err = e.synthesizer.Synthesize(ctx, st, exec, feedback.Input{
			ServiceID:    svc.ServiceID,
			History:      history,
			AnalysisPlan: plan.AnalysisPlan,
			Assessment:   assessment,
		})
		return err
	})
	if err != nil {
		return nil, e.reject(ctx, req, cls.Type, st, err)
	}
	if ans.Source == feedback.SourceBestEffort {
		_ = e.auditLog.LogFallback(ctx, req.sessionID, string(reasoning.PhaseFeedback), "best_effort")
	}

	return e.respond(ctx, req, st, ans), nil
}

// assess rates the collected datasets and records the rating as an
// Execution step. It returns nil when nothing was collected.
func (e *engineImpl) assess(st *state.State, exec *executor.ExecutionResult) *rules.Assessment {
	start := time.Now()
	a := e.rules.Evaluate(exec)
	if a == nil {
		return nil
	}
	for _, f := range a.Findings {
		metrics.ThresholdFindingsTotal.WithLabelValues(string(f.Requirement), string(f.Severity)).Inc()
	}
	datasets := make(map[string]any, len(a.Datasets))
	for id, sev := range a.Datasets {
		datasets[string(id)] = string(sev)
	}
	st.AddStep(state.Step{
		Phase:       reasoning.PhaseExecution,
		Kind:        state.KindAssessment,
		Description: fmt.Sprintf("Rated collected data: system status %s", a.SystemStatus),
		Result: map[string]any{
			"system_status": a.SystemStatus,
			"datasets":      datasets,
			"critical":      a.Count(rules.SeverityCritical),
			"warning":       a.Count(rules.SeverityWarning),
		},
		Duration: time.Since(start),
	})
	return a
}

// phase runs fn inside a span named after the phase.
func (e *engineImpl) phase(ctx context.Context, p reasoning.Phase, fn func(context.Context) error) error {
	ctx, span := e.tracer.Start(ctx, "reasoning."+string(p))
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (e *engineImpl) authenticate(ctx context.Context, req *request) error {
	if e.auth == nil {
		return nil
	}
	if err := e.auth.Authenticate(ctx, req.svc.Credential); err != nil {
		_ = e.auditLog.LogAuthenticationFailed(ctx, req.sessionID, err)
		return reasoning.NewError(reasoning.KindAuthentication, "authenticate", err)
	}
	return nil
}

// describeService adds the service name and description to contextData.
// Only credential rejections abort the request.
func (e *engineImpl) describeService(ctx context.Context, req *request, contextData map[string]any) error {
	if e.services == nil || req.svc.ServiceID == "" {
		return nil
	}
	info, err := e.services.Service(ctx, req.svc.ServiceID, req.svc.Credential)
	if err != nil {
		if errors.Is(err, reasoning.ErrAuthentication) {
			_ = e.auditLog.LogAuthenticationFailed(ctx, req.sessionID, err)
			return reasoning.NewError(reasoning.KindAuthentication, "describe service", err)
		}
		req.log.Warn("service lookup failed", zap.Error(err))
		return nil
	}
	if info.Name != "" {
		contextData["service_name"] = info.Name
	}
	if info.Description != "" {
		contextData["service_description"] = info.Description
	}
	return nil
}

// loadHistory renders prior turns of the chat session. Only credential
// rejections abort the request.
func (e *engineImpl) loadHistory(ctx context.Context, req *request) (string, error) {
	if e.history == nil {
		return "", nil
	}
	msgs, err := e.history.Recent(ctx, req.sessionID, e.cfg.HistoryLimit)
	if err != nil {
		if errors.Is(err, reasoning.ErrAuthentication) {
			_ = e.auditLog.LogAuthenticationFailed(ctx, req.sessionID, err)
			return "", reasoning.NewError(reasoning.KindAuthentication, "load history", err)
		}
		req.log.Warn("chat history unavailable", zap.Error(err))
		return "", nil
	}
	return chathistory.FormatContext(msgs, e.cfg.HistoryMaxChars), nil
}

// respond builds the response of a request that produced an answer and runs
// the best-effort post-processing.
func (e *engineImpl) respond(ctx context.Context, req *request, st *state.State, ans *feedback.Answer) *Response {
	status := StatusCompleted
	if st.Phase() == reasoning.PhaseFailed {
		status = StatusPartial
	}
	summary := trace.Build(st)
	trace.Log(req.log, summary)
	trace.LogOutcome(req.log, req.sessionID, ans.Recommendations, ans.ActionPlan)

	elapsed := time.Since(req.start)
	resp := &Response{
		RequestID:       req.id,
		CorrelationID:   req.correlationID,
		SessionID:       req.sessionID,
		ServiceID:       req.svc.ServiceID,
		Answer:          ans.Text,
		Confidence:      ans.Confidence,
		Status:          status,
		Recommendations: ans.Recommendations,
		ActionPlan:      ans.ActionPlan,
		SystemStatus:    ans.SystemStatus,
		RequestType:     st.RequestType,
		ReasoningTrace:  summary,
		ExecutionTime:   elapsed.Seconds(),
	}

	e.observe(st, status, elapsed)
	e.persist(ctx, req, st, summary, status, ans.Text, ans.Confidence)
	e.appendHistory(ctx, req, st, resp)

	req.span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("confidence", ans.Confidence))
	_ = e.auditLog.LogQueryCompleted(ctx, req.sessionID, string(st.RequestType), status == StatusPartial, elapsed)
	e.publish(req.id, Event{Type: EventResponse, Phase: st.Phase(), Response: resp})
	e.publish(req.id, Event{Type: EventDone, Phase: st.Phase()})

	req.log.Info("query processed",
		zap.String("status", status),
		zap.String("request_type", string(st.RequestType)),
		zap.Float64("confidence", ans.Confidence),
		zap.String("system_status", ans.SystemStatus),
		zap.Duration("duration", elapsed))
	return resp
}

// reject finishes a request that produced no answer and maps err onto one of
// the three public error kinds. st may be nil when the request failed before
// classification.
func (e *engineImpl) reject(ctx context.Context, req *request, rt reasoning.RequestType, st *state.State, err error) error {
	kind := reasoning.KindOf(err)
	switch kind {
	case reasoning.KindAuthentication, reasoning.KindTimeout:
	default:
		kind = reasoning.KindInternal
	}
	out := err
	var re *reasoning.Error
	if !errors.As(err, &re) || re.Kind != kind {
		out = reasoning.NewError(kind, "process query", err)
	}

	elapsed := time.Since(req.start)
	if st != nil {
		if !st.Phase().Terminal() {
			_ = st.Transition(reasoning.PhaseFailed)
		}
		summary := trace.Build(st)
		trace.Log(req.log, summary)
		e.observe(st, "error", elapsed)
		e.persist(ctx, req, st, summary, "error", "", 0)
	} else {
		metrics.QueriesTotal.WithLabelValues(string(rt), "error").Inc()
		metrics.QueryDuration.WithLabelValues(string(rt)).Observe(elapsed.Seconds())
	}

	req.span.RecordError(out)
	req.span.SetStatus(codes.Error, string(kind))
	_ = e.auditLog.LogQueryFailed(ctx, req.sessionID, out, string(kind))
	e.publish(req.id, Event{Type: EventError, Phase: reasoning.PhaseFailed, Error: out.Error()})
	e.publish(req.id, Event{Type: EventDone, Phase: reasoning.PhaseFailed})

	req.log.Warn("query failed",
		zap.String("kind", string(kind)),
		zap.Duration("duration", elapsed),
		zap.Error(err))
	return out
}

func (e *engineImpl) observe(st *state.State, status string, elapsed time.Duration) {
	rt := string(st.RequestType)
	metrics.QueriesTotal.WithLabelValues(rt, status).Inc()
	metrics.QueryDuration.WithLabelValues(rt).Observe(elapsed.Seconds())
	for _, ps := range st.PhaseStatisticsList() {
		metrics.PhaseDuration.WithLabelValues(string(ps.Phase)).Observe(float64(ps.DurationMs) / 1000)
	}
}

// persist records the session. Failures are logged only.
func (e *engineImpl) persist(ctx context.Context, req *request, st *state.State, summary trace.Summary, status, answer string, confidence float64) {
	if e.sessions == nil {
		return
	}
	traceJSON, err := json.Marshal(summary)
	if err != nil {
		req.log.Warn("trace encoding failed", zap.Error(err))
		traceJSON = []byte("{}")
	}
	rec := &db.SessionRecord{
		ID:            req.id,
		CorrelationID: req.correlationID,
		SessionID:     req.sessionID,
		ServiceID:     req.svc.ServiceID,
		Query:         req.query,
		RequestType:   string(st.RequestType),
		Status:        status,
		FinalPhase:    string(st.Phase()),
		Answer:        answer,
		Confidence:    confidence,
		Trace:         string(traceJSON),
		DurationMs:    time.Since(req.start).Milliseconds(),
		CreatedAt:     req.start,
	}
	// The request context may already be past its deadline.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.sessions.SaveSession(saveCtx, rec); err != nil {
		req.log.Warn("session persistence failed", zap.Error(err))
	}
}

// appendHistory appends the exchange to chat history. Failures are logged,
// audited and counted, never returned.
func (e *engineImpl) appendHistory(ctx context.Context, req *request, st *state.State, resp *Response) {
	if e.historyStore == nil {
		return
	}
	entry := reasoning.ChatEntry{
		Query:  req.query,
		Answer: resp.Answer,
		Metadata: map[string]any{
			"request_id":     req.id,
			"correlation_id": req.correlationID,
			"request_type":   string(st.RequestType),
			"status":         resp.Status,
			"confidence":     resp.Confidence,
			"system_status":  resp.SystemStatus,
		},
	}
	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.historyStore.Append(appendCtx, req.sessionID, entry); err != nil {
		metrics.ChatHistoryAppendFailures.Inc()
		req.log.Warn("chat history append failed", zap.Error(err))
		_ = e.auditLog.Log(ctx, audit.NewEvent(audit.EventHistoryAppendFailed).
			WithCorrelationID(req.correlationID).
			WithSession(req.sessionID, req.svc.ServiceID).
			WithError(err, "history_append").
			WithResult(audit.ResultFailure))
	}
}

func copyContext(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}
