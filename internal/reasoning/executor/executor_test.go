package executor_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/executor"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/planner"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/state"
	"github.com/kubilitics/kubilitics-reasoner/internal/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ─── Fakes ────────────────────────────────────────────────────────────────────

type fakeProvider struct {
	mu       sync.Mutex
	payloads map[reasoning.RequirementID]any
	errs     map[reasoning.RequirementID][]error
	calls    map[reasoning.RequirementID]int
	delay    time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		payloads: map[reasoning.RequirementID]any{},
		errs:     map[reasoning.RequirementID][]error{},
		calls:    map[reasoning.RequirementID]int{},
	}
}

func (f *fakeProvider) FetchMetrics(ctx context.Context, q telemetry.Query) (any, error) {
	return f.fetch(ctx, q)
}

func (f *fakeProvider) FetchLogs(ctx context.Context, q telemetry.Query) (any, error) {
	return f.fetch(ctx, q)
}

func (f *fakeProvider) fetch(ctx context.Context, q telemetry.Query) (any, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	f.mu.Lock()
	call := f.calls[q.Requirement]
	f.calls[q.Requirement]++
	var err error
	if errs := f.errs[q.Requirement]; call < len(errs) {
		err = errs[call]
	}
	payload := f.payloads[q.Requirement]
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (f *fakeProvider) callCount(id reasoning.RequirementID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func metricPayload() map[string]any {
	return map[string]any{
		"series": []any{
			map[string]any{
				"metric": "cpu_usage",
				"points": []any{[]any{float64(1700000000), 41.5}, []any{float64(1700000060), 43.0}},
			},
		},
	}
}

func logPayload() map[string]any {
	return map[string]any{
		"entries": []any{map[string]any{"level": "ERROR", "message": "db timeout"}},
	}
}

func plan(ids ...reasoning.RequirementID) *planner.Result {
	res := &planner.Result{}
	for _, id := range ids {
		entry, _ := reasoning.Lookup(id)
		res.Requirements = append(res.Requirements, reasoning.Requirement{ID: id, Source: entry.Source, Window: time.Hour})
	}
	return res
}

func executionState(rt reasoning.RequestType) *state.State {
	st := state.New("sess-1", "query", rt, nil)
	_ = st.Transition(reasoning.PhasePlanning)
	_ = st.Transition(reasoning.PhaseExecution)
	return st
}

func fastConfig() executor.Config {
	return executor.Config{CollectorTimeout: time.Second, Retries: 1, Backoff: time.Millisecond}
}

// ─── Collection ───────────────────────────────────────────────────────────────

func TestExecute_AllSucceed(t *testing.T) {
	p := newFakeProvider()
	p.payloads[reasoning.CPUMetrics] = metricPayload()
	p.payloads[reasoning.ErrorLogs] = logPayload()

	e := executor.New(p, p, fastConfig(), nil)
	st := executionState(reasoning.RequestMonitoring)

	res, err := e.Execute(context.Background(), st, plan(reasoning.CPUMetrics, reasoning.ErrorLogs), executor.Request{})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 2, res.Successful)
	assert.Equal(t, 0, res.Failed)
	assert.False(t, res.Skipped)
	assert.InDelta(t, 1.0, res.Confidence(), 1e-9)
	require.NotNil(t, res.Outcomes[0].Data)
	assert.Len(t, res.Outcomes[0].Data.Series, 1)
	assert.Len(t, res.Outcomes[1].Data.Entries, 1)

	assert.Equal(t, reasoning.PhaseFeedback, st.Phase())
	c, ok := st.Confidence(reasoning.PhaseExecution)
	require.True(t, ok)
	assert.InDelta(t, 1.0, c, 1e-9)

	steps := st.Steps()
	require.Len(t, steps, 3)
	assert.Equal(t, state.KindCollection, steps[0].Kind)
	assert.Equal(t, state.KindAggregate, steps[2].Kind)
}

func TestExecute_StructuralFailureIsolated(t *testing.T) {
	p := newFakeProvider()
	p.payloads[reasoning.CPUMetrics] = []any{"not", "a", "mapping"}
	p.payloads[reasoning.MemoryMetrics] = metricPayload()
	p.payloads[reasoning.ErrorLogs] = map[string]any{"lines": []any{}}

	e := executor.New(p, p, fastConfig(), nil)
	st := executionState(reasoning.RequestMonitoring)

	res, err := e.Execute(context.Background(), st,
		plan(reasoning.CPUMetrics, reasoning.MemoryMetrics, reasoning.ErrorLogs), executor.Request{})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, res.Attempted, res.Successful+res.Failed)
	assert.InDelta(t, 1.0/3.0, res.Confidence(), 1e-9)

	cpu := res.Outcomes[0]
	assert.Equal(t, executor.StatusFailed, cpu.Status)
	assert.Equal(t, reasoning.KindStructural, cpu.ErrorKind)
	assert.Equal(t, 1, cpu.Attempts, "structural failures are not retried")
	assert.Contains(t, res.Outcomes[2].ErrorDetail, "entries")
	assert.True(t, res.Outcomes[1].Succeeded())
}

func TestExecute_RetriesTransientErrors(t *testing.T) {
	p := newFakeProvider()
	p.payloads[reasoning.CPUMetrics] = metricPayload()
	p.errs[reasoning.CPUMetrics] = []error{errors.New("connection reset")}

	e := executor.New(p, p, fastConfig(), nil)
	res, err := e.Execute(context.Background(), executionState(reasoning.RequestMonitoring),
		plan(reasoning.CPUMetrics), executor.Request{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, 2, res.Outcomes[0].Attempts)
	assert.Equal(t, 2, p.callCount(reasoning.CPUMetrics))
}

func TestExecute_AuthFailureNotRetried(t *testing.T) {
	p := newFakeProvider()
	p.errs[reasoning.CPUMetrics] = []error{fmt.Errorf("backend: %w", reasoning.ErrAuthentication)}
	p.payloads[reasoning.MemoryMetrics] = metricPayload()

	e := executor.New(p, p, fastConfig(), nil)
	res, err := e.Execute(context.Background(), executionState(reasoning.RequestMonitoring),
		plan(reasoning.CPUMetrics, reasoning.MemoryMetrics), executor.Request{Credential: "bad"})
	require.NoError(t, err)

	o, ok := res.AuthFailure()
	require.True(t, ok)
	assert.Equal(t, reasoning.CPUMetrics, o.Requirement)
	assert.Equal(t, 1, p.callCount(reasoning.CPUMetrics))
}

func TestExecute_UnavailableSourceNotRetried(t *testing.T) {
	cfg := executor.Config{CollectorTimeout: time.Second, Retries: 3, Backoff: time.Second}
	e := executor.New(telemetry.Noop{}, telemetry.Noop{}, cfg, nil)

	start := time.Now()
	res, err := e.Execute(context.Background(), executionState(reasoning.RequestMonitoring),
		plan(reasoning.CPUMetrics, reasoning.ErrorLogs), executor.Request{})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Failed)
	for _, o := range res.Outcomes {
		assert.Equal(t, 1, o.Attempts, "%s", o.Requirement)
	}
	assert.Less(t, time.Since(start), time.Second, "no backoff is spent")
}

func TestExecute_CollectorTimeout(t *testing.T) {
	p := newFakeProvider()
	p.delay = 200 * time.Millisecond

	cfg := executor.Config{CollectorTimeout: 10 * time.Millisecond, Retries: 0}
	e := executor.New(p, p, cfg, nil)
	res, err := e.Execute(context.Background(), executionState(reasoning.RequestMonitoring),
		plan(reasoning.CPUMetrics), executor.Request{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, reasoning.KindTimeout, res.Outcomes[0].ErrorKind)
	assert.InDelta(t, 0.0, res.Confidence(), 1e-9)
}

func TestExecute_BoundedConcurrency(t *testing.T) {
	p := newFakeProvider()
	p.delay = 20 * time.Millisecond
	for _, e := range reasoning.Catalogue() {
		if e.Source == reasoning.SourceMetrics {
			p.payloads[e.ID] = metricPayload()
		} else {
			p.payloads[e.ID] = logPayload()
		}
	}

	cfg := fastConfig()
	cfg.MaxConcurrency = 2
	e := executor.New(p, p, cfg, nil)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := []reasoning.RequirementID{
				reasoning.CPUMetrics, reasoning.MemoryMetrics, reasoning.DiskMetrics,
				reasoning.NetworkMetrics, reasoning.ErrorLogs, reasoning.PerformanceLogs,
			}
			res, err := e.Execute(context.Background(), executionState(reasoning.RequestMonitoring), plan(ids...), executor.Request{})
			assert.NoError(t, err)
			assert.Equal(t, 6, res.Successful)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, p.maxInFlight.Load(), int32(2))
}

func TestExecute_CancelledContext(t *testing.T) {
	p := newFakeProvider()
	p.delay = time.Second

	e := executor.New(p, p, fastConfig(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := e.Execute(ctx, executionState(reasoning.RequestMonitoring), plan(reasoning.CPUMetrics), executor.Request{})
	require.Error(t, err)
	assert.Equal(t, reasoning.KindTimeout, reasoning.KindOf(err))
}

// ─── Intent gating ────────────────────────────────────────────────────────────

func TestExecute_NonMonitoringSkipsCollection(t *testing.T) {
	p := newFakeProvider()
	e := executor.New(p, p, fastConfig(), nil)
	st := executionState(reasoning.RequestQuestion)

	res, err := e.Execute(context.Background(), st, plan(reasoning.CPUMetrics, reasoning.MemoryMetrics), executor.Request{})
	require.NoError(t, err)

	assert.True(t, res.Skipped)
	assert.Equal(t, 0, res.Attempted)
	assert.InDelta(t, 1.0, res.Confidence(), 1e-9)
	assert.Equal(t, 0, p.callCount(reasoning.CPUMetrics))

	steps := st.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, state.KindSkipped, steps[0].Kind)
	assert.Equal(t, reasoning.PhaseFeedback, st.Phase())
}

func TestExecute_NonMonitoringCollectsMandatory(t *testing.T) {
	p := newFakeProvider()
	p.payloads[reasoning.ErrorLogs] = logPayload()
	e := executor.New(p, p, fastConfig(), nil)

	pl := plan(reasoning.CPUMetrics, reasoning.ErrorLogs)
	pl.Requirements[1].Mandatory = true

	res, err := e.Execute(context.Background(), executionState(reasoning.RequestAnalysis), pl, executor.Request{})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, reasoning.ErrorLogs, res.Outcomes[0].Requirement)
	assert.Equal(t, 0, p.callCount(reasoning.CPUMetrics))
}

func TestSelect(t *testing.T) {
	reqs := []reasoning.Requirement{{ID: reasoning.CPUMetrics}, {ID: reasoning.ErrorLogs, Mandatory: true}}
	assert.Len(t, executor.Select(reasoning.RequestMonitoring, reqs), 2)
	assert.Len(t, executor.Select(reasoning.RequestOther, reqs), 1)
	assert.Empty(t, executor.Select(reasoning.RequestQuestion, reqs[:1]))
}
