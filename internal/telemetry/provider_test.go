package telemetry_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-reasoner/internal/integration/backend"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning"
	"github.com/kubilitics/kubilitics-reasoner/internal/telemetry"
)

func TestHTTPProviderFetchMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/telemetry/metrics", r.URL.Path)
		assert.Equal(t, "cpu_metrics", r.URL.Query().Get("requirement"))
		assert.Equal(t, "api", r.URL.Query().Get("service"))
		assert.Equal(t, "24h0m0s", r.URL.Query().Get("window"))
		_, _ = w.Write([]byte(`{"series":[{"metric":"cpu","points":[[1700000000, 1.5]]}]}`))
	}))
	defer srv.Close()

	p := telemetry.NewHTTPProvider(backend.NewClient(srv.URL))
	raw, err := p.FetchMetrics(context.Background(), telemetry.Query{
		Requirement: reasoning.CPUMetrics, ServiceID: "api", Window: 24 * time.Hour,
	})
	require.NoError(t, err)

	ds, err := telemetry.Normalize(reasoning.CPUMetrics, reasoning.SourceMetrics, raw)
	require.NoError(t, err)
	assert.Equal(t, 1.5, ds.Series[0].Points[0].Value)
}

func TestHTTPProviderListPayloadReachesNormalize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"message":"x"}]`))
	}))
	defer srv.Close()

	p := telemetry.NewHTTPProvider(backend.NewClient(srv.URL))
	raw, err := p.FetchLogs(context.Background(), telemetry.Query{Requirement: reasoning.ErrorLogs})
	require.NoError(t, err)

	_, err = telemetry.Normalize(reasoning.ErrorLogs, reasoning.SourceLogs, raw)
	assert.True(t, errors.Is(err, reasoning.ErrStructural))
}

func TestHTTPProviderUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := telemetry.NewHTTPProvider(backend.NewClient(srv.URL))
	_, err := p.FetchLogs(context.Background(), telemetry.Query{Requirement: reasoning.ErrorLogs, Credential: "bad"})
	assert.True(t, errors.Is(err, reasoning.ErrAuthentication))
}

type countingProvider struct {
	calls atomic.Int32
	err   error
}

func (c *countingProvider) FetchMetrics(context.Context, telemetry.Query) (any, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return map[string]any{"series": []any{}}, nil
}

func (c *countingProvider) FetchLogs(context.Context, telemetry.Query) (any, error) {
	c.calls.Add(1)
	return map[string]any{"entries": []any{}}, c.err
}

func TestCachedProvider(t *testing.T) {
	under := &countingProvider{}
	c := telemetry.NewCachedProvider(under, under, 16, time.Minute)
	q := telemetry.Query{Requirement: reasoning.CPUMetrics, ServiceID: "api", Window: time.Hour}

	_, err := c.FetchMetrics(context.Background(), q)
	require.NoError(t, err)
	_, err = c.FetchMetrics(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, int32(1), under.calls.Load())

	// different credential, different entry
	q.Credential = "other"
	_, err = c.FetchMetrics(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, int32(2), under.calls.Load())

	_, err = c.FetchLogs(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, int32(3), under.calls.Load())
	assert.Equal(t, 3, c.Len())
}

func TestCachedProviderDoesNotCacheFailures(t *testing.T) {
	under := &countingProvider{err: errors.New("boom")}
	c := telemetry.NewCachedProvider(under, nil, 16, time.Minute)
	q := telemetry.Query{Requirement: reasoning.CPUMetrics}

	_, err := c.FetchMetrics(context.Background(), q)
	assert.Error(t, err)
	_, err = c.FetchMetrics(context.Background(), q)
	assert.Error(t, err)
	assert.Equal(t, int32(2), under.calls.Load())
	assert.Equal(t, 0, c.Len())

	_, err = c.FetchLogs(context.Background(), q)
	assert.True(t, errors.Is(err, telemetry.ErrUnavailable))
}

func TestNoop(t *testing.T) {
	_, err := telemetry.Noop{}.FetchMetrics(context.Background(), telemetry.Query{})
	assert.True(t, errors.Is(err, telemetry.ErrUnavailable))
}
