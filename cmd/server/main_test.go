package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-reasoner/internal/config"
	"github.com/kubilitics/kubilitics-reasoner/internal/db"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning"
	"github.com/kubilitics/kubilitics-reasoner/internal/telemetry"
)

// telemetryBackend serves a fixed CPU series for every metrics request.
func telemetryBackend(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/telemetry/metrics":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"series": []any{map[string]any{
					"metric": "cpu_usage",
					"labels": map[string]any{"service": r.URL.Query().Get("service")},
					"points": []any{[]any{1700000000, 91.5}, []any{1700000060, 94.0}},
				}},
			})
		case "/api/v1/telemetry/logs":
			_ = json.NewEncoder(w).Encode(map[string]any{"entries": []any{}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, dir, telemetryURL string) string {
	t.Helper()
	path := filepath.Join(dir, "reasoner.yaml")
	yaml := `
llm:
  provider: none
telemetry:
  source: http
  base_url: ` + telemetryURL + `
database:
  sqlite_path: ` + filepath.Join(dir, "reasoner.db") + `
chat_history:
  store: sqlite
logging:
  level: error
  format: json
audit:
  enabled: true
  path: ` + filepath.Join(dir, "audit.log") + `
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func TestAskCommandEndToEnd(t *testing.T) {
	dir := t.TempDir()
	var calls int32
	backend := telemetryBackend(t, &calls)
	cfgPath := writeConfig(t, dir, backend.URL)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--config", cfgPath, "ask",
		"--service", "checkout", "--session", "chat-1",
		"cpu usage is high on the checkout service"})
	require.NoError(t, root.ExecuteContext(context.Background()), out.String())

	assert.Contains(t, out.String(), "status:")
	assert.Contains(t, out.String(), "type:        monitoring")
	assert.Contains(t, out.String(), "trace:")
	assert.Positive(t, atomic.LoadInt32(&calls), "telemetry backend was queried")

	store, err := db.NewSQLiteStore(filepath.Join(dir, "reasoner.db"))
	require.NoError(t, err)
	defer store.Close()

	recs, err := store.ListSessions(context.Background(), "chat-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "checkout", recs[0].ServiceID)

	msgs, err := store.RecentMessages(context.Background(), "chat-1", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "question and answer are appended to chat history")

	audit, err := os.ReadFile(filepath.Join(dir, "audit.log"))
	require.NoError(t, err)
	assert.Contains(t, string(audit), "chat-1")
}

func TestAskCommandRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("telemetry:\n  source: carrier-pigeon\n"), 0o600))

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", path, "ask", "cpu?"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telemetry.source")
}

func TestBuildTelemetry(t *testing.T) {
	cfg := config.DefaultConfig()
	q := telemetry.Query{Requirement: reasoning.CPUMetrics, ServiceID: "api"}

	t.Run("none", func(t *testing.T) {
		c := *cfg
		c.Telemetry.Source = "none"
		m, l, closeFn, err := buildTelemetry(&c)
		require.NoError(t, err)
		assert.Nil(t, closeFn)
		_, err = m.FetchMetrics(context.Background(), q)
		assert.ErrorIs(t, err, telemetry.ErrUnavailable)
		_, err = l.FetchLogs(context.Background(), q)
		assert.ErrorIs(t, err, telemetry.ErrUnavailable)
	})

	t.Run("http with cache", func(t *testing.T) {
		var calls int32
		backend := telemetryBackend(t, &calls)
		c := *cfg
		c.Telemetry.Source = "http"
		c.Telemetry.BaseURL = backend.URL
		c.Cache.EnableCaching = true
		m, _, _, err := buildTelemetry(&c)
		require.NoError(t, err)
		assert.IsType(t, &telemetry.CachedProvider{}, m)

		for i := 0; i < 3; i++ {
			_, err = m.FetchMetrics(context.Background(), q)
			require.NoError(t, err)
		}
		assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	})

	t.Run("http without cache", func(t *testing.T) {
		c := *cfg
		c.Telemetry.Source = "http"
		c.Cache.EnableCaching = false
		m, l, _, err := buildTelemetry(&c)
		require.NoError(t, err)
		assert.IsType(t, &telemetry.HTTPProvider{}, m)
		assert.IsType(t, &telemetry.HTTPProvider{}, l)
	})

	t.Run("influx", func(t *testing.T) {
		c := *cfg
		c.Telemetry.Source = "influx"
		c.Influx.Org = "kubilitics"
		c.Telemetry.BaseURL = ""
		c.Cache.EnableCaching = false
		m, l, closeFn, err := buildTelemetry(&c)
		require.NoError(t, err)
		require.NotNil(t, closeFn)
		defer closeFn()
		assert.IsType(t, &telemetry.InfluxProvider{}, m)
		assert.IsType(t, telemetry.Noop{}, l, "influx serves metrics only")
	})

	t.Run("unknown", func(t *testing.T) {
		c := *cfg
		c.Telemetry.Source = "carrier-pigeon"
		_, _, _, err := buildTelemetry(&c)
		assert.Error(t, err)
	})
}

func TestBuildAppRequiresDatabaseForSQLiteHistory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Database.SQLitePath = ""
	cfg.ChatHistory.Store = "sqlite"
	cfg.Audit.Enabled = false
	cfg.Telemetry.Source = "none"
	cfg.LLM.Provider = "none"

	_, err := buildApp(cfg)
	assert.Error(t, err)
}
