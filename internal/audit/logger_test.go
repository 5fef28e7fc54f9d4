package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer is a goroutine-safe bytes.Buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNewLogger(t *testing.T) {
	tmpDir := t.TempDir()

	config := &Config{
		Path:       filepath.Join(tmpDir, "audit.log"),
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     7,
	}

	logger, err := NewLogger(config)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	if err := logger.LogQueryStarted(context.Background(), "sess-1", "svc-1"); err != nil {
		t.Fatalf("LogQueryStarted failed: %v", err)
	}
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	content, err := os.ReadFile(config.Path)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}
	if !strings.Contains(string(content), "query.started") {
		t.Error("Log does not contain event type")
	}
}

func TestNewLoggerRequiresPath(t *testing.T) {
	if _, err := NewLogger(&Config{}); err == nil {
		t.Fatal("Expected error for empty path")
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Path != "logs/audit.log" {
		t.Errorf("Expected audit log path 'logs/audit.log', got %s", config.Path)
	}
	if config.MaxSize != 100 {
		t.Errorf("Expected max size 100, got %d", config.MaxSize)
	}
	if config.BufferSize != 100 {
		t.Errorf("Expected buffer size 100, got %d", config.BufferSize)
	}
}

func TestQueryLifecycle(t *testing.T) {
	var out syncBuffer
	logger := NewWriterLogger(&Config{FlushInterval: time.Hour}, &out)
	defer logger.Close()

	ctx := WithCorrelationID(context.Background(), "corr-1")
	_ = logger.LogQueryStarted(ctx, "sess-1", "svc-1")
	_ = logger.LogFallback(ctx, "sess-1", "planning", "timeout")
	_ = logger.LogQueryCompleted(ctx, "sess-1", "monitoring", true, 1500*time.Millisecond)
	_ = logger.LogQueryFailed(ctx, "sess-2", errors.New("boom"), "internal")
	_ = logger.LogAuthenticationFailed(ctx, "sess-3", errors.New("bad token"))

	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	logContent := out.String()
	for _, want := range []string{
		"query.started", "reasoning.fallback", "query.partial", "query.failed",
		"reasoning.authentication_failed", "corr-1", "bad token", "denied",
	} {
		if !strings.Contains(logContent, want) {
			t.Errorf("Log does not contain %q", want)
		}
	}
}

func TestBufferAutoFlush(t *testing.T) {
	var out syncBuffer
	logger := NewWriterLogger(&Config{FlushInterval: 20 * time.Millisecond}, &out)
	defer logger.Close()

	for i := 0; i < 5; i++ {
		event := NewEvent(EventServerStarted).
			WithCorrelationID("test").
			WithResult(ResultSuccess)
		if err := logger.Log(context.Background(), event); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Count(out.String(), "system.server_started") >= 5 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Audit log is not flushed by the background ticker")
}

func TestBufferFullFlush(t *testing.T) {
	var out syncBuffer
	logger := NewWriterLogger(&Config{BufferSize: 10, FlushInterval: time.Hour}, &out)
	defer logger.Close()

	for i := 0; i < 10; i++ {
		if err := logger.Log(context.Background(), NewEvent(EventServerStarted)); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	if got := strings.Count(out.String(), "\n"); got != 10 {
		t.Errorf("Expected 10 flushed events without Sync, got %d", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	logger := NewWriterLogger(nil, &syncBuffer{})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestCorrelationID(t *testing.T) {
	id1 := GenerateCorrelationID()
	id2 := GenerateCorrelationID()
	if id1 == id2 {
		t.Error("Generated correlation IDs should be unique")
	}

	ctx := context.Background()
	if id := GetCorrelationID(ctx); id != "" {
		t.Errorf("Expected empty correlation ID, got %s", id)
	}

	ctx = WithCorrelationID(ctx, "test-correlation-id")
	if id := GetCorrelationID(ctx); id != "test-correlation-id" {
		t.Errorf("Expected 'test-correlation-id', got %s", id)
	}
}

func TestEventJSONSerialization(t *testing.T) {
	event := NewEvent(EventQueryCompleted).
		WithCorrelationID("corr-123").
		WithSession("sess-1", "svc-1").
		WithRequestType("monitoring").
		WithPhase("feedback").
		WithResult(ResultSuccess).
		WithDuration(250*time.Millisecond).
		WithMetadata("steps", 7)

	b, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded["session_id"] != "sess-1" {
		t.Errorf("Expected session_id sess-1, got %v", decoded["session_id"])
	}
	if decoded["duration_ms"] != float64(250) {
		t.Errorf("Expected duration_ms 250, got %v", decoded["duration_ms"])
	}
	if decoded["event_type"] != "query.completed" {
		t.Errorf("Expected event_type query.completed, got %v", decoded["event_type"])
	}
}

func TestWithErrorSetsFailure(t *testing.T) {
	event := NewEvent(EventQueryFailed).WithError(errors.New("x"), "internal")
	if event.Result != ResultFailure {
		t.Errorf("Expected failure result, got %s", event.Result)
	}
	if NewEvent(EventQueryFailed).WithError(nil, "internal").Result != ResultPending {
		t.Error("nil error must not change the result")
	}
}
