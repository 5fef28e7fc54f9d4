package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// Query lifecycle events
	LogQueryStarted(ctx context.Context, sessionID, serviceID string) error
	LogQueryCompleted(ctx context.Context, sessionID, requestType string, partial bool, duration time.Duration) error
	LogQueryFailed(ctx context.Context, sessionID string, err error, code string) error

	// Reasoning events
	LogFallback(ctx context.Context, sessionID, phase, reason string) error
	LogAuthenticationFailed(ctx context.Context, sessionID string, err error) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// Path is the path to the audit log file
	Path string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// BufferSize is the number of events held before a forced flush
	BufferSize int

	// FlushInterval is the period of the background flush
	FlushInterval time.Duration
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		Path:          "logs/audit.log",
		MaxSize:       100, // megabytes
		MaxBackups:    10,
		MaxAge:        30, // days
		Compress:      true,
		BufferSize:    100,
		FlushInterval: time.Second,
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	out         *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates a new audit logger writing rotated JSON lines to
// config.Path.
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		return nil, fmt.Errorf("audit log path is required")
	}

	rotator := &lumberjack.Logger{
		Filename:   config.Path,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
	return newLogger(config, rotator), nil
}

// NewWriterLogger creates an audit logger writing to w.
func NewWriterLogger(config *Config, w io.Writer) Logger {
	if config == nil {
		config = DefaultConfig()
	}
	return newLogger(config, w)
}

func newLogger(config *Config, w io.Writer) *auditLogger {
	if config.BufferSize <= 0 {
		config.BufferSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	// Audit logs are always INFO level, append-only
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(w),
		zapcore.InfoLevel,
	)

	l := &auditLogger{
		out:         zap.New(core),
		config:      config,
		buffer:      make([]*Event, 0, config.BufferSize),
		flushTicker: time.NewTicker(config.FlushInterval),
		stopCh:      make(chan struct{}),
	}

	// Start auto-flush goroutine
	go l.autoFlush()

	return l
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)

	// Flush if buffer is full
	if len(l.buffer) >= l.config.BufferSize {
		return l.flushLocked()
	}

	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			continue
		}

		l.out.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]

	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogQueryStarted logs when a query enters the engine
func (l *auditLogger) LogQueryStarted(ctx context.Context, sessionID, serviceID string) error {
	event := NewEvent(EventQueryStarted).
		WithSession(sessionID, serviceID).
		WithResult(ResultPending).
		WithDescription(fmt.Sprintf("Query for session %s started", sessionID))

	return l.Log(ctx, event)
}

// LogQueryCompleted logs when a query produced an answer
func (l *auditLogger) LogQueryCompleted(ctx context.Context, sessionID, requestType string, partial bool, duration time.Duration) error {
	eventType, result := EventQueryCompleted, ResultSuccess
	if partial {
		eventType, result = EventQueryPartial, ResultPartial
	}
	event := NewEvent(eventType).
		WithSession(sessionID, "").
		WithRequestType(requestType).
		WithResult(result).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("Query for session %s answered", sessionID))

	return l.Log(ctx, event)
}

// LogQueryFailed logs when a query ends without an answer
func (l *auditLogger) LogQueryFailed(ctx context.Context, sessionID string, err error, code string) error {
	event := NewEvent(EventQueryFailed).
		WithSession(sessionID, "").
		WithError(err, code).
		WithDescription(fmt.Sprintf("Query for session %s failed", sessionID))

	return l.Log(ctx, event)
}

// LogFallback logs a phase switching to its fallback path
func (l *auditLogger) LogFallback(ctx context.Context, sessionID, phase, reason string) error {
	event := NewEvent(EventPhaseFallback).
		WithSession(sessionID, "").
		WithPhase(phase).
		WithResult(ResultSuccess).
		WithMetadata("reason", reason).
		WithDescription(fmt.Sprintf("%s fell back: %s", phase, reason))

	return l.Log(ctx, event)
}

// LogAuthenticationFailed logs a rejected credential
func (l *auditLogger) LogAuthenticationFailed(ctx context.Context, sessionID string, err error) error {
	event := NewEvent(EventAuthenticationFault).
		WithSession(sessionID, "").
		WithError(err, "authentication").
		WithResult(ResultDenied).
		WithDescription(fmt.Sprintf("Credential rejected for session %s", sessionID))

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	return l.out.Sync()
}

// Close stops the background flush and flushes remaining events
func (l *auditLogger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
		err = l.Sync()
	})
	return err
}

// Nop returns a Logger that discards every event
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Log(context.Context, *Event) error                     { return nil }
func (nopLogger) LogQueryStarted(context.Context, string, string) error { return nil }
func (nopLogger) LogQueryCompleted(context.Context, string, string, bool, time.Duration) error {
	return nil
}
func (nopLogger) LogQueryFailed(context.Context, string, error, string) error  { return nil }
func (nopLogger) LogFallback(context.Context, string, string, string) error    { return nil }
func (nopLogger) LogAuthenticationFailed(context.Context, string, error) error { return nil }
func (nopLogger) Sync() error                                                  { return nil }
func (nopLogger) Close() error                                                 { return nil }

type correlationKey struct{}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.NewString()
}
