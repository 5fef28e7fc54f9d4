package audit

import "time"

// EventType represents the type of audit event
type EventType string

const (
	// Query events
	EventQueryStarted   EventType = "query.started"
	EventQueryCompleted EventType = "query.completed"
	EventQueryPartial   EventType = "query.partial"
	EventQueryFailed    EventType = "query.failed"

	// Reasoning events
	EventPhaseFallback       EventType = "reasoning.fallback"
	EventAuthenticationFault EventType = "reasoning.authentication_failed"
	EventHistoryAppendFailed EventType = "reasoning.history_append_failed"

	// Configuration events
	EventConfigLoaded EventType = "config.loaded"
	EventConfigReload EventType = "config.reload"

	// System events
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
)

// Result represents the outcome of an audited action
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPartial Result = "partial"
	ResultPending Result = "pending"
	ResultDenied  Result = "denied"
)

// Event represents a single audit event
type Event struct {
	// Core fields
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	EventType     EventType `json:"event_type"`
	Result        Result    `json:"result"`

	// Request information
	SessionID   string `json:"session_id,omitempty"`
	ServiceID   string `json:"service_id,omitempty"`
	RequestType string `json:"request_type,omitempty"`
	SourceIP    string `json:"source_ip,omitempty"`

	// Action details
	Phase       string                 `json:"phase,omitempty"`
	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	// Error information
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	// Duration tracking
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewEvent creates a new audit event with default values
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultPending,
		Metadata:  make(map[string]interface{}),
	}
}

// WithCorrelationID sets the correlation ID for event tracking
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithSession sets the reasoning session and service the event belongs to
func (e *Event) WithSession(sessionID, serviceID string) *Event {
	e.SessionID = sessionID
	e.ServiceID = serviceID
	return e
}

// WithRequestType sets the classified request type
func (e *Event) WithRequestType(rt string) *Event {
	e.RequestType = rt
	return e
}

// WithPhase sets the reasoning phase
func (e *Event) WithPhase(phase string) *Event {
	e.Phase = phase
	return e
}

// WithSourceIP sets the caller address
func (e *Event) WithSourceIP(ip string) *Event {
	e.SourceIP = ip
	return e
}

// WithDescription sets a human-readable description
func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

// WithResult sets the result of the event
func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithError sets error information
func (e *Event) WithError(err error, code string) *Event {
	if err != nil {
		e.Error = err.Error()
		e.ErrorCode = code
		e.Result = ResultFailure
	}
	return e
}

// WithDuration sets the duration in milliseconds
func (e *Event) WithDuration(duration time.Duration) *Event {
	e.DurationMs = duration.Milliseconds()
	return e
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	e.Metadata[key] = value
	return e
}
