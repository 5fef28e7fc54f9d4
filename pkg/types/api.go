package types

// Package types defines the public request and message types of the
// kubilitics-reasoner HTTP and WebSocket APIs.
//
// Responses of a processed query are engine.Response values serialized as
// JSON; this package only holds what clients send and the envelopes the
// server wraps around results.

import "time"

// OrchestrateRequest asks the reasoner to answer a prompt about a service.
// It is the body of POST /api/v1/orchestrate and the first message a client
// sends on /ws/orchestrate.
type OrchestrateRequest struct {
	ServiceID string         `json:"service_id" validate:"required,max=256"`
	SessionID string         `json:"session_id" validate:"omitempty,max=256"`
	Prompt    string         `json:"prompt" validate:"required,max=8000"`
	Context   map[string]any `json:"context,omitempty"` // extra caller context passed to prompts
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code,omitempty"` // unauthorized | timeout | internal | invalid_request | not_found
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Error codes.
const (
	CodeUnauthorized   = "unauthorized"
	CodeTimeout        = "timeout"
	CodeInternal       = "internal"
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeUnavailable    = "unavailable"
)

// Stream message types sent on /ws/orchestrate.
const (
	StreamStep     = "step"
	StreamResponse = "response"
	StreamError    = "error"
)

// StreamMessage is one server-to-client WebSocket frame. Step frames carry a
// reasoning step, the last frame carries either the response or an error.
type StreamMessage struct {
	Type          string         `json:"type"`
	CorrelationID string         `json:"correlation_id"`
	RequestID     string         `json:"request_id,omitempty"`
	Phase         string         `json:"phase,omitempty"`
	Step          any            `json:"step,omitempty"`
	Response      any            `json:"response,omitempty"`
	Error         *ErrorResponse `json:"error,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// HealthResponse is the body of /health and /ready.
type HealthResponse struct {
	Status    string            `json:"status"` // healthy | ready | not_ready
	Version   string            `json:"version,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// SessionList is the body of GET /api/v1/sessions.
type SessionList struct {
	Sessions any `json:"sessions"`
	Limit    int `json:"limit"`
	Offset   int `json:"offset"`
}
