package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthentication means a collaborator rejected the caller's credential.
	ErrAuthentication = errors.New("authentication failed")
	// ErrTimeout means every fallback was exhausted and no partial answer exists.
	ErrTimeout = errors.New("reasoning timed out")
	// ErrInternal is an unexpected terminal fault.
	ErrInternal = errors.New("internal reasoning error")
	// ErrStructural is an upstream payload whose shape does not match the
	// expected structure.
	ErrStructural = errors.New("structural mismatch")
	// ErrInvalidTransition is a phase change that violates forward ordering.
	ErrInvalidTransition = errors.New("invalid phase transition")
	// ErrUnavailable means no data source is configured for a requirement.
	ErrUnavailable = errors.New("telemetry source unavailable")
)

// Kind is a coarse error classification used for outcome records and HTTP
// status mapping.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindTimeout        Kind = "timeout"
	KindStructural     Kind = "structural"
	KindTransport      Kind = "transport"
	KindInternal       Kind = "internal"
)

// Error attaches a Kind and the failing operation to a cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel that corresponds to the error's Kind.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindAuthentication:
		return target == ErrAuthentication
	case KindTimeout:
		return target == ErrTimeout
	case KindStructural:
		return target == ErrStructural
	case KindInternal:
		return target == ErrInternal
	}
	return false
}

// NewError wraps err with kind and op.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf classifies err. Context deadlines count as timeouts.
func KindOf(err error) Kind {
	var re *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &re):
		return re.Kind
	case errors.Is(err, ErrAuthentication):
		return KindAuthentication
	case errors.Is(err, ErrStructural):
		return KindStructural
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrInternal):
		return KindInternal
	}
	return KindTransport
}

// Retryable reports whether a collector failure may succeed on a new attempt.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindAuthentication, KindStructural:
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, ErrUnavailable)
}

func lower(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
