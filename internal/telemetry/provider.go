package telemetry

import (
	"context"
	"time"

	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning"
)

// Package telemetry defines the collector capabilities used by the executor
// and their concrete implementations.
//
// Providers return raw decoded payloads. Payload shape is not trusted:
// Normalize converts every accepted shape into a Dataset and rejects anything
// else with a structural error before it reaches the reasoning pipeline.
//
// Implementations:
//   - HTTPProvider:   REST telemetry backend
//   - InfluxProvider: InfluxDB 2.x via Flux
//   - CachedProvider: expirable LRU in front of either
//   - Noop:           no telemetry configured

// ErrUnavailable is returned by providers that cannot serve a requirement.
// Collectors do not retry it.
var ErrUnavailable = reasoning.ErrUnavailable

// Query identifies one requirement to collect.
type Query struct {
	Requirement reasoning.RequirementID
	ServiceID   string
	Services    []string
	Window      time.Duration
	// Credential is the caller's credential, forwarded to providers that
	// authenticate per request.
	Credential string
}

// MetricsProvider fetches metric payloads.
type MetricsProvider interface {
	FetchMetrics(ctx context.Context, q Query) (any, error)
}

// LogsProvider fetches log payloads.
type LogsProvider interface {
	FetchLogs(ctx context.Context, q Query) (any, error)
}

// Noop serves no telemetry.
type Noop struct{}

func (Noop) FetchMetrics(context.Context, Query) (any, error) { return nil, ErrUnavailable }

func (Noop) FetchLogs(context.Context, Query) (any, error) { return nil, ErrUnavailable }
