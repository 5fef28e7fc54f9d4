package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reasoning service metrics for production monitoring
var (
	// Query metrics
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_reasoner_queries_total",
			Help: "Total number of processed queries",
		},
		[]string{"request_type", "status"}, // status: completed/partial/error
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_reasoner_query_duration_seconds",
			Help:    "End-to-end query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"request_type"},
	)

	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_reasoner_phase_duration_seconds",
			Help:    "Reasoning phase duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"phase"},
	)

	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_reasoner_fallbacks_total",
			Help: "Total number of fallback activations",
		},
		[]string{"phase", "reason"}, // reason: timeout/parse/error
	)

	// Collector metrics
	CollectorCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_reasoner_collector_calls_total",
			Help: "Total number of telemetry collector calls",
		},
		[]string{"requirement", "status"}, // status: succeeded/failed
	)

	CollectorFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_reasoner_collector_failures_total",
			Help: "Total number of failed collections by error kind",
		},
		[]string{"requirement", "kind"},
	)

	CollectorsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_reasoner_collectors_in_flight",
			Help: "Number of collector calls currently holding a concurrency slot",
		},
	)

	ThresholdFindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_reasoner_threshold_findings_total",
			Help: "Threshold breaches found in collected telemetry",
		},
		[]string{"requirement", "severity"},
	)

	TelemetryCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_reasoner_telemetry_cache_total",
			Help: "Telemetry cache lookups",
		},
		[]string{"result"}, // hit/miss
	)

	// LLM metrics
	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_reasoner_llm_requests_total",
			Help: "Total number of LLM API requests",
		},
		[]string{"provider", "model", "status"},
	)

	LLMTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_reasoner_llm_tokens_total",
			Help: "Total number of LLM tokens consumed",
		},
		[]string{"provider", "model", "type"}, // type: input/output
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_reasoner_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"provider", "model"},
	)

	// Chat history metrics
	ChatHistoryAppendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kubilitics_reasoner_chat_history_append_failures_total",
			Help: "Chat history appends that failed and were dropped",
		},
	)

	// API metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_reasoner_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_reasoner_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kubilitics_reasoner_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_reasoner_websocket_connections",
			Help: "Number of active WebSocket connections",
		},
	)
)
