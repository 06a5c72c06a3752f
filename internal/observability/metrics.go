package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the service's Prometheus metrics: replay outcomes, model
// calls, tool fetches, geocoding, subscriber churn, and ingestion volume.
// Register once at startup; the collectors land in the default registry and
// are served by the /metrics endpoint.
type Metrics struct {
	// ReplaysTotal counts replay requests by outcome (ok|error).
	ReplaysTotal *prometheus.CounterVec

	// LLMRequestDuration measures model call latency in seconds.
	// Labels: provider (openai|anthropic), model.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestsTotal counts model calls by provider, model, and status.
	LLMRequestsTotal *prometheus.CounterVec

	// LLMTokensTotal tracks token consumption by provider, model, and side
	// (prompt|completion).
	LLMTokensTotal *prometheus.CounterVec

	// ToolFetchesTotal counts grounding tool fetches by tool name and
	// status (ok|error).
	ToolFetchesTotal *prometheus.CounterVec

	// ToolFetchDuration measures tool fetch latency in seconds by tool name.
	ToolFetchDuration *prometheus.HistogramVec

	// GeocodeLookupsTotal counts geocoder provider attempts by provider and
	// status (hit|miss).
	GeocodeLookupsTotal *prometheus.CounterVec

	// ActiveSubscribers gauges currently connected websocket subscribers.
	ActiveSubscribers prometheus.Gauge

	// BroadcastDropsTotal counts room broadcasts dropped on slow or closed
	// subscriber connections, by event name.
	BroadcastDropsTotal *prometheus.CounterVec

	// IngestEventsTotal counts ingested trace events by event type and
	// status (ok|error).
	IngestEventsTotal *prometheus.CounterVec

	// SweptTracesTotal counts traces closed by the deadline sweeper.
	SweptTracesTotal prometheus.Counter

	// HTTPRequestDuration measures HTTP endpoint latency.
	// Labels: method, path, status_code.
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors. Call once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		ReplaysTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axon_replays_total",
				Help: "Total replay requests by terminal outcome",
			},
			[]string{"outcome"},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "axon_llm_request_duration_seconds",
				Help:    "Duration of replay model calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),

		LLMRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axon_llm_requests_total",
				Help: "Total replay model calls by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axon_llm_tokens_total",
				Help: "Total tokens consumed by replay model calls",
			},
			[]string{"provider", "model", "type"},
		),

		ToolFetchesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axon_tool_fetches_total",
				Help: "Total grounding tool fetches by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolFetchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "axon_tool_fetch_duration_seconds",
				Help:    "Duration of grounding tool fetches in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"tool"},
		),

		GeocodeLookupsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axon_geocode_lookups_total",
				Help: "Total geocoder provider attempts by provider and status",
			},
			[]string{"provider", "status"},
		),

		ActiveSubscribers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "axon_active_subscribers",
				Help: "Currently connected websocket subscribers",
			},
		),

		BroadcastDropsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axon_broadcast_drops_total",
				Help: "Room broadcasts dropped on slow or closed subscribers",
			},
			[]string{"event"},
		),

		IngestEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axon_ingest_events_total",
				Help: "Total ingested trace events by type and status",
			},
			[]string{"type", "status"},
		),

		SweptTracesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "axon_swept_traces_total",
				Help: "Traces closed by the deadline sweeper",
			},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "axon_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// ReplayFinished records a replay's terminal outcome.
func (m *Metrics) ReplayFinished(outcome string) {
	m.ReplaysTotal.WithLabelValues(outcome).Inc()
}

// RecordLLMRequest records one replay model call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int64) {
	m.LLMRequestsTotal.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensTotal.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolFetch records one grounding tool fetch.
func (m *Metrics) RecordToolFetch(tool, status string, durationSeconds float64) {
	m.ToolFetchesTotal.WithLabelValues(tool, status).Inc()
	m.ToolFetchDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordGeocodeLookup records one geocoder provider attempt.
func (m *Metrics) RecordGeocodeLookup(provider, status string) {
	m.GeocodeLookupsTotal.WithLabelValues(provider, status).Inc()
}

// SubscriberConnected increments the active subscriber gauge.
func (m *Metrics) SubscriberConnected() { m.ActiveSubscribers.Inc() }

// SubscriberDisconnected decrements the active subscriber gauge.
func (m *Metrics) SubscriberDisconnected() { m.ActiveSubscribers.Dec() }

// BroadcastDropped records an undeliverable room broadcast.
func (m *Metrics) BroadcastDropped(event string) {
	m.BroadcastDropsTotal.WithLabelValues(event).Inc()
}

// RecordIngestEvent records one ingested trace event.
func (m *Metrics) RecordIngestEvent(eventType, status string) {
	m.IngestEventsTotal.WithLabelValues(eventType, status).Inc()
}

// TraceSwept records a trace closed by the deadline sweeper.
func (m *Metrics) TraceSwept() { m.SweptTracesTotal.Inc() }

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
