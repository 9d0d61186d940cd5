// Package metrics exposes Prometheus instruments for the orchestration core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal      *prometheus.CounterVec
	ModelDuration   *prometheus.HistogramVec
	ToolCallsTotal  *prometheus.CounterVec
	RAGQueriesTotal *prometheus.CounterVec
	RAGDuration     prometheus.Histogram

	EmbeddingCallsTotal   *prometheus.CounterVec
	EmbeddingRetriesTotal *prometheus.CounterVec

	RelaySessionsActive prometheus.Gauge
	RelaySessionsTotal  *prometheus.CounterVec
	RelayEventsTotal    *prometheus.CounterVec
	RelayDiscardedTotal prometheus.Counter

	PersistenceErrors *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "omnicontact"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "turns_total",
			Help: "Conversation turns by channel and outcome",
		}, []string{"channel", "outcome"}),
		ModelDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "model_call_duration_seconds",
			Help:    "Language model call latency",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}, []string{"provider"}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tool_calls_total",
			Help: "Tool executions by tool and outcome",
		}, []string{"tool", "outcome"}),
		RAGQueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rag_queries_total",
			Help: "Knowledge queries by embedding provider and result",
		}, []string{"provider", "result"}),
		RAGDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "rag_query_duration_seconds",
			Help:    "End-to-end knowledge query latency",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		EmbeddingCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "embedding_upstream_calls_total",
			Help: "Upstream embedding API calls",
		}, []string{"provider", "outcome"}),
		EmbeddingRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "embedding_retries_total",
			Help: "Embedding batch retries",
		}, []string{"provider"}),
		RelaySessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "relay_sessions_active",
			Help: "Live relay sessions",
		}),
		RelaySessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "relay_sessions_total",
			Help: "Relay sessions by close reason",
		}, []string{"reason"}),
		RelayEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "relay_events_total",
			Help: "Inbound relay events by type",
		}, []string{"type"}),
		RelayDiscardedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "relay_discarded_replies_total",
			Help: "Replies dropped because the caller interrupted",
		}),
		PersistenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "persistence_errors_total",
			Help: "Failed non-blocking store writes",
		}, []string{"op"}),
	}

	m.registry.MustRegister(
		m.TurnsTotal, m.ModelDuration, m.ToolCallsTotal, m.RAGQueriesTotal, m.RAGDuration,
		m.EmbeddingCallsTotal, m.EmbeddingRetriesTotal,
		m.RelaySessionsActive, m.RelaySessionsTotal, m.RelayEventsTotal, m.RelayDiscardedTotal,
		m.PersistenceErrors,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Turn(channel, outcome string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) ModelCall(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.ModelDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) ToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) RAGQuery(provider, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.RAGQueriesTotal.WithLabelValues(provider, result).Inc()
	m.RAGDuration.Observe(d.Seconds())
}

func (m *Metrics) EmbeddingCall(provider, outcome string) {
	if m == nil {
		return
	}
	m.EmbeddingCallsTotal.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) EmbeddingRetry(provider string) {
	if m == nil {
		return
	}
	m.EmbeddingRetriesTotal.WithLabelValues(provider).Inc()
}

func (m *Metrics) RelayOpened() {
	if m == nil {
		return
	}
	m.RelaySessionsActive.Inc()
}

func (m *Metrics) RelayClosed(reason string) {
	if m == nil {
		return
	}
	m.RelaySessionsActive.Dec()
	m.RelaySessionsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RelayEvent(eventType string) {
	if m == nil {
		return
	}
	m.RelayEventsTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RelayDiscarded() {
	if m == nil {
		return
	}
	m.RelayDiscardedTotal.Inc()
}

func (m *Metrics) PersistenceError(op string) {
	if m == nil {
		return
	}
	m.PersistenceErrors.WithLabelValues(op).Inc()
}
