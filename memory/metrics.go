package memory

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the memory tier.
//
// Metrics exposed (all namespaced "agentflow_memory_"):
//
//   - nodes_total (counter): memories stored, labelled by scope kind
//     (thread/user) and context type.
//   - merges_total (counter): entity deduplication merges.
//   - retrievals_total (counter): retrieval calls, labelled by query
//     type and outcome (fast_path/hit/empty).
//   - retrieval_latency_ms (histogram): retrieval duration.
//   - cleanup_removed_total (counter): nodes removed by cleanup.
//   - hydrations_total (counter): user graphs loaded from durable
//     storage.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := NewMetrics(registry)
//	manager := NewManager(local, WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type Metrics struct {
	nodes      *prometheus.CounterVec
	merges     prometheus.Counter
	retrievals *prometheus.CounterVec
	latency    prometheus.Histogram
	cleanup    prometheus.Counter
	hydrations prometheus.Counter

	enabled bool
}

// NewMetrics creates and registers the memory metrics with the given
// registry. A nil registry uses the global default.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	m := &Metrics{enabled: true}
	m.nodes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "memory",
		Name:      "nodes_total",
		Help:      "Memories stored, by scope kind and context type",
	}, []string{"scope", "context_type"})
	m.merges = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "memory",
		Name:      "merges_total",
		Help:      "Entity deduplication merges into existing nodes",
	})
	m.retrievals = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "memory",
		Name:      "retrievals_total",
		Help:      "Retrieval calls, by query type and outcome",
	}, []string{"query_type", "outcome"})
	m.latency = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agentflow",
		Subsystem: "memory",
		Name:      "retrieval_latency_ms",
		Help:      "Retrieval duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000},
	})
	m.cleanup = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "memory",
		Name:      "cleanup_removed_total",
		Help:      "Nodes removed by age-based cleanup",
	})
	m.hydrations = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "memory",
		Name:      "hydrations_total",
		Help:      "User graphs hydrated from durable storage",
	})
	return m
}

// RecordStore counts one stored memory.
func (m *Metrics) RecordStore(scope string, ctxType ContextType) {
	if m == nil || !m.enabled {
		return
	}
	m.nodes.WithLabelValues(scope, string(ctxType)).Inc()
}

// RecordMerge counts one deduplication merge.
func (m *Metrics) RecordMerge() {
	if m == nil || !m.enabled {
		return
	}
	m.merges.Inc()
}

// RecordRetrieval counts one retrieval and its latency.
func (m *Metrics) RecordRetrieval(qtype QueryType, outcome string, elapsed time.Duration) {
	if m == nil || !m.enabled {
		return
	}
	m.retrievals.WithLabelValues(string(qtype), outcome).Inc()
	m.latency.Observe(float64(elapsed.Milliseconds()))
}

// RecordCleanup counts nodes removed by a cleanup pass.
func (m *Metrics) RecordCleanup(removed int) {
	if m == nil || !m.enabled || removed <= 0 {
		return
	}
	m.cleanup.Add(float64(removed))
}

// RecordHydration counts one durable-storage hydration.
func (m *Metrics) RecordHydration() {
	if m == nil || !m.enabled {
		return
	}
	m.hydrations.Inc()
}

// Disable stops metric recording (useful for tests).
func (m *Metrics) Disable() { m.enabled = false }
