package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics exposes the engine's operational counters for
// production monitoring. All metrics are namespaced "evalgraph".
//
// Metrics:
//
//  1. dirty_nodes (gauge): dirty node count after the last mutation or
//     evaluation pass.
//  2. inflight_evaluations (gauge): node evaluations currently running.
//  3. node_evaluations_total (counter, labels run_id, status): completed
//     node evaluations by outcome (success, error, cancelled).
//  4. cache_hits_total / cache_misses_total (counters): evaluation cache
//     effectiveness.
//  5. node_eval_duration_ms (histogram, labels node_id, status): per-node
//     evaluation latency for p50/p95/p99 analysis.
//  6. guardrail_violations_total (counter, label limit): limits tripped
//     during evaluation.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := NewPrometheusMetrics(registry)
//	engine := New(ec, Options{Metrics: metrics})
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	dirtyNodes          prometheus.Gauge
	inflightEvaluations prometheus.Gauge

	nodeEvaluations     *prometheus.CounterVec
	cacheHits           prometheus.Counter
	cacheMisses         prometheus.Counter
	guardrailViolations *prometheus.CounterVec

	evalDuration *prometheus.HistogramVec

	registry prometheus.Registerer
	enabled  bool
}

// NewPrometheusMetrics creates and registers all engine metrics with the
// provided registry. A nil registry falls back to the default global
// registerer; a dedicated registry is recommended for isolation.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	pm.dirtyNodes = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "evalgraph",
		Name:      "dirty_nodes",
		Help:      "Number of nodes currently flagged dirty",
	})

	pm.inflightEvaluations = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "evalgraph",
		Name:      "inflight_evaluations",
		Help:      "Node evaluations currently executing",
	})

	pm.nodeEvaluations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evalgraph",
		Name:      "node_evaluations_total",
		Help:      "Completed node evaluations by outcome",
	}, []string{"run_id", "status"}) // status: success, error, cancelled

	pm.cacheHits = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "evalgraph",
		Name:      "cache_hits_total",
		Help:      "Evaluation cache hits",
	})

	pm.cacheMisses = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "evalgraph",
		Name:      "cache_misses_total",
		Help:      "Evaluation cache misses",
	})

	pm.guardrailViolations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evalgraph",
		Name:      "guardrail_violations_total",
		Help:      "Guardrail limits tripped during evaluation",
	}, []string{"limit"})

	pm.evalDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "evalgraph",
		Name:      "node_eval_duration_ms",
		Help:      "Node evaluation duration in milliseconds",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000, 5000},
	}, []string{"node_id", "status"})

	return pm
}

// SetDirtyNodes updates the dirty-node gauge.
func (pm *PrometheusMetrics) SetDirtyNodes(n int) {
	if pm == nil || !pm.enabled {
		return
	}
	pm.dirtyNodes.Set(float64(n))
}

// EvaluationStarted increments the in-flight gauge.
func (pm *PrometheusMetrics) EvaluationStarted() {
	if pm == nil || !pm.enabled {
		return
	}
	pm.inflightEvaluations.Inc()
}

// EvaluationFinished decrements the in-flight gauge and records the
// outcome and latency.
func (pm *PrometheusMetrics) EvaluationFinished(runID, nodeID, status string, took time.Duration) {
	if pm == nil || !pm.enabled {
		return
	}
	pm.inflightEvaluations.Dec()
	pm.nodeEvaluations.WithLabelValues(runID, status).Inc()
	pm.evalDuration.WithLabelValues(nodeID, status).Observe(float64(took.Microseconds()) / 1000.0)
}

// CacheHit increments the cache hit counter.
func (pm *PrometheusMetrics) CacheHit() {
	if pm == nil || !pm.enabled {
		return
	}
	pm.cacheHits.Inc()
}

// CacheMiss increments the cache miss counter.
func (pm *PrometheusMetrics) CacheMiss() {
	if pm == nil || !pm.enabled {
		return
	}
	pm.cacheMisses.Inc()
}

// GuardrailViolation counts a tripped limit by name.
func (pm *PrometheusMetrics) GuardrailViolation(limit string) {
	if pm == nil || !pm.enabled {
		return
	}
	pm.guardrailViolations.WithLabelValues(limit).Inc()
}

// Disable stops metric recording (useful for tests).
func (pm *PrometheusMetrics) Disable() { pm.enabled = false }

// Enable resumes metric recording after Disable.
func (pm *PrometheusMetrics) Enable() { pm.enabled = true }
