package neural

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus instrumentation for the dispatcher and its
// backends: request/outcome counters by class and backend, circuit
// breaker state gauges, and UCB score/latency observability.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	successTotal    *prometheus.CounterVec
	failureTotal    *prometheus.CounterVec
	fallbackTotal   prometheus.Counter

	backendLatency *prometheus.HistogramVec
	backendReward  *prometheus.GaugeVec
	circuitState   *prometheus.GaugeVec
	ucbScore       *prometheus.GaugeVec

	classificationEntropy prometheus.Histogram
	classificationTotal   *prometheus.CounterVec

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
}

// NewMetrics registers and returns the neural package's Prometheus
// collectors against the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		requestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "neurobot_dispatch_requests_total",
			Help: "Total number of prompts routed through the dispatcher, by class.",
		}, []string{"class"}),
		successTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "neurobot_dispatch_success_total",
			Help: "Total number of successful backend replies, by backend and class.",
		}, []string{"backend", "class"}),
		failureTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "neurobot_dispatch_failure_total",
			Help: "Total number of failed backend attempts, by backend and class.",
		}, []string{"backend", "class"}),
		fallbackTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "neurobot_dispatch_fallback_total",
			Help: "Total number of requests that fell back to a templated reply.",
		}),
		backendLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "neurobot_backend_latency_seconds",
			Help:    "Backend invocation latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30},
		}, []string{"backend"}),
		backendReward: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "neurobot_backend_average_reward",
			Help: "Current average bandit reward per backend.",
		}, []string{"backend"}),
		circuitState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "neurobot_backend_circuit_state",
			Help: "Circuit breaker state per backend (0=closed, 1=open, 2=half-open).",
		}, []string{"backend"}),
		ucbScore: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "neurobot_backend_ucb_score",
			Help: "Most recently computed UCB1 score per backend.",
		}, []string{"backend"}),
		classificationEntropy: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "neurobot_classification_entropy",
			Help:    "Shannon entropy of classifier output distributions.",
			Buckets: []float64{0, 0.2, 0.4, 0.6, 0.8, 1.0, 1.2, 1.4, 1.585},
		}),
		classificationTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "neurobot_classification_total",
			Help: "Total classifications, by resulting class.",
		}, []string{"class"}),
		cacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "neurobot_response_cache_hits_total",
			Help: "Total response cache hits.",
		}),
		cacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "neurobot_response_cache_misses_total",
			Help: "Total response cache misses.",
		}),
	}
}

// RecordRequest marks the dispatch of one prompt of the given class.
func (m *Metrics) RecordRequest(class Class) {
	m.requestsTotal.WithLabelValues(string(class)).Inc()
}

// RecordSuccess marks a successful backend reply.
func (m *Metrics) RecordSuccess(backend string, class Class, latency time.Duration) {
	m.successTotal.WithLabelValues(backend, string(class)).Inc()
	m.backendLatency.WithLabelValues(backend).Observe(latency.Seconds())
}

// RecordFailure marks a failed backend attempt.
func (m *Metrics) RecordFailure(backend string, class Class) {
	m.failureTotal.WithLabelValues(backend, string(class)).Inc()
}

// RecordFallback marks a request answered with the templated fallback
// because no backend could execute or the selected backend failed.
func (m *Metrics) RecordFallback() {
	m.fallbackTotal.Inc()
}

// RecordClassification marks one classifier decision.
func (m *Metrics) RecordClassification(class Class, entropy float64) {
	m.classificationTotal.WithLabelValues(string(class)).Inc()
	m.classificationEntropy.Observe(entropy)
}

// UpdateBackendState syncs a backend's reward, circuit, and UCB gauges
// from a fresh snapshot — call this after every Dispatcher.Process or on
// a periodic tick.
func (m *Metrics) UpdateBackendState(name string, stats BackendStats, ucbScore float64) {
	m.backendReward.WithLabelValues(name).Set(stats.AverageReward())
	m.circuitState.WithLabelValues(name).Set(float64(stats.Circuit))
	m.ucbScore.WithLabelValues(name).Set(ucbScore)
}

// RecordCacheHit marks a response cache hit.
func (m *Metrics) RecordCacheHit() { m.cacheHits.Inc() }

// RecordCacheMiss marks a response cache miss.
func (m *Metrics) RecordCacheMiss() { m.cacheMisses.Inc() }
