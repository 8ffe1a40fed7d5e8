// Package observability provides Prometheus metrics, health checks, and logging.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the settlement service.
// Metrics are automatically registered via promauto.
//
// Key metrics for monitoring:
//   - events_received_total: inbound deliveries, valid or not
//   - event_outcomes_total{outcome}: how each delivery ended
//   - events_dead_lettered_total: events that exhausted their attempts (alert)
//   - processing_duration_seconds: latency of one processing attempt
//   - circuit_breaker_state{event_type}: 0=closed, 1=half-open, 2=open
type Metrics struct {
	EventsReceived       prometheus.Counter
	EventOutcomes        *prometheus.CounterVec
	EventsDeadLettered   prometheus.Counter
	ProcessingAttempts   prometheus.Counter
	ProcessingDuration   prometheus.Histogram
	ProcessedCacheHits   prometheus.Counter
	Redeliveries         *prometheus.CounterVec
	RedeliveryThrottled  prometheus.Counter
	KafkaMessages        *prometheus.CounterVec
	DeadLettersPublished *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// The namespace prefixes all metric names (e.g., "settle_events_received_total").
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		EventsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Total number of provider events handed to the processor",
		}),
		EventOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_outcomes_total",
			Help:      "Processing results by outcome",
		}, []string{"outcome"}),
		EventsDeadLettered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dead_lettered_total",
			Help:      "Total number of events moved to the dead-letter state",
		}),
		ProcessingAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processing_attempts_total",
			Help:      "Total number of handler attempts recorded",
		}),
		ProcessingDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_duration_seconds",
			Help:      "Duration of one processing attempt in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		ProcessedCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processed_cache_hits_total",
			Help:      "Duplicates answered from the processed-event cache",
		}),
		Redeliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redeliveries_total",
			Help:      "Events re-driven by the redelivery poller, by outcome",
		}, []string{"outcome"}),
		RedeliveryThrottled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redelivery_throttled_total",
			Help:      "Redeliveries deferred to the next poll by the rate limiter",
		}),
		KafkaMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_total",
			Help:      "Kafka messages consumed, by result",
		}, []string{"result"}),
		DeadLettersPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_published_total",
			Help:      "Dead-letter notifications published, by result",
		}, []string{"result"}),
		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method and path",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		CircuitBreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		}, []string{"event_type"}),
		CircuitBreakerTrips: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of times circuit breaker tripped to open state",
		}, []string{"event_type"}),
	}
}
