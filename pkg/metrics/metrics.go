// Package metrics provides metrics collection capabilities for the relay.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery outcomes recorded by the relay adapter.
const (
	OutcomeAcked    = "acked"
	OutcomeRequeued = "requeued"
	OutcomeDead     = "dead"
)

// Submission results recorded by the submitter.
const (
	ResultCommitted = "committed"
	ResultRejected  = "rejected"
	ResultPublished = "published"
	ResultFailed    = "failed"
	ResultStopped   = "stopped"
)

// Metrics holds all the metrics collectors for the relay.
type Metrics struct {
	// Registry is the Prometheus registry for all metrics.
	Registry *prometheus.Registry

	// Common metrics
	RequestCount       *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	ServiceUptime      prometheus.Gauge
	ServiceLastStarted prometheus.Gauge
	DependencyUp       *prometheus.GaugeVec

	// Relay adapter metrics
	DeliveryCount    *prometheus.CounterVec
	DeliveryInFlight prometheus.Gauge
	ForwardDuration  *prometheus.HistogramVec

	// Submitter metrics
	SubmissionCount     *prometheus.CounterVec
	SubscriptionRetries prometheus.Counter
}

// Config holds the configuration for metrics.
type Config struct {
	// Namespace is the Prometheus namespace for all metrics.
	Namespace string
	// ServiceName is the name of the service that is collecting metrics.
	ServiceName string
}

// DefaultConfig returns a default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:   "txrelay",
		ServiceName: "txrelay",
	}
}

// New creates a new metrics collector with the given configuration.
func New(cfg Config) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		Registry: registry,

		RequestCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "http",
				Name:      "request_total",
				Help:      "Total number of requests received",
			},
			[]string{"method", "path", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ServiceUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   cfg.Namespace,
				Name:        "service_uptime_seconds",
				Help:        "Service uptime in seconds",
				ConstLabels: prometheus.Labels{"service": cfg.ServiceName},
			},
		),

		ServiceLastStarted: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   cfg.Namespace,
				Name:        "service_last_started_timestamp",
				Help:        "Timestamp when the service was last started",
				ConstLabels: prometheus.Labels{"service": cfg.ServiceName},
			},
		),

		DependencyUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Name:      "dependency_up",
				Help:      "Whether the dependency is up (1) or down (0)",
			},
			[]string{"dependency"},
		),

		DeliveryCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "adapter",
				Name:      "deliveries_total",
				Help:      "Total number of settled deliveries by outcome",
			},
			[]string{"outcome"},
		),

		DeliveryInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "adapter",
				Name:      "deliveries_in_flight",
				Help:      "Deliveries received and not yet settled",
			},
		),

		ForwardDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "adapter",
				Name:      "forward_duration_seconds",
				Help:      "Duration of ledger submit calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"result"},
		),

		SubmissionCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "submitter",
				Name:      "submissions_total",
				Help:      "Total number of submissions by result",
			},
			[]string{"result"},
		),

		SubscriptionRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "submitter",
				Name:      "subscription_retries_total",
				Help:      "Status subscriptions retried after a connectivity fault",
			},
		),
	}

	m.ServiceLastStarted.Set(float64(time.Now().Unix()))

	return m
}

// Handler returns an HTTP handler for exposing metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordUptime starts a goroutine that updates the service uptime metric.
func (m *Metrics) RecordUptime(done <-chan struct{}) {
	startTime := time.Now()
	ticker := time.NewTicker(1 * time.Second)

	go func() {
		for {
			select {
			case <-ticker.C:
				m.ServiceUptime.Set(time.Since(startTime).Seconds())
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
}

// RecordRequest records metrics for an HTTP request.
func (m *Metrics) RecordRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestCount.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDependencyStatus records the status of a dependency.
func (m *Metrics) RecordDependencyStatus(dependency string, up bool) {
	if m == nil {
		return
	}
	var value float64
	if up {
		value = 1
	}
	m.DependencyUp.WithLabelValues(dependency).Set(value)
}

// DeliveryStarted records a delivery taken off the queue.
func (m *Metrics) DeliveryStarted() {
	if m == nil {
		return
	}
	m.DeliveryInFlight.Inc()
}

// DeliverySettled records how a delivery was settled.
func (m *Metrics) DeliverySettled(outcome string) {
	if m == nil {
		return
	}
	m.DeliveryInFlight.Dec()
	m.DeliveryCount.WithLabelValues(outcome).Inc()
}

// RecordForward records the duration of one ledger submit call.
func (m *Metrics) RecordForward(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ForwardDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordSubmission records the result of one submission.
func (m *Metrics) RecordSubmission(result string) {
	if m == nil {
		return
	}
	m.SubmissionCount.WithLabelValues(result).Inc()
}

// RecordSubscriptionRetry records a backoff after a connectivity fault.
func (m *Metrics) RecordSubscriptionRetry() {
	if m == nil {
		return
	}
	m.SubscriptionRetries.Inc()
}
