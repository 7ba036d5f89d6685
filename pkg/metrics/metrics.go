package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the broker's observable counters and gauges on a private
// Prometheus registry, so multiple broker instances in one process never
// collide.
type Metrics struct {
	Published   *prometheus.CounterVec
	Routed      *prometheus.CounterVec
	RoutingMiss *prometheus.CounterVec
	DeadLetter  *prometheus.CounterVec
	Acked       *prometheus.CounterVec
	Requeued    *prometheus.CounterVec

	QueueDepth    *prometheus.GaugeVec
	QueueInFlight *prometheus.GaugeVec
	Workers       *prometheus.GaugeVec

	HandlerDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a Metrics set under the given namespace (default "routeq").
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "routeq"
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.Published = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_published_total",
		Help:      "Messages accepted by publish, per exchange.",
	}, []string{"exchange"})

	m.Routed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_routed_total",
		Help:      "Messages enqueued after routing, per queue.",
	}, []string{"queue"})

	m.RoutingMiss = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "routing_miss_total",
		Help:      "Publishes that matched no binding, per exchange.",
	}, []string{"exchange"})

	m.DeadLetter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dead_letter_total",
		Help:      "Messages handed to the dead-letter path, per origin queue and reason.",
	}, []string{"queue", "reason"})

	m.Acked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_acked_total",
		Help:      "Messages acknowledged and removed, per queue.",
	}, []string{"queue"})

	m.Requeued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_requeued_total",
		Help:      "Messages requeued for retry, per queue.",
	}, []string{"queue"})

	m.QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Ready messages per queue.",
	}, []string{"queue"})

	m.QueueInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_in_flight",
		Help:      "Delivered, unacknowledged messages per queue.",
	}, []string{"queue"})

	m.Workers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "consumer_workers",
		Help:      "Live delivery workers per queue.",
	}, []string{"queue"})

	m.HandlerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "handler_duration_seconds",
		Help:      "Handler execution time per queue and disposition.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
	}, []string{"queue", "disposition"})

	m.registry.MustRegister(
		m.Published, m.Routed, m.RoutingMiss, m.DeadLetter,
		m.Acked, m.Requeued,
		m.QueueDepth, m.QueueInFlight, m.Workers,
		m.HandlerDuration,
	)
	return m
}

// Handler returns the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for callers that register their
// own collectors alongside the broker's.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
