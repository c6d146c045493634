// Package metrics exposes Prometheus collectors for scrape coordination.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chenjianrui-111/trend-agent/pkg/breaker"
)

const namespace = "trend_agent"

// Scrape outcome statuses.
const (
	StatusSuccess         = "success"
	StatusError           = "error"
	StatusRetry           = "retry"
	StatusCircuitOpen     = "circuit_open"
	StatusCircuitOpened   = "circuit_opened"
	StatusCircuitHalfOpen = "circuit_half_open"
	StatusQueueFull       = "queue_full"
	StatusCancelled       = "cancelled"
	StatusBrokerError     = "broker_error"
)

// Metrics holds the coordinator collectors.
type Metrics struct {
	scrapes    *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	items      *prometheus.CounterVec
	requests   *prometheus.CounterVec
	queueDepth prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg skips registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		scrapes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scrape_total",
			Help:      "Scrape outcomes by source and status.",
		}, []string{"source", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scrape_duration_seconds",
			Help:      "Latency of one scrape attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"source", "status"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scrape_items_total",
			Help:      "Items returned by successful scrapes.",
		}, []string{"source"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Coordinator requests by outcome.",
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting in the scrape queue when last observed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.scrapes, m.latency, m.items, m.requests, m.queueDepth)
	}
	return m
}

// Scrape counts one outcome for src.
func (m *Metrics) Scrape(src, status string) {
	if m == nil {
		return
	}
	m.scrapes.WithLabelValues(src, status).Inc()
}

// ObserveAttempt records the latency and outcome of one attempt.
func (m *Metrics) ObserveAttempt(src, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.scrapes.WithLabelValues(src, status).Inc()
	m.latency.WithLabelValues(src, status).Observe(d.Seconds())
}

// Items counts items returned by src.
func (m *Metrics) Items(src string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.items.WithLabelValues(src).Add(float64(n))
}

// Request counts one coordinator request by outcome ("ok", "partial", "empty", "invalid").
func (m *Metrics) Request(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

// QueueDepth records the queue length.
func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// BreakerObserver returns a breaker.Observer that counts circuit transitions.
func (m *Metrics) BreakerObserver() breaker.Observer {
	return func(e breaker.Event) {
		switch e.Kind {
		case breaker.EventOpened:
			m.Scrape(e.Source, StatusCircuitOpened)
		case breaker.EventHalfOpen:
			m.Scrape(e.Source, StatusCircuitHalfOpen)
		case breaker.EventBrokerError:
			m.Scrape(e.Source, StatusBrokerError)
		}
	}
}
