package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the counters shared by both services. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sagaOrders  *prometheus.CounterVec
	sagaEvents  *prometheus.CounterVec
	published   *prometheus.CounterVec
	consumed    *prometheus.CounterVec
	downstreams *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sagaOrders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saga_orders_total",
				Help: "Create-order saga outcomes.",
			},
			[]string{"outcome"},
		),
		sagaEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saga_events_total",
				Help: "Saga events handled, by type and result.",
			},
			[]string{"event_type", "result"},
		),
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_published_total",
				Help: "Messages published to the broker.",
			},
			[]string{"event_type", "result"},
		),
		consumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_consumed_total",
				Help: "Messages consumed from the broker, by queue and settlement.",
			},
			[]string{"queue", "result"},
		),
		downstreams: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "downstream_attempts_total",
				Help: "HTTP attempts against downstream services.",
			},
			[]string{"target", "result"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sagaOrders, m.sagaEvents, m.published, m.consumed, m.downstreams,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SagaOrder(outcome string) {
	if m == nil {
		return
	}
	m.sagaOrders.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SagaEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.sagaEvents.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) Published(eventType string, err error) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(eventType, resultOf(err)).Inc()
}

func (m *Metrics) Consumed(queue, result string) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(queue, result).Inc()
}

func (m *Metrics) DownstreamAttempt(target string, err error) {
	if m == nil {
		return
	}
	m.downstreams.WithLabelValues(target, resultOf(err)).Inc()
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
