package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "subscription_approval"

// Metrics holds the service counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ExecutionsStarted  prometheus.Counter
	ExecutionsFinished *prometheus.CounterVec
	TicketCalls        *prometheus.CounterVec
	QueueDeliveries    *prometheus.CounterVec
	DeadLetters        prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ExecutionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Executions started from subscription request occurrences.",
		}),
		ExecutionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Executions that reached a terminal state.",
		}, []string{"state", "decision", "reason"}),
		TicketCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticket_api_calls_total",
			Help:      "Calls made to the ticketing system.",
		}, []string{"op", "result"}),
		QueueDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_deliveries_total",
			Help:      "Resiliency queue deliveries by handling result.",
		}, []string{"result"}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Messages routed to the dead-letter queue.",
		}),
	}
	m.registry.MustRegister(
		m.ExecutionsStarted,
		m.ExecutionsFinished,
		m.TicketCalls,
		m.QueueDeliveries,
		m.DeadLetters,
	)
	return m
}

func (m *Metrics) Started() {
	if m == nil {
		return
	}
	m.ExecutionsStarted.Inc()
}

func (m *Metrics) Finished(state, decision, reason string) {
	if m == nil {
		return
	}
	m.ExecutionsFinished.WithLabelValues(state, decision, reason).Inc()
}

func (m *Metrics) TicketCall(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.TicketCalls.WithLabelValues(op, result).Inc()
}

func (m *Metrics) Delivery(result string) {
	if m == nil {
		return
	}
	m.QueueDeliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) DeadLettered() {
	if m == nil {
		return
	}
	m.DeadLetters.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
