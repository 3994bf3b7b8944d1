package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg prometheus.Gatherer

	StoreRequests  *prometheus.CounterVec
	SlotResults    *prometheus.CounterVec
	SagaOutcomes   *prometheus.CounterVec
	Webhooks       *prometheus.CounterVec
	Messages       *prometheus.CounterVec
	Reminders      *prometheus.CounterVec
	Reroutes       prometheus.Counter
	CompletionTime prometheus.Histogram
}

// NewMetrics registers the instruments on reg. Passing nil uses a fresh registry.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		StoreRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_requests_total",
			Help:      "Store API requests by route and status code.",
		}, []string{"route", "code"}),
		SlotResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_operations_total",
			Help:      "Slot allocator calls by operation and result.",
		}, []string{"op", "result"}),
		SagaOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_outcomes_total",
			Help:      "Booking and cancellation outcomes by kind, status and compensation.",
		}, []string{"kind", "status", "compensated"}),
		Webhooks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Inbound webhook requests by result.",
		}, []string{"result"}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Queued messages handled by the worker, by result.",
		}, []string{"result"}),
		Reminders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_total",
			Help:      "Reminder sweep results.",
		}, []string{"result"}),
		Reroutes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_reroutes_total",
			Help:      "Flow exits that re-dispatched the turn from the router.",
		}),
		CompletionTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_latency_ms",
			Help:      "Latency of chat completion calls in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 15000},
		}),
	}
}

func (m *Metrics) StoreRequest(route string, code int) {
	if m == nil {
		return
	}
	m.StoreRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func (m *Metrics) Slot(op, result string) {
	if m == nil {
		return
	}
	m.SlotResults.WithLabelValues(op, result).Inc()
}

func (m *Metrics) Saga(kind, status string, compensated bool) {
	if m == nil {
		return
	}
	c := "false"
	if compensated {
		c = "true"
	}
	m.SagaOutcomes.WithLabelValues(kind, status, c).Inc()
}

func (m *Metrics) Webhook(result string) {
	if m == nil {
		return
	}
	m.Webhooks.WithLabelValues(result).Inc()
}

func (m *Metrics) Message(result string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(result).Inc()
}

func (m *Metrics) Reminder(result string) {
	if m == nil {
		return
	}
	m.Reminders.WithLabelValues(result).Inc()
}

func (m *Metrics) Reroute() {
	if m == nil {
		return
	}
	m.Reroutes.Inc()
}

func (m *Metrics) ObserveCompletion(ms float64) {
	if m == nil {
		return
	}
	m.CompletionTime.Observe(ms)
}

// Handler serves the registry the metrics were registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
