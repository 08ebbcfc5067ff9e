package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the router's collectors on a private registry so tests can
// create as many instances as they like.
type Metrics struct {
	Registry *prometheus.Registry

	CallsStarted          *prometheus.CounterVec
	CallsEnded            *prometheus.CounterVec
	Escalations           *prometheus.CounterVec
	Turns                 *prometheus.CounterVec
	DegradedDocuments     *prometheus.CounterVec
	ClassificationLatency *prometheus.HistogramVec
	ClassificationErrors  *prometheus.CounterVec
	AuditFailures         prometheus.Counter
	InvalidNumbers        prometheus.Counter
	ActiveCalls           prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		CallsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callrouter",
			Name:      "calls_started_total",
			Help:      "Inbound calls accepted, by tenant and provider.",
		}, []string{"tenant", "provider"}),
		CallsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callrouter",
			Name:      "calls_ended_total",
			Help:      "Calls ended by provider disconnect, by outcome.",
		}, []string{"tenant", "outcome"}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callrouter",
			Name:      "escalations_total",
			Help:      "Level transitions, by target level and trigger reason.",
		}, []string{"to_level", "reason"}),
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callrouter",
			Name:      "turns_total",
			Help:      "Caller turns processed, by level.",
		}, []string{"level"}),
		DegradedDocuments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callrouter",
			Name:      "degraded_documents_total",
			Help:      "Control documents downgraded because the provider lacked a capability.",
		}, []string{"provider", "capability"}),
		ClassificationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "callrouter",
			Name:      "classification_seconds",
			Help:      "Intent classification latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 1.5, 2, 3},
		}, []string{"classifier"}),
		ClassificationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callrouter",
			Name:      "classification_errors_total",
			Help:      "Classifier failures, by kind (timeout, canceled, error).",
		}, []string{"kind"}),
		AuditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callrouter",
			Name:      "audit_write_failures_total",
			Help:      "Audit writes that failed after all retries.",
		}),
		InvalidNumbers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callrouter",
			Name:      "invalid_numbers_total",
			Help:      "Inbound calls to malformed or unregistered numbers.",
		}),
		ActiveCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "callrouter",
			Name:      "active_calls",
			Help:      "Calls with a live routing actor.",
		}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.CallsStarted,
		m.CallsEnded,
		m.Escalations,
		m.Turns,
		m.DegradedDocuments,
		m.ClassificationLatency,
		m.ClassificationErrors,
		m.AuditFailures,
		m.InvalidNumbers,
		m.ActiveCalls,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
