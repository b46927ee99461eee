package stun

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the client's Prometheus collectors on an isolated
// registry so they don't collide with the global default registry. All
// recording methods are nil-safe; a Client without Metrics records
// nothing.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    prometheus.Counter
	ResponsesTotal   prometheus.Counter
	TimeoutsTotal    prometheus.Counter
	ParseErrorsTotal prometheus.Counter
	UnmatchedTotal   prometheus.Counter
}

// NewMetrics creates a Metrics instance with all collectors registered
// on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		RequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vega_stun_requests_total",
			Help: "Binding requests sent.",
		}),
		ResponsesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vega_stun_responses_total",
			Help: "Responses matched to an outstanding transaction.",
		}),
		TimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vega_stun_timeouts_total",
			Help: "Requests that saw no matching response in time.",
		}),
		ParseErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vega_stun_parse_errors_total",
			Help: "Datagrams that failed to parse as STUN.",
		}),
		UnmatchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vega_stun_unmatched_total",
			Help: "Well-formed responses with no outstanding transaction.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.ResponsesTotal,
		m.TimeoutsTotal,
		m.ParseErrorsTotal,
		m.UnmatchedTotal,
	)
	return m
}

func (m *Metrics) incRequests() {
	if m != nil {
		m.RequestsTotal.Inc()
	}
}

func (m *Metrics) incResponses() {
	if m != nil {
		m.ResponsesTotal.Inc()
	}
}

func (m *Metrics) incTimeouts() {
	if m != nil {
		m.TimeoutsTotal.Inc()
	}
}

func (m *Metrics) incParseErrors() {
	if m != nil {
		m.ParseErrorsTotal.Inc()
	}
}

func (m *Metrics) incUnmatched() {
	if m != nil {
		m.UnmatchedTotal.Inc()
	}
}
