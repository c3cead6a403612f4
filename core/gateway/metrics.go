package gateway

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts ingress requests.
type Metrics struct {
	Requests *prometheus.CounterVec
	Resolve  prometheus.Histogram
}

// NewMetrics creates and registers gateway metrics.
// Returns nil if reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shophost",
			Subsystem: "gateway",
			Name:      "events_total",
			Help:      "Inbound events by kind and outcome (ok, rejected, forbidden, bad_request, dropped).",
		}, []string{"kind", "outcome"}),
		Resolve: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shophost",
			Subsystem: "gateway",
			Name:      "resolve_seconds",
			Help:      "Credential lookup latency.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}
	reg.MustRegister(m.Requests, m.Resolve)
	return m
}

func (m *Metrics) event(kind, outcome string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.Requests.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) resolved(seconds float64) {
	if m != nil {
		m.Resolve.Observe(seconds)
	}
}
