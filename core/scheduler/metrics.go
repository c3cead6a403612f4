package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the job scheduler.
type Metrics struct {
	JobsScheduled *prometheus.CounterVec
	JobsFired     *prometheus.CounterVec
	JobsCancelled prometheus.Counter
	TickDuration  prometheus.Histogram
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		JobsScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shophost",
			Subsystem: "scheduler",
			Name:      "jobs_scheduled_total",
			Help:      "Total jobs persisted, by callback.",
		}, []string{"callback"}),
		JobsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shophost",
			Subsystem: "scheduler",
			Name:      "jobs_fired_total",
			Help:      "Total jobs claimed and invoked, by callback and outcome (ok, fail, panic, unknown).",
		}, []string{"callback", "outcome"}),
		JobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shophost",
			Subsystem: "scheduler",
			Name:      "jobs_cancelled_total",
			Help:      "Total jobs removed before firing.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shophost",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each scheduler tick (poll + fire cycle).",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.JobsScheduled,
		m.JobsFired,
		m.JobsCancelled,
		m.TickDuration,
	)

	return m
}

func (m *Metrics) scheduled(callback string) {
	if m != nil {
		m.JobsScheduled.WithLabelValues(callback).Inc()
	}
}

func (m *Metrics) fired(callback, outcome string) {
	if m != nil {
		m.JobsFired.WithLabelValues(callback, outcome).Inc()
	}
}

func (m *Metrics) cancelled() {
	if m != nil {
		m.JobsCancelled.Inc()
	}
}
