package middleware

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/shophost/core/telegram/dispatch"
)

// Metrics holds Prometheus metrics for handler execution.
type Metrics struct {
	Events          *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec
	MessagesSent    prometheus.Counter
}

// NewMetrics creates and registers handler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shophost",
			Subsystem: "handler",
			Name:      "events_total",
			Help:      "Events passed to handlers, by kind and outcome (ok, fail, panic, rejected, rate_limited).",
		}, []string{"kind", "outcome"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shophost",
			Subsystem: "handler",
			Name:      "duration_seconds",
			Help:      "Handler execution time, by kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shophost",
			Subsystem: "handler",
			Name:      "messages_sent_total",
			Help:      "Messages sent or edited through the event context.",
		}),
	}

	reg.MustRegister(m.Events, m.HandlerDuration, m.MessagesSent)
	return m
}

func (m *Metrics) event(kind, outcome string) {
	if m != nil {
		m.Events.WithLabelValues(kind, outcome).Inc()
	}
}

// metricsContext wraps tele.Context to count sent messages and detect keyboard usage.
type metricsContext struct{ tele.Context }

func (m metricsContext) incMessages(hasKB bool) {
	// Update messages counter
	n := 0
	if v := m.Get("messages"); v != nil {
		if nv, ok := v.(int); ok {
			n = nv
		}
	}
	m.Set("messages", n+1)
	if hasKB {
		m.Set("kb", true)
	}
}

func hasKeyboard(opts []interface{}) bool {
	for _, o := range opts {
		switch v := o.(type) {
		case *tele.SendOptions:
			if v != nil && v.ReplyMarkup != nil {
				return true
			}
		case *tele.ReplyMarkup:
			if v != nil {
				return true
			}
		}
	}
	return false
}

// Send proxies tele.Context.Send while updating message counters.
func (m metricsContext) Send(what interface{}, opts ...interface{}) error {
	err := m.Context.Send(what, opts...)
	if err == nil {
		m.incMessages(hasKeyboard(opts))
	}
	return err
}

// Reply proxies tele.Context.Reply while updating message counters.
func (m metricsContext) Reply(what interface{}, opts ...interface{}) error {
	err := m.Context.Reply(what, opts...)
	if err == nil {
		m.incMessages(hasKeyboard(opts))
	}
	return err
}

// Edit proxies tele.Context.Edit while updating message counters.
func (m metricsContext) Edit(what interface{}, opts ...interface{}) error {
	err := m.Context.Edit(what, opts...)
	if err == nil {
		m.incMessages(hasKeyboard(opts))
	}
	return err
}

// EditOrSend proxies tele.Context.EditOrSend while updating message counters.
func (m metricsContext) EditOrSend(what interface{}, opts ...interface{}) error {
	err := m.Context.EditOrSend(what, opts...)
	if err == nil {
		m.incMessages(hasKeyboard(opts))
	}
	return err
}

// EditOrReply proxies tele.Context.EditOrReply while updating message counters.
func (m metricsContext) EditOrReply(what interface{}, opts ...interface{}) error {
	err := m.Context.EditOrReply(what, opts...)
	if err == nil {
		m.incMessages(hasKeyboard(opts))
	}
	return err
}

// Instrument tracks message counters on the context and records handler
// outcome and duration. A nil m only keeps the counters.
func Instrument(m *Metrics) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) (err error) {
			c.Set("messages", 0)
			c.Set("kb", false)
			if m == nil {
				return next(metricsContext{Context: c})
			}

			kind := string(dispatch.KindOther)
			if dc := dispatch.From(c); dc != nil {
				kind = string(dc.Kind)
			}
			start := time.Now()
			panicked := true
			defer func() {
				res := resolveOutcome(c, err, panicked)
				m.event(kind, res)
				m.HandlerDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
				if n, _ := GetCounters(c); n > 0 {
					m.MessagesSent.Add(float64(n))
				}
			}()
			err = next(metricsContext{Context: c})
			panicked = false
			return err
		}
	}
}

// GetCounters reads message count and keyboard presence flags from context.
func GetCounters(c tele.Context) (int, bool) {
	msgs := 0
	if v := c.Get("messages"); v != nil {
		if n, ok := v.(int); ok {
			msgs = n
		}
	}
	kb := false
	if v := c.Get("kb"); v != nil {
		if b, ok := v.(bool); ok {
			kb = b
		}
	}
	return msgs, kb
}
