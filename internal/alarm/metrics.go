package alarm

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	resultsTotal    prometheus.Counter
	alarmsTotal     prometheus.Counter
	enqueuedTotal   *prometheus.CounterVec
	suppressedTotal *prometheus.CounterVec
}

// newMetrics returns nil when no registerer is given; every method is a
// no-op on a nil receiver.
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	m := &metrics{
		resultsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "alarm",
			Name:      "results_total",
			Help:      "Telemetry results handled",
		}),
		alarmsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "alarm",
			Name:      "alarms_total",
			Help:      "Results carrying at least one alarming item",
		}),
		enqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "alarm",
			Name:      "notifications_enqueued_total",
			Help:      "Notification jobs enqueued by channel",
		}, []string{"channel"}),
		suppressedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "alarm",
			Name:      "notifications_suppressed_total",
			Help:      "Notifications skipped inside the dedup window by channel",
		}, []string{"channel"}),
	}
	reg.MustRegister(m.resultsTotal, m.alarmsTotal, m.enqueuedTotal, m.suppressedTotal)
	return m
}

func (m *metrics) result() {
	if m == nil {
		return
	}
	m.resultsTotal.Inc()
}

func (m *metrics) alarm() {
	if m == nil {
		return
	}
	m.alarmsTotal.Inc()
}

func (m *metrics) enqueued(channel string) {
	if m == nil {
		return
	}
	m.enqueuedTotal.WithLabelValues(channel).Inc()
}

func (m *metrics) suppressed(channel string) {
	if m == nil {
		return
	}
	m.suppressedTotal.WithLabelValues(channel).Inc()
}
