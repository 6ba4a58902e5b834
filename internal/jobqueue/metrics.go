package jobqueue

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	enqueuedTotal  *prometheus.CounterVec
	finishedTotal  *prometheus.CounterVec
	conflictsTotal *prometheus.CounterVec
}

// newMetrics returns nil when no registerer is given; every method is a
// no-op on a nil receiver.
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	m := &metrics{
		enqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "jobqueue",
			Name:      "jobs_enqueued_total",
			Help:      "Jobs persisted as pending",
		}, []string{"queue"}),
		finishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "jobqueue",
			Name:      "job_attempts_total",
			Help:      "Finished job attempts by outcome",
		}, []string{"queue", "outcome"}),
		conflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "jobqueue",
			Name:      "claim_conflicts_total",
			Help:      "Claims lost to another worker",
		}, []string{"queue"}),
	}
	reg.MustRegister(m.enqueuedTotal, m.finishedTotal, m.conflictsTotal)
	return m
}

func (m *metrics) enqueued(queue string) {
	if m == nil {
		return
	}
	m.enqueuedTotal.WithLabelValues(queue).Inc()
}

func (m *metrics) finished(queue, outcome string) {
	if m == nil {
		return
	}
	m.finishedTotal.WithLabelValues(queue, outcome).Inc()
}

func (m *metrics) conflict(queue string) {
	if m == nil {
		return
	}
	m.conflictsTotal.WithLabelValues(queue).Inc()
}
