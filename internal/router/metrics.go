package router

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	sessions    prometheus.Gauge
	rooms       prometheus.Gauge
	pushesTotal *prometheus.CounterVec
	deniedTotal prometheus.Counter
	sweptTotal  prometheus.Counter
}

// newMetrics returns nil when no registerer is given; every method is a
// no-op on a nil receiver.
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	m := &metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "router",
			Name:      "sessions",
			Help:      "Connected browser sessions",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "router",
			Name:      "rooms",
			Help:      "Rooms with at least one member",
		}),
		pushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "router",
			Name:      "deliveries_total",
			Help:      "Messages delivered to sessions by type",
		}, []string{"type"}),
		deniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "router",
			Name:      "joins_denied_total",
			Help:      "Room joins denied for missing permission",
		}),
		sweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "router",
			Name:      "sessions_swept_total",
			Help:      "Sessions dropped for missing heartbeats",
		}),
	}
	reg.MustRegister(m.sessions, m.rooms, m.pushesTotal, m.deniedTotal, m.sweptTotal)
	return m
}

func (m *metrics) setSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *metrics) setRooms(n int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(n))
}

func (m *metrics) pushed(typ string, delivered int) {
	if m == nil {
		return
	}
	m.pushesTotal.WithLabelValues(typ).Add(float64(delivered))
}

func (m *metrics) denied() {
	if m == nil {
		return
	}
	m.deniedTotal.Inc()
}

func (m *metrics) swept(n int) {
	if m == nil {
		return
	}
	m.sweptTotal.Add(float64(n))
}
