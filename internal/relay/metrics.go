package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks relay transport health. A nil *Metrics disables all
// recording, so callers never branch on whether observation is wired.
type Metrics struct {
	connects         *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
	eventsReceived   *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
	publishOutcomes  *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nostrit_relay_connects_total",
			Help: "Successful websocket connections per relay, including reconnects.",
		}, []string{"relay"}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nostrit_relay_state_transitions_total",
			Help: "Connection state transitions per relay and target state.",
		}, []string{"relay", "state"}),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nostrit_relay_events_received_total",
			Help: "EVENT frames received per relay.",
		}, []string{"relay"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nostrit_relay_frames_dropped_total",
			Help: "Inbound frames discarded as malformed, per relay.",
		}, []string{"relay"}),
		publishOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nostrit_relay_publish_outcomes_total",
			Help: "Publish resolutions per relay: accepted, rejected or timeout.",
		}, []string{"relay", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.connects, m.stateTransitions, m.eventsReceived, m.framesDropped, m.publishOutcomes)
	}
	return m
}

func (m *Metrics) connect(relay string) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(relay).Inc()
}

func (m *Metrics) stateTransition(relay, state string) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(relay, state).Inc()
}

func (m *Metrics) eventReceived(relay string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(relay).Inc()
}

func (m *Metrics) frameDropped(relay string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(relay).Inc()
}

func (m *Metrics) publishOutcome(relay, outcome string) {
	if m == nil {
		return
	}
	m.publishOutcomes.WithLabelValues(relay, outcome).Inc()
}
