package lib

import (
	"github.com/TheSmallBoat/muxstream/packet"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports connection level counters to Prometheus. A nil *Metrics
// records nothing, so connections built without WithMetrics pay nothing.
type Metrics struct {
	sent       *prometheus.CounterVec
	received   *prometheus.CounterVec
	attempts   prometheus.Counter
	reconnects prometheus.Counter
	open       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg if reg is
// not nil. One Metrics value is meant to be shared by many connections.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "muxstream",
			Name:      "packets_sent_total",
			Help:      "Packets written to the stream, by kind.",
		}, []string{"kind"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "muxstream",
			Name:      "packets_received_total",
			Help:      "Packets parsed off the stream, by kind.",
		}, []string{"kind"}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "muxstream",
			Name:      "reconnect_attempts_total",
			Help:      "Calls into the reconnection strategy.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "muxstream",
			Name:      "reconnects_total",
			Help:      "Reconnection episodes that ended with a new stream.",
		}),
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "muxstream",
			Name:      "conversations_open",
			Help:      "Conversations currently tracked by handlers.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.sent, m.received, m.attempts, m.reconnects, m.open)
	}

	return m
}

func (m *Metrics) packetSent(kind packet.Kind) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(packet.KindString(kind)).Inc()
}

func (m *Metrics) packetReceived(kind packet.Kind) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(packet.KindString(kind)).Inc()
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.attempts.Inc()
}

func (m *Metrics) reconnected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) conversationOpened() {
	if m == nil {
		return
	}
	m.open.Inc()
}

func (m *Metrics) conversationClosed() {
	if m == nil {
		return
	}
	m.open.Dec()
}
