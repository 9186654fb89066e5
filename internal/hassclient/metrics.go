package hassclient

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the connection engine's prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	Handshakes       *prometheus.CounterVec
	Commands         *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	Pending          prometheus.Gauge
	Subscriptions    prometheus.Gauge
	FramesReceived   *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	EventsDelivered  prometheus.Counter
	ProtocolFailures prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Handshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hassclient",
				Subsystem: "connection",
				Name:      "handshakes_total",
				Help:      "Connection attempts by outcome",
			},
			[]string{"result"},
		),
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hassclient",
				Subsystem: "commands",
				Name:      "total",
				Help:      "Commands sent by type and outcome",
			},
			[]string{"type", "status"},
		),
		CommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "hassclient",
				Subsystem: "commands",
				Name:      "duration_seconds",
				Help:      "Time from send to result",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		Pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "hassclient",
				Subsystem: "commands",
				Name:      "pending",
				Help:      "Commands waiting for a result",
			},
		),
		Subscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "hassclient",
				Subsystem: "events",
				Name:      "subscriptions",
				Help:      "Live event subscriptions",
			},
		),
		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hassclient",
				Subsystem: "frames",
				Name:      "received_total",
				Help:      "Inbound frames by shape (object or array)",
			},
			[]string{"shape"},
		),
		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hassclient",
				Subsystem: "messages",
				Name:      "dropped_total",
				Help:      "Inbound messages with no pending command or subscription",
			},
			[]string{"type"},
		),
		EventsDelivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "hassclient",
				Subsystem: "events",
				Name:      "delivered_total",
				Help:      "Events handed to subscriptions",
			},
		),
		ProtocolFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "hassclient",
				Subsystem: "frames",
				Name:      "protocol_errors_total",
				Help:      "Frames or messages that violated the protocol",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.Handshakes,
			m.Commands,
			m.CommandDuration,
			m.Pending,
			m.Subscriptions,
			m.FramesReceived,
			m.MessagesDropped,
			m.EventsDelivered,
			m.ProtocolFailures,
		)
	}
	return m
}

func (m *Metrics) handshake(result string) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(result).Inc()
}

func (m *Metrics) command(cmdType, status string, since time.Time) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(cmdType, status).Inc()
	if !since.IsZero() {
		m.CommandDuration.WithLabelValues(cmdType).Observe(time.Since(since).Seconds())
	}
}

func (m *Metrics) pending(delta float64) {
	if m == nil {
		return
	}
	m.Pending.Add(delta)
}

func (m *Metrics) subscriptions(delta float64) {
	if m == nil {
		return
	}
	m.Subscriptions.Add(delta)
}

func (m *Metrics) frame(shape string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(shape).Inc()
}

func (m *Metrics) dropped(msgType string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(msgType).Inc()
}

func (m *Metrics) event() {
	if m == nil {
		return
	}
	m.EventsDelivered.Inc()
}

func (m *Metrics) protocolFailure() {
	if m == nil {
		return
	}
	m.ProtocolFailures.Inc()
}
