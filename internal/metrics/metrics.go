package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "matchmaking_relay"

// Drop reasons for relayed signaling messages.
const (
	DropReasonTargetNotLive = "target_not_live"
	DropReasonNotPaired     = "not_paired"
	DropReasonQueueFull     = "queue_full"
	DropReasonSelf          = "self_addressed"
)

// Connection rejection reasons.
const (
	RejectReasonTooManyConnections = "too_many_connections"
	RejectReasonOrigin             = "origin"
)

// Metrics holds every series the relay exports. All collectors live on a
// private registry so tests can construct as many instances as they like.
type Metrics struct {
	reg *prometheus.Registry

	connections         prometheus.Gauge
	connectionsTotal    prometheus.Counter
	rejectedConnections *prometheus.CounterVec
	queueDepth          prometheus.Gauge
	matches             prometheus.Counter
	queueWait           prometheus.Histogram
	received            *prometheus.CounterVec
	relayed             *prometheus.CounterVec
	dropped             *prometheus.CounterVec
	badMessages         *prometheus.CounterVec
	verifications       *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Currently registered signaling connections.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Signaling connections accepted since start.",
		}),
		rejectedConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_connections_total",
			Help:      "Signaling connections refused, by reason.",
		}, []string{"reason"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Connections currently waiting for a match.",
		}),
		matches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_total",
			Help:      "Pairings announced since start.",
		}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time spent in the waiting pool before being matched.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Client messages accepted, by type.",
		}, []string{"type"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "Messages delivered to a peer's outbound queue, by client message type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Relayed messages discarded, by reason.",
		}, []string{"reason"}),
		badMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bad_messages_total",
			Help:      "Malformed client messages, by error code.",
		}, []string{"code"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Verification attempts, by result.",
		}, []string{"result"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.connectionsTotal,
		m.rejectedConnections,
		m.queueDepth,
		m.matches,
		m.queueWait,
		m.received,
		m.relayed,
		m.dropped,
		m.badMessages,
		m.verifications,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// All recording methods accept a nil receiver so callers can run without
// metrics.

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) ConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.rejectedConnections.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) Matched(waitA, waitB time.Duration) {
	if m == nil {
		return
	}
	m.matches.Inc()
	m.queueWait.Observe(waitA.Seconds())
	m.queueWait.Observe(waitB.Seconds())
}

func (m *Metrics) MessageReceived(typ string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(typ).Inc()
}

func (m *Metrics) MessageRelayed(typ string) {
	if m == nil {
		return
	}
	m.relayed.WithLabelValues(typ).Inc()
}

func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) BadMessage(code string) {
	if m == nil {
		return
	}
	m.badMessages.WithLabelValues(code).Inc()
}

func (m *Metrics) Verification(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}
