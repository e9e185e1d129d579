// Package metrics holds the server's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	sessionsCreated    *prometheus.CounterVec
	sessionsAbandoned  *prometheus.CounterVec
	sessionsSettled    *prometheus.CounterVec
	channels           *prometheus.CounterVec
	protocolViolations *prometheus.CounterVec
	queueDepth         *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessionsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "towerduo_sessions_created_total",
			Help: "Sessions created by the matchmaker",
		}, []string{"mode"}),
		sessionsAbandoned: f.NewCounterVec(prometheus.CounterOpts{
			Name: "towerduo_sessions_abandoned_total",
			Help: "Sessions abandoned by a disconnect, by status at the time",
		}, []string{"mode", "status"}),
		sessionsSettled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "towerduo_sessions_settled_total",
			Help: "Sessions settled, by tier",
		}, []string{"mode", "tier"}),
		channels: f.NewCounterVec(prometheus.CounterOpts{
			Name: "towerduo_channels_total",
			Help: "Channels resolved, real or simulated",
		}, []string{"mode", "kind"}),
		protocolViolations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "towerduo_protocol_violations_total",
			Help: "Rejected client messages",
		}, []string{"reason"}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "towerduo_lobby_queue_depth",
			Help: "Participants waiting per mode",
		}, []string{"mode"}),
	}
}

func (m *Metrics) SessionCreated(mode string) {
	if m == nil {
		return
	}
	m.sessionsCreated.WithLabelValues(mode).Inc()
}

func (m *Metrics) SessionAbandoned(mode, status string) {
	if m == nil {
		return
	}
	m.sessionsAbandoned.WithLabelValues(mode, status).Inc()
}

func (m *Metrics) SessionSettled(mode, tier string) {
	if m == nil {
		return
	}
	m.sessionsSettled.WithLabelValues(mode, tier).Inc()
}

func (m *Metrics) ChannelResolved(mode string, simulated bool) {
	if m == nil {
		return
	}
	kind := "real"
	if simulated {
		kind = "simulated"
	}
	m.channels.WithLabelValues(mode, kind).Inc()
}

func (m *Metrics) ProtocolViolation(reason string) {
	if m == nil {
		return
	}
	m.protocolViolations.WithLabelValues(reason).Inc()
}

func (m *Metrics) QueueDepth(mode string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(mode).Set(float64(n))
}
