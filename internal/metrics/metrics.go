// Package metrics exposes session and discovery counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/0w0mewo/flexlink-cli/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics satisfies both session.Metrics and discovery.Metrics. Each value
// owns its registry so several can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	commandsSent     prometheus.Counter
	replies          *prometheus.CounterVec
	duplicateReplies prometheus.Counter
	linesDropped     prometheus.Counter

	packets          *prometheus.CounterVec
	malformedPackets prometheus.Counter
	radiosVisible    prometheus.Gauge

	connectAttempts *prometheus.CounterVec
	connected       prometheus.Gauge
	streamsActive   prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		commandsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "flexlink_commands_sent_total",
			Help: "Commands written to the radio",
		}),
		replies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flexlink_replies_total",
			Help: "Replies received from the radio by result",
		}, []string{"result"}),
		duplicateReplies: factory.NewCounter(prometheus.CounterOpts{
			Name: "flexlink_duplicate_replies_total",
			Help: "Replies whose sequence number was already answered",
		}),
		linesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "flexlink_lines_dropped_total",
			Help: "Status or message lines dropped for slow subscribers",
		}),
		packets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flexlink_discovery_packets_total",
			Help: "Discovery packets received by source",
		}, []string{"source"}),
		malformedPackets: factory.NewCounter(prometheus.CounterOpts{
			Name: "flexlink_discovery_malformed_total",
			Help: "Discovery datagrams that could not be decoded",
		}),
		radiosVisible: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flexlink_radios_visible",
			Help: "Discovery entries currently live",
		}),
		connectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flexlink_connect_attempts_total",
			Help: "Connection attempts by outcome",
		}, []string{"outcome"}),
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flexlink_connected",
			Help: "1 while a radio session is established",
		}),
		streamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flexlink_streams_active",
			Help: "Audio and panadapter streams currently held",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CommandSent() {
	m.commandsSent.Inc()
}

func (m *Metrics) ReplyReceived(code uint32) {
	result := "ok"
	if code != 0 {
		result = "error"
	}
	m.replies.WithLabelValues(result).Inc()
}

func (m *Metrics) DuplicateReply() {
	m.duplicateReplies.Inc()
}

func (m *Metrics) LineDropped() {
	m.linesDropped.Inc()
}

func (m *Metrics) PacketReceived(source models.Source) {
	m.packets.WithLabelValues(string(source)).Inc()
}

func (m *Metrics) PacketMalformed() {
	m.malformedPackets.Inc()
}

func (m *Metrics) RadiosVisible(n int) {
	m.radiosVisible.Set(float64(n))
}

// ConnectAttempt records a finished attempt. outcome is "ok" or a failure
// reason.
func (m *Metrics) ConnectAttempt(outcome string) {
	m.connectAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Connected(up bool) {
	if up {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

func (m *Metrics) StreamsActive(n int) {
	m.streamsActive.Set(float64(n))
}
