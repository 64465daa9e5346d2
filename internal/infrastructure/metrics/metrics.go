package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/gray-logic-ramses/internal/bridges/ramses"
)

// namespace prefixes every bridge metric.
const namespace = "graylogic_ramses"

// Bridge holds the Prometheus collectors of the bridge.
// It implements ramses.Metrics.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	registry *prometheus.Registry

	framesReceived   *prometheus.CounterVec // labels: code, result
	framesSent       *prometheus.CounterVec // labels: code
	requestsMatched  *prometheus.CounterVec // labels: code
	requestRetries   *prometheus.CounterVec // labels: code
	requestsAbandon  *prometheus.CounterVec // labels: code
	pendingRequests  prometheus.Gauge
	packetLogDropped prometheus.Counter
	deviceWritesLost prometheus.Counter
	mqttConnected    prometheus.Gauge
}

// NewBridge creates a registry with the Go and process collectors and
// registers the bridge metrics on it.
func NewBridge() *Bridge {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Bridge{
		registry: reg,
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames received from the gateway by code and result.",
		}, []string{"code", "result"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames transmitted through the gateway by code.",
		}, []string{"code"}),
		requestsMatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_matched_total",
			Help:      "Requests answered by the expected reply.",
		}, []string{"code"}),
		requestRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_retries_total",
			Help:      "Request retransmissions after a reply timeout.",
		}, []string{"code"}),
		requestsAbandon: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_abandoned_total",
			Help:      "Requests given up after the retry budget was spent.",
		}, []string{"code"}),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Requests awaiting a reply.",
		}),
		packetLogDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packet_log_dropped_total",
			Help:      "Packet log lines dropped because the writer fell behind.",
		}),
		deviceWritesLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_writes_dropped_total",
			Help:      "Device database writes dropped because the recorder fell behind.",
		}),
		mqttConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_connected",
			Help:      "1 while the broker connection is up.",
		}),
	}
	reg.MustRegister(
		m.framesReceived,
		m.framesSent,
		m.requestsMatched,
		m.requestRetries,
		m.requestsAbandon,
		m.pendingRequests,
		m.packetLogDropped,
		m.deviceWritesLost,
		m.mqttConnected,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Bridge) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus exposition handler for the registry.
func (m *Bridge) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// FrameReceived implements ramses.Metrics.
func (m *Bridge) FrameReceived(code ramses.Code, result string) {
	m.framesReceived.WithLabelValues(string(code), result).Inc()
}

// FrameSent implements ramses.Metrics.
func (m *Bridge) FrameSent(code ramses.Code) {
	m.framesSent.WithLabelValues(string(code)).Inc()
}

// RequestMatched implements ramses.Metrics.
func (m *Bridge) RequestMatched(code ramses.Code) {
	m.requestsMatched.WithLabelValues(string(code)).Inc()
}

// RequestRetried implements ramses.Metrics.
func (m *Bridge) RequestRetried(code ramses.Code) {
	m.requestRetries.WithLabelValues(string(code)).Inc()
}

// RequestAbandoned implements ramses.Metrics.
func (m *Bridge) RequestAbandoned(code ramses.Code) {
	m.requestsAbandon.WithLabelValues(string(code)).Inc()
}

// PendingRequests implements ramses.Metrics.
func (m *Bridge) PendingRequests(n int) {
	m.pendingRequests.Set(float64(n))
}

// PacketLogDropped counts one dropped packet log line. It matches
// ramses.PacketLogOptions.OnDrop.
func (m *Bridge) PacketLogDropped() {
	m.packetLogDropped.Inc()
}

// DeviceWriteDropped counts one dropped device database write. It matches
// ramses.DeviceRecorder.SetOnDrop.
func (m *Bridge) DeviceWriteDropped() {
	m.deviceWritesLost.Inc()
}

// SetMQTTConnected records the broker connection state.
func (m *Bridge) SetMQTTConnected(connected bool) {
	if connected {
		m.mqttConnected.Set(1)
		return
	}
	m.mqttConnected.Set(0)
}
