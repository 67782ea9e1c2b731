// Package metrics provides Prometheus metrics for the tunnel relay and client.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tcp_forward"
)

// Rejection reasons for forwarded connections.
const (
	RejectQueueFull   = "queue_full"
	RejectRateLimited = "rate_limited"
	RejectClosed      = "closed"
	RejectPeerClosed  = "peer_closed"
)

// Metrics contains all Prometheus metrics for the relay and the local client.
// All Record helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// Control channel metrics
	ControlConnections      prometheus.Gauge
	ControlConnectionsTotal *prometheus.CounterVec
	FramesSent              *prometheus.CounterVec
	FramesReceived          *prometheus.CounterVec
	DecodeErrors            *prometheus.CounterVec
	StreamUpgrades          *prometheus.CounterVec

	// Relay state metrics
	ClientStates      prometheus.Gauge
	ForwardListeners  prometheus.Gauge
	TopicsAnnounced   prometheus.Counter
	IdleReclaims      prometheus.Counter
	QueuedConnections prometheus.Gauge
	WaitingConsumers  prometheus.Gauge
	QueueWait         prometheus.Histogram

	// Forwarded connection metrics
	ForwardAccepted prometheus.Counter
	ForwardRejected *prometheus.CounterVec
	ForwardConnects *prometheus.CounterVec

	// Splice metrics
	SplicesActive  prometheus.Gauge
	SplicesTotal   prometheus.Counter
	SpliceDuration prometheus.Histogram
	BytesForwarded *prometheus.CounterVec

	// Local client metrics
	ClientReconnects       prometheus.Counter
	ClientRetriesExhausted prometheus.Counter
	ClientConnections      prometheus.Counter
	ClientListeningPort    prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance registered with the default registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Control channel metrics
		ControlConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "control_connections",
			Help:      "Number of open control connections",
		}),
		ControlConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_connections_total",
			Help:      "Total control connections by transport and direction",
		}, []string{"transport", "direction"}),
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total control frames sent by message type",
		}, []string{"type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total control frames received by message type",
		}, []string{"type"}),
		DecodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Total protocol decode errors by kind",
		}, []string{"kind"}),
		StreamUpgrades: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_upgrades_total",
			Help:      "Total control channels upgraded to raw streams",
		}, []string{"direction"}),

		// Relay state metrics
		ClientStates: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "client_states",
			Help:      "Number of client IDs with relay state",
		}),
		ForwardListeners: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "forward_listeners",
			Help:      "Number of open forwarding listeners",
		}),
		TopicsAnnounced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topics_announced_total",
			Help:      "Total topics announced on forwarding listeners",
		}),
		IdleReclaims: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idle_reclaims_total",
			Help:      "Total client states destroyed by the idle timer",
		}),
		QueuedConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_connections",
			Help:      "Forwarded connections waiting for a consumer",
		}),
		WaitingConsumers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "waiting_consumers",
			Help:      "Control channels waiting for a forwarded connection",
		}),
		QueueWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Histogram of time forwarded connections spend queued",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		// Forwarded connection metrics
		ForwardAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_accepted_total",
			Help:      "Total connections accepted on forwarding listeners",
		}),
		ForwardRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_rejected_total",
			Help:      "Total forwarded connections closed without delivery by reason",
		}, []string{"reason"}),
		ForwardConnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_connects_total",
			Help:      "Total CONNECT streams by consumer decision",
		}, []string{"result"}),

		// Splice metrics
		SplicesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "splices_active",
			Help:      "Number of active connection splices",
		}),
		SplicesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "splices_total",
			Help:      "Total connection splices started",
		}),
		SpliceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "splice_duration_seconds",
			Help:      "Histogram of splice lifetimes",
			Buckets:   []float64{.01, .1, .5, 1, 5, 10, 30, 60, 300, 900, 3600},
		}),
		BytesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Total bytes copied through splices by direction",
		}, []string{"direction"}),

		// Local client metrics
		ClientReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_reconnects_total",
			Help:      "Total control connection reconnect attempts",
		}),
		ClientRetriesExhausted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_retries_exhausted_total",
			Help:      "Total times the reconnect schedule was exhausted",
		}),
		ClientConnections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_connections_total",
			Help:      "Total raw connections delivered to the local consumer",
		}),
		ClientListeningPort: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "client_listening_port",
			Help:      "Forwarding port most recently announced by the relay",
		}),
	}

	return m
}

// RecordControlOpen records a control connection being opened.
func (m *Metrics) RecordControlOpen(transport, direction string) {
	if m == nil {
		return
	}
	m.ControlConnections.Inc()
	m.ControlConnectionsTotal.WithLabelValues(transport, direction).Inc()
}

// RecordControlClose records a control connection being closed.
func (m *Metrics) RecordControlClose() {
	if m == nil {
		return
	}
	m.ControlConnections.Dec()
}

// RecordFrameSent records a frame being sent.
func (m *Metrics) RecordFrameSent(msgType string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(msgType).Inc()
}

// RecordFrameReceived records a frame being received.
func (m *Metrics) RecordFrameReceived(msgType string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(msgType).Inc()
}

// RecordDecodeError records a protocol decode error.
func (m *Metrics) RecordDecodeError(kind string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(kind).Inc()
}

// RecordStreamUpgrade records a control channel upgrade. direction is "sent" or "received".
func (m *Metrics) RecordStreamUpgrade(direction string) {
	if m == nil {
		return
	}
	m.StreamUpgrades.WithLabelValues(direction).Inc()
}

// RecordStateCreated records a new relay client state.
func (m *Metrics) RecordStateCreated() {
	if m == nil {
		return
	}
	m.ClientStates.Inc()
}

// RecordStateDestroyed records a relay client state being destroyed.
func (m *Metrics) RecordStateDestroyed(idle bool) {
	if m == nil {
		return
	}
	m.ClientStates.Dec()
	if idle {
		m.IdleReclaims.Inc()
	}
}

// RecordForwardListenerOpen records a forwarding listener being opened.
func (m *Metrics) RecordForwardListenerOpen() {
	if m == nil {
		return
	}
	m.ForwardListeners.Inc()
}

// RecordForwardListenerClose records a forwarding listener being closed.
func (m *Metrics) RecordForwardListenerClose() {
	if m == nil {
		return
	}
	m.ForwardListeners.Dec()
}

// RecordTopicAnnounced records a topic added to a forwarding listener.
func (m *Metrics) RecordTopicAnnounced() {
	if m == nil {
		return
	}
	m.TopicsAnnounced.Inc()
}

// AddQueued adjusts the queued-connection gauge.
func (m *Metrics) AddQueued(delta int) {
	if m == nil {
		return
	}
	m.QueuedConnections.Add(float64(delta))
}

// AddWaiting adjusts the waiting-consumer gauge.
func (m *Metrics) AddWaiting(delta int) {
	if m == nil {
		return
	}
	m.WaitingConsumers.Add(float64(delta))
}

// RecordQueueWait records how long a forwarded connection waited for a consumer.
func (m *Metrics) RecordQueueWait(seconds float64) {
	if m == nil {
		return
	}
	m.QueueWait.Observe(seconds)
}

// RecordForwardAccepted records a connection accepted on a forwarding listener.
func (m *Metrics) RecordForwardAccepted() {
	if m == nil {
		return
	}
	m.ForwardAccepted.Inc()
}

// RecordForwardRejected records a forwarded connection closed without delivery.
func (m *Metrics) RecordForwardRejected(reason string) {
	if m == nil {
		return
	}
	m.ForwardRejected.WithLabelValues(reason).Inc()
}

// RecordForwardConnect records a consumer decision on a CONNECT stream.
func (m *Metrics) RecordForwardConnect(accepted bool) {
	if m == nil {
		return
	}
	result := "declined"
	if accepted {
		result = "accepted"
	}
	m.ForwardConnects.WithLabelValues(result).Inc()
}

// RecordSpliceStart records a splice starting.
func (m *Metrics) RecordSpliceStart() {
	if m == nil {
		return
	}
	m.SplicesActive.Inc()
	m.SplicesTotal.Inc()
}

// RecordSpliceEnd records a splice finishing with its byte counts.
func (m *Metrics) RecordSpliceEnd(seconds float64, bytesIn, bytesOut int64) {
	if m == nil {
		return
	}
	m.SplicesActive.Dec()
	m.SpliceDuration.Observe(seconds)
	m.BytesForwarded.WithLabelValues("in").Add(float64(bytesIn))
	m.BytesForwarded.WithLabelValues("out").Add(float64(bytesOut))
}

// RecordClientReconnect records a reconnect attempt by the local client.
func (m *Metrics) RecordClientReconnect() {
	if m == nil {
		return
	}
	m.ClientReconnects.Inc()
}

// RecordClientRetriesExhausted records the local client giving up.
func (m *Metrics) RecordClientRetriesExhausted() {
	if m == nil {
		return
	}
	m.ClientRetriesExhausted.Inc()
}

// RecordClientConnection records a raw connection delivered to the local consumer.
func (m *Metrics) RecordClientConnection() {
	if m == nil {
		return
	}
	m.ClientConnections.Inc()
}

// SetClientListeningPort records the forwarding port announced by the relay.
func (m *Metrics) SetClientListeningPort(port uint16) {
	if m == nil {
		return
	}
	m.ClientListeningPort.Set(float64(port))
}
