package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	documents         prometheus.Gauge
	connections       prometheus.Gauge
	messagesReceived  *prometheus.CounterVec
	malformedFrames   prometheus.Counter
	bytesReceived     prometheus.Counter
	bytesSent         prometheus.Counter
	sendFailures      *prometheus.CounterVec
	heartbeatTimeouts prometheus.Counter
	loadErrors        prometheus.Counter
	flushDuration     prometheus.Histogram
	flushErrors       prometheus.Counter
}

// NewMetrics registers the server's collectors with reg.
//
// Metrics collected:
//   - docsync_documents: Gauge of live document sessions
//   - docsync_connections: Gauge of attached connections
//   - docsync_messages_received_total: Counter of frames by message kind
//   - docsync_malformed_frames_total: Counter of dropped frames
//   - docsync_received_bytes_total / docsync_sent_bytes_total: Traffic counters
//   - docsync_send_failures_total: Counter of failed sends by reason
//   - docsync_heartbeat_timeouts_total: Counter of connections closed by heartbeat
//   - docsync_load_errors_total: Counter of failed document loads
//   - docsync_flush_duration_seconds: Histogram of document flush duration
//   - docsync_flush_errors_total: Counter of failed flushes
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	const ns = "docsync"

	return &Metrics{
		documents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "documents",
			Help:      "Number of live document sessions",
		}),
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "connections",
			Help:      "Number of attached connections",
		}),
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "messages_received_total",
			Help:      "Total frames received by message kind",
		}, []string{"kind"}),
		malformedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "malformed_frames_total",
			Help:      "Total frames dropped because they could not be handled",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "received_bytes_total",
			Help:      "Total bytes received from clients",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "sent_bytes_total",
			Help:      "Total bytes written to clients",
		}),
		sendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "send_failures_total",
			Help:      "Total sends that disconnected a client, by reason",
		}, []string{"reason"}),
		heartbeatTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "heartbeat_timeouts_total",
			Help:      "Total connections closed for not answering a heartbeat",
		}),
		loadErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "load_errors_total",
			Help:      "Total failed document loads",
		}),
		flushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "flush_duration_seconds",
			Help:      "Document flush duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		flushErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "flush_errors_total",
			Help:      "Total failed document flushes",
		}),
	}
}

func (m *Metrics) documentOpened() {
	if m != nil {
		m.documents.Inc()
	}
}

func (m *Metrics) documentClosed() {
	if m != nil {
		m.documents.Dec()
	}
}

func (m *Metrics) connectionAttached() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connectionDetached() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) messageReceived(kind string, n int) {
	if m != nil {
		m.messagesReceived.WithLabelValues(kind).Inc()
		m.bytesReceived.Add(float64(n))
	}
}

func (m *Metrics) malformedFrame() {
	if m != nil {
		m.malformedFrames.Inc()
	}
}

func (m *Metrics) sent(n int) {
	if m != nil {
		m.bytesSent.Add(float64(n))
	}
}

func (m *Metrics) sendFailed(reason string) {
	if m != nil {
		m.sendFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) heartbeatTimeout() {
	if m != nil {
		m.heartbeatTimeouts.Inc()
	}
}

func (m *Metrics) loadFailed() {
	if m != nil {
		m.loadErrors.Inc()
	}
}

func (m *Metrics) flushed(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.flushDuration.Observe(d.Seconds())
	if err != nil {
		m.flushErrors.Inc()
	}
}
