// Package metrics provides Prometheus metrics for rwconnect.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "rwconnect"
)

// Forward paths
const (
	PathUDPToStream    = "udp_to_stream"
	PathStreamToUDP    = "stream_to_udp"
	PathStreamToStream = "stream_to_stream"
)

// Drop reasons
const (
	DropNoRoute     = "no_route"
	DropRateLimited = "rate_limited"
	DropSendFailed  = "send_failed"
)

// Authentication results
const (
	AuthRegistered  = "registered"
	AuthReconnected = "reconnected"
	AuthRejected    = "rejected"
)

// Metrics contains all Prometheus metrics for the relay.
type Metrics struct {
	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	SessionCloses  *prometheus.CounterVec
	Reconnects     prometheus.Counter

	// Package metrics
	PackagesSent     *prometheus.CounterVec
	PackagesReceived *prometheus.CounterVec
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter
	FramingErrors    prometheus.Counter

	// Forward metrics
	Forwards        *prometheus.CounterVec
	ForwardsDropped *prometheus.CounterVec
	UDPSockets      prometheus.Gauge

	// Authentication metrics
	AuthResults      *prometheus.CounterVec
	RoomIdentities   prometheus.Gauge
	RosterBroadcasts prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
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

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions with an open connection",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions opened",
		}),
		SessionCloses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_closes_total",
			Help:      "Total session closes by reason",
		}, []string{"reason"}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total client reconnections to the host",
		}),

		PackagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packages_sent_total",
			Help:      "Total packages sent by kind",
		}, []string{"package"}),
		PackagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packages_received_total",
			Help:      "Total packages received by kind",
		}, []string{"package"}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total package wire bytes sent",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total package wire bytes received",
		}),
		FramingErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "framing_errors_total",
			Help:      "Total connections closed on a framing error",
		}),

		Forwards: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwards_total",
			Help:      "Total datagrams forwarded by path",
		}, []string{"path"}),
		ForwardsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwards_dropped_total",
			Help:      "Total datagrams dropped by reason",
		}, []string{"reason"}),
		UDPSockets: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_sockets",
			Help:      "Number of bound relay sockets",
		}),

		AuthResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_results_total",
			Help:      "Authentication challenge outcomes",
		}, []string{"result"}),
		RoomIdentities: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "room_identities",
			Help:      "Length of the room identity list",
		}),
		RosterBroadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "roster_broadcasts_total",
			Help:      "Total roster packages sent to peers",
		}),
	}
}

// RecordSessionOpen records a new connected session.
func (m *Metrics) RecordSessionOpen() {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// RecordSessionClose records a closed session.
func (m *Metrics) RecordSessionClose(reason string) {
	m.SessionsActive.Dec()
	m.SessionCloses.WithLabelValues(reason).Inc()
}

// RecordReconnect records a successful client reconnection.
func (m *Metrics) RecordReconnect() {
	m.Reconnects.Inc()
}

// RecordPackageSent records a package written to a connection.
func (m *Metrics) RecordPackageSent(kind string, bytes int) {
	m.PackagesSent.WithLabelValues(kind).Inc()
	m.BytesSent.Add(float64(bytes))
}

// RecordPackageReceived records a package decoded from a connection.
func (m *Metrics) RecordPackageReceived(kind string, bytes int) {
	m.PackagesReceived.WithLabelValues(kind).Inc()
	m.BytesReceived.Add(float64(bytes))
}

// RecordFramingError records a connection closed on a framing error.
func (m *Metrics) RecordFramingError() {
	m.FramingErrors.Inc()
}

// RecordForward records a forwarded datagram.
func (m *Metrics) RecordForward(path string) {
	m.Forwards.WithLabelValues(path).Inc()
}

// RecordForwardDropped records a dropped datagram.
func (m *Metrics) RecordForwardDropped(reason string) {
	m.ForwardsDropped.WithLabelValues(reason).Inc()
}

// SetUDPSockets sets the bound relay socket count.
func (m *Metrics) SetUDPSockets(count int) {
	m.UDPSockets.Set(float64(count))
}

// RecordAuth records an authentication outcome.
func (m *Metrics) RecordAuth(result string) {
	m.AuthResults.WithLabelValues(result).Inc()
}

// SetRoomIdentities sets the room identity list length.
func (m *Metrics) SetRoomIdentities(count int) {
	m.RoomIdentities.Set(float64(count))
}

// RecordRosterBroadcast records a roster package sent to one peer.
func (m *Metrics) RecordRosterBroadcast() {
	m.RosterBroadcasts.Inc()
}
