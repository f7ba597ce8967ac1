// Package metrics exposes Prometheus collectors for the transport.
//
// A nil *Collector is valid and records nothing, so callers can run with
// metrics disabled without branching.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons for PacketDropped.
const (
	DropShort         = "short"
	DropForeignAppID  = "foreign_app_id"
	DropUnknownType   = "unknown_type"
	DropUnknownSender = "unknown_sender"
	DropDuplicate     = "duplicate"
	DropBadMessage    = "bad_message"
)

// Config configures a Collector.
type Config struct {
	Namespace string
	Registry  *prometheus.Registry
	// RuntimeCollectors adds the Go and process collectors.
	RuntimeCollectors bool
}

// Option configures a Collector.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) { c.Namespace = namespace }
}

// WithRegistry sets the registry the collectors register with.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(c *Config) { c.Registry = reg }
}

// WithRuntimeCollectors adds the Go runtime and process collectors.
func WithRuntimeCollectors() Option {
	return func(c *Config) { c.RuntimeCollectors = true }
}

// Collector holds the transport metrics.
type Collector struct {
	registry *prometheus.Registry

	packetsSent     *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
	packetsDropped  *prometheus.CounterVec
	bytesSent       prometheus.Counter
	bytesReceived   prometheus.Counter

	connectedClients prometheus.Gauge
	connectionsTotal prometheus.Counter
	disconnects      *prometheus.CounterVec
	denied           *prometheus.CounterVec

	acksTotal    prometheus.Counter
	roundTrip    prometheus.Histogram
	tickDuration prometheus.Histogram
}

// New creates a Collector on its own registry unless WithRegistry is given.
func New(opts ...Option) *Collector {
	cfg := Config{Namespace: "kgnet"}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.RuntimeCollectors {
		cfg.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	factory := promauto.With(cfg.Registry)
	ns := cfg.Namespace

	return &Collector{
		registry: cfg.Registry,

		packetsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "packets_sent_total",
			Help:      "Packets sent, by packet type",
		}, []string{"type"}),

		packetsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "packets_received_total",
			Help:      "Packets accepted, by packet type",
		}, []string{"type"}),

		packetsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "packets_dropped_total",
			Help:      "Packets dropped before dispatch, by reason",
		}, []string{"reason"}),

		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "bytes_sent_total",
			Help:      "Bytes handed to the socket",
		}),

		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "bytes_received_total",
			Help:      "Bytes read from the socket",
		}),

		connectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "connected_clients",
			Help:      "Occupied connection slots",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "connections_total",
			Help:      "Connections admitted",
		}),

		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "disconnects_total",
			Help:      "Connections released, by reason",
		}, []string{"reason"}),

		denied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "connections_denied_total",
			Help:      "Connection requests refused, by reason",
		}, []string{"reason"}),

		acksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "acks_total",
			Help:      "Local packets acknowledged by peers",
		}),

		roundTrip: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "round_trip_seconds",
			Help:      "Round trip samples taken from acknowledgements",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),

		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one network tick",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05},
		}),
	}
}

// Registry returns the registry the collectors live in.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) PacketSent(packetType string, size int) {
	if c == nil {
		return
	}
	c.packetsSent.WithLabelValues(packetType).Inc()
	c.bytesSent.Add(float64(size))
}

func (c *Collector) PacketReceived(packetType string, size int) {
	if c == nil {
		return
	}
	c.packetsReceived.WithLabelValues(packetType).Inc()
	c.bytesReceived.Add(float64(size))
}

func (c *Collector) PacketDropped(reason string) {
	if c == nil {
		return
	}
	c.packetsDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) SetConnectedClients(n int) {
	if c == nil {
		return
	}
	c.connectedClients.Set(float64(n))
}

func (c *Collector) ConnectionAdmitted() {
	if c == nil {
		return
	}
	c.connectionsTotal.Inc()
}

func (c *Collector) Disconnected(reason string) {
	if c == nil {
		return
	}
	c.disconnects.WithLabelValues(reason).Inc()
}

func (c *Collector) ConnectionDenied(reason string) {
	if c == nil {
		return
	}
	c.denied.WithLabelValues(reason).Inc()
}

// Acked records one acknowledged packet and its round trip.
func (c *Collector) Acked(rtt time.Duration) {
	if c == nil {
		return
	}
	c.acksTotal.Inc()
	if rtt > 0 {
		c.roundTrip.Observe(rtt.Seconds())
	}
}

func (c *Collector) ObserveTick(d time.Duration) {
	if c == nil {
		return
	}
	c.tickDuration.Observe(d.Seconds())
}
