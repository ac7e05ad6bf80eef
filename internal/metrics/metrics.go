// Package metrics exposes soxy's runtime counters over Prometheus. It is
// intentionally small: chunk throughput by kind, active clients in the
// multiplexer's table, in-flight transport sends, and bytes relayed per
// service, served on a net/http handler.
package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wb-airbus/soxy/internal/chunk"
)

// Metrics bundles every soxy Prometheus collector.
type Metrics struct {
	ChunksSent     *prometheus.CounterVec
	ChunksReceived *prometheus.CounterVec
	ActiveClients  prometheus.Gauge
	InFlightSends  prometheus.Gauge
	BytesRelayed   *prometheus.CounterVec
}

// New registers and returns soxy's collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChunksSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "soxy",
			Name:      "chunks_sent_total",
			Help:      "Chunks handed to the transport, by kind.",
		}, []string{"kind"}),
		ChunksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "soxy",
			Name:      "chunks_received_total",
			Help:      "Chunks decoded from the transport, by kind.",
		}, []string{"kind"}),
		ActiveClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "soxy",
			Name:      "active_clients",
			Help:      "Logical streams currently registered in the client table.",
		}),
		InFlightSends: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "soxy",
			Name:      "inflight_sends",
			Help:      "Transport sends accepted by the host but not yet reported complete.",
		}),
		BytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "soxy",
			Name:      "bytes_relayed_total",
			Help:      "Bytes relayed through a service, by service name and direction.",
		}, []string{"service", "direction"}),
	}
	reg.MustRegister(m.ChunksSent, m.ChunksReceived, m.ActiveClients, m.InFlightSends, m.BytesRelayed)
	return m
}

// ObserveSent increments ChunksSent for kind k.
func (m *Metrics) ObserveSent(k chunk.Kind) {
	m.ChunksSent.WithLabelValues(k.String()).Inc()
}

// ObserveReceived increments ChunksReceived for kind k.
func (m *Metrics) ObserveReceived(k chunk.Kind) {
	m.ChunksReceived.WithLabelValues(k.String()).Inc()
}

// CountConn wraps conn so every byte read from or written to it increments
// BytesRelayed for service: bytes read from conn (sent by the local client)
// are labeled "in", bytes written to conn are labeled "out".
func (m *Metrics) CountConn(conn net.Conn, service string) net.Conn {
	return &countedConn{
		Conn: conn,
		in:   m.BytesRelayed.WithLabelValues(service, "in"),
		out:  m.BytesRelayed.WithLabelValues(service, "out"),
	}
}

type countedConn struct {
	net.Conn
	in  prometheus.Counter
	out prometheus.Counter
}

func (c *countedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.in.Add(float64(n))
	}
	return n, err
}

func (c *countedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.out.Add(float64(n))
	}
	return n, err
}

// Handler returns an http.Handler exposing the default registry's collectors
// at the usual /metrics convention.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns an http.Handler exposing g's collectors, for callers
// that keep their own registry instead of the process-wide default.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
