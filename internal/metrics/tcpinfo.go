//go:build linux

package metrics

import (
	"net"
	"sync"

	"github.com/docker/docker/pkg/parsers/kernel"
	"github.com/higebu/netfd"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

// TCPInfoCollector samples kernel TCP_INFO for a set of tracked net.Conns
// and reports RTT as a Prometheus gauge vec keyed by the same connection
// labels svctable uses for its per-service accept loops. Collection is
// gated on the running kernel version advertising TCP_INFO support.
type TCPInfoCollector struct {
	rttDesc *prometheus.Desc

	mu    sync.Mutex
	conns map[net.Conn]connEntry

	supported bool
}

type connEntry struct {
	fd     int
	labels []string
}

// NewTCPInfoCollector builds a collector. connectionLabels names the label
// dimensions supplied per Add call (e.g. "service", "client_id").
func NewTCPInfoCollector(connectionLabels []string) *TCPInfoCollector {
	supported := true
	if v, err := kernel.GetKernelVersion(); err == nil {
		supported = kernel.CompareKernelVersion(*v, kernel.VersionInfo{Kernel: 2, Major: 6, Minor: 0}) >= 0
	}
	return &TCPInfoCollector{
		rttDesc: prometheus.NewDesc("soxy_tcp_rtt_microseconds", "Smoothed RTT reported by the kernel's TCP_INFO for a tracked connection.",
			connectionLabels, nil),
		conns:     make(map[net.Conn]connEntry),
		supported: supported,
	}
}

// Add starts tracking conn under labels. Remove must be called once conn is
// closed.
func (c *TCPInfoCollector) Add(conn net.Conn, labels []string) {
	if !c.supported {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[conn] = connEntry{fd: netfd.GetFdFromConn(conn), labels: labels}
}

// Remove stops tracking conn.
func (c *TCPInfoCollector) Remove(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, conn)
}

// Describe implements prometheus.Collector.
func (c *TCPInfoCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.rttDesc
}

// Collect implements prometheus.Collector.
func (c *TCPInfoCollector) Collect(out chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for conn, entry := range c.conns {
		info, err := unix.GetsockoptTCPInfo(entry.fd, unix.IPPROTO_TCP, unix.TCP_INFO)
		if err != nil {
			delete(c.conns, conn)
			continue
		}
		out <- prometheus.MustNewConstMetric(c.rttDesc, prometheus.GaugeValue, float64(info.Rtt), entry.labels...)
	}
}
