//go:build !linux

package metrics

import (
	"net"

	"github.com/prometheus/client_golang/prometheus"
)

// TCPInfoCollector is a no-op stand-in on platforms other than Linux, where
// TCP_INFO's wire layout and getsockopt plumbing are not portable. Add/Remove
// are safe no-ops so callers do not need build-tag branches of their own.
type TCPInfoCollector struct{}

// NewTCPInfoCollector builds a no-op collector on non-Linux platforms.
func NewTCPInfoCollector(connectionLabels []string) *TCPInfoCollector { return &TCPInfoCollector{} }

// Add is a no-op on non-Linux platforms.
func (c *TCPInfoCollector) Add(conn net.Conn, labels []string) {}

// Remove is a no-op on non-Linux platforms.
func (c *TCPInfoCollector) Remove(conn net.Conn) {}

// Describe implements prometheus.Collector with no descriptors.
func (c *TCPInfoCollector) Describe(descs chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector with no metrics.
func (c *TCPInfoCollector) Collect(out chan<- prometheus.Metric) {}
