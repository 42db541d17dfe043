// Package metrics provides Prometheus metrics collection for the gateway.
//
// Metrics are optional. Components receive a GatewayMetrics value; when the
// host does not enable metrics they get the no-op implementation, which has
// zero overhead.
//
// Usage:
//
//	// Host process (cmd/dittogw)
//	metrics.InitRegistry()
//	gw := promMetrics.NewGatewayMetrics(metrics.GetRegistry())
//	srv, err := server.New(cfg, inbound, outbound, server.WithMetrics(gw))
//
//	// Tests and embedded use
//	srv, err := server.New(cfg, inbound, outbound) // no metrics
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// registry is the process registry exposed by the metrics HTTP server.
	// Protected by registryOnce for write-once, read-many access.
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the process-wide Prometheus registry.
//
// Only the host process should call this. Library code takes a
// prometheus.Registerer explicitly so several gateways can live in one
// process (tests) without colliding on metric names.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		)
	})
}

// GetRegistry returns the process registry, or nil if InitRegistry was not
// called.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled returns true if InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
