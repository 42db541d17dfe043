package config

import (
	"github.com/marmos91/dittogw/pkg/metrics"
	promMetrics "github.com/marmos91/dittogw/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// GatewayMetrics is handed to server.New (never nil, uses noop if disabled)
	GatewayMetrics metrics.GatewayMetrics
}

// InitializeMetrics creates the metrics components selected by cfg.
//
// If metrics are disabled, the server is nil and GatewayMetrics is the
// no-op implementation. healthy backs the /healthz endpoint and may be nil.
func InitializeMetrics(cfg *Config, healthy func() bool) *MetricsResult {
	if !cfg.Server.Metrics.Enabled {
		return &MetricsResult{
			Server:         nil,
			GatewayMetrics: metrics.NewNoopGatewayMetrics(),
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Port:     cfg.Server.Metrics.Port,
		Gatherer: metrics.GetRegistry(),
		Healthy:  healthy,
	})

	return &MetricsResult{
		Server:         server,
		GatewayMetrics: promMetrics.NewGatewayMetrics(metrics.GetRegistry()),
	}
}
