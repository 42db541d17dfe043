package e2e

import (
	"fmt"

	"github.com/marmos91/dittogw/pkg/config"
	"github.com/marmos91/dittogw/pkg/handlers"
	"github.com/marmos91/dittogw/pkg/worker"
)

// TestConfig holds the configuration for a test run
type TestConfig struct {
	Name string

	// Assignment is the worker assignment policy
	Assignment string

	// Outbound selects the outbound handler; inbound is always echo
	Outbound config.HandlerConfig

	// MaxContentLengthKB caps aggregated bodies
	MaxContentLengthKB int
}

// String returns a string representation of the configuration
func (tc *TestConfig) String() string {
	return fmt.Sprintf("%s/%s", tc.Assignment, tc.Outbound.Type)
}

// Gateway builds the full configuration for a gateway listening on port.
func (tc *TestConfig) Gateway(port int) *config.Config {
	cfg := config.GetDefaultConfig()

	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = port
	cfg.Gateway.WorkerPoolSize = 4
	cfg.Gateway.Assignment = tc.Assignment
	cfg.Gateway.MaxContentLengthKB = tc.MaxContentLengthKB
	cfg.Gateway.MetricsLogInterval = 0

	cfg.Handlers.Inbound = config.HandlerConfig{Type: handlers.TypeEcho}
	cfg.Handlers.Outbound = tc.Outbound

	return cfg
}

// HasHeadersHandler reports whether responses go through the headers handler.
func (tc *TestConfig) HasHeadersHandler() bool {
	return tc.Outbound.Type == handlers.TypeHeaders
}

// AllConfigurations returns the configurations every test runs against.
func AllConfigurations() []*TestConfig {
	headers := config.HandlerConfig{
		Type: handlers.TypeHeaders,
		Options: map[string]any{
			"set":               map[string]any{"Server": "dittogw"},
			"request_id_header": "X-Request-Id",
			"date":              true,
		},
	}

	return []*TestConfig{
		{
			Name:               "RoundRobin",
			Assignment:         worker.PolicyRoundRobin,
			Outbound:           config.HandlerConfig{Type: handlers.TypePassThrough},
			MaxContentLengthKB: 1,
		},
		{
			Name:               "LeastLoaded",
			Assignment:         worker.PolicyLeastLoaded,
			Outbound:           config.HandlerConfig{Type: handlers.TypePassThrough},
			MaxContentLengthKB: 1,
		},
		{
			Name:               "HeadersHandler",
			Assignment:         worker.PolicyRoundRobin,
			Outbound:           headers,
			MaxContentLengthKB: 1,
		},
	}
}
