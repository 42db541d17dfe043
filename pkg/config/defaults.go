package config

import (
	"runtime"
	"strings"

	"github.com/marmos91/dittogw/pkg/handlers"
	"github.com/spf13/viper"
)

const (
	DefaultGatewayPort = 8080
	DefaultBacklogSize = 128
	DefaultMetricsPort = 9090
)

// DefaultWorkerPoolSize is twice the number of CPUs.
func DefaultWorkerPoolSize() int {
	return runtime.NumCPU() * 2
}

// setViperDefaults registers the keys that environment variables may
// override. Booleans that default to true must be set here: ApplyDefaults
// cannot tell an explicit false from a missing value.
func setViperDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("server.metrics.enabled", false)
	v.SetDefault("server.metrics.port", DefaultMetricsPort)

	v.SetDefault("gateway.host", "")
	v.SetDefault("gateway.port", DefaultGatewayPort)
	v.SetDefault("gateway.backlog_size", DefaultBacklogSize)
	v.SetDefault("gateway.worker_pool_size", DefaultWorkerPoolSize())
	v.SetDefault("gateway.tcp_no_delay", true)
	v.SetDefault("gateway.max_connections", 0)
	v.SetDefault("gateway.max_content_length_kb", 0)
	v.SetDefault("gateway.shutdown_timeout", "30s")

	v.SetDefault("handlers.inbound.type", handlers.TypeEcho)
	v.SetDefault("handlers.outbound.type", handlers.TypePassThrough)
}

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values are replaced with defaults; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyGatewayDefaults(cfg)
	applyHandlersDefaults(&cfg.Handlers)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = DefaultMetricsPort
	}
}

func applyGatewayDefaults(cfg *Config) {
	gw := &cfg.Gateway
	if gw.Port == 0 {
		gw.Port = DefaultGatewayPort
	}
	if gw.BacklogSize == 0 {
		gw.BacklogSize = DefaultBacklogSize
	}
	if gw.WorkerPoolSize == 0 {
		gw.WorkerPoolSize = DefaultWorkerPoolSize()
	}
	gw.ApplyDefaults()
}

func applyHandlersDefaults(cfg *HandlersConfig) {
	if cfg.Inbound.Type == "" {
		cfg.Inbound.Type = handlers.TypeEcho
	}
	if cfg.Outbound.Type == "" {
		cfg.Outbound.Type = handlers.TypePassThrough
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{}
	cfg.Gateway.TCPNoDelay = true

	ApplyDefaults(cfg)
	return cfg
}
