package server

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/marmos91/dittogw/pkg/pipeline"
	"github.com/marmos91/dittogw/pkg/worker"
)

// validate is the singleton validator instance
var validate = validator.New()

// Config holds the gateway settings. The server keeps its own copy, so
// changes after New have no effect.
type Config struct {
	// Host is the address to bind. Empty binds every IPv4 interface.
	Host string `mapstructure:"host" yaml:"host" validate:"omitempty,ip"`

	// Port is the TCP port to listen on. Must be > 0.
	Port int `mapstructure:"port" yaml:"port" validate:"required,min=1,max=65535"`

	// BacklogSize is the pending-connection queue length requested from
	// the kernel. Advisory: the kernel may cap it.
	BacklogSize int `mapstructure:"backlog_size" yaml:"backlog_size" validate:"required,gt=0"`

	// WorkerPoolSize is the number of worker event loops. Fixed for the life
	// of the server.
	WorkerPoolSize int `mapstructure:"worker_pool_size" yaml:"worker_pool_size" validate:"required,gte=1"`

	// MaxContentLengthKB caps aggregated request bodies, in units of 1024
	// bytes. If 0, defaults to 2000.
	MaxContentLengthKB int `mapstructure:"max_content_length_kb" yaml:"max_content_length_kb" validate:"gt=0"`

	// Assignment selects how connections are spread over workers:
	// round_robin (default) or least_loaded.
	Assignment string `mapstructure:"assignment" yaml:"assignment" validate:"omitempty,oneof=round_robin least_loaded"`

	// TCPNoDelay disables Nagle's algorithm on accepted sockets.
	TCPNoDelay bool `mapstructure:"tcp_no_delay" yaml:"tcp_no_delay"`

	// MaxConnections limits concurrently served connections.
	// 0 means unlimited.
	MaxConnections int `mapstructure:"max_connections" yaml:"max_connections" validate:"min=0"`

	// AcceptRate limits new connections per second, with bursts of up to
	// AcceptBurst. 0 means unlimited.
	AcceptRate  uint `mapstructure:"accept_rate" yaml:"accept_rate"`
	AcceptBurst uint `mapstructure:"accept_burst" yaml:"accept_burst"`

	// ReadBufferSize is the per-connection socket read buffer.
	ReadBufferSize int `mapstructure:"read_buffer_size" yaml:"read_buffer_size" validate:"gt=0"`

	// IdleTimeout closes connections that send nothing for this long.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" validate:"min=0"`

	// WriteTimeout bounds each socket write so a stalled client cannot hold
	// its worker.
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"min=0"`

	// ShutdownTimeout is how long Shutdown waits for connections to finish
	// before force-closing them.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`

	// MetricsLogInterval is how often connection statistics are logged.
	MetricsLogInterval time.Duration `mapstructure:"metrics_log_interval" yaml:"metrics_log_interval" validate:"min=0"`

	// Request decoder limits, in bytes.
	MaxInitialLineLength int `mapstructure:"max_initial_line_length" yaml:"max_initial_line_length" validate:"gt=0"`
	MaxHeaderSize        int `mapstructure:"max_header_size" yaml:"max_header_size" validate:"gt=0"`
	MaxChunkSize         int `mapstructure:"max_chunk_size" yaml:"max_chunk_size" validate:"gt=0"`

	// AttachResponseDecoder adds the pass-through response-decoder stage to
	// every pipeline.
	AttachResponseDecoder bool `mapstructure:"attach_response_decoder" yaml:"attach_response_decoder"`
}

// ApplyDefaults fills zero optional fields. Port, BacklogSize and
// WorkerPoolSize are required and left alone.
func (c *Config) ApplyDefaults() {
	if c.MaxContentLengthKB == 0 {
		c.MaxContentLengthKB = 2000
	}
	if c.Assignment == "" {
		c.Assignment = worker.PolicyRoundRobin
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = worker.DefaultReadBufferSize
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.MetricsLogInterval == 0 {
		c.MetricsLogInterval = 5 * time.Minute
	}
	if c.MaxInitialLineLength == 0 {
		c.MaxInitialLineLength = pipeline.DefaultMaxInitialLineLength
	}
	if c.MaxHeaderSize == 0 {
		c.MaxHeaderSize = pipeline.DefaultMaxHeaderSize
	}
	if c.MaxChunkSize == 0 {
		c.MaxChunkSize = pipeline.DefaultMaxChunkSize
	}
}

// Validate checks the configuration. It is called by New, before anything
// is bound.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// MaxContentLengthBytes returns the aggregation limit in bytes.
func (c *Config) MaxContentLengthBytes() int {
	return c.MaxContentLengthKB * 1024
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
