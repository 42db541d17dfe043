package pipeline

import (
	"errors"
	"fmt"

	"github.com/marmos91/dittogw/pkg/metrics"
)

// FactoryConfig controls the stages attached to every pipeline.
type FactoryConfig struct {
	// MaxContentLength is the aggregation limit in bytes.
	MaxContentLength int

	// Limits bounds the request decoder.
	Limits DecoderLimits

	// AttachResponseDecoder adds the response-decoder stage between the
	// request decoder and the aggregator.
	AttachResponseDecoder bool
}

// Factory builds one Pipeline per accepted connection. Every pipeline it
// builds has the same stage order; stage instances are never shared between
// connections, the business handlers are.
type Factory struct {
	config   FactoryConfig
	inbound  InboundHandler
	outbound OutboundHandler
	metrics  metrics.GatewayMetrics
}

// NewFactory validates the configuration and captures the business handlers.
// A nil outbound handler is replaced by PassThroughOutbound.
func NewFactory(config FactoryConfig, inbound InboundHandler, outbound OutboundHandler, m metrics.GatewayMetrics) (*Factory, error) {
	if inbound == nil {
		return nil, errors.New("pipeline: inbound handler is required")
	}
	if config.MaxContentLength <= 0 {
		return nil, fmt.Errorf("pipeline: max content length must be positive, got %d", config.MaxContentLength)
	}
	if outbound == nil {
		outbound = PassThroughOutbound{}
	}
	config.Limits = config.Limits.withDefaults()

	return &Factory{
		config:   config,
		inbound:  inbound,
		outbound: outbound,
		metrics:  metrics.OrNoop(m),
	}, nil
}

// Build attaches a fresh set of stages to transport.
func (f *Factory) Build(transport Transport, info ConnInfo) *Pipeline {
	stages := make([]Stage, 0, 6)
	stages = append(stages,
		NewResponseEncoder(f.metrics),
		NewRequestDecoder(f.config.Limits),
	)
	if f.config.AttachResponseDecoder {
		stages = append(stages, NewResponseDecoder())
	}
	stages = append(stages,
		NewAggregator(f.config.MaxContentLength),
		newInboundHandlerStage(f.inbound),
		&outboundHandlerStage{handler: f.outbound},
	)
	return New(transport, info, stages...)
}

// StageNames returns the stage order of built pipelines, head first.
func (f *Factory) StageNames() []string {
	names := []string{StageResponseEncoder, StageRequestDecoder}
	if f.config.AttachResponseDecoder {
		names = append(names, StageResponseDecoder)
	}
	return append(names, StageAggregator, StageInboundHandler, StageOutboundHandler)
}

// Config returns the factory configuration with defaults applied.
func (f *Factory) Config() FactoryConfig {
	return f.config
}
