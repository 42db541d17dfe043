package config

import (
	"fmt"

	"github.com/marmos91/dittogw/pkg/handlers"
	"github.com/marmos91/dittogw/pkg/pipeline"
)

// CreateHandlers builds the configured inbound and outbound handlers.
//
// Options are decoded strictly: unknown keys and ill-typed values are
// reported with the handler section they came from.
func CreateHandlers(cfg *HandlersConfig) (pipeline.InboundHandler, pipeline.OutboundHandler, error) {
	in, err := handlers.NewInbound(cfg.Inbound.Type, cfg.Inbound.Options)
	if err != nil {
		return nil, nil, fmt.Errorf("handlers.inbound: %w", err)
	}

	out, err := handlers.NewOutbound(cfg.Outbound.Type, cfg.Outbound.Options)
	if err != nil {
		return nil, nil, fmt.Errorf("handlers.outbound: %w", err)
	}

	return in, out, nil
}
