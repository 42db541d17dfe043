package handlers

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/marmos91/dittogw/pkg/pipeline"
	"github.com/mitchellh/mapstructure"
)

// Handler type names used in the configuration file.
const (
	TypeEcho        = "echo"
	TypeStatic      = "static"
	TypeHeaders     = "headers"
	TypePassThrough = "passthrough"
)

type inboundFactory func(options map[string]any) (pipeline.InboundHandler, error)

type outboundFactory func(options map[string]any) (pipeline.OutboundHandler, error)

var inboundFactories = map[string]inboundFactory{
	TypeEcho:   newEcho,
	TypeStatic: newStatic,
}

var outboundFactories = map[string]outboundFactory{
	TypeHeaders:     newHeaders,
	TypePassThrough: newPassThrough,
}

// NewInbound builds the inbound handler named by kind from its options.
func NewInbound(kind string, options map[string]any) (pipeline.InboundHandler, error) {
	factory, ok := inboundFactories[kind]
	if !ok {
		return nil, fmt.Errorf("unknown inbound handler type %q (available: %v)", kind, InboundTypes())
	}
	return factory(options)
}

// NewOutbound builds the outbound handler named by kind from its options.
// An empty kind selects passthrough.
func NewOutbound(kind string, options map[string]any) (pipeline.OutboundHandler, error) {
	if kind == "" {
		kind = TypePassThrough
	}
	factory, ok := outboundFactories[kind]
	if !ok {
		return nil, fmt.Errorf("unknown outbound handler type %q (available: %v)", kind, OutboundTypes())
	}
	return factory(options)
}

// InboundTypes lists the registered inbound handler types.
func InboundTypes() []string {
	return sortedKeys(inboundFactories)
}

// OutboundTypes lists the registered outbound handler types.
func OutboundTypes() []string {
	return sortedKeys(outboundFactories)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// decode fills target from options. Unknown keys are an error so that
// typos in the configuration file do not go unnoticed.
func decode(options map[string]any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           target,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return decoder.Decode(options)
}

func validStatus(status int) bool {
	return status >= 200 && status <= 599
}

func newEcho(options map[string]any) (pipeline.InboundHandler, error) {
	h := &Echo{}
	if err := decode(options, h); err != nil {
		return nil, fmt.Errorf("failed to decode echo handler options: %w", err)
	}

	if h.Status == 0 {
		h.Status = http.StatusOK
	}
	if !validStatus(h.Status) {
		return nil, fmt.Errorf("echo handler: invalid status %d", h.Status)
	}
	return h, nil
}

func newStatic(options map[string]any) (pipeline.InboundHandler, error) {
	h := &Static{}
	if err := decode(options, h); err != nil {
		return nil, fmt.Errorf("failed to decode static handler options: %w", err)
	}

	if h.Status == 0 {
		h.Status = http.StatusOK
	}
	if !validStatus(h.Status) {
		return nil, fmt.Errorf("static handler: invalid status %d", h.Status)
	}
	if h.ContentType == "" {
		h.ContentType = "text/plain; charset=utf-8"
	}
	return h, nil
}

func newHeaders(options map[string]any) (pipeline.OutboundHandler, error) {
	h := &Headers{}
	if err := decode(options, h); err != nil {
		return nil, fmt.Errorf("failed to decode headers handler options: %w", err)
	}
	return h, nil
}

func newPassThrough(options map[string]any) (pipeline.OutboundHandler, error) {
	if len(options) > 0 {
		return nil, fmt.Errorf("passthrough handler takes no options")
	}
	return pipeline.PassThroughOutbound{}, nil
}
