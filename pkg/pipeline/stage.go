package pipeline

// Capability describes what a stage may do.
type Capability uint8

const (
	// CapInbound marks stages that consume inbound messages.
	CapInbound Capability = 1 << iota

	// CapOutbound marks stages that consume outbound messages.
	CapOutbound

	// CapShortCircuit marks inbound stages allowed to write a response
	// instead of (or in addition to) passing the message onward.
	CapShortCircuit
)

// Has reports whether c includes all of other.
func (c Capability) Has(other Capability) bool {
	return c&other == other
}

// Stage names used by Factory.
const (
	StageResponseEncoder = "response-encoder"
	StageRequestDecoder  = "request-decoder"
	StageResponseDecoder = "response-decoder"
	StageAggregator      = "aggregator"
	StageInboundHandler  = "inbound-handler"
	StageOutboundHandler = "outbound-handler"
)

// Stage is one transformation step of a pipeline.
type Stage interface {
	Name() string
	Capabilities() Capability
}

// InboundStage consumes messages travelling toward the tail. Implementations
// call ctx.FireInbound to pass a (possibly transformed) message onward.
type InboundStage interface {
	Stage
	HandleInbound(ctx *Context, msg any) error
}

// OutboundStage consumes messages travelling toward the head. Implementations
// call ctx.Write to pass a (possibly transformed) message onward.
type OutboundStage interface {
	Stage
	HandleOutbound(ctx *Context, msg any) error
}

// closeAware stages are told when the connection goes away.
type closeAware interface {
	OnClose(ctx *Context)
}

// idleAware stages report whether they hold a partially processed message.
type idleAware interface {
	Idle() bool
}
