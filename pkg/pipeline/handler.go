package pipeline

import (
	"fmt"

	"github.com/marmos91/dittogw/internal/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/marmos91/dittogw/pkg/pipeline"

// InboundHandler receives every aggregated request of a connection.
//
// Implementations answer with ctx.Respond, or pass the request onward with
// ctx.FireInbound. They run on the worker loop that owns the connection, so
// they must not block, and a single value is shared by every worker, so
// they must be safe for concurrent use. A returned error closes the
// connection.
type InboundHandler interface {
	HandleRequest(ctx *Context, req *Request) error
}

// InboundHandlerFunc adapts a function to InboundHandler.
type InboundHandlerFunc func(ctx *Context, req *Request) error

func (f InboundHandlerFunc) HandleRequest(ctx *Context, req *Request) error {
	return f(ctx, req)
}

// OutboundHandler sees every response before it is encoded. Returning a nil
// response drops it. The same concurrency rules as InboundHandler apply.
type OutboundHandler interface {
	HandleResponse(ctx *Context, resp *Response) (*Response, error)
}

// OutboundHandlerFunc adapts a function to OutboundHandler.
type OutboundHandlerFunc func(ctx *Context, resp *Response) (*Response, error)

func (f OutboundHandlerFunc) HandleResponse(ctx *Context, resp *Response) (*Response, error) {
	return f(ctx, resp)
}

// ConnectionObserver can be implemented by an InboundHandler that keeps
// per-connection state and needs to release it on close.
type ConnectionObserver interface {
	ConnectionClosed(ctx *Context)
}

// PassThroughOutbound forwards responses unchanged.
type PassThroughOutbound struct{}

func (PassThroughOutbound) HandleResponse(_ *Context, resp *Response) (*Response, error) {
	return resp, nil
}

// inboundHandlerStage hosts the business InboundHandler.
type inboundHandlerStage struct {
	handler InboundHandler
	tracer  trace.Tracer
}

func newInboundHandlerStage(h InboundHandler) *inboundHandlerStage {
	return &inboundHandlerStage{
		handler: h,
		tracer:  otel.Tracer(tracerName),
	}
}

func (s *inboundHandlerStage) Name() string { return StageInboundHandler }

func (s *inboundHandlerStage) Capabilities() Capability {
	return CapInbound | CapShortCircuit
}

func (s *inboundHandlerStage) HandleInbound(ctx *Context, msg any) error {
	req, ok := msg.(*Request)
	if !ok {
		return ctx.FireInbound(msg)
	}

	spanCtx, span := s.tracer.Start(ctx.Context(), "gateway.handle_request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.URI),
			attribute.String("dittogw.connection.id", ctx.ConnID()),
			attribute.Int("dittogw.worker.id", ctx.WorkerID()),
		),
	)
	defer span.End()

	ctx.reqCtx = spanCtx
	defer func() { ctx.reqCtx = nil }()

	if err := s.handler.HandleRequest(ctx, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %w", ErrHandler, err)
	}
	return nil
}

func (s *inboundHandlerStage) OnClose(ctx *Context) {
	if obs, ok := s.handler.(ConnectionObserver); ok {
		obs.ConnectionClosed(ctx)
	}
}

// outboundHandlerStage hosts the business OutboundHandler.
type outboundHandlerStage struct {
	handler OutboundHandler
}

func (s *outboundHandlerStage) Name() string { return StageOutboundHandler }

func (s *outboundHandlerStage) Capabilities() Capability { return CapOutbound }

func (s *outboundHandlerStage) HandleOutbound(ctx *Context, msg any) error {
	resp, ok := msg.(*Response)
	if !ok {
		return ctx.Write(msg)
	}

	out, err := s.handler.HandleResponse(ctx, resp)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandler, err)
	}
	if out == nil {
		logger.Debug("Conn %s: outbound handler dropped %d response", ctx.ConnID(), resp.StatusCode)
		return nil
	}
	return ctx.Write(out)
}
