package pipeline

import (
	"context"
	"net"
	"net/http"

	"github.com/marmos91/dittogw/internal/logger"
)

// Transport is the byte sink a pipeline writes to, typically the client
// socket. Both methods are only called from the owning worker.
type Transport interface {
	// Write sends encoded bytes to the peer.
	Write(p []byte) error

	// Close releases the connection. It must be idempotent.
	Close() error
}

// ConnInfo describes the connection a pipeline is bound to.
type ConnInfo struct {
	// ID uniquely identifies the connection for its lifetime.
	ID string

	// WorkerID is the index of the owning worker.
	WorkerID int

	RemoteAddr net.Addr
	LocalAddr  net.Addr

	// Ctx is cancelled when the connection is torn down. nil means
	// context.Background().
	Ctx context.Context
}

// Pipeline is the ordered chain of stages bound to one connection.
//
// Not safe for concurrent use; see the package documentation.
type Pipeline struct {
	info      ConnInfo
	transport Transport
	contexts  []*Context

	// keepAlive tracks whether the last decoded request allows reuse of the
	// connection. Set by the aggregator, read by the encoder.
	keepAlive bool

	closed bool
}

// New binds stages, in order, to transport.
func New(transport Transport, info ConnInfo, stages ...Stage) *Pipeline {
	if info.Ctx == nil {
		info.Ctx = context.Background()
	}

	p := &Pipeline{
		info:      info,
		transport: transport,
		contexts:  make([]*Context, 0, len(stages)),
		keepAlive: true,
	}
	for i, s := range stages {
		p.contexts = append(p.contexts, &Context{
			pipeline: p,
			index:    i,
			stage:    s,
		})
	}
	return p
}

// Names returns the stage names in order, head first.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.contexts))
	for i, c := range p.contexts {
		names[i] = c.stage.Name()
	}
	return names
}

// Stage returns the stage registered under name, or nil.
func (p *Pipeline) Stage(name string) Stage {
	for _, c := range p.contexts {
		if c.stage.Name() == name {
			return c.stage
		}
	}
	return nil
}

// Info returns the connection description.
func (p *Pipeline) Info() ConnInfo {
	return p.info
}

// FireInbound feeds msg into the first inbound stage.
func (p *Pipeline) FireInbound(msg any) error {
	return p.fireInboundFrom(-1, msg)
}

// Write feeds msg into the last outbound stage, so it traverses every
// outbound stage on its way to the transport.
func (p *Pipeline) Write(msg any) error {
	return p.writeFrom(len(p.contexts), msg)
}

// Close closes the transport. Messages fired after Close are dropped.
func (p *Pipeline) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return p.transport.Close()
}

// Closed reports whether Close has been called.
func (p *Pipeline) Closed() bool {
	return p.closed
}

// FireClosed notifies every stage that the connection is gone so they can
// release buffered state. Safe to call more than once.
func (p *Pipeline) FireClosed() {
	p.closed = true
	for _, c := range p.contexts {
		if ca, ok := c.stage.(closeAware); ok {
			ca.OnClose(c)
		}
	}
}

// Idle reports whether no stage holds a partially processed message. A
// draining worker closes idle connections immediately.
func (p *Pipeline) Idle() bool {
	for _, c := range p.contexts {
		if ia, ok := c.stage.(idleAware); ok && !ia.Idle() {
			return false
		}
	}
	return true
}

// KeepAlive reports whether the connection may serve another request.
func (p *Pipeline) KeepAlive() bool {
	return p.keepAlive
}

// SetKeepAlive records whether the current request allows connection reuse.
func (p *Pipeline) SetKeepAlive(keepAlive bool) {
	p.keepAlive = keepAlive
}

func (p *Pipeline) fireInboundFrom(index int, msg any) error {
	if p.closed {
		return nil
	}

	for i := index + 1; i < len(p.contexts); i++ {
		c := p.contexts[i]
		in, ok := c.stage.(InboundStage)
		if !ok || !c.stage.Capabilities().Has(CapInbound) {
			continue
		}
		return wrapStageError(c.stage.Name(), in.HandleInbound(c, msg))
	}

	return p.unhandledInbound(msg)
}

func (p *Pipeline) writeFrom(index int, msg any) error {
	if p.closed {
		return nil
	}

	for i := index - 1; i >= 0; i-- {
		c := p.contexts[i]
		out, ok := c.stage.(OutboundStage)
		if !ok || !c.stage.Capabilities().Has(CapOutbound) {
			continue
		}
		return wrapStageError(c.stage.Name(), out.HandleOutbound(c, msg))
	}

	b, ok := msg.([]byte)
	if !ok {
		return &PipelineError{Stage: "transport", Err: ErrUnencodable}
	}
	return p.transport.Write(b)
}

// unhandledInbound runs when a message falls off the tail. A request nobody
// answered gets a 404 so the client is not left waiting.
func (p *Pipeline) unhandledInbound(msg any) error {
	req, ok := msg.(*Request)
	if !ok {
		logger.Debug("Conn %s: discarding unhandled %T at pipeline tail", p.info.ID, msg)
		return nil
	}

	logger.Debug("Conn %s: no handler answered %s %s", p.info.ID, req.Method, req.URI)
	resp := NewResponse(req, http.StatusNotFound, nil)
	return p.Write(resp)
}
