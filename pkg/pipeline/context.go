package pipeline

import (
	"context"
	"fmt"
	"net"
)

// Context binds a stage to its position in a pipeline. Stages use it to pass
// messages to their neighbours.
type Context struct {
	pipeline *Pipeline
	index    int
	stage    Stage

	// reqCtx overrides the connection context while a request is being
	// handled (e.g. to carry a trace span).
	reqCtx context.Context
}

// FireInbound passes msg to the next inbound stage toward the tail.
func (c *Context) FireInbound(msg any) error {
	return c.pipeline.fireInboundFrom(c.index, msg)
}

// Write passes msg to the next outbound stage toward the head. Inbound-only
// stages need the short-circuit capability to write.
func (c *Context) Write(msg any) error {
	if err := c.checkWrite(); err != nil {
		return err
	}
	return c.pipeline.writeFrom(c.index, msg)
}

// Respond writes resp from the tail of the pipeline so that every outbound
// stage, business outbound handler included, sees it.
func (c *Context) Respond(resp *Response) error {
	if err := c.checkWrite(); err != nil {
		return err
	}
	return c.pipeline.Write(resp)
}

func (c *Context) checkWrite() error {
	caps := c.stage.Capabilities()
	if !caps.Has(CapOutbound) && !caps.Has(CapShortCircuit) {
		return fmt.Errorf("%w: %s", ErrShortCircuitNotAllowed, c.stage.Name())
	}
	return nil
}

// Close closes the underlying connection.
func (c *Context) Close() error {
	return c.pipeline.Close()
}

// Pipeline returns the pipeline this context belongs to.
func (c *Context) Pipeline() *Pipeline {
	return c.pipeline
}

// StageName returns the name of the bound stage.
func (c *Context) StageName() string {
	return c.stage.Name()
}

// ConnID returns the identifier of the connection.
func (c *Context) ConnID() string {
	return c.pipeline.info.ID
}

// WorkerID returns the index of the worker that owns the connection.
func (c *Context) WorkerID() int {
	return c.pipeline.info.WorkerID
}

// RemoteAddr returns the client address.
func (c *Context) RemoteAddr() net.Addr {
	return c.pipeline.info.RemoteAddr
}

// Context returns the context of the current request if one is being
// handled, the connection context otherwise. It is cancelled when the
// connection closes or the server shuts down.
func (c *Context) Context() context.Context {
	if c.reqCtx != nil {
		return c.reqCtx
	}
	return c.pipeline.info.Ctx
}
