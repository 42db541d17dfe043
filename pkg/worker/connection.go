package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/dittogw/internal/bufpool"
	"github.com/marmos91/dittogw/internal/logger"
	"github.com/marmos91/dittogw/pkg/metrics"
	"github.com/marmos91/dittogw/pkg/pipeline"
)

// Connection is an accepted client socket bound to exactly one Worker for
// its whole life. It is the pipeline's Transport.
type Connection struct {
	id     string
	conn   net.Conn
	worker *Worker

	// pipeline is built on the owning worker at registration.
	pipeline *pipeline.Pipeline

	config GroupConfig

	// ctx is cancelled on teardown.
	ctx    context.Context
	cancel context.CancelFunc

	// closed is set once teardown starts.
	closed atomic.Bool

	// connCloseOnce guards closing the socket, which can happen from the
	// loop, from a pipeline stage or from a forced shutdown.
	connCloseOnce sync.Once

	// done is closed when teardown completes.
	done chan struct{}

	// hooksMu guards hooks and finished. Hooks run once, after done closes.
	hooksMu  sync.Mutex
	hooks    []func()
	finished bool

	metrics metrics.GatewayMetrics
}

func newConnection(parent context.Context, w *Worker, nc net.Conn, config GroupConfig) *Connection {
	ctx, cancel := context.WithCancel(parent)
	return &Connection{
		id:      uuid.NewString(),
		conn:    nc,
		worker:  w,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		metrics: w.metrics,
	}
}

// ID returns the connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// WorkerID returns the index of the owning worker.
func (c *Connection) WorkerID() int {
	return c.worker.id
}

// RemoteAddr returns the client address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Done is closed once the connection has been torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// OnClose registers fn to run once the connection has been torn down. If it
// already has, fn runs immediately on the calling goroutine.
func (c *Connection) OnClose(fn func()) {
	c.hooksMu.Lock()
	if c.finished {
		c.hooksMu.Unlock()
		fn()
		return
	}
	c.hooks = append(c.hooks, fn)
	c.hooksMu.Unlock()
}

// finish closes done and runs the close hooks.
func (c *Connection) finish() {
	close(c.done)

	c.hooksMu.Lock()
	c.finished = true
	hooks := c.hooks
	c.hooks = nil
	c.hooksMu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func (c *Connection) info() pipeline.ConnInfo {
	return pipeline.ConnInfo{
		ID:         c.id,
		WorkerID:   c.worker.id,
		RemoteAddr: c.conn.RemoteAddr(),
		LocalAddr:  c.conn.LocalAddr(),
		Ctx:        c.ctx,
	}
}

// Write implements pipeline.Transport. Runs on the owning worker.
func (c *Connection) Write(p []byte) error {
	if c.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}

	n, err := c.conn.Write(p)
	if n > 0 {
		c.metrics.RecordBytesTransferred("out", n)
	}
	if err != nil {
		return fmt.Errorf("write to %s: %w", c.conn.RemoteAddr(), err)
	}
	return nil
}

// Close implements pipeline.Transport. It only closes the socket; the
// worker finishes the teardown once the current task returns.
func (c *Connection) Close() error {
	c.closeConn()
	return nil
}

func (c *Connection) closeConn() {
	c.connCloseOnce.Do(func() {
		if err := c.conn.Close(); err != nil {
			logger.Debug("Error closing connection %s: %v", c.id, err)
		}
	})
}

// readLoop feeds socket data to the owning worker until the socket fails.
func (c *Connection) readLoop() {
	buf := bufpool.Get(c.config.ReadBufferSize)
	defer bufpool.Put(buf)

	for {
		if c.config.IdleTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.config.IdleTimeout))
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			c.metrics.RecordBytesTransferred("in", n)
			data := buf[:n]
			// The decoder copies what it keeps, so buf is reusable (and
			// poolable) once the task has run.
			if !c.worker.call(func() { c.handleData(data) }) {
				c.closeConn()
				return
			}
			if c.closed.Load() {
				return
			}
		}

		if err != nil {
			reason := readErrorReason(err)
			c.worker.post(func() { c.teardown(reason, nil) })
			return
		}
	}
}

func readErrorReason(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		return "closed by peer"
	case errors.Is(err, net.ErrClosed):
		return "closed locally"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "idle timeout"
	default:
		return err.Error()
	}
}

// handleData runs one inbound chunk through the pipeline. Runs on the loop.
func (c *Connection) handleData(data []byte) {
	if c.closed.Load() {
		return
	}

	c.exec(func() error {
		return c.pipeline.FireInbound(data)
	})

	switch {
	case c.closed.Load():
	case c.pipeline.Closed():
		c.teardown("closed by pipeline", nil)
	case c.worker.draining.Load() && c.pipeline.Idle():
		c.teardown("server shutting down", nil)
	}
}

// exec runs fn and tears the connection down if it fails or panics. Other
// connections on the worker are unaffected either way.
func (c *Connection) exec(fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic on connection %s (worker %d): %v\n%s", c.id, c.worker.id, r, debug.Stack())
			c.metrics.RecordPipelineError("panic")
			c.teardown("panic", fmt.Errorf("panic: %v", r))
		}
	}()

	if err := fn(); err != nil {
		c.metrics.RecordPipelineError(pipeline.StageOf(err))
		c.teardown("pipeline error", err)
	}
}

// reject closes a connection that was never registered.
func (c *Connection) reject() {
	c.closed.Store(true)
	c.cancel()
	c.closeConn()
	c.finish()
	logger.Debug("Connection %s from %s refused: worker %d is shutting down", c.id, c.conn.RemoteAddr(), c.worker.id)
}

// teardown closes the connection and releases its pipeline. Idempotent.
// Runs on the loop.
func (c *Connection) teardown(reason string, err error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.cancel()
	c.closeConn()
	if c.pipeline != nil {
		c.pipeline.FireClosed()
	}
	c.worker.unregister(c)
	c.finish()

	if err != nil {
		logger.Debug("Connection %s from %s closed (%s): %v", c.id, c.conn.RemoteAddr(), reason, err)
		return
	}
	logger.Debug("Connection %s from %s closed (%s)", c.id, c.conn.RemoteAddr(), reason)
}
