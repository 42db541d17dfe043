// Package acceptor owns the listening socket and the accept loop.
//
// The acceptor only accepts: every connection is handed to the worker pool
// right away and never touched again, so one goroutine is enough no matter
// how many workers serve the connections.
package acceptor

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittogw/internal/logger"
	"github.com/marmos91/dittogw/internal/ratelimiter"
	"github.com/marmos91/dittogw/pkg/metrics"
	"github.com/marmos91/dittogw/pkg/worker"
)

// Backoff bounds for transient accept failures (e.g. EMFILE).
const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Config holds the listening socket settings.
type Config struct {
	// Host is the address to bind. Empty binds every IPv4 interface.
	Host string

	// Port to bind. Zero picks an ephemeral port.
	Port int

	// Backlog is the pending-connection queue length requested from the
	// kernel. Advisory: the kernel may cap it (net.core.somaxconn).
	Backlog int

	// TCPNoDelay disables Nagle's algorithm on accepted sockets.
	TCPNoDelay bool

	// MaxConnections caps concurrently served connections. When reached the
	// acceptor stops accepting, leaving new clients in the kernel backlog.
	// Zero means unlimited.
	MaxConnections int

	// AcceptRate limits accepted connections per second, with bursts of up
	// to AcceptBurst. Zero means unlimited.
	AcceptRate  uint
	AcceptBurst uint
}

// Address returns the host:port string to bind.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Assigner takes ownership of accepted connections.
type Assigner interface {
	Assign(nc net.Conn) (*worker.Connection, error)
}

// Acceptor binds the listening socket and runs the accept loop.
//
// Lifecycle: New -> Bind -> Serve (blocking) -> Close. Closed is signalled
// when the accept loop has ended, whether Close was called or the listener
// was closed from elsewhere.
type Acceptor struct {
	config   Config
	assigner Assigner
	metrics  metrics.GatewayMetrics

	// listener is set by Bind and never replaced.
	listener net.Listener

	// limiter throttles accepts when AcceptRate > 0.
	limiter *ratelimiter.RateLimiter

	// connSemaphore enforces MaxConnections. nil when unlimited.
	connSemaphore chan struct{}

	// ctx is cancelled by Close to interrupt rate-limit and backoff waits.
	ctx    context.Context
	cancel context.CancelFunc

	serving   atomic.Bool
	closeOnce sync.Once

	// closed is the listening-channel close signal.
	closed     chan struct{}
	closedOnce sync.Once
}

// New creates an acceptor. Call Bind before Serve.
func New(config Config, assigner Assigner, m metrics.GatewayMetrics) *Acceptor {
	ctx, cancel := context.WithCancel(context.Background())

	a := &Acceptor{
		config:   config,
		assigner: assigner,
		metrics:  metrics.OrNoop(m),
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}
	if config.AcceptRate > 0 {
		a.limiter = ratelimiter.New(config.AcceptRate, config.AcceptBurst)
	}
	if config.MaxConnections > 0 {
		a.connSemaphore = make(chan struct{}, config.MaxConnections)
	}
	return a
}

// Bind creates the listening socket. Errors are *BindError.
func (a *Acceptor) Bind() error {
	ln, err := listen(a.config)
	if err != nil {
		return &BindError{Addr: a.config.Address(), Err: err}
	}
	a.listener = ln

	logger.Debug("Listening on %s (backlog=%d, tcp_no_delay=%t, max_connections=%d)",
		ln.Addr(), a.config.Backlog, a.config.TCPNoDelay, a.config.MaxConnections)
	return nil
}

// Addr returns the bound address, or nil before Bind.
func (a *Acceptor) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Port returns the bound TCP port, or 0 before Bind.
func (a *Acceptor) Port() int {
	if tcp, ok := a.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Listener returns the listening socket, or nil before Bind. Closing it has
// the same effect as Close.
func (a *Acceptor) Listener() net.Listener {
	return a.listener
}

// Closed is closed once the accept loop has exited.
func (a *Acceptor) Closed() <-chan struct{} {
	return a.closed
}

// Serve accepts connections until the listener is closed.
func (a *Acceptor) Serve() {
	defer a.markClosed()

	if a.listener == nil || !a.serving.CompareAndSwap(false, true) {
		return
	}
	addr := a.listener.Addr().String()

	var backoff time.Duration
	for {
		// Block at MaxConnections until a connection closes. Pending clients
		// wait in the kernel backlog meanwhile.
		if !a.acquire() {
			return
		}

		if a.limiter != nil {
			if err := a.limiter.Wait(a.ctx); err != nil {
				a.release()
				return
			}
		}

		nc, err := a.listener.Accept()
		if err != nil {
			a.release()

			// The listener was closed, by Close or externally: this is the
			// only way out of the loop.
			if errors.Is(err, net.ErrClosed) {
				logger.Debug("Listener on %s closed, accept loop exiting", addr)
				return
			}

			// Anything else is transient (EMFILE, ECONNABORTED, ...): log,
			// count and retry after a growing pause.
			backoff = nextBackoff(backoff)
			a.metrics.RecordAcceptError()
			logger.Warn("Error accepting connection on %s: %v; retrying in %v", addr, err, backoff)

			select {
			case <-time.After(backoff):
			case <-a.ctx.Done():
				return
			}
			continue
		}
		backoff = 0

		if tcp, ok := nc.(*net.TCPConn); ok {
			if err := tcp.SetNoDelay(a.config.TCPNoDelay); err != nil {
				logger.Debug("Failed to set TCP_NODELAY on %s: %v", nc.RemoteAddr(), err)
			}
		}

		conn, err := a.assigner.Assign(nc)
		if err != nil {
			a.release()
			a.metrics.RecordConnectionRejected("shutting_down")
			logger.Debug("Rejected connection from %s: %v", nc.RemoteAddr(), err)
			continue
		}

		logger.Debug("Connection %s accepted from %s (worker %d)", conn.ID(), nc.RemoteAddr(), conn.WorkerID())

		if a.connSemaphore != nil {
			conn.OnClose(a.release)
		}
	}
}

// Close closes the listener and waits for the accept loop to exit.
// Idempotent.
func (a *Acceptor) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.cancel()
		if a.listener != nil {
			if cerr := a.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = cerr
			}
		}
		if !a.serving.Load() {
			a.markClosed()
		}
	})

	<-a.closed
	return err
}

func (a *Acceptor) markClosed() {
	a.closedOnce.Do(func() {
		close(a.closed)
	})
}

func (a *Acceptor) acquire() bool {
	if a.connSemaphore == nil {
		return true
	}
	select {
	case a.connSemaphore <- struct{}{}:
		return true
	case <-a.ctx.Done():
		return false
	}
}

func (a *Acceptor) release() {
	if a.connSemaphore != nil {
		select {
		case <-a.connSemaphore:
		default:
		}
	}
}

func nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return minAcceptBackoff
	}
	return min(current*2, maxAcceptBackoff)
}
