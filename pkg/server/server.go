// Package server ties the acceptor, the worker pool and the pipeline factory
// together and owns their lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/marmos91/dittogw/internal/logger"
	"github.com/marmos91/dittogw/pkg/acceptor"
	"github.com/marmos91/dittogw/pkg/metrics"
	"github.com/marmos91/dittogw/pkg/pipeline"
	"github.com/marmos91/dittogw/pkg/worker"
)

var (
	// ErrAlreadyStarted is returned by Start while the server is starting,
	// running or stopping.
	ErrAlreadyStarted = errors.New("server already started")

	// ErrNotRestartable is returned by Start once the server has stopped.
	// Create a new Server instead.
	ErrNotRestartable = errors.New("server cannot be restarted")

	// ErrShutdownForced is returned by Shutdown when connections were still
	// open at the deadline and had to be force-closed.
	ErrShutdownForced = errors.New("shutdown timeout exceeded")
)

// Option customizes a Server.
type Option func(*Server)

// WithMetrics reports gateway events to m.
func WithMetrics(m metrics.GatewayMetrics) Option {
	return func(s *Server) {
		s.metrics = metrics.OrNoop(m)
	}
}

// Server is the HTTP gateway front-end.
//
// Architecture:
// One acceptor goroutine accepts connections on the listening socket and
// hands each one to a fixed pool of worker loops. The owning worker builds
// the connection's pipeline (decode, aggregate, business handlers, encode)
// and runs every event of that connection until it closes.
//
// Lifecycle:
//  1. New validates the configuration and builds the pipeline factory
//  2. Start creates the worker pool, binds and starts accepting
//  3. Shutdown (or an external close of the listener) stops accepting,
//     drains connections and terminates the pool
//
// A Server is single-use: once stopped it cannot be started again.
//
// Thread safety:
// All methods are safe for concurrent use.
type Server struct {
	// config is a private copy; never modified after New
	config Config

	// factory builds one pipeline per connection
	factory *pipeline.Factory

	metrics metrics.GatewayMetrics

	// mu guards the fields below
	mu          sync.Mutex
	state       State
	used        bool
	group       *worker.Group
	acceptor    *acceptor.Acceptor
	coordinator *shutdownCoordinator

	// startDone is created when Start begins and closed when it returns, so
	// a concurrent Shutdown can wait for the outcome.
	startDone chan struct{}

	// done is closed when the server reaches StateStopped after a Start
	done chan struct{}
}

// New creates a server in StateStopped. inbound is required; a nil
// outbound handler forwards responses unchanged.
func New(config Config, inbound pipeline.InboundHandler, outbound pipeline.OutboundHandler, opts ...Option) (*Server, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	s := &Server{
		config:  config,
		metrics: metrics.NewNoopGatewayMetrics(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	factory, err := pipeline.NewFactory(pipeline.FactoryConfig{
		MaxContentLength: config.MaxContentLengthBytes(),
		Limits: pipeline.DecoderLimits{
			MaxInitialLineLength: config.MaxInitialLineLength,
			MaxHeaderSize:        config.MaxHeaderSize,
			MaxChunkSize:         config.MaxChunkSize,
		},
		AttachResponseDecoder: config.AttachResponseDecoder,
	}, inbound, outbound, s.metrics)
	if err != nil {
		return nil, err
	}
	s.factory = factory

	return s, nil
}

// Start binds the listening socket and begins accepting connections. It
// returns once the socket is bound, or with the bind error (a
// *acceptor.BindError), in which case nothing is left running.
func (s *Server) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if s.used {
		s.mu.Unlock()
		return ErrNotRestartable
	}
	s.used = true
	s.state = StateStarting
	startDone := make(chan struct{})
	s.startDone = startDone
	s.mu.Unlock()
	defer close(startDone)

	policy, err := worker.PolicyByName(s.config.Assignment)
	if err != nil {
		s.stopped()
		return err
	}

	group, err := worker.NewGroup(worker.GroupConfig{
		Size:           s.config.WorkerPoolSize,
		Policy:         policy,
		ReadBufferSize: s.config.ReadBufferSize,
		IdleTimeout:    s.config.IdleTimeout,
		WriteTimeout:   s.config.WriteTimeout,
	}, s.factory, s.metrics)
	if err != nil {
		s.stopped()
		return err
	}
	group.Start()

	s.mu.Lock()
	s.group = group
	s.mu.Unlock()

	acc := acceptor.New(acceptor.Config{
		Host:           s.config.Host,
		Port:           s.config.Port,
		Backlog:        s.config.BacklogSize,
		TCPNoDelay:     s.config.TCPNoDelay,
		MaxConnections: s.config.MaxConnections,
		AcceptRate:     s.config.AcceptRate,
		AcceptBurst:    s.config.AcceptBurst,
	}, group, s.metrics)

	if err := acc.Bind(); err != nil {
		logger.Error("Gateway failed to start: %v", err)

		// No connection exists yet, so the pool stops immediately.
		group.Shutdown(context.Background())
		_ = acc.Close()
		s.stopped()
		return err
	}

	coordinator := newShutdownCoordinator(acc, group, s.config.ShutdownTimeout, s.stopping, s.stopped)

	s.mu.Lock()
	s.acceptor = acc
	s.coordinator = coordinator
	s.state = StateRunning
	s.mu.Unlock()

	go acc.Serve()
	go coordinator.run()
	if s.config.MetricsLogInterval > 0 {
		go s.logMetrics(s.config.MetricsLogInterval)
	}

	logger.Info("Gateway listening on %s (workers=%d, backlog=%d, max_content_length=%dKB)",
		acc.Addr(), group.Size(), s.config.BacklogSize, s.config.MaxContentLengthKB)
	return nil
}

// Shutdown stops accepting, lets connections finish their in-flight request
// and terminates the worker pool. It returns once everything has stopped.
//
// Connections still open after ShutdownTimeout, or when ctx is done if that
// comes first, are force-closed and ErrShutdownForced is returned.
//
// A Shutdown racing Start waits for Start to return first, then stops the
// server it started.
//
// Idempotent: only the call that initiated the shutdown can report
// ErrShutdownForced; later calls wait for completion and return nil.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	startDone := s.startDone
	s.mu.Unlock()

	// A Start in progress either fails or leaves a coordinator behind.
	if startDone != nil {
		select {
		case <-startDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	coordinator := s.coordinator
	s.mu.Unlock()

	if coordinator == nil {
		// Never started, or the bind failed.
		return nil
	}

	initiated := coordinator.trigger(ctx)
	<-coordinator.done

	if initiated && coordinator.forced > 0 {
		return fmt.Errorf("%w: %d connection(s) force-closed", ErrShutdownForced, coordinator.forced)
	}
	return nil
}

// Serve starts the server and blocks until ctx is cancelled or the listener
// is closed, then shuts down within ShutdownTimeout.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("Gateway shutdown signal received: %v", context.Cause(ctx))
	case <-s.done:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Done is closed once a started server has fully stopped.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle phase.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the bound address while running, nil otherwise.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.acceptor == nil {
		return nil
	}
	return s.acceptor.Addr()
}

// ActiveConnections returns the number of connections owned by workers.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	group := s.group
	s.mu.Unlock()

	if group == nil {
		return 0
	}
	return group.ActiveConnections()
}

// Config returns the effective configuration (defaults applied).
func (s *Server) Config() Config {
	return s.config
}

func (s *Server) stopping() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateStopping
}

func (s *Server) stopped() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateStopped
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// logMetrics periodically logs connection statistics until the server stops.
func (s *Server) logMetrics(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			logger.Info("Gateway status: %d active connection(s)", s.ActiveConnections())
		}
	}
}
