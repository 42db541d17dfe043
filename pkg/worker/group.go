package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittogw/internal/bufpool"
	"github.com/marmos91/dittogw/internal/logger"
	"github.com/marmos91/dittogw/pkg/metrics"
	"github.com/marmos91/dittogw/pkg/pipeline"
)

// ErrGroupClosed is returned by Assign once Shutdown has started, or before
// Start.
var ErrGroupClosed = errors.New("worker group is not accepting connections")

// DefaultReadBufferSize is applied by NewGroup when ReadBufferSize is zero.
// It matches a pooled size class.
const DefaultReadBufferSize = bufpool.MediumSize

// drainPollInterval is how often Shutdown checks for remaining connections.
const drainPollInterval = 10 * time.Millisecond

// GroupConfig configures the worker pool.
type GroupConfig struct {
	// Size is the number of workers. Must be at least 1.
	Size int

	// Policy picks the worker for each new connection. nil means round-robin.
	Policy AssignmentPolicy

	// ReadBufferSize is the size of each connection's read buffer.
	ReadBufferSize int

	// IdleTimeout closes connections that send nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration

	// WriteTimeout bounds each socket write. Zero disables it.
	WriteTimeout time.Duration
}

// Group is the fixed pool of workers.
//
// Lifecycle: NewGroup -> Start -> Assign ... -> Shutdown. The number of
// workers never changes after NewGroup.
type Group struct {
	config  GroupConfig
	factory *pipeline.Factory
	workers []*Worker
	metrics metrics.GatewayMetrics

	// ctx parents every connection context; cancelled when draining ends.
	ctx    context.Context
	cancel context.CancelFunc

	startOnce    sync.Once
	started      atomic.Bool
	closing      atomic.Bool
	shutdownOnce sync.Once
	forced       int
}

// NewGroup creates the workers without starting them.
func NewGroup(config GroupConfig, factory *pipeline.Factory, m metrics.GatewayMetrics) (*Group, error) {
	if config.Size < 1 {
		return nil, fmt.Errorf("worker group size must be at least 1, got %d", config.Size)
	}
	if factory == nil {
		return nil, errors.New("worker group requires a pipeline factory")
	}
	if config.Policy == nil {
		config.Policy = NewRoundRobin()
	}
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = DefaultReadBufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Group{
		config:  config,
		factory: factory,
		metrics: metrics.OrNoop(m),
		ctx:     ctx,
		cancel:  cancel,
	}

	g.workers = make([]*Worker, config.Size)
	for i := range g.workers {
		g.workers[i] = newWorker(i, g)
	}
	return g, nil
}

// Start launches every worker loop. Calling it again has no effect.
func (g *Group) Start() {
	g.startOnce.Do(func() {
		for _, w := range g.workers {
			w.start()
		}
		g.started.Store(true)
		logger.Debug("Started %d workers", len(g.workers))
	})
}

// Assign hands nc to a worker chosen by the assignment policy. The worker
// builds the connection's pipeline and starts reading asynchronously.
//
// On error nc has been closed.
func (g *Group) Assign(nc net.Conn) (*Connection, error) {
	if !g.started.Load() || g.closing.Load() {
		_ = nc.Close()
		return nil, ErrGroupClosed
	}

	w := g.config.Policy.Next(g.workers)
	c := newConnection(g.ctx, w, nc, g.config)

	// The connection counts toward the worker's load from now on, so a
	// burst of assignments sees it before register runs on the loop.
	w.load.Add(1)
	if !w.post(func() { w.register(c) }) {
		w.load.Add(-1)
		_ = nc.Close()
		return nil, ErrGroupClosed
	}
	return c, nil
}

// Size returns the number of workers.
func (g *Group) Size() int {
	return len(g.workers)
}

// Workers returns the workers in index order.
func (g *Group) Workers() []*Worker {
	return g.workers
}

// Stopped reports whether every worker loop has exited.
func (g *Group) Stopped() bool {
	for _, w := range g.workers {
		select {
		case <-w.done:
		default:
			return false
		}
	}
	return true
}

// ActiveConnections returns the number of connections across all workers.
func (g *Group) ActiveConnections() int {
	total := 0
	for _, w := range g.workers {
		total += w.Load()
	}
	return total
}

// Shutdown stops the pool gracefully.
//
// Shutdown flow:
//  1. Refuse new connections; close idle connections at once
//  2. Busy connections close after their in-flight request is answered
//  3. When ctx is done, force-close whatever is left
//  4. Drain every mailbox and stop the loops
//
// Returns the number of force-closed connections. Concurrent and repeated
// calls wait for the first one and return the same count.
func (g *Group) Shutdown(ctx context.Context) int {
	g.shutdownOnce.Do(func() {
		g.closing.Store(true)
		g.forced = g.shutdown(ctx)
	})
	return g.forced
}

func (g *Group) shutdown(ctx context.Context) int {
	if !g.started.Load() {
		// Loops were never started; there is nothing to drain.
		g.Start()
	}

	for _, w := range g.workers {
		w.beginDrain()
	}

	forced := 0
	if !g.waitDrained(ctx) {
		g.cancel()
		for _, w := range g.workers {
			forced += w.forceClose()
		}
		if forced > 0 {
			logger.Warn("Shutdown timeout exceeded: force-closed %d connections", forced)
			g.metrics.RecordConnectionForceClosed(forced)
		}
	}
	g.cancel()

	for _, w := range g.workers {
		w.stop()
	}
	logger.Debug("All %d workers stopped", len(g.workers))
	return forced
}

// waitDrained reports whether every connection closed before ctx was done.
func (g *Group) waitDrained(ctx context.Context) bool {
	if g.ActiveConnections() == 0 {
		return true
	}

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return g.ActiveConnections() == 0
		case <-ticker.C:
			if g.ActiveConnections() == 0 {
				return true
			}
		}
	}
}
