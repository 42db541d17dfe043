package server

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/dittogw/internal/logger"
	"github.com/marmos91/dittogw/pkg/acceptor"
	"github.com/marmos91/dittogw/pkg/worker"
)

// shutdownCoordinator tears the server down exactly once, acceptor first,
// then the worker pool.
//
// It is triggered either by Server.Shutdown or by the listening socket
// closing on its own (the acceptor's Closed signal), whichever happens
// first.
type shutdownCoordinator struct {
	acceptor *acceptor.Acceptor
	group    *worker.Group
	timeout  time.Duration

	onStopping func()
	onStopped  func()

	// mu guards initiated; requests carries the initiating context.
	mu        sync.Mutex
	initiated bool
	requests  chan context.Context

	// forced is written before done is closed.
	forced int
	done   chan struct{}
}

func newShutdownCoordinator(acc *acceptor.Acceptor, group *worker.Group, timeout time.Duration, onStopping, onStopped func()) *shutdownCoordinator {
	return &shutdownCoordinator{
		acceptor:   acc,
		group:      group,
		timeout:    timeout,
		onStopping: onStopping,
		onStopped:  onStopped,
		requests:   make(chan context.Context, 1),
		done:       make(chan struct{}),
	}
}

// trigger requests a shutdown bounded by ctx. Returns true for the call that
// initiated it.
func (c *shutdownCoordinator) trigger(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initiated {
		return false
	}
	c.initiated = true
	c.requests <- ctx
	return true
}

func (c *shutdownCoordinator) run() {
	var ctx context.Context

	select {
	case ctx = <-c.requests:
	case <-c.acceptor.Closed():
		c.mu.Lock()
		if c.initiated {
			ctx = <-c.requests
		} else {
			c.initiated = true
			ctx = context.Background()
			logger.Warn("Listening socket closed unexpectedly, shutting down")
		}
		c.mu.Unlock()
	}

	c.shutdown(ctx)
}

func (c *shutdownCoordinator) shutdown(ctx context.Context) {
	defer close(c.done)
	c.onStopping()

	// Step 1: stop accepting
	if err := c.acceptor.Close(); err != nil {
		logger.Debug("Error closing listener: %v", err)
	}

	// Step 2: drain the worker pool, bounded by the configured timeout and
	// the caller's context
	drainCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	logger.Info("Gateway graceful shutdown: waiting for %d active connection(s) (timeout: %v)",
		c.group.ActiveConnections(), c.timeout)

	c.forced = c.group.Shutdown(drainCtx)

	if c.forced > 0 && ctx.Err() != nil {
		logger.Warn("Gateway shutdown interrupted: %v", ctx.Err())
	}
	if c.forced == 0 {
		logger.Info("Gateway graceful shutdown complete: all connections closed")
	}

	c.onStopped()
}
