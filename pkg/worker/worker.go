// Package worker implements the fixed pool of event loops that own client
// connections.
//
// Each Worker is a single goroutine draining a FIFO mailbox of tasks. Every
// pipeline invocation for a connection runs as a task on the worker that the
// connection was assigned to, so pipeline stages of one connection never run
// concurrently and never migrate between workers.
//
// Socket reads happen on a small per-connection reader goroutine that blocks
// only in the runtime netpoller. The reader posts each chunk of bytes to the
// owning worker and waits for that task to finish before reading again, which
// bounds buffering per connection.
package worker

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/marmos91/dittogw/pkg/metrics"
)

type task func()

// Worker is one event loop of the pool.
type Worker struct {
	id int

	// mu guards mailbox and stopped. cond is signalled when either changes.
	mu      sync.Mutex
	cond    *sync.Cond
	mailbox *queue.Queue
	stopped bool

	// done is closed when the loop goroutine exits.
	done chan struct{}

	// conns holds the registered connections. Only the loop goroutine
	// touches it.
	conns map[string]*Connection

	// sockets mirrors conns for force-closing from outside the loop.
	sockets sync.Map

	// load is the number of connections assigned to the worker, counted
	// from Group.Assign so that pending registrations are included.
	load atomic.Int64

	// draining is set when the pool starts shutting down: new registrations
	// are refused and connections close as soon as they are idle.
	draining atomic.Bool

	group   *Group
	metrics metrics.GatewayMetrics
}

func newWorker(id int, g *Group) *Worker {
	w := &Worker{
		id:      id,
		mailbox: queue.New(),
		done:    make(chan struct{}),
		conns:   make(map[string]*Connection),
		group:   g,
		metrics: g.metrics,
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// ID returns the worker index within its group.
func (w *Worker) ID() int {
	return w.id
}

// Load returns the number of connections assigned to the worker, including
// ones whose registration is still queued.
func (w *Worker) Load() int {
	return int(w.load.Load())
}

func (w *Worker) start() {
	go w.loop()
}

// loop runs tasks in submission order until stop is called and the mailbox
// is empty.
func (w *Worker) loop() {
	defer close(w.done)

	for {
		w.mu.Lock()
		for w.mailbox.Length() == 0 && !w.stopped {
			w.cond.Wait()
		}
		if w.mailbox.Length() == 0 {
			w.mu.Unlock()
			return
		}
		t := w.mailbox.Remove().(task)
		w.mu.Unlock()

		t()
	}
}

// post enqueues t. Returns false once the worker has been stopped.
func (w *Worker) post(t task) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return false
	}
	w.mailbox.Add(t)
	w.cond.Signal()
	return true
}

// call runs t on the loop and waits for it to complete. Returns false if
// the task could not be queued.
func (w *Worker) call(t task) bool {
	done := make(chan struct{})
	if !w.post(func() {
		defer close(done)
		t()
	}) {
		return false
	}
	<-done
	return true
}

// stop lets the loop drain its mailbox and waits for it to exit.
func (w *Worker) stop() {
	w.mu.Lock()
	w.stopped = true
	w.cond.Broadcast()
	w.mu.Unlock()

	<-w.done
}

// register binds c to this worker and starts reading from it. Runs on the
// loop. The load was already counted by Group.Assign.
func (w *Worker) register(c *Connection) {
	if w.draining.Load() {
		w.load.Add(-1)
		w.metrics.RecordConnectionRejected("shutting_down")
		c.reject()
		return
	}

	c.pipeline = w.group.factory.Build(c, c.info())
	w.conns[c.id] = c
	w.sockets.Store(c.id, c)
	count := w.load.Load()

	w.metrics.RecordConnectionAccepted(w.id)
	w.metrics.SetActiveConnections(w.id, int(count))

	go c.readLoop()
}

// unregister forgets c. Runs on the loop.
func (w *Worker) unregister(c *Connection) {
	if _, ok := w.conns[c.id]; !ok {
		return
	}
	delete(w.conns, c.id)
	w.sockets.Delete(c.id)
	count := w.load.Add(-1)

	w.metrics.RecordConnectionClosed(w.id)
	w.metrics.SetActiveConnections(w.id, int(count))
}

// beginDrain refuses new connections and closes idle ones.
func (w *Worker) beginDrain() {
	w.draining.Store(true)
	w.post(func() {
		for _, c := range w.conns {
			if c.pipeline.Idle() {
				c.teardown("server shutting down", nil)
			}
		}
	})
}

// forceClose closes every remaining socket and returns how many there were.
// Sockets are closed from the calling goroutine so that a loop blocked on a
// write is released; the bookkeeping happens on the loop.
func (w *Worker) forceClose() int {
	n := 0
	w.sockets.Range(func(_, v any) bool {
		c := v.(*Connection)
		c.closeConn()
		w.post(func() { c.teardown("shutdown timeout", nil) })
		n++
		return true
	})
	return n
}
