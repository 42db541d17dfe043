package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/dittogw/pkg/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var echo = pipeline.InboundHandlerFunc(func(ctx *pipeline.Context, req *pipeline.Request) error {
	return ctx.Respond(pipeline.NewResponse(req, http.StatusOK, req.Body))
})

func newTestGroup(t *testing.T, config GroupConfig, handler pipeline.InboundHandler) *Group {
	t.Helper()

	factory, err := pipeline.NewFactory(pipeline.FactoryConfig{MaxContentLength: 64 * 1024}, handler, nil, nil)
	require.NoError(t, err)

	g, err := NewGroup(config, factory, nil)
	require.NoError(t, err)
	g.Start()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		g.Shutdown(ctx)
	})
	return g
}

// connect returns the client end of a loopback TCP connection whose server
// end has been assigned to g.
func connect(t *testing.T, g *Group) (net.Conn, *Connection) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	server, ok := <-accepted
	require.True(t, ok)

	conn, err := g.Assign(server)
	require.NoError(t, err)
	return client, conn
}

func roundTrip(t *testing.T, client net.Conn, r *bufio.Reader, path string) *http.Response {
	t.Helper()

	_, err := fmt.Fprintf(client, "GET %s HTTP/1.1\r\nHost: test\r\n\r\n", path)
	require.NoError(t, err)

	resp, err := http.ReadResponse(r, nil)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp
}

// waitClosed reads until the server closes the connection.
func waitClosed(t *testing.T, client net.Conn) {
	t.Helper()

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := io.Copy(io.Discard, client)

	// EOF and reset both mean the server closed its end.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Fatal("connection was not closed by the server")
	}
}

// idle reports, from the owning loop, whether c holds no partial message.
func idle(c *Connection) bool {
	var result bool
	c.worker.call(func() { result = c.pipeline != nil && c.pipeline.Idle() })
	return result
}

func TestNewGroup_Validation(t *testing.T) {
	factory, err := pipeline.NewFactory(pipeline.FactoryConfig{MaxContentLength: 1}, echo, nil, nil)
	require.NoError(t, err)

	_, err = NewGroup(GroupConfig{Size: 0}, factory, nil)
	assert.Error(t, err)

	_, err = NewGroup(GroupConfig{Size: 1}, nil, nil)
	assert.Error(t, err)

	g, err := NewGroup(GroupConfig{Size: 3}, factory, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, g.Size())
	assert.Len(t, g.Workers(), 3)
	assert.Equal(t, DefaultReadBufferSize, g.config.ReadBufferSize)
}

func TestGroup_AssignBeforeStart(t *testing.T) {
	factory, err := pipeline.NewFactory(pipeline.FactoryConfig{MaxContentLength: 1}, echo, nil, nil)
	require.NoError(t, err)
	g, err := NewGroup(GroupConfig{Size: 1}, factory, nil)
	require.NoError(t, err)

	server, client := net.Pipe()
	defer client.Close()

	_, err = g.Assign(server)
	assert.ErrorIs(t, err, ErrGroupClosed)
}

func TestGroup_RoundRobinAssignment(t *testing.T) {
	g := newTestGroup(t, GroupConfig{Size: 4}, echo)

	var ids []int
	for range 8 {
		_, c := connect(t, g)
		ids = append(ids, c.WorkerID())
	}
	assert.Equal(t, []int{0, 1, 2, 3, 0, 1, 2, 3}, ids)

	require.Eventually(t, func() bool { return g.ActiveConnections() == 8 }, 2*time.Second, 5*time.Millisecond)
	for _, w := range g.Workers() {
		assert.Equal(t, 2, w.Load())
	}
}

// Every request of a connection runs on the worker it was assigned to, and
// a worker never runs two tasks at once.
func TestGroup_AffinityAndSerialization(t *testing.T) {
	const workers, conns, requests = 4, 16, 5

	var (
		mu       sync.Mutex
		seen     = make(map[string]map[int]bool)
		inflight [workers]atomic.Int32
		overlap  atomic.Bool
	)
	handler := pipeline.InboundHandlerFunc(func(ctx *pipeline.Context, req *pipeline.Request) error {
		if inflight[ctx.WorkerID()].Add(1) > 1 {
			overlap.Store(true)
		}
		time.Sleep(time.Millisecond)
		inflight[ctx.WorkerID()].Add(-1)

		mu.Lock()
		if seen[ctx.ConnID()] == nil {
			seen[ctx.ConnID()] = make(map[int]bool)
		}
		seen[ctx.ConnID()][ctx.WorkerID()] = true
		mu.Unlock()

		return ctx.Respond(pipeline.NewResponse(req, http.StatusOK, nil))
	})
	g := newTestGroup(t, GroupConfig{Size: workers}, handler)

	owners := make(map[string]int)
	var wg sync.WaitGroup
	for range conns {
		client, c := connect(t, g)
		owners[c.ID()] = c.WorkerID()

		wg.Add(1)
		go func() {
			defer wg.Done()
			r := bufio.NewReader(client)
			for i := range requests {
				resp := roundTrip(t, client, r, fmt.Sprintf("/%d", i))
				assert.Equal(t, http.StatusOK, resp.StatusCode)
			}
		}()
	}
	wg.Wait()

	assert.False(t, overlap.Load(), "worker ran two pipeline tasks concurrently")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, conns)
	for id, ws := range seen {
		require.Len(t, ws, 1, "connection %s served by several workers", id)
		assert.True(t, ws[owners[id]])
	}
}

func TestConnection_PanicClosesOnlyThatConnection(t *testing.T) {
	handler := pipeline.InboundHandlerFunc(func(ctx *pipeline.Context, req *pipeline.Request) error {
		if req.URI == "/panic" {
			panic("handler exploded")
		}
		return ctx.Respond(pipeline.NewResponse(req, http.StatusOK, nil))
	})
	g := newTestGroup(t, GroupConfig{Size: 1}, handler)

	victim, _ := connect(t, g)
	bystander, _ := connect(t, g)
	br := bufio.NewReader(bystander)

	assert.Equal(t, http.StatusOK, roundTrip(t, bystander, br, "/before").StatusCode)

	_, err := fmt.Fprint(victim, "GET /panic HTTP/1.1\r\nHost: test\r\n\r\n")
	require.NoError(t, err)
	waitClosed(t, victim)

	assert.Equal(t, http.StatusOK, roundTrip(t, bystander, br, "/after").StatusCode)
	require.Eventually(t, func() bool { return g.ActiveConnections() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestConnection_PipelineErrorClosesConnection(t *testing.T) {
	g := newTestGroup(t, GroupConfig{Size: 1}, echo)
	client, c := connect(t, g)

	_, err := fmt.Fprint(client, "BROKEN\r\n\r\n")
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not torn down")
	}
	assert.Zero(t, g.ActiveConnections())
}

func TestConnection_IdleTimeout(t *testing.T) {
	g := newTestGroup(t, GroupConfig{Size: 1, IdleTimeout: 50 * time.Millisecond}, echo)
	client, c := connect(t, g)

	waitClosed(t, client)
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not torn down after idle timeout")
	}
}

func TestConnection_RemoteCloseTearsDown(t *testing.T) {
	g := newTestGroup(t, GroupConfig{Size: 2}, echo)
	client, c := connect(t, g)

	require.Eventually(t, func() bool { return g.ActiveConnections() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not torn down after peer close")
	}
	assert.Zero(t, g.ActiveConnections())
}

func TestGroup_ShutdownClosesIdleConnections(t *testing.T) {
	g := newTestGroup(t, GroupConfig{Size: 2}, echo)

	var clients []net.Conn
	for range 4 {
		client, _ := connect(t, g)
		clients = append(clients, client)
	}
	require.Eventually(t, func() bool { return g.ActiveConnections() == 4 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.Zero(t, g.Shutdown(ctx))
	assert.Zero(t, g.ActiveConnections())
	for _, client := range clients {
		waitClosed(t, client)
	}
}

func TestGroup_ShutdownLetsInFlightRequestFinish(t *testing.T) {
	g := newTestGroup(t, GroupConfig{Size: 1}, echo)
	client, c := connect(t, g)

	_, err := fmt.Fprint(client, "POST / HTTP/1.1\r\nHost: test\r\nContent-Length: 10\r\n\r\nhello")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !idle(c) }, 2*time.Second, 5*time.Millisecond)

	forced := make(chan int, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		forced <- g.Shutdown(ctx)
	}()

	// New connections are refused while draining.
	require.Eventually(t, func() bool { return g.closing.Load() }, 2*time.Second, time.Millisecond)

	_, err = fmt.Fprint(client, "world")
	require.NoError(t, err)

	r := bufio.NewReader(client)
	resp, err := http.ReadResponse(r, nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(body))

	assert.Zero(t, <-forced)
	waitClosed(t, client)
}

func TestGroup_ShutdownForceClosesAfterDeadline(t *testing.T) {
	g := newTestGroup(t, GroupConfig{Size: 2}, echo)
	client, c := connect(t, g)

	_, err := fmt.Fprint(client, "POST / HTTP/1.1\r\nHost: test\r\nContent-Length: 10\r\n\r\nhel")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !idle(c) }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	assert.Equal(t, 1, g.Shutdown(ctx))
	waitClosed(t, client)

	// Later calls report the same outcome without redoing the work.
	assert.Equal(t, 1, g.Shutdown(context.Background()))

	server, other := net.Pipe()
	defer other.Close()
	_, err = g.Assign(server)
	assert.ErrorIs(t, err, ErrGroupClosed)
}

// blockLoops parks every worker loop until the returned func is called.
func blockLoops(t *testing.T, g *Group) func() {
	t.Helper()

	release := make(chan struct{})
	for _, w := range g.Workers() {
		require.True(t, w.post(func() { <-release }))
	}

	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)
	return unblock
}

// pipeConn returns the server end of an in-memory connection.
func pipeConn(t *testing.T) net.Conn {
	t.Helper()

	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	return server
}

func TestGroup_LeastLoadedSpreadsBurst(t *testing.T) {
	g := newTestGroup(t, GroupConfig{Size: 4, Policy: LeastLoaded{}}, echo)
	unblock := blockLoops(t, g)

	// No registration can run while the loops are parked, so only the
	// load counted at assignment separates the workers.
	var ids []int
	for range 8 {
		c, err := g.Assign(pipeConn(t))
		require.NoError(t, err)
		ids = append(ids, c.WorkerID())
	}
	assert.Equal(t, []int{0, 1, 2, 3, 0, 1, 2, 3}, ids)

	unblock()
	require.Eventually(t, func() bool { return g.ActiveConnections() == 8 }, 2*time.Second, 5*time.Millisecond)
	for _, w := range g.Workers() {
		assert.Equal(t, 2, w.Load())
	}
}

func TestGroup_PendingConnectionRejectedWhileDraining(t *testing.T) {
	g := newTestGroup(t, GroupConfig{Size: 2}, echo)
	unblock := blockLoops(t, g)

	c, err := g.Assign(pipeConn(t))
	require.NoError(t, err)
	assert.Equal(t, 1, g.ActiveConnections())

	for _, w := range g.Workers() {
		w.beginDrain()
	}
	unblock()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pending connection was not rejected")
	}
	require.Eventually(t, func() bool { return g.ActiveConnections() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestGroup_StoppedAfterShutdown(t *testing.T) {
	factory, err := pipeline.NewFactory(pipeline.FactoryConfig{MaxContentLength: 1024}, echo, nil, nil)
	require.NoError(t, err)
	g, err := NewGroup(GroupConfig{Size: 3}, factory, nil)
	require.NoError(t, err)

	g.Start()
	assert.False(t, g.Stopped())

	assert.Zero(t, g.Shutdown(context.Background()))
	assert.True(t, g.Stopped())
}

func TestConnection_OnCloseHooks(t *testing.T) {
	g := newTestGroup(t, GroupConfig{Size: 1}, echo)
	client, c := connect(t, g)

	var calls atomic.Int32
	c.OnClose(func() { calls.Add(1) })
	c.OnClose(func() { calls.Add(1) })
	assert.Zero(t, calls.Load())

	require.NoError(t, client.Close())
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not torn down after peer close")
	}
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)

	// Registering after teardown runs the hook right away.
	c.OnClose(func() { calls.Add(1) })
	assert.Equal(t, int32(3), calls.Load())
}
