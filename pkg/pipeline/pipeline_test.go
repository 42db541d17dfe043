package pipeline

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memTransport struct {
	out    bytes.Buffer
	closed bool
}

func (t *memTransport) Write(p []byte) error {
	t.out.Write(p)
	return nil
}

func (t *memTransport) Close() error {
	t.closed = true
	return nil
}

// responses parses everything written to the transport.
func (t *memTransport) responses(tb testing.TB) []*http.Response {
	tb.Helper()

	var out []*http.Response
	r := bufio.NewReader(bytes.NewReader(t.out.Bytes()))
	for {
		if _, err := r.Peek(1); err == io.EOF {
			return out
		}
		resp, err := http.ReadResponse(r, nil)
		require.NoError(tb, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(tb, err)
		resp.Body = io.NopCloser(bytes.NewReader(body))
		out = append(out, resp)
	}
}

func readBody(tb testing.TB, resp *http.Response) string {
	tb.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(tb, err)
	return string(b)
}

var echoHandler = InboundHandlerFunc(func(ctx *Context, req *Request) error {
	return ctx.Respond(NewResponse(req, http.StatusOK, req.Body))
})

func newTestPipeline(t *testing.T, cfg FactoryConfig, in InboundHandler, out OutboundHandler) (*Pipeline, *memTransport) {
	t.Helper()
	if cfg.MaxContentLength == 0 {
		cfg.MaxContentLength = 2000 * 1024
	}
	f, err := NewFactory(cfg, in, out, nil)
	require.NoError(t, err)

	tr := &memTransport{}
	return f.Build(tr, ConnInfo{ID: "test-conn", WorkerID: 3}), tr
}

func TestNewFactory_Validation(t *testing.T) {
	_, err := NewFactory(FactoryConfig{MaxContentLength: 1}, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewFactory(FactoryConfig{}, echoHandler, nil, nil)
	assert.Error(t, err)

	f, err := NewFactory(FactoryConfig{MaxContentLength: 1}, echoHandler, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxHeaderSize, f.Config().Limits.MaxHeaderSize)
}

func TestFactory_StageOrder(t *testing.T) {
	t.Run("Default", func(t *testing.T) {
		p, _ := newTestPipeline(t, FactoryConfig{}, echoHandler, nil)
		assert.Equal(t, []string{
			StageResponseEncoder,
			StageRequestDecoder,
			StageAggregator,
			StageInboundHandler,
			StageOutboundHandler,
		}, p.Names())
	})

	t.Run("WithResponseDecoder", func(t *testing.T) {
		cfg := FactoryConfig{MaxContentLength: 1024, AttachResponseDecoder: true}
		f, err := NewFactory(cfg, echoHandler, nil, nil)
		require.NoError(t, err)

		p := f.Build(&memTransport{}, ConnInfo{})
		assert.Equal(t, f.StageNames(), p.Names())
		assert.Equal(t, StageResponseDecoder, p.Names()[2])
	})

	t.Run("FreshStagesPerConnection", func(t *testing.T) {
		f, err := NewFactory(FactoryConfig{MaxContentLength: 1024}, echoHandler, nil, nil)
		require.NoError(t, err)

		a := f.Build(&memTransport{}, ConnInfo{ID: "a"})
		b := f.Build(&memTransport{}, ConnInfo{ID: "b"})
		assert.NotSame(t, a.Stage(StageRequestDecoder), b.Stage(StageRequestDecoder))
		assert.NotSame(t, a.Stage(StageAggregator), b.Stage(StageAggregator))
	})
}

func TestPipeline_EchoSplitAcrossReads(t *testing.T) {
	p, tr := newTestPipeline(t, FactoryConfig{}, echoHandler, nil)

	body := strings.Repeat("x", 1500)
	raw := []byte(fmt.Sprintf("POST /echo HTTP/1.1\r\nHost: gw\r\nContent-Length: %d\r\n\r\n%s", len(body), body))

	for len(raw) > 0 {
		n := min(7, len(raw))
		require.NoError(t, p.FireInbound(raw[:n]))
		raw = raw[n:]
	}

	resps := tr.responses(t)
	require.Len(t, resps, 1)
	assert.Equal(t, http.StatusOK, resps[0].StatusCode)
	assert.Equal(t, body, readBody(t, resps[0]))
	assert.False(t, tr.closed)
	assert.True(t, p.Idle())
}

func TestPipeline_ChunkedRequestWithTrailer(t *testing.T) {
	var got *Request
	handler := InboundHandlerFunc(func(ctx *Context, req *Request) error {
		got = req
		return ctx.Respond(NewResponse(req, http.StatusNoContent, nil))
	})
	p, tr := newTestPipeline(t, FactoryConfig{Limits: DecoderLimits{MaxChunkSize: 3}}, handler, nil)

	raw := "POST /upload HTTP/1.1\r\nHost: gw\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5;ext=1\r\nhello\r\n" +
		"7\r\n, world\r\n" +
		"0\r\nX-Checksum: abc\r\n\r\n"
	require.NoError(t, p.FireInbound([]byte(raw)))

	require.NotNil(t, got)
	assert.Equal(t, "hello, world", string(got.Body))
	assert.Equal(t, "abc", got.Trailer.Get("X-Checksum"))
	assert.Equal(t, "12", got.Header.Get("Content-Length"))
	assert.Empty(t, got.Header.Get("Transfer-Encoding"))

	resps := tr.responses(t)
	require.Len(t, resps, 1)
	assert.Equal(t, http.StatusNoContent, resps[0].StatusCode)
}

func TestPipeline_PipelinedRequestsAnsweredInOrder(t *testing.T) {
	handler := InboundHandlerFunc(func(ctx *Context, req *Request) error {
		return ctx.Respond(NewResponse(req, http.StatusOK, []byte(req.URI)))
	})
	p, tr := newTestPipeline(t, FactoryConfig{}, handler, nil)

	raw := "GET /one HTTP/1.1\r\nHost: gw\r\n\r\n" +
		"GET /two HTTP/1.1\r\nHost: gw\r\n\r\n" +
		"GET /three HTTP/1.1\r\nHost: gw\r\n\r\n"
	require.NoError(t, p.FireInbound([]byte(raw)))

	resps := tr.responses(t)
	require.Len(t, resps, 3)
	assert.Equal(t, "/one", readBody(t, resps[0]))
	assert.Equal(t, "/two", readBody(t, resps[1]))
	assert.Equal(t, "/three", readBody(t, resps[2]))
}

func TestPipeline_OversizedDeclaredContentLength(t *testing.T) {
	called := false
	handler := InboundHandlerFunc(func(ctx *Context, req *Request) error {
		called = true
		return nil
	})
	p, tr := newTestPipeline(t, FactoryConfig{MaxContentLength: 2000 * 1024}, handler, nil)

	raw := fmt.Sprintf("POST /big HTTP/1.1\r\nHost: gw\r\nContent-Length: %d\r\n\r\n", 2050*1024)
	err := p.FireInbound([]byte(raw))

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrContentTooLarge))
	assert.Equal(t, StageAggregator, StageOf(err))
	assert.False(t, called)
	assert.True(t, tr.closed)

	resps := tr.responses(t)
	require.Len(t, resps, 1)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resps[0].StatusCode)
	assert.True(t, resps[0].Close)

	// Further input is dropped once the connection is closed.
	assert.NoError(t, p.FireInbound([]byte("more")))
}

func TestPipeline_OversizedChunkedBody(t *testing.T) {
	called := false
	handler := InboundHandlerFunc(func(ctx *Context, req *Request) error {
		called = true
		return nil
	})
	p, tr := newTestPipeline(t, FactoryConfig{MaxContentLength: 10}, handler, nil)

	raw := "POST /big HTTP/1.1\r\nHost: gw\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"8\r\n01234567\r\n8\r\n01234567\r\n0\r\n\r\n"
	err := p.FireInbound([]byte(raw))

	assert.ErrorIs(t, err, ErrContentTooLarge)
	assert.False(t, called)
	assert.True(t, tr.closed)
}

func TestPipeline_ExpectContinue(t *testing.T) {
	t.Run("WithinLimit", func(t *testing.T) {
		p, tr := newTestPipeline(t, FactoryConfig{MaxContentLength: 100}, echoHandler, nil)

		require.NoError(t, p.FireInbound([]byte("PUT /x HTTP/1.1\r\nHost: gw\r\nExpect: 100-continue\r\nContent-Length: 4\r\n\r\n")))
		assert.Equal(t, string(continueResponse), tr.out.String())

		require.NoError(t, p.FireInbound([]byte("data")))
		resps := tr.responses(t)
		require.Len(t, resps, 2)
		assert.Equal(t, http.StatusContinue, resps[0].StatusCode)
		assert.Equal(t, http.StatusOK, resps[1].StatusCode)
		assert.Equal(t, "data", readBody(t, resps[1]))
	})

	t.Run("TooLarge", func(t *testing.T) {
		p, tr := newTestPipeline(t, FactoryConfig{MaxContentLength: 100}, echoHandler, nil)

		err := p.FireInbound([]byte("PUT /x HTTP/1.1\r\nHost: gw\r\nExpect: 100-continue\r\nContent-Length: 101\r\n\r\n"))
		assert.ErrorIs(t, err, ErrContentTooLarge)

		resps := tr.responses(t)
		require.Len(t, resps, 1)
		assert.Equal(t, http.StatusExpectationFailed, resps[0].StatusCode)
	})
}

func TestPipeline_MalformedRequest(t *testing.T) {
	tests := []struct {
		name   string
		limits DecoderLimits
		raw    string
	}{
		{"BadRequestLine", DecoderLimits{}, "NOT A REQUEST\r\n\r\n"},
		{"BadContentLength", DecoderLimits{}, "POST / HTTP/1.1\r\nHost: gw\r\nContent-Length: nope\r\n\r\n"},
		{"RequestLineTooLong", DecoderLimits{MaxInitialLineLength: 16}, "GET /" + strings.Repeat("a", 64)},
		{"HeadersTooLarge", DecoderLimits{MaxHeaderSize: 32}, "GET / HTTP/1.1\r\nX-Long: " + strings.Repeat("a", 64) + "\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := InboundHandlerFunc(func(ctx *Context, req *Request) error {
				called = true
				return nil
			})
			p, tr := newTestPipeline(t, FactoryConfig{Limits: tt.limits}, handler, nil)

			err := p.FireInbound([]byte(tt.raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedRequest)
			assert.Equal(t, StageRequestDecoder, StageOf(err))
			assert.False(t, called)
			assert.True(t, tr.closed)

			resps := tr.responses(t)
			require.Len(t, resps, 1)
			assert.Equal(t, http.StatusBadRequest, resps[0].StatusCode)
		})
	}
}

func TestPipeline_InvalidChunkClosesWithoutResponse(t *testing.T) {
	p, tr := newTestPipeline(t, FactoryConfig{}, echoHandler, nil)

	err := p.FireInbound([]byte("POST / HTTP/1.1\r\nHost: gw\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n"))
	assert.ErrorIs(t, err, ErrMalformedRequest)
	assert.Empty(t, tr.out.Bytes())
}

func TestPipeline_ConnectionClose(t *testing.T) {
	p, tr := newTestPipeline(t, FactoryConfig{}, echoHandler, nil)

	require.NoError(t, p.FireInbound([]byte("GET / HTTP/1.1\r\nHost: gw\r\nConnection: close\r\n\r\n")))

	resps := tr.responses(t)
	require.Len(t, resps, 1)
	assert.True(t, resps[0].Close)
	assert.True(t, tr.closed)
}

func TestPipeline_HTTP10(t *testing.T) {
	t.Run("ClosesByDefault", func(t *testing.T) {
		p, tr := newTestPipeline(t, FactoryConfig{}, echoHandler, nil)
		require.NoError(t, p.FireInbound([]byte("GET / HTTP/1.0\r\n\r\n")))
		assert.True(t, tr.closed)
	})

	t.Run("KeepAlive", func(t *testing.T) {
		p, tr := newTestPipeline(t, FactoryConfig{}, echoHandler, nil)
		require.NoError(t, p.FireInbound([]byte("GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")))
		assert.False(t, tr.closed)
		assert.Contains(t, tr.out.String(), "Connection: keep-alive\r\n")
	})
}

func TestPipeline_OutboundHandler(t *testing.T) {
	t.Run("SeesInboundResponses", func(t *testing.T) {
		out := OutboundHandlerFunc(func(ctx *Context, resp *Response) (*Response, error) {
			resp.Header.Set("X-Worker", fmt.Sprint(ctx.WorkerID()))
			return resp, nil
		})
		p, tr := newTestPipeline(t, FactoryConfig{}, echoHandler, out)

		require.NoError(t, p.FireInbound([]byte("GET / HTTP/1.1\r\nHost: gw\r\n\r\n")))
		resps := tr.responses(t)
		require.Len(t, resps, 1)
		assert.Equal(t, "3", resps[0].Header.Get("X-Worker"))
	})

	t.Run("DoesNotSeeRejections", func(t *testing.T) {
		seen := 0
		out := OutboundHandlerFunc(func(ctx *Context, resp *Response) (*Response, error) {
			seen++
			return resp, nil
		})
		p, _ := newTestPipeline(t, FactoryConfig{MaxContentLength: 1}, echoHandler, out)

		err := p.FireInbound([]byte("POST / HTTP/1.1\r\nHost: gw\r\nContent-Length: 2\r\n\r\n"))
		assert.ErrorIs(t, err, ErrContentTooLarge)
		assert.Zero(t, seen)
	})

	t.Run("Drop", func(t *testing.T) {
		out := OutboundHandlerFunc(func(*Context, *Response) (*Response, error) {
			return nil, nil
		})
		p, tr := newTestPipeline(t, FactoryConfig{}, echoHandler, out)

		require.NoError(t, p.FireInbound([]byte("GET / HTTP/1.1\r\nHost: gw\r\n\r\n")))
		assert.Empty(t, tr.out.Bytes())
	})

	t.Run("Error", func(t *testing.T) {
		boom := errors.New("boom")
		out := OutboundHandlerFunc(func(*Context, *Response) (*Response, error) {
			return nil, boom
		})
		p, _ := newTestPipeline(t, FactoryConfig{}, echoHandler, out)

		err := p.FireInbound([]byte("GET / HTTP/1.1\r\nHost: gw\r\n\r\n"))
		assert.ErrorIs(t, err, boom)
		assert.ErrorIs(t, err, ErrHandler)
		assert.Equal(t, StageOutboundHandler, StageOf(err))
	})
}

func TestPipeline_InboundHandlerError(t *testing.T) {
	boom := errors.New("boom")
	handler := InboundHandlerFunc(func(*Context, *Request) error { return boom })
	p, _ := newTestPipeline(t, FactoryConfig{}, handler, nil)

	err := p.FireInbound([]byte("GET / HTTP/1.1\r\nHost: gw\r\n\r\n"))

	var pe *PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, StageInboundHandler, pe.Stage)
	assert.ErrorIs(t, err, ErrHandler)
	assert.ErrorIs(t, err, boom)
}

func TestPipeline_UnhandledRequestGets404(t *testing.T) {
	forward := InboundHandlerFunc(func(ctx *Context, req *Request) error {
		return ctx.FireInbound(req)
	})
	p, tr := newTestPipeline(t, FactoryConfig{}, forward, nil)

	require.NoError(t, p.FireInbound([]byte("GET /nowhere HTTP/1.1\r\nHost: gw\r\n\r\n")))

	resps := tr.responses(t)
	require.Len(t, resps, 1)
	assert.Equal(t, http.StatusNotFound, resps[0].StatusCode)
}

func TestPipeline_Idle(t *testing.T) {
	p, _ := newTestPipeline(t, FactoryConfig{}, echoHandler, nil)
	assert.True(t, p.Idle())

	require.NoError(t, p.FireInbound([]byte("POST / HTTP/1.1\r\nHost: gw\r\n")))
	assert.False(t, p.Idle())

	require.NoError(t, p.FireInbound([]byte("Content-Length: 3\r\n\r\nab")))
	assert.False(t, p.Idle())

	require.NoError(t, p.FireInbound([]byte("c")))
	assert.True(t, p.Idle())
}

func TestPipeline_FireClosedNotifiesObserver(t *testing.T) {
	closed := ""
	handler := &observingHandler{onClose: func(ctx *Context) { closed = ctx.ConnID() }}
	p, _ := newTestPipeline(t, FactoryConfig{}, handler, nil)

	require.NoError(t, p.FireInbound([]byte("POST / HTTP/1.1\r\nHost: gw\r\nContent-Length: 3\r\n\r\na")))
	p.FireClosed()

	assert.Equal(t, "test-conn", closed)
	assert.True(t, p.Idle())
	assert.True(t, p.Closed())
}

type observingHandler struct {
	onClose func(ctx *Context)
}

func (h *observingHandler) HandleRequest(ctx *Context, req *Request) error {
	return ctx.Respond(NewResponse(req, http.StatusOK, nil))
}

func (h *observingHandler) ConnectionClosed(ctx *Context) {
	h.onClose(ctx)
}

// plainStage is an inbound stage without the short-circuit capability.
type plainStage struct{}

func (plainStage) Name() string             { return "plain" }
func (plainStage) Capabilities() Capability { return CapInbound }

func (plainStage) HandleInbound(ctx *Context, msg any) error {
	return ctx.Write(msg)
}

func TestContext_WriteRequiresCapability(t *testing.T) {
	tr := &memTransport{}
	p := New(tr, ConnInfo{}, NewResponseEncoder(nil), plainStage{})

	err := p.FireInbound([]byte("x"))
	assert.ErrorIs(t, err, ErrShortCircuitNotAllowed)
	assert.Empty(t, tr.out.Bytes())
}

func TestResponseDecoder(t *testing.T) {
	var got []any
	tail := InboundHandlerFunc(func(ctx *Context, req *Request) error {
		got = append(got, req)
		return nil
	})
	p := New(&memTransport{}, ConnInfo{}, NewResponseDecoder(), newInboundHandlerStage(tail))

	err := p.FireInbound([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	assert.ErrorIs(t, err, ErrUnexpectedResponse)
	assert.Equal(t, StageResponseDecoder, StageOf(err))

	require.NoError(t, p.FireInbound(&Request{Method: http.MethodGet}))
	assert.Len(t, got, 1)
}

func TestResponseDecoder_AttachedPipelineServesRequests(t *testing.T) {
	p, tr := newTestPipeline(t, FactoryConfig{AttachResponseDecoder: true}, echoHandler, nil)

	require.NoError(t, p.FireInbound([]byte("POST / HTTP/1.1\r\nHost: gw\r\nContent-Length: 2\r\n\r\nok")))

	resps := tr.responses(t)
	require.Len(t, resps, 1)
	assert.Equal(t, "ok", readBody(t, resps[0]))
}

func TestEncodeResponse(t *testing.T) {
	t.Run("Head", func(t *testing.T) {
		req := &Request{Method: http.MethodHead, ProtoMajor: 1, ProtoMinor: 1}
		out := string(EncodeResponse(NewResponse(req, http.StatusOK, []byte("hello")), false))
		assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"))
		assert.Contains(t, out, "Content-Length: 5\r\n")
		assert.True(t, strings.HasSuffix(out, "\r\n\r\n"))
	})

	t.Run("NoContent", func(t *testing.T) {
		out := string(EncodeResponse(&Response{StatusCode: http.StatusNoContent}, true))
		assert.NotContains(t, out, "Content-Length")
		assert.Contains(t, out, "Connection: close\r\n")
	})

	t.Run("DefaultStatus", func(t *testing.T) {
		out := string(EncodeResponse(&Response{}, false))
		assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"))
		assert.Contains(t, out, "Content-Length: 0\r\n")
	})
}
