package pipeline

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/marmos91/dittogw/internal/logger"
)

var continueResponse = []byte("HTTP/1.1 100 Continue\r\n\r\n")

// Aggregator merges a *RequestHead and its *Content parts into one *Request.
//
// Bodies are capped at maxContentLength bytes. A request that declares or
// accumulates more is answered with 413 (417 when it asked for
// 100-continue), the connection is closed and ErrContentTooLarge is
// returned. Oversized requests never reach the stages behind the aggregator.
type Aggregator struct {
	maxContentLength int
	current          *Request
}

func NewAggregator(maxContentLength int) *Aggregator {
	return &Aggregator{maxContentLength: maxContentLength}
}

func (a *Aggregator) Name() string { return StageAggregator }

func (a *Aggregator) Capabilities() Capability {
	return CapInbound | CapShortCircuit
}

// MaxContentLength returns the body limit in bytes.
func (a *Aggregator) MaxContentLength() int {
	return a.maxContentLength
}

func (a *Aggregator) HandleInbound(ctx *Context, msg any) error {
	switch m := msg.(type) {
	case *RequestHead:
		return a.begin(ctx, m)
	case *Content:
		return a.add(ctx, m)
	default:
		return ctx.FireInbound(msg)
	}
}

// Idle reports whether no request is being accumulated.
func (a *Aggregator) Idle() bool {
	return a.current == nil
}

func (a *Aggregator) OnClose(*Context) {
	a.current = nil
}

func (a *Aggregator) begin(ctx *Context, head *RequestHead) error {
	if a.current != nil {
		return fmt.Errorf("%w: request head before end of previous message", ErrMalformedRequest)
	}

	ctx.Pipeline().SetKeepAlive(!head.Close)

	expectContinue := head.ProtoMajor == 1 && head.ProtoMinor >= 1 &&
		strings.EqualFold(head.Header.Get("Expect"), "100-continue")

	if head.ContentLength > int64(a.maxContentLength) {
		status := http.StatusRequestEntityTooLarge
		if expectContinue {
			status = http.StatusExpectationFailed
		}
		return a.reject(ctx, requestFromHead(head), status, fmt.Errorf("%w: declared %d bytes, limit %d",
			ErrContentTooLarge, head.ContentLength, a.maxContentLength))
	}

	if expectContinue {
		if err := ctx.Write(continueResponse); err != nil {
			return err
		}
	}

	a.current = requestFromHead(head)
	a.current.Header.Del("Expect")
	if head.ContentLength > 0 {
		a.current.Body = make([]byte, 0, head.ContentLength)
	}
	return nil
}

func (a *Aggregator) add(ctx *Context, part *Content) error {
	if a.current == nil {
		return fmt.Errorf("%w: content without request head", ErrMalformedRequest)
	}

	if len(a.current.Body)+len(part.Data) > a.maxContentLength {
		return a.reject(ctx, a.current, http.StatusRequestEntityTooLarge, fmt.Errorf("%w: body exceeds %d bytes",
			ErrContentTooLarge, a.maxContentLength))
	}
	a.current.Body = append(a.current.Body, part.Data...)

	if !part.Last {
		return nil
	}

	req := a.current
	a.current = nil

	req.Trailer = part.Trailer
	req.Header.Del("Transfer-Encoding")
	req.Header.Set("Content-Length", strconv.Itoa(len(req.Body)))

	return ctx.FireInbound(req)
}

// reject answers req with status and closes the connection. The response
// carries req so the encoder can account for it.
func (a *Aggregator) reject(ctx *Context, req *Request, status int, err error) error {
	a.current = nil

	resp := &Response{
		StatusCode: status,
		Header:     make(http.Header),
		Close:      true,
		Request:    req,
	}
	if werr := ctx.Write(resp); werr != nil {
		logger.Debug("Conn %s: failed to send %d response: %v", ctx.ConnID(), status, werr)
	}
	return err
}

// requestFromHead starts a request from head with an empty body.
func requestFromHead(head *RequestHead) *Request {
	return &Request{
		Method:     head.Method,
		URI:        head.URI,
		Proto:      head.Proto,
		ProtoMajor: head.ProtoMajor,
		ProtoMinor: head.ProtoMinor,
		Header:     head.Header.Clone(),
		Close:      head.Close,
		ReceivedAt: head.ReceivedAt,
	}
}
