package pipeline

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/marmos91/dittogw/internal/logger"
)

// Default decoder limits, in bytes.
const (
	DefaultMaxInitialLineLength = 4096
	DefaultMaxHeaderSize        = 8192
	DefaultMaxChunkSize         = 8192
)

var (
	crlf     = []byte("\r\n")
	crlfCRLF = []byte("\r\n\r\n")
)

// DecoderLimits bounds how much the request decoder buffers.
type DecoderLimits struct {
	// MaxInitialLineLength caps the request line.
	MaxInitialLineLength int

	// MaxHeaderSize caps the header block (and the trailer block of chunked
	// bodies).
	MaxHeaderSize int

	// MaxChunkSize caps the size of each emitted Content part. Larger bodies
	// and chunks are split; it does not limit the total body size.
	MaxChunkSize int
}

func (l DecoderLimits) withDefaults() DecoderLimits {
	if l.MaxInitialLineLength <= 0 {
		l.MaxInitialLineLength = DefaultMaxInitialLineLength
	}
	if l.MaxHeaderSize <= 0 {
		l.MaxHeaderSize = DefaultMaxHeaderSize
	}
	if l.MaxChunkSize <= 0 {
		l.MaxChunkSize = DefaultMaxChunkSize
	}
	return l
}

type decoderState int

const (
	stateHead decoderState = iota
	stateFixedBody
	stateChunkSize
	stateChunkData
	stateChunkDataEnd
	stateTrailer
	stateBadMessage
)

// RequestDecoder frames a raw byte stream into HTTP/1.x requests.
//
// Bytes may arrive split at any position; the decoder keeps the unconsumed
// tail between calls. For every request it emits one *RequestHead followed
// by one or more *Content parts, the final one with Last set. Pipelined
// requests in the same read are decoded in order.
//
// Once a framing error occurs the decoder discards all further input: the
// stream position is unknown, so the connection has to be closed.
type RequestDecoder struct {
	limits DecoderLimits
	state  decoderState
	buf    []byte

	// remaining counts the body bytes still expected for the current
	// Content-Length body or chunk.
	remaining int64
}

// NewRequestDecoder creates a decoder. Zero limits take the defaults.
func NewRequestDecoder(limits DecoderLimits) *RequestDecoder {
	return &RequestDecoder{limits: limits.withDefaults()}
}

func (d *RequestDecoder) Name() string { return StageRequestDecoder }

func (d *RequestDecoder) Capabilities() Capability {
	return CapInbound | CapShortCircuit
}

// HandleInbound consumes []byte messages and passes anything else through.
func (d *RequestDecoder) HandleInbound(ctx *Context, msg any) error {
	data, ok := msg.([]byte)
	if !ok {
		return ctx.FireInbound(msg)
	}
	if d.state == stateBadMessage {
		return nil
	}

	d.buf = append(d.buf, data...)

	for !ctx.Pipeline().Closed() {
		progressed, err := d.decode(ctx)
		if err != nil {
			return err
		}
		if !progressed {
			break
		}
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}
	return nil
}

// Idle reports whether the decoder sits between messages with nothing buffered.
func (d *RequestDecoder) Idle() bool {
	return d.state == stateHead && len(d.buf) == 0
}

func (d *RequestDecoder) OnClose(*Context) {
	d.buf = nil
	d.remaining = 0
	d.state = stateHead
}

func (d *RequestDecoder) decode(ctx *Context) (bool, error) {
	switch d.state {
	case stateHead:
		return d.decodeHead(ctx)
	case stateFixedBody:
		return d.decodeBody(ctx, false)
	case stateChunkSize:
		return d.decodeChunkSize(ctx)
	case stateChunkData:
		return d.decodeBody(ctx, true)
	case stateChunkDataEnd:
		return d.decodeChunkDataEnd(ctx)
	case stateTrailer:
		return d.decodeTrailer(ctx)
	default:
		return false, nil
	}
}

func (d *RequestDecoder) decodeHead(ctx *Context) (bool, error) {
	// Empty lines before a request line are ignored (RFC 9112 section 2.2).
	skip := 0
	for skip < len(d.buf) && (d.buf[skip] == '\r' || d.buf[skip] == '\n') {
		skip++
	}
	d.consume(skip)
	if len(d.buf) == 0 {
		return false, nil
	}

	end := bytes.Index(d.buf, crlfCRLF)
	if end < 0 {
		if err := d.checkHeadLimits(d.buf); err != nil {
			return false, d.fail(ctx, err)
		}
		return false, nil
	}

	raw := d.buf[:end+len(crlfCRLF)]
	if err := d.checkHeadLimits(raw); err != nil {
		return false, d.fail(ctx, err)
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return false, d.fail(ctx, fmt.Errorf("%w: %v", ErrMalformedRequest, err))
	}
	d.consume(len(raw))

	header := req.Header
	if req.Host != "" && header.Get("Host") == "" {
		header.Set("Host", req.Host)
	}
	chunked := len(req.TransferEncoding) > 0 && req.TransferEncoding[0] == "chunked"

	head := &RequestHead{
		Method:        req.Method,
		URI:           req.RequestURI,
		Proto:         req.Proto,
		ProtoMajor:    req.ProtoMajor,
		ProtoMinor:    req.ProtoMinor,
		Header:        header,
		ContentLength: req.ContentLength,
		Chunked:       chunked,
		Close:         req.Close,
		ReceivedAt:    time.Now(),
	}

	switch {
	case chunked:
		head.ContentLength = -1
		d.state = stateChunkSize
	case req.ContentLength > 0:
		d.remaining = req.ContentLength
		d.state = stateFixedBody
	}

	if err := ctx.FireInbound(head); err != nil {
		return false, err
	}
	if d.state == stateHead {
		return true, ctx.FireInbound(&Content{Last: true})
	}
	return true, nil
}

// checkHeadLimits validates a complete or partial header block.
func (d *RequestDecoder) checkHeadLimits(b []byte) error {
	lineEnd := bytes.IndexByte(b, '\n')
	if lineEnd < 0 {
		if len(b) > d.limits.MaxInitialLineLength {
			return fmt.Errorf("%w: request line exceeds %d bytes", ErrMalformedRequest, d.limits.MaxInitialLineLength)
		}
		return nil
	}

	lineLen := lineEnd
	if lineLen > 0 && b[lineLen-1] == '\r' {
		lineLen--
	}
	if lineLen > d.limits.MaxInitialLineLength {
		return fmt.Errorf("%w: request line exceeds %d bytes", ErrMalformedRequest, d.limits.MaxInitialLineLength)
	}

	if headerLen := len(b) - lineEnd - 1; headerLen > d.limits.MaxHeaderSize {
		return fmt.Errorf("%w: header block exceeds %d bytes", ErrMalformedRequest, d.limits.MaxHeaderSize)
	}
	return nil
}

// decodeBody emits the next part of a Content-Length body or of a chunk.
func (d *RequestDecoder) decodeBody(ctx *Context, chunk bool) (bool, error) {
	if len(d.buf) == 0 {
		return false, nil
	}

	n := min(int64(len(d.buf)), d.remaining, int64(d.limits.MaxChunkSize))
	data := bytes.Clone(d.buf[:n])
	d.consume(int(n))
	d.remaining -= n

	last := false
	if d.remaining == 0 {
		if chunk {
			d.state = stateChunkDataEnd
		} else {
			d.state = stateHead
			last = true
		}
	}

	return true, ctx.FireInbound(&Content{Data: data, Last: last})
}

func (d *RequestDecoder) decodeChunkSize(ctx *Context) (bool, error) {
	i := bytes.Index(d.buf, crlf)
	if i < 0 {
		if len(d.buf) > d.limits.MaxInitialLineLength {
			return false, d.fail(ctx, fmt.Errorf("%w: chunk size line too long", ErrMalformedRequest))
		}
		return false, nil
	}

	line := d.buf[:i]
	if semi := bytes.IndexByte(line, ';'); semi >= 0 {
		line = line[:semi]
	}
	size, err := strconv.ParseUint(string(bytes.TrimSpace(line)), 16, 63)
	if err != nil {
		return false, d.fail(ctx, fmt.Errorf("%w: invalid chunk size %q", ErrMalformedRequest, line))
	}
	d.consume(i + len(crlf))

	if size == 0 {
		d.state = stateTrailer
	} else {
		d.remaining = int64(size)
		d.state = stateChunkData
	}
	return true, nil
}

func (d *RequestDecoder) decodeChunkDataEnd(ctx *Context) (bool, error) {
	if len(d.buf) < len(crlf) {
		return false, nil
	}
	if !bytes.HasPrefix(d.buf, crlf) {
		return false, d.fail(ctx, fmt.Errorf("%w: missing CRLF after chunk data", ErrMalformedRequest))
	}
	d.consume(len(crlf))
	d.state = stateChunkSize
	return true, nil
}

func (d *RequestDecoder) decodeTrailer(ctx *Context) (bool, error) {
	if bytes.HasPrefix(d.buf, crlf) {
		d.consume(len(crlf))
		d.state = stateHead
		return true, ctx.FireInbound(&Content{Last: true})
	}

	end := bytes.Index(d.buf, crlfCRLF)
	if end < 0 {
		if len(d.buf) > d.limits.MaxHeaderSize {
			return false, d.fail(ctx, fmt.Errorf("%w: trailer exceeds %d bytes", ErrMalformedRequest, d.limits.MaxHeaderSize))
		}
		return false, nil
	}

	raw := d.buf[:end+len(crlfCRLF)]
	mime, err := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw))).ReadMIMEHeader()
	if err != nil {
		return false, d.fail(ctx, fmt.Errorf("%w: invalid trailer: %v", ErrMalformedRequest, err))
	}
	d.consume(len(raw))
	d.state = stateHead

	return true, ctx.FireInbound(&Content{Last: true, Trailer: http.Header(mime)})
}

func (d *RequestDecoder) consume(n int) {
	d.buf = d.buf[n:]
}

// fail moves the decoder to the bad-message state. A framing error before any
// part of the message was emitted is answered with 400 Bad Request.
func (d *RequestDecoder) fail(ctx *Context, err error) error {
	respond := d.state == stateHead
	d.state = stateBadMessage
	d.buf = nil

	if respond {
		resp := &Response{
			StatusCode: http.StatusBadRequest,
			Header:     make(http.Header),
			Close:      true,
		}
		if werr := ctx.Write(resp); werr != nil {
			logger.Debug("Conn %s: failed to send 400 response: %v", ctx.ConnID(), werr)
		}
	}
	return err
}
