package pipeline

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/marmos91/dittogw/pkg/metrics"
)

// unknownMethod labels responses that answer no decoded request.
const unknownMethod = "unknown"

// ResponseEncoder serializes *Response values into HTTP/1.1 bytes. It sits
// at the head of the pipeline; []byte messages pass through untouched.
//
// The connection is closed after writing when the response sets Close or
// when the request being answered did not allow keep-alive.
type ResponseEncoder struct {
	metrics metrics.GatewayMetrics
}

func NewResponseEncoder(m metrics.GatewayMetrics) *ResponseEncoder {
	return &ResponseEncoder{metrics: metrics.OrNoop(m)}
}

func (e *ResponseEncoder) Name() string { return StageResponseEncoder }

func (e *ResponseEncoder) Capabilities() Capability { return CapOutbound }

func (e *ResponseEncoder) HandleOutbound(ctx *Context, msg any) error {
	switch m := msg.(type) {
	case []byte:
		return ctx.Write(m)
	case *Response:
		closeConn := m.Close || !ctx.Pipeline().KeepAlive()
		if err := ctx.Write(EncodeResponse(m, closeConn)); err != nil {
			return err
		}
		e.record(m)
		if closeConn {
			return ctx.Close()
		}
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnencodable, msg)
	}
}

// record accounts for a written response. Responses sent before a request
// head could be decoded (400 Bad Request) have no request and are recorded
// under the "unknown" method.
func (e *ResponseEncoder) record(resp *Response) {
	status := statusOrOK(resp.StatusCode)
	if resp.Request == nil {
		e.metrics.RecordRequest(unknownMethod, status, 0)
		return
	}
	e.metrics.RecordRequest(resp.Request.Method, status, time.Since(resp.Request.ReceivedAt))
}

// EncodeResponse renders resp in HTTP/1.1 wire format. Content-Length is
// always derived from the body; closeConn adds Connection: close.
func EncodeResponse(resp *Response, closeConn bool) []byte {
	status := statusOrOK(resp.StatusCode)
	text := http.StatusText(status)
	if text == "" {
		text = "status code " + strconv.Itoa(status)
	}

	var buf bytes.Buffer
	buf.Grow(128 + len(resp.Body))
	fmt.Fprintf(&buf, "HTTP/1.1 %03d %s\r\n", status, text)

	header := resp.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Del("Transfer-Encoding")

	withBody := bodyAllowed(status)
	if withBody {
		header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	} else {
		header.Del("Content-Length")
	}

	switch {
	case closeConn:
		header.Set("Connection", "close")
	case resp.Request != nil && resp.Request.ProtoMajor == 1 && resp.Request.ProtoMinor == 0:
		header.Set("Connection", "keep-alive")
	}

	_ = header.Write(&buf)
	buf.WriteString("\r\n")

	if withBody && (resp.Request == nil || resp.Request.Method != http.MethodHead) {
		buf.Write(resp.Body)
	}
	return buf.Bytes()
}

func statusOrOK(status int) int {
	if status == 0 {
		return http.StatusOK
	}
	return status
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}
