package pipeline

import (
	"net/http"
	"time"
)

// RequestHead is the decoded request line and header block of one request.
// It is emitted by the request decoder before any of the body.
type RequestHead struct {
	Method     string
	URI        string
	Proto      string
	ProtoMajor int
	ProtoMinor int
	Header     http.Header

	// ContentLength is the declared body size, or -1 for chunked bodies.
	ContentLength int64

	// Chunked is true when the body uses chunked transfer coding.
	Chunked bool

	// Close is true when the client asked for the connection to be closed
	// after this request (Connection: close, or HTTP/1.0 without keep-alive).
	Close bool

	// ReceivedAt is when the head was decoded.
	ReceivedAt time.Time
}

// Content is one piece of a request body. Last marks the end of the message;
// a Last part may carry no data.
type Content struct {
	Data    []byte
	Last    bool
	Trailer http.Header
}

// Request is a fully aggregated HTTP request, as seen by business handlers.
type Request struct {
	Method     string
	URI        string
	Proto      string
	ProtoMajor int
	ProtoMinor int
	Header     http.Header
	Body       []byte
	Trailer    http.Header

	// Close mirrors RequestHead.Close.
	Close bool

	// ReceivedAt is when the request head was decoded.
	ReceivedAt time.Time
}

// KeepAlive reports whether the connection may be reused after answering r.
func (r *Request) KeepAlive() bool {
	return !r.Close
}

// Response is a complete HTTP response travelling the outbound path.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Close forces the connection closed once the response is written.
	Close bool

	// Request is the request being answered. Optional; the encoder uses it
	// for HEAD handling and request metrics.
	Request *Request
}

// NewResponse builds a response for req with the given status and body.
func NewResponse(req *Request, status int, body []byte) *Response {
	return &Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       body,
		Request:    req,
	}
}
