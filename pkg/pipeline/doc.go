// Package pipeline implements the per-connection HTTP/1.x processing chain.
//
// A Pipeline is an ordered list of stages bound to one client connection.
// Inbound messages (raw bytes from the socket) travel from the head of the
// list toward the tail; outbound messages (responses) travel from the tail
// toward the head, where the encoder turns them into bytes for the Transport.
//
// The stage order built by Factory is fixed for every connection:
//
//	response-encoder   outbound   *Response -> []byte, honours Connection: close
//	request-decoder    inbound    []byte -> *RequestHead, *Content
//	response-decoder   inbound    optional, see Factory
//	aggregator         inbound    *RequestHead + *Content -> *Request (size capped)
//	inbound-handler    inbound    business InboundHandler
//	outbound-handler   outbound   business OutboundHandler
//
// Threading model:
// A Pipeline is not safe for concurrent use. The worker that owns the
// connection is the only goroutine that ever calls into it, which is what
// lets stages keep mutable per-connection state without locking.
package pipeline
