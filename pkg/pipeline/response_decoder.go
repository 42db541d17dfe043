package pipeline

import "fmt"

// ResponseDecoder occupies the response-decoding slot of the pipeline.
//
// A server never receives responses on its inbound path, so the stage only
// forwards already decoded messages. Raw bytes reaching it mean the request
// decoder was bypassed, which is reported as ErrUnexpectedResponse.
type ResponseDecoder struct{}

func NewResponseDecoder() *ResponseDecoder {
	return &ResponseDecoder{}
}

func (*ResponseDecoder) Name() string { return StageResponseDecoder }

func (*ResponseDecoder) Capabilities() Capability { return CapInbound }

func (*ResponseDecoder) HandleInbound(ctx *Context, msg any) error {
	if b, ok := msg.([]byte); ok {
		return fmt.Errorf("%w: %d raw bytes", ErrUnexpectedResponse, len(b))
	}
	return ctx.FireInbound(msg)
}
