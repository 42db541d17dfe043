package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedRequest is returned by the request decoder when the byte
	// stream cannot be framed as an HTTP/1.x request.
	ErrMalformedRequest = errors.New("malformed HTTP request")

	// ErrContentTooLarge is returned by the aggregator when a message body
	// exceeds the configured maximum content length.
	ErrContentTooLarge = errors.New("request content too large")

	// ErrUnexpectedResponse is returned by the response decoder when raw
	// bytes reach it, i.e. the peer sent something the request decoder did
	// not consume.
	ErrUnexpectedResponse = errors.New("unexpected response data on inbound path")

	// ErrHandler wraps errors returned by business handlers.
	ErrHandler = errors.New("handler failed")

	// ErrShortCircuitNotAllowed is returned when a stage without the
	// short-circuit capability tries to write from the inbound path.
	ErrShortCircuitNotAllowed = errors.New("stage may not write responses")

	// ErrUnencodable is returned when an outbound message reaches the head of
	// the pipeline without having been encoded to bytes.
	ErrUnencodable = errors.New("outbound message cannot be encoded")
)

// PipelineError reports which stage failed while processing a message.
//
// Any PipelineError returned from FireInbound or Write is fatal for the
// connection: the owning worker closes it and no other connection is affected.
type PipelineError struct {
	// Stage is the name of the failing stage (e.g. "aggregator").
	Stage string

	// Err is the underlying cause. Use errors.Is against the package
	// sentinels to classify it.
	Err error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline stage %s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage name carried by err, or "unknown".
func StageOf(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Stage
	}
	return "unknown"
}

// wrapStageError attributes err to stage unless a deeper stage already did.
func wrapStageError(stage string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return err
	}
	return &PipelineError{Stage: stage, Err: err}
}
