package metrics

import "time"

// GatewayMetrics receives observability events from the acceptor, the worker
// pool and the connection pipelines.
//
// Implementations must be safe for concurrent use: every worker loop reports
// through the same value.
type GatewayMetrics interface {
	// RecordConnectionAccepted counts a connection handed to a worker.
	RecordConnectionAccepted(worker int)

	// RecordConnectionClosed counts a connection torn down by its worker.
	RecordConnectionClosed(worker int)

	// RecordConnectionRejected counts an accepted socket that was closed
	// without being served, e.g. reason "shutting_down".
	RecordConnectionRejected(reason string)

	// RecordConnectionForceClosed counts connections closed because the
	// graceful shutdown deadline passed.
	RecordConnectionForceClosed(count int)

	// SetActiveConnections publishes the number of connections owned by a worker.
	SetActiveConnections(worker int, count int)

	// RecordAcceptError counts transient accept failures.
	RecordAcceptError()

	// RecordPipelineError counts a connection closed by a failing stage.
	RecordPipelineError(stage string)

	// RecordRequest records a request that produced a response.
	RecordRequest(method string, status int, duration time.Duration)

	// RecordBytesTransferred counts bytes read ("in") or written ("out").
	RecordBytesTransferred(direction string, bytes int)
}

// NewNoopGatewayMetrics returns a GatewayMetrics that discards everything.
func NewNoopGatewayMetrics() GatewayMetrics {
	return noopGatewayMetrics{}
}

// OrNoop returns m, or the no-op implementation when m is nil.
func OrNoop(m GatewayMetrics) GatewayMetrics {
	if m == nil {
		return noopGatewayMetrics{}
	}
	return m
}

type noopGatewayMetrics struct{}

func (noopGatewayMetrics) RecordConnectionAccepted(int)             {}
func (noopGatewayMetrics) RecordConnectionClosed(int)               {}
func (noopGatewayMetrics) RecordConnectionRejected(string)          {}
func (noopGatewayMetrics) RecordConnectionForceClosed(int)          {}
func (noopGatewayMetrics) SetActiveConnections(int, int)            {}
func (noopGatewayMetrics) RecordAcceptError()                       {}
func (noopGatewayMetrics) RecordPipelineError(string)               {}
func (noopGatewayMetrics) RecordRequest(string, int, time.Duration) {}
func (noopGatewayMetrics) RecordBytesTransferred(string, int)       {}
