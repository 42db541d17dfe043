package prometheus

import (
	"strconv"
	"time"

	"github.com/marmos91/dittogw/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// gatewayMetrics is the Prometheus implementation of metrics.GatewayMetrics.
type gatewayMetrics struct {
	connectionsAccepted    *prometheus.CounterVec
	connectionsClosed      *prometheus.CounterVec
	connectionsRejected    *prometheus.CounterVec
	connectionsForceClosed prometheus.Counter
	activeConnections      *prometheus.GaugeVec
	acceptErrors           prometheus.Counter
	pipelineErrors         *prometheus.CounterVec
	requestsTotal          *prometheus.CounterVec
	requestDuration        *prometheus.HistogramVec
	bytesTransferred       *prometheus.CounterVec
}

// NewGatewayMetrics registers the gateway collectors on reg.
//
// Returns the no-op implementation when reg is nil. Registering twice on the
// same registerer panics, as with any promauto collector.
func NewGatewayMetrics(reg prometheus.Registerer) metrics.GatewayMetrics {
	if reg == nil {
		return metrics.NewNoopGatewayMetrics()
	}

	factory := promauto.With(reg)

	return &gatewayMetrics{
		connectionsAccepted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittogw_connections_accepted_total",
				Help: "Total number of connections assigned to a worker",
			},
			[]string{"worker"},
		),
		connectionsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittogw_connections_closed_total",
				Help: "Total number of connections torn down by a worker",
			},
			[]string{"worker"},
		),
		connectionsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittogw_connections_rejected_total",
				Help: "Total number of accepted sockets closed without being served",
			},
			[]string{"reason"},
		),
		connectionsForceClosed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dittogw_connections_force_closed_total",
				Help: "Total number of connections force-closed after the shutdown timeout",
			},
		),
		activeConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dittogw_active_connections",
				Help: "Current number of connections owned by each worker",
			},
			[]string{"worker"},
		),
		acceptErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dittogw_accept_errors_total",
				Help: "Total number of transient accept failures",
			},
		),
		pipelineErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittogw_pipeline_errors_total",
				Help: "Total number of connections closed by a failing pipeline stage",
			},
			[]string{"stage"},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittogw_requests_total",
				Help: "Total number of HTTP requests answered, by method and status code",
			},
			[]string{"method", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dittogw_request_duration_milliseconds",
				Help: "Time from aggregated request to encoded response in milliseconds",
				Buckets: []float64{
					1,     // 1ms
					10,    // 10ms
					100,   // 100ms
					1000,  // 1s
					10000, // 10s
				},
			},
			[]string{"method"},
		),
		bytesTransferred: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittogw_bytes_transferred_total",
				Help: "Total bytes read from and written to client connections",
			},
			[]string{"direction"},
		),
	}
}

func (m *gatewayMetrics) RecordConnectionAccepted(worker int) {
	m.connectionsAccepted.WithLabelValues(strconv.Itoa(worker)).Inc()
}

func (m *gatewayMetrics) RecordConnectionClosed(worker int) {
	m.connectionsClosed.WithLabelValues(strconv.Itoa(worker)).Inc()
}

func (m *gatewayMetrics) RecordConnectionRejected(reason string) {
	m.connectionsRejected.WithLabelValues(reason).Inc()
}

func (m *gatewayMetrics) RecordConnectionForceClosed(count int) {
	m.connectionsForceClosed.Add(float64(count))
}

func (m *gatewayMetrics) SetActiveConnections(worker int, count int) {
	m.activeConnections.WithLabelValues(strconv.Itoa(worker)).Set(float64(count))
}

func (m *gatewayMetrics) RecordAcceptError() {
	m.acceptErrors.Inc()
}

func (m *gatewayMetrics) RecordPipelineError(stage string) {
	m.pipelineErrors.WithLabelValues(stage).Inc()
}

func (m *gatewayMetrics) RecordRequest(method string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(float64(duration) / float64(time.Millisecond))
}

func (m *gatewayMetrics) RecordBytesTransferred(direction string, bytes int) {
	m.bytesTransferred.WithLabelValues(direction).Add(float64(bytes))
}
