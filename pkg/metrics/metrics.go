package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bender_connections_total",
			Help: "Total number of client connections accepted",
		},
		[]string{"server"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bender_connections_current",
			Help: "Current number of client connections being processed",
		},
		[]string{"server"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bender_connection_duration_seconds",
			Help:    "Duration of client connections in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server"},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bender_connections_rejected_total",
			Help: "Client connections rejected by the connection limiter",
		},
		[]string{"server"},
	)

	ClientStreamErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bender_client_stream_errors_total",
			Help: "Client connections dropped before a request, such as on a rejected PROXY header",
		},
		[]string{"server"},
	)

	BytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bender_bytes_transferred_total",
			Help: "Bytes moved through the proxy by peer side and direction",
		},
		[]string{"server", "side", "direction"},
	)
)

// Pipeline metrics
var (
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bender_stage_duration_seconds",
			Help:    "Duration of each processing stage in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"server", "stage"},
	)

	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bender_requests_total",
			Help: "Requests read from clients by method",
		},
		[]string{"server", "method"},
	)

	ResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bender_responses_total",
			Help: "Responses relayed to clients by status class",
		},
		[]string{"server", "class"},
	)

	FailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bender_failures_total",
			Help: "Processing failures by classified kind",
		},
		[]string{"server", "kind"},
	)

	GatewayTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bender_gateway_timeouts_total",
			Help: "Synthetic 504 responses sent after an upstream timeout",
		},
		[]string{"server"},
	)
)

// Upstream metrics
var (
	UpstreamDialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bender_upstream_dials_total",
			Help: "Connections opened to destination servers",
		},
		[]string{"server", "result"},
	)

	UpstreamDialDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bender_upstream_dial_duration_seconds",
			Help:    "Time to connect to a destination server in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"server"},
	)

	KeepAlivePoolTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bender_keepalive_pool_lookups_total",
			Help: "Keep-alive pool lookups by result (hit, miss, stale)",
		},
		[]string{"server", "result"},
	)

	KeepAlivePoolIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bender_keepalive_pool_idle",
			Help: "Idle upstream connections held in the keep-alive pool",
		},
		[]string{"server"},
	)
)

// StatusClass maps an HTTP status code to its class label ("2xx").
func StatusClass(status int) string {
	switch {
	case status >= 100 && status < 200:
		return "1xx"
	case status < 300 && status >= 200:
		return "2xx"
	case status < 400 && status >= 300:
		return "3xx"
	case status < 500 && status >= 400:
		return "4xx"
	case status < 600 && status >= 500:
		return "5xx"
	default:
		return "other"
	}
}
