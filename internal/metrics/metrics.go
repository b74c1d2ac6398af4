package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Streamer metrics collectors
var (
	// Streaming

	StreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gcodekit_streams_total",
			Help: "Total number of stream runs by outcome",
		},
		[]string{"engine", "status"},
	)

	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gcodekit_stream_duration_seconds",
			Help:    "Stream run duration in seconds",
			Buckets: []float64{.1, 1, 10, 60, 300, 900, 3600, 14400},
		},
		[]string{"engine"},
	)

	LinesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gcodekit_lines_sent_total",
			Help: "Total number of lines written to a device",
		},
		[]string{"engine", "transport"},
	)

	AcksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gcodekit_acks_total",
			Help: "Total number of acknowledgments read back",
		},
		[]string{"engine", "result"},
	)

	InFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gcodekit_lines_in_flight",
			Help: "Lines sent but not yet acknowledged",
		},
		[]string{"engine"},
	)

	// Control

	ControlSignalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gcodekit_control_signals_total",
			Help: "Total number of pause, resume and emergency stop requests",
		},
		[]string{"engine", "signal"},
	)

	EmergencyStopsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gcodekit_emergency_stops_total",
			Help: "Total number of halt tokens written, by outcome",
		},
		[]string{"transport", "status"},
	)

	HaltLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gcodekit_halt_latency_seconds",
			Help:    "Time from emergency stop request to halt token transmitted",
			Buckets: []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1, .5, 1},
		},
		[]string{"transport"},
	)

	// Transport

	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gcodekit_connections_total",
			Help: "Total number of device connection attempts",
		},
		[]string{"transport", "status"},
	)

	TransportErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gcodekit_transport_errors_total",
			Help: "Total number of transport errors that aborted a stream",
		},
		[]string{"transport", "error_type"},
	)

	// HTTP

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gcodekit_http_requests_total",
			Help: "Total number of control API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gcodekit_http_request_duration_seconds",
			Help:    "Control API request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "endpoint"},
	)
)
