// Package telemetry exposes Prometheus metrics for the reconciliation
// pipeline.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Live stream metrics
	FramesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servermetrics_frames_received_total",
			Help: "Total number of live stream frames received by frame type",
		},
		[]string{"type"},
	)

	FramesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servermetrics_frames_dropped_total",
			Help: "Total number of live stream frames dropped by reason",
		},
		[]string{"reason"}, // decode_error, malformed_record
	)

	StreamReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "servermetrics_stream_reconnects_total",
			Help: "Total number of live stream reconnect attempts",
		},
	)

	// History fetch metrics
	HistoryFetchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "servermetrics_history_fetches_total",
			Help: "Total number of historical retrievals issued",
		},
	)

	HistoryFetchFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servermetrics_history_fetch_failures_total",
			Help: "Total number of failed historical retrievals by HTTP status",
		},
		[]string{"status"},
	)

	StaleFetchesDiscardedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "servermetrics_stale_fetches_discarded_total",
			Help: "History responses discarded because their scope had already changed",
		},
	)

	// Buffer metrics
	BufferPoints = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "servermetrics_buffer_points",
			Help: "Number of points currently retained in the reconciled buffer",
		},
	)

	PointsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servermetrics_points_ingested_total",
			Help: "Total number of points folded into the buffer by source",
		},
		[]string{"source"}, // history, live
	)

	ScopeChangesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "servermetrics_scope_changes_total",
			Help: "Total number of scope activations (buffer resets)",
		},
	)
)

// RecordFrame records one received frame.
func RecordFrame(frameType string) {
	FramesReceivedTotal.WithLabelValues(frameType).Inc()
}

// RecordFrameDropped records a dropped frame.
func RecordFrameDropped(reason string) {
	FramesDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordIngest records points folded into the buffer and the new length.
func RecordIngest(source string, count, bufferLen int) {
	PointsIngestedTotal.WithLabelValues(source).Add(float64(count))
	BufferPoints.Set(float64(bufferLen))
}
