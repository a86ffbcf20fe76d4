package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StreamMetrics holds all Prometheus metrics for the streamer.
type StreamMetrics struct {
	RecordsEmitted *prometheus.CounterVec
	RecordsSkipped *prometheus.CounterVec
	ScansTotal     *prometheus.CounterVec
	ScanErrors     *prometheus.CounterVec
	EnginesActive  prometheus.Gauge
}

// NewStreamMetrics initializes the Prometheus metrics and registers them
// with the default registry.
func NewStreamMetrics() *StreamMetrics {
	return NewStreamMetricsWith(prometheus.DefaultRegisterer)
}

// NewStreamMetricsWith initializes the metrics against a specific registerer.
func NewStreamMetricsWith(reg prometheus.Registerer) *StreamMetrics {
	factory := promauto.With(reg)
	return &StreamMetrics{
		RecordsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventlog_streamer",
			Subsystem: "stream",
			Name:      "records_emitted_total",
			Help:      "Total number of records emitted to the output sink, by source.",
		}, []string{"source"}),
		RecordsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventlog_streamer",
			Subsystem: "stream",
			Name:      "records_skipped_total",
			Help:      "Total number of records dropped from a scan pass due to emission errors.",
		}, []string{"source"}),
		ScansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventlog_streamer",
			Subsystem: "stream",
			Name:      "scans_total",
			Help:      "Total number of scan passes, by source and trigger.",
		}, []string{"source", "trigger"}), // trigger: replay, notification
		ScanErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventlog_streamer",
			Subsystem: "stream",
			Name:      "scan_errors_total",
			Help:      "Total number of scan passes that ended in an error.",
		}, []string{"source"}),
		EnginesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "eventlog_streamer",
			Subsystem: "stream",
			Name:      "engines_active",
			Help:      "Number of engines currently in the running state.",
		}),
	}
}
