package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// ProcessedTotal counts processed images by outcome
	// (success, parse_failure, model_failure, store_failure, skipped).
	ProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plantcare",
		Subsystem: "diagnosis",
		Name:      "images_processed_total",
		Help:      "Total number of images handled by the diagnosis pipeline, labeled by outcome.",
	}, []string{"outcome"})

	// RunDurationSeconds is end-to-end time per pipeline run.
	RunDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "plantcare",
		Subsystem: "diagnosis",
		Name:      "run_duration_seconds",
		Help:      "End-to-end time of one diagnosis run.",
		// Coarse buckets; runs are bounded by the execution deadline.
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60, 120},
	})

	// LastRunTimestampSeconds is a unix timestamp (seconds) of the last
	// completed run.
	LastRunTimestampSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "plantcare",
		Subsystem: "diagnosis",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix timestamp (seconds) of the last completed diagnosis run.",
	})

	// ModelCallDurationSeconds is time spent in the vision model per image.
	ModelCallDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "plantcare",
		Subsystem: "diagnosis",
		Name:      "model_call_duration_seconds",
		Help:      "Time spent in the vision model call per image.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
	})

	// StoreConnected is 1 when the last connectivity check succeeded.
	StoreConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "plantcare",
		Subsystem: "diagnosis",
		Name:      "store_connected",
		Help:      "Whether the last record store connectivity check succeeded (best-effort).",
	})
)

// Register registers pipeline metrics with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			ProcessedTotal,
			RunDurationSeconds,
			LastRunTimestampSeconds,
			ModelCallDurationSeconds,
			StoreConnected,
		)
	})
}

func NowUnixSeconds() float64 {
	return float64(time.Now().Unix())
}
