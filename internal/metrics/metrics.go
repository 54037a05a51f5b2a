package metrics

import "github.com/prometheus/client_golang/prometheus"

// Extraction Prometheus metrics.
var (
	TrialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "answerscan",
			Name:      "trials_total",
			Help:      "Recognition trials by strategy, segmentation mode and outcome",
		},
		[]string{"strategy", "mode", "status"}, // "ok" / "failed" / "skipped"
	)

	TrialDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "answerscan",
			Name:      "trial_duration_seconds",
			Help:      "Recognition engine call duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"strategy", "mode"},
	)

	PreprocessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "answerscan",
			Name:      "preprocess_duration_seconds",
			Help:      "Image preprocessing duration per strategy in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"strategy"},
	)

	ExtractionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "answerscan",
			Name:      "extractions_total",
			Help:      "Completed extractions by outcome",
		},
		[]string{"status"}, // "ok" / "fallback" / "failed" / "invalid_image"
	)

	WinnerTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "answerscan",
			Name:      "winner_total",
			Help:      "Winning strategy and segmentation mode per extraction",
		},
		[]string{"strategy", "mode"},
	)

	FallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "answerscan",
			Name:      "fallbacks_total",
			Help:      "Standard strategy fallback retries by outcome",
		},
		[]string{"status"},
	)

	ConfidenceClampedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "answerscan",
			Name:      "confidence_clamped_total",
			Help:      "Token confidences reported outside [0,100] by the recognition engine",
		},
	)

	WinnerConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "answerscan",
			Name:      "winner_confidence",
			Help:      "Average token confidence of the selected transcription",
			Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "answerscan",
			Name:      "jobs_total",
			Help:      "Queue jobs by final status",
		},
		[]string{"status"}, // "completed" / "retried" / "failed"
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "answerscan",
			Name:      "job_duration_seconds",
			Help:      "End-to-end submission processing duration in seconds",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		},
	)
)

func init() {
	prometheus.MustRegister(
		TrialsTotal,
		TrialDuration,
		PreprocessDuration,
		ExtractionsTotal,
		WinnerTotal,
		FallbacksTotal,
		ConfidenceClampedTotal,
		WinnerConfidence,
		JobsTotal,
		JobDuration,
	)
}
