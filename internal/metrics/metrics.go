// Package metrics registers the Prometheus instrumentation for the
// verification service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the verifier.
type Metrics struct {
	SubmissionsTotal  *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	PipelinesInFlight prometheus.Gauge
	DecryptRetries    prometheus.Counter
	PointsAwarded     prometheus.Counter
	WarningsRecorded  prometheus.Counter
}

// New creates and registers all collectors on the default registry.
func New() *Metrics {
	return &Metrics{
		SubmissionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verifier_submissions_total",
				Help: "Verification submissions by terminal outcome",
			},
			[]string{"outcome"}, // accepted, rejected, completed, failed, cancelled
		),

		StageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "verifier_stage_duration_seconds",
				Help:    "Wall-clock duration of each pipeline stage",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"stage"},
		),

		PipelinesInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "verifier_pipelines_in_flight",
				Help: "Number of verification runs currently executing",
			},
		),

		DecryptRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "verifier_decrypt_retries_total",
				Help: "Blob fetch retries caused by aggregator propagation lag",
			},
		),

		PointsAwarded: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "verifier_points_awarded_total",
				Help: "Cumulative contributor points awarded",
			},
		),

		WarningsRecorded: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "verifier_warnings_total",
				Help: "Non-fatal warnings recorded on sessions",
			},
		),
	}
}

// RecordOutcome increments the submissions counter for an outcome label.
func (m *Metrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveStage records one stage duration in seconds.
func (m *Metrics) ObserveStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}

// PipelineStarted / PipelineFinished track the in-flight gauge.
func (m *Metrics) PipelineStarted() {
	if m == nil {
		return
	}
	m.PipelinesInFlight.Inc()
}

func (m *Metrics) PipelineFinished() {
	if m == nil {
		return
	}
	m.PipelinesInFlight.Dec()
}

// AddPoints accumulates awarded contributor points.
func (m *Metrics) AddPoints(points int64) {
	if m == nil {
		return
	}
	m.PointsAwarded.Add(float64(points))
}
