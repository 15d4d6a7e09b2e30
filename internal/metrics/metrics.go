// Package metrics exposes the Prometheus instruments shared by the scoring
// service and CLI.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trellis_steps_total",
		Help: "Total scoring calls served, by operation.",
	}, []string{"op"})

	StepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trellis_step_duration_seconds",
		Help:    "Latency of single scoring calls.",
		Buckets: prometheus.ExponentialBuckets(1e-5, 4, 10),
	})

	ScoringErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trellis_scoring_errors_total",
		Help: "Scoring calls rejected with an error, by operation.",
	}, []string{"op"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trellis_sessions_active",
		Help: "Currently open scoring sessions.",
	})

	SessionStates = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trellis_session_states",
		Help:    "Hypothesis states held by a session when it closes.",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
	})

	RescoredHypotheses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trellis_rescored_hypotheses_total",
		Help: "Hypotheses scored through the n-best rescorer.",
	})

	RescoreDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trellis_rescore_duration_seconds",
		Help:    "Latency of whole n-best rescoring requests.",
		Buckets: prometheus.DefBuckets,
	})

	SequenceLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trellis_sequence_length_tokens",
		Help:    "Length of fully scored sequences.",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500},
	})

	ModelLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trellis_model_loads_total",
		Help: "Model artifact loads, by outcome.",
	}, []string{"outcome"})

	ModelLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trellis_model_load_duration_seconds",
		Help:    "Time to open and validate a model artifact.",
		Buckets: prometheus.DefBuckets,
	})
)

// Operation labels used by RecordStep and RecordScoringError.
const (
	OpStep    = "step"
	OpEOS     = "eos"
	OpAdvance = "advance"
)

func RecordStep(op string, d time.Duration) {
	StepsTotal.WithLabelValues(op).Inc()
	StepDuration.Observe(d.Seconds())
}

func RecordScoringError(op string) {
	ScoringErrors.WithLabelValues(op).Inc()
}

func RecordSessionOpened() {
	SessionsActive.Inc()
}

// RecordSessionClosed drops the active gauge and records how many hypothesis
// states the session still held.
func RecordSessionClosed(states int) {
	SessionsActive.Dec()
	SessionStates.Observe(float64(states))
}

func RecordRescore(hypotheses int, d time.Duration) {
	RescoredHypotheses.Add(float64(hypotheses))
	RescoreDuration.Observe(d.Seconds())
}

func RecordSequenceLength(tokens int) {
	SequenceLength.Observe(float64(tokens))
}

func RecordModelLoad(d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	ModelLoads.WithLabelValues(outcome).Inc()
	ModelLoadDuration.Observe(d.Seconds())
}
