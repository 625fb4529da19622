// Package metrics exposes Prometheus instrumentation for the question
// answering pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hybridqa"

// Metrics holds the collectors for one engine.
type Metrics struct {
	turns          *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	queryAttempts  prometheus.Histogram
	similarity     prometheus.Histogram
	discardedTurns prometheus.Counter
	activeSessions prometheus.Gauge
}

// New registers the collectors with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		// Labels: route, outcome (rows, empty, unresolved, query-syntax, query-timeout, unavailable)
		turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversational turns by route and outcome",
		}, []string{"route", "outcome"}),

		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage"}),

		queryAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_attempts",
			Help:      "Query generation attempts per turn",
			Buckets:   []float64{0, 1, 2, 3},
		}),

		similarity: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolver_similarity",
			Help:      "Best-candidate similarity of each resolved mention",
			Buckets:   []float64{0.5, 0.6, 0.7, 0.75, 0.8, 0.85, 0.9, 0.95, 0.99, 1.0},
		}),

		discardedTurns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discarded_turns_total",
			Help:      "Turns discarded because the session was reset mid-turn",
		}),

		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently held in memory",
		}),
	}
}

// ObserveTurn counts a completed turn.
func (m *Metrics) ObserveTurn(route, outcome string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(route, outcome).Inc()
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveAttempts records the number of generation attempts of a turn.
func (m *Metrics) ObserveAttempts(n int) {
	if m == nil {
		return
	}
	m.queryAttempts.Observe(float64(n))
}

// ObserveSimilarity records a resolver best-candidate score.
func (m *Metrics) ObserveSimilarity(s float64) {
	if m == nil {
		return
	}
	m.similarity.Observe(s)
}

// TurnDiscarded counts a turn dropped by a version mismatch.
func (m *Metrics) TurnDiscarded() {
	if m == nil {
		return
	}
	m.discardedTurns.Inc()
}

// SetActiveSessions reports the current session count.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}
