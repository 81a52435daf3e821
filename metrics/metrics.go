// Package metrics holds the Prometheus collectors for the recommender.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TurnsTotal counts handled conversation turns by the step they ended on.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recommender_turns_total",
			Help: "Conversation turns handled, labelled by the last step executed",
		},
		[]string{"last_step"},
	)

	// ReviewFetchTotal counts per-restaurant review fetches by source.
	ReviewFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recommender_review_fetch_total",
			Help: "Per-restaurant review fetch outcomes (cache, scrape, empty, failed)",
		},
		[]string{"outcome"},
	)

	// CollaboratorFailures counts failed calls to external collaborators.
	CollaboratorFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recommender_collaborator_failures_total",
			Help: "Failed calls to external collaborators",
		},
		[]string{"collaborator"},
	)

	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recommender_pipeline_duration_seconds",
			Help:    "Time from confirmed search to final results",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "recommender_active_sessions",
			Help: "Number of live conversation sessions",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "recommender_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recommender_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)
)
