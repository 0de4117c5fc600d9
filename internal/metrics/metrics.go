package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus surface for the control plane. Counters here are operational
// telemetry; the durable counters the components persist remain the source
// of truth for the API responses.

var (
	// JobsProcessed counts job queue deliveries by outcome.
	// Labels: type (job type), outcome (completed, failed, retried, healing)
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "repoplane",
		Subsystem: "jobs",
		Name:      "processed_total",
		Help:      "Total processed job deliveries by outcome",
	}, []string{"type", "outcome"})

	// Scrapes counts scrape attempts by outcome.
	// Labels: outcome (stored, not_modified, failed)
	Scrapes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "repoplane",
		Subsystem: "scrape",
		Name:      "attempts_total",
		Help:      "Total scrape attempts by outcome",
	}, []string{"outcome"})

	// HealingAttempts counts healing strategy executions.
	// Labels: strategy, outcome (resolved, pending, escalated)
	HealingAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "repoplane",
		Subsystem: "healing",
		Name:      "attempts_total",
		Help:      "Total healing strategy executions by outcome",
	}, []string{"strategy", "outcome"})

	// QueueDepth tracks the number of stored messages per queue.
	// Labels: queue
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "repoplane",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Messages currently stored per queue",
	}, []string{"queue"})

	// BatchDuration measures processor batch handling time.
	// Labels: queue
	BatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "repoplane",
		Subsystem: "queue",
		Name:      "batch_duration_seconds",
		Help:      "Time spent handling one consumed batch",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"queue"})
)
