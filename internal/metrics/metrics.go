package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "apitelemetry"

// Registry holds the pipeline's own collectors. It is separate from the
// default registry so the exposition endpoint only serves what we own.
var Registry = prometheus.NewRegistry()

var (
	// CollectorRecords counts performance records by outcome:
	// queued|written|dropped|failed|excluded.
	CollectorRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collector_records_total",
			Help:      "Performance records handled by the collector middleware, by outcome.",
		},
		[]string{"outcome"},
	)

	// CollectorWriteDuration observes how long the asynchronous writes take.
	CollectorWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collector_write_duration_seconds",
			Help:      "Latency of asynchronous performance record writes.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)

	// EventsSubmitted counts interaction events by outcome: accepted|dropped|rejected.
	EventsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_submitted_total",
			Help:      "Interaction events received on the batch submission endpoint, by outcome.",
		},
		[]string{"outcome"},
	)

	// JobRuns counts aggregation job runs: completed|skipped|failed|capacity_exceeded.
	JobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Aggregation and retention job runs, by outcome.",
		},
		[]string{"outcome"},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of aggregation job runs.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800},
		},
	)

	// Rows is the row count per table observed after the last job run.
	Rows = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rows",
			Help:      "Row count per telemetry table after the last aggregation run.",
		},
		[]string{"table"},
	)

	// QueryPlans counts routed queries by plan: raw|aggregated|split|rejected.
	QueryPlans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_plans_total",
			Help:      "Time-range queries served by the router, by plan.",
		},
		[]string{"plan"},
	)
)

func init() {
	Registry.MustRegister(
		CollectorRecords,
		CollectorWriteDuration,
		EventsSubmitted,
		JobRuns,
		JobDuration,
		Rows,
		QueryPlans,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}
