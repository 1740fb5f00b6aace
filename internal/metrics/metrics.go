// Package metrics exposes Prometheus collectors for the orchestration
// core. Collectors are constructor-injected rather than registered on
// the default registry so tests can run them in isolation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the core's Prometheus collectors.
type Registry struct {
	// Scheduler
	TasksSubmitted  *prometheus.CounterVec
	TasksCompleted  *prometheus.CounterVec
	TaskRetries     prometheus.Counter
	TasksInFlight   prometheus.Gauge
	QueueDepth      *prometheus.GaugeVec
	TaskDuration    *prometheus.HistogramVec

	// Context store
	ContextCacheHits   prometheus.Counter
	ContextCacheMisses prometheus.Counter
	ContextEntries     prometheus.Gauge

	// Evidence store
	EvidenceStored prometheus.Counter
	EvidenceDedup  prometheus.Counter

	// ETL
	PipelineRuns     *prometheus.CounterVec
	RecordsProcessed prometheus.Counter
	RecordsFailed    prometheus.Counter

	// Audit
	AuditEventsWritten *prometheus.CounterVec
}

// NewRegistry creates and registers all collectors on the given
// Prometheus registerer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		TasksSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cab",
				Subsystem: "scheduler",
				Name:      "tasks_submitted_total",
				Help:      "Total number of tasks submitted",
			},
			[]string{"task_type"},
		),
		TasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cab",
				Subsystem: "scheduler",
				Name:      "tasks_completed_total",
				Help:      "Total number of tasks reaching a terminal state",
			},
			[]string{"state"},
		),
		TaskRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "cab",
				Subsystem: "scheduler",
				Name:      "task_retries_total",
				Help:      "Total number of task retry re-enqueues",
			},
		),
		TasksInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "cab",
				Subsystem: "scheduler",
				Name:      "tasks_in_flight",
				Help:      "Number of tasks currently executing",
			},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "cab",
				Subsystem: "scheduler",
				Name:      "queue_depth",
				Help:      "Pending tasks per organization queue",
			},
			[]string{"organization"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "cab",
				Subsystem: "scheduler",
				Name:      "task_duration_seconds",
				Help:      "Task execution duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~82s
			},
			[]string{"task_type"},
		),
		ContextCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "cab",
				Subsystem: "context",
				Name:      "cache_hits_total",
				Help:      "Local context cache hits",
			},
		),
		ContextCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "cab",
				Subsystem: "context",
				Name:      "cache_misses_total",
				Help:      "Local context cache misses",
			},
		),
		ContextEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "cab",
				Subsystem: "context",
				Name:      "entries_cached",
				Help:      "Entries resident in the local context cache",
			},
		),
		EvidenceStored: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "cab",
				Subsystem: "evidence",
				Name:      "items_stored_total",
				Help:      "Total evidence items persisted",
			},
		),
		EvidenceDedup: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "cab",
				Subsystem: "evidence",
				Name:      "dedup_hits_total",
				Help:      "Evidence writes collapsed onto an existing integrity hash",
			},
		),
		PipelineRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cab",
				Subsystem: "etl",
				Name:      "pipeline_runs_total",
				Help:      "Pipeline runs by final state",
			},
			[]string{"pipeline", "state"},
		),
		RecordsProcessed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "cab",
				Subsystem: "etl",
				Name:      "records_processed_total",
				Help:      "Records entering pipeline processing",
			},
		),
		RecordsFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "cab",
				Subsystem: "etl",
				Name:      "records_failed_total",
				Help:      "Records rejected by validation or loading",
			},
		),
		AuditEventsWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cab",
				Subsystem: "audit",
				Name:      "events_written_total",
				Help:      "Audit events appended by category",
			},
			[]string{"category"},
		),
	}

	reg.MustRegister(
		r.TasksSubmitted, r.TasksCompleted, r.TaskRetries, r.TasksInFlight,
		r.QueueDepth, r.TaskDuration,
		r.ContextCacheHits, r.ContextCacheMisses, r.ContextEntries,
		r.EvidenceStored, r.EvidenceDedup,
		r.PipelineRuns, r.RecordsProcessed, r.RecordsFailed,
		r.AuditEventsWritten,
	)
	return r
}

// NewNopRegistry creates collectors on a private registry, for tests
// and components that do not export metrics.
func NewNopRegistry() *Registry {
	return NewRegistry(prometheus.NewRegistry())
}
