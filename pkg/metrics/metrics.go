// Package metrics exposes the Prometheus gauges and histograms named in
// spec §4.7 (quota, scheduler) and §4.9 (replication lag). A single
// Registry is created per engine instance so tests can spin up isolated
// collectors instead of colliding on prometheus.DefaultRegisterer.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric the vinyl engine publishes.
type Registry struct {
	reg *prometheus.Registry

	QuotaUsed      prometheus.Gauge
	QuotaLimit     prometheus.Gauge
	QuotaWatermark prometheus.Gauge

	SchedulerDumpQueueDepth    prometheus.Gauge
	SchedulerCompactQueueDepth prometheus.Gauge
	SchedulerTaskDuration      *prometheus.HistogramVec
	SchedulerBackoffSeconds    prometheus.Gauge

	ReplicationLagSeconds *prometheus.GaugeVec
}

// New creates a Registry with all collectors registered against a fresh
// prometheus.Registry (never the global default, to keep engine instances
// in tests independent).
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		QuotaUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vinyl", Subsystem: "quota", Name: "used_bytes",
			Help: "Bytes currently charged against the vinyl memory quota.",
		}),
		QuotaLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vinyl", Subsystem: "quota", Name: "limit_bytes",
			Help: "Configured vinyl.memory_limit in bytes.",
		}),
		QuotaWatermark: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vinyl", Subsystem: "quota", Name: "watermark_bytes",
			Help: "Used-bytes threshold above which the scheduler starts dumping.",
		}),
		SchedulerDumpQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vinyl", Subsystem: "scheduler", Name: "dump_heap_size",
			Help: "Number of ranges currently pending a dump.",
		}),
		SchedulerCompactQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vinyl", Subsystem: "scheduler", Name: "compact_heap_size",
			Help: "Number of ranges currently pending compaction.",
		}),
		SchedulerTaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vinyl", Subsystem: "scheduler", Name: "task_duration_seconds",
			Help:    "Execution time of dump/compaction tasks.",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		SchedulerBackoffSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vinyl", Subsystem: "scheduler", Name: "backoff_seconds",
			Help: "Current scheduler retry back-off, doubling on failure, reset on success.",
		}),
		ReplicationLagSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vinyl", Subsystem: "replication", Name: "lag_seconds",
			Help: "Seconds between a row's origin timestamp and its local apply time.",
		}, []string{"remote"}),
	}

	reg.MustRegister(
		r.QuotaUsed, r.QuotaLimit, r.QuotaWatermark,
		r.SchedulerDumpQueueDepth, r.SchedulerCompactQueueDepth,
		r.SchedulerTaskDuration, r.SchedulerBackoffSeconds,
		r.ReplicationLagSeconds,
	)
	return r
}

// Registerer exposes the underlying prometheus.Registry for an HTTP
// /metrics handler to gather from.
func (r *Registry) Registerer() *prometheus.Registry { return r.reg }
