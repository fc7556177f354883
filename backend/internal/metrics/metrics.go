// Package metrics 集中声明 Prometheus 指标，注册到默认 registry，
// 由 /metrics 暴露。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OpsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mdsync_ops_applied_total",
		Help: "Operations appended to the log and applied to a live replica",
	}, []string{"origin"})

	OpsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mdsync_ops_rejected_total",
		Help: "Submitted operations rejected, by error code",
	}, []string{"code"})

	TransformWindow = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mdsync_transform_window_ops",
		Help:    "Number of concurrent operations a submission was transformed against",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 64, 256},
	})

	LiveReplicas = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mdsync_live_replicas",
		Help: "Documents with an in-memory replica on this node",
	})

	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mdsync_sessions",
		Help: "Connected editing sessions",
	})

	SlowConsumers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdsync_slow_consumer_disconnects_total",
		Help: "Sessions closed because their outbound buffer was full",
	})

	SnapshotsPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mdsync_snapshots_persisted_total",
		Help: "Snapshots persisted locally, by initial status",
	}, []string{"status"})

	SnapshotCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mdsync_snapshot_commit_attempts_total",
		Help: "External commit attempts, by result",
	}, []string{"result"})

	CommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mdsync_snapshot_commit_duration_seconds",
		Help:    "Duration of a single external commit attempt",
		Buckets: prometheus.DefBuckets,
	})

	Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mdsync_reconciliations_total",
		Help: "Reconciliation cycles, by outcome",
	}, []string{"outcome"})

	ConflictRegions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdsync_conflict_regions_total",
		Help: "Conflict regions materialized as markers",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdsync_kafka_events_dropped_total",
		Help: "Events dropped after exhausting the kafka retry budget",
	})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mdsync_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
