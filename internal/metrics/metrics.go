// Package metrics defines the Prometheus instrumentation shared by the
// scheduler, worker pool and retention pass. All collectors are registered
// on the default registry and served from /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SchedulerTicks counts completed scheduler passes.
	SchedulerTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tidevault_scheduler_ticks_total",
		Help: "Completed scheduler tick passes.",
	})

	// JobsEnqueued counts jobs placed on the queue, by tier and trigger.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tidevault_jobs_enqueued_total",
		Help: "Backup jobs enqueued.",
	}, []string{"tier", "triggered_by"})

	// BackupsCompleted counts finished backup executions by outcome.
	BackupsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tidevault_backups_total",
		Help: "Finished backup executions.",
	}, []string{"database_type", "status"})

	// BackupDuration observes wall-clock execution time of completed backups.
	BackupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tidevault_backup_duration_seconds",
		Help:    "Backup execution duration.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"database_type"})

	// BackupBytes observes artifact sizes of completed backups.
	BackupBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tidevault_backup_size_bytes",
		Help:    "Stored backup artifact size.",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
	}, []string{"database_type"})

	// PoisonMessages counts jobs dropped at the poison threshold.
	PoisonMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tidevault_poison_messages_total",
		Help: "Queue messages dropped after exceeding the poison threshold.",
	})

	// RetentionDeleted counts backups pruned by the retention pass, by tier.
	RetentionDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tidevault_retention_deleted_total",
		Help: "Backups deleted by retention.",
	}, []string{"tier"})

	// QueueDepth reports the current number of messages on the job queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tidevault_queue_depth",
		Help: "Messages on the backup job queue, visible or leased.",
	})
)
