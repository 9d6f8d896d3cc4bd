package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 迁移管道指标。
//
// category 取值: chat / gift / room / task。
// outcome 取值: migrated / skipped / failed。
var (
	// MigrationRecordsTotal 按类别和结果统计处理过的记录数。
	MigrationRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livemon",
		Name:      "migration_records_total",
		Help:      "Records processed by the migration pipeline, by category and outcome.",
	}, []string{"category", "outcome"})

	// MigrationRunsTotal 按最终状态统计迁移运行次数。
	MigrationRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livemon",
		Name:      "migration_runs_total",
		Help:      "Migration runs by final status.",
	}, []string{"status"})

	// MigrationRunDuration 单次迁移运行耗时。
	MigrationRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "livemon",
		Name:      "migration_run_duration_seconds",
		Help:      "Duration of one orchestrator pass.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// MigrationBatchFailures 批量写入失败次数。
	MigrationBatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "livemon",
		Name:      "migration_batch_failures_total",
		Help:      "Batch flushes that failed and were skipped.",
	})

	// CachePendingRecords 缓存侧待迁移记录数（按类别）。
	CachePendingRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "livemon",
		Name:      "cache_pending_records",
		Help:      "Records waiting in the ephemeral store, by category.",
	}, []string{"category"})

	// SchedulerTicksSkipped 因上一轮仍在运行而拒绝的调度 tick 数。
	SchedulerTicksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "livemon",
		Name:      "scheduler_ticks_skipped_total",
		Help:      "Scheduler ticks refused because the previous pass was still running.",
	})
)
