package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// 检查运行相关指标
var (
	// CheckRunsTotal 按触发来源统计的检查运行次数。
	CheckRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatch_check_runs_total",
		Help: "Total number of check runs by trigger source.",
	}, []string{"trigger"})

	// CheckRunDuration 单次检查运行的耗时分布。
	CheckRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stockwatch_check_run_duration_seconds",
		Help:    "Duration of whole check runs.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	})

	// ItemChecksTotal 按结果与错误类型统计的单品检查次数。
	ItemChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatch_item_checks_total",
		Help: "Per-item check outcomes by status and kind.",
	}, []string{"status", "kind"})

	// ChecksInFlight 正在执行的单品流水线数量。
	ChecksInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stockwatch_checks_in_flight",
		Help: "Number of item pipelines currently executing.",
	})

	// WorkerPoolSize 配置的 worker 数量。
	WorkerPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stockwatch_worker_pool_size",
		Help: "Configured number of check workers.",
	})

	// LockContentionTotal 因单品锁被占用而跳过的次数。
	LockContentionTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockwatch_item_lock_contention_total",
		Help: "Items skipped because a check was already in progress.",
	})
)

// 外部数据源相关指标
var (
	ProviderCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockwatch_provider_call_duration_seconds",
		Help:    "Duration of provider subprocess calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "result"})

	ProviderErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatch_provider_errors_total",
		Help: "Provider call failures by kind.",
	}, []string{"kind"})

	RateLimitWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stockwatch_ratelimit_wait_seconds",
		Help:    "Time spent waiting for a provider rate limit token.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	RateLimitTimeoutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockwatch_ratelimit_timeout_total",
		Help: "Rate limit waits that ended because the context expired.",
	})
)

// 通知与队列相关指标
var (
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatch_notifications_total",
		Help: "Threshold notifications by dispatch result.",
	}, []string{"result"})

	QueueAutoClaimTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockwatch_check_queue_autoclaim_total",
		Help: "Pending check requests reclaimed from idle consumers.",
	})

	QueueDLQTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockwatch_check_queue_dlq_total",
		Help: "Check requests moved to the dead letter stream.",
	})
)

var registerOnce sync.Once

// InitMetrics 注册所有指标并记录 worker 数量，可重复调用。
func InitMetrics(workers int) {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			CheckRunsTotal,
			CheckRunDuration,
			ItemChecksTotal,
			ChecksInFlight,
			WorkerPoolSize,
			LockContentionTotal,
			ProviderCallDuration,
			ProviderErrorsTotal,
			RateLimitWaitDuration,
			RateLimitTimeoutTotal,
			NotificationsTotal,
			QueueAutoClaimTotal,
			QueueDLQTotal,
		)
	})
	WorkerPoolSize.Set(float64(workers))
}
