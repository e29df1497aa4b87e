package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 抓取相关指标。
var (
	// FetchTotal 按平台与结果统计抓取次数。
	FetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ectracker_fetch_total",
		Help: "Total number of product page fetches by platform and status",
	}, []string{"platform", "status"})

	// FetchDuration 抓取耗时分布（秒）。
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ectracker_fetch_duration_seconds",
		Help:    "Product page fetch duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"platform"})

	// FetchRetryTotal 重试次数统计。
	FetchRetryTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ectracker_fetch_retry_total",
		Help: "Total number of fetch retry attempts",
	})
)

// 通知相关指标。
var (
	// NotificationTotal 按通道与结果统计通知投递。
	NotificationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ectracker_notification_total",
		Help: "Total number of notification deliveries by channel and status",
	}, []string{"channel", "status"})

	// ChangeEventTotal 按类型统计检测到的变化事件。
	ChangeEventTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ectracker_change_event_total",
		Help: "Total number of detected change events by kind",
	}, []string{"kind"})
)

// 调度与批量更新指标。
var (
	// TaskRunTotal 按任务与结果统计调度任务执行。
	TaskRunTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ectracker_task_run_total",
		Help: "Total number of scheduled task runs by task and status",
	}, []string{"task", "status"})

	// TaskDuration 任务执行耗时分布（秒）。
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ectracker_task_duration_seconds",
		Help:    "Scheduled task run duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"task"})

	// TrackedProducts 当前追踪的商品总数。
	TrackedProducts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ectracker_tracked_products",
		Help: "Number of products currently tracked",
	})

	// BatchUpdateSuccess 最近一次批量更新成功的商品数。
	BatchUpdateSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ectracker_batch_update_success",
		Help: "Number of products updated successfully in the last batch run",
	})

	// BatchUpdateFailure 最近一次批量更新失败的商品数。
	BatchUpdateFailure = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ectracker_batch_update_failure",
		Help: "Number of products that failed to update in the last batch run",
	})
)
