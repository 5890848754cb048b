package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		},
		[]string{"type"},
	)
	TasksRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tasks_running",
			Help: "Number of tasks currently running",
		},
		[]string{"type"},
	)
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of tasks completed",
		},
		[]string{"type"},
	)
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_failed_total",
			Help: "Total number of tasks failed",
		},
		[]string{"type"},
	)
	TasksCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_cancelled_total",
			Help: "Total number of tasks cancelled",
		},
		[]string{"type"},
	)
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800, 7200},
		},
		[]string{"type"},
	)

	ScanItemsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_items_processed_total",
			Help: "Total number of scan items processed per stage",
		},
		[]string{"stage"},
	)
	ScanStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scan_stage_duration_seconds",
			Help:    "Scan stage duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		},
		[]string{"stage"},
	)

	BrokerMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_total",
			Help: "Total number of broker messages published",
		},
		[]string{"topic"},
	)
	BrokerHandlerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_handler_failures_total",
			Help: "Total number of broker handler failures",
		},
		[]string{"topic"},
	)

	DataSourceRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datasource_requests_total",
			Help: "Total number of data source requests by source and operation",
		},
		[]string{"source", "operation"},
	)
)

var registerOnce sync.Once

// InitMetrics registers all collectors once per process.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(TasksEnqueuedTotal)
		prometheus.MustRegister(TasksRunning)
		prometheus.MustRegister(TasksCompletedTotal)
		prometheus.MustRegister(TasksFailedTotal)
		prometheus.MustRegister(TasksCancelledTotal)
		prometheus.MustRegister(TaskDuration)
		prometheus.MustRegister(ScanItemsProcessedTotal)
		prometheus.MustRegister(ScanStageDuration)
		prometheus.MustRegister(BrokerMessagesTotal)
		prometheus.MustRegister(BrokerHandlerFailuresTotal)
		prometheus.MustRegister(DataSourceRequestsTotal)
	})
}

// EnqueueTask records a task enqueue.
func EnqueueTask(taskType string) { TasksEnqueuedTotal.WithLabelValues(taskType).Inc() }

// StartTask records a task moving to running.
func StartTask(taskType string) { TasksRunning.WithLabelValues(taskType).Inc() }

// CompleteTask records a successful terminal transition.
func CompleteTask(taskType string, seconds float64) {
	TasksRunning.WithLabelValues(taskType).Dec()
	TasksCompletedTotal.WithLabelValues(taskType).Inc()
	TaskDuration.WithLabelValues(taskType).Observe(seconds)
}

// FailTask records a failed terminal transition.
func FailTask(taskType string, seconds float64) {
	TasksRunning.WithLabelValues(taskType).Dec()
	TasksFailedTotal.WithLabelValues(taskType).Inc()
	TaskDuration.WithLabelValues(taskType).Observe(seconds)
}

// CancelTask records a cancelled terminal transition.
func CancelTask(taskType string) {
	TasksRunning.WithLabelValues(taskType).Dec()
	TasksCancelledTotal.WithLabelValues(taskType).Inc()
}
