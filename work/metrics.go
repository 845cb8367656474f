package work

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WorkExecutionTotal 按 work 类型和结果统计
	WorkExecutionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workexec_work_executions_total",
			Help: "Total number of executed works by type and result status.",
		},
		[]string{"type", "status"},
	)

	WorkExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workexec_work_execution_duration_seconds",
			Help:    "Duration of work executions.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// IncidentTotal 升级成 incident 的失败
	IncidentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workexec_incidents_total",
			Help: "Total number of failures escalated to incidents.",
		},
		[]string{"type"},
	)

	ExecutorQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workexec_executor_queue_depth",
			Help: "Number of works waiting in the executor queue.",
		},
	)
)
