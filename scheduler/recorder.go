package scheduler

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobRecordTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workexec_job_records_total",
			Help: "Total number of job descriptor, parameter and log mutations.",
		},
		[]string{"op", "status"},
	)

	JobExecutionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workexec_job_executions_total",
			Help: "Total number of fired jobs by result status.",
		},
		[]string{"status"},
	)
)

// 记录的操作名
const (
	OpCreateJobDescriptor = "createJobDescriptor"
	OpDeleteJobDescriptor = "deleteJobDescriptor"
	OpCreateJobParameters = "createJobParameters"
	OpSetJobParameters    = "setJobParameters"
	OpCreateJobLog        = "createJobLog"
	OpUpdateJobLog        = "updateJobLog"
	OpDeleteJobLog        = "deleteJobLog"
)

// RecordHook 每次修改之后调用, err 为修改的结果
type RecordHook func(ctx context.Context, op string, err error)

// Recorder 所有 job 相关的修改都经过这里
type Recorder struct {
	mu    sync.RWMutex
	hooks []RecordHook
}

func NewRecorder(hooks ...RecordHook) *Recorder {
	return &Recorder{hooks: hooks}
}

func (r *Recorder) AddHook(hook RecordHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

func (r *Recorder) Record(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	status := "ok"
	if err != nil {
		status = "error"
	}
	JobRecordTotal.WithLabelValues(op, status).Inc()

	r.mu.RLock()
	hooks := r.hooks
	r.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, op, err)
	}
	return err
}
