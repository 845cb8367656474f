package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/blingmoon/workexec/incident"
	"github.com/blingmoon/workexec/store"
	"github.com/blingmoon/workexec/work"
)

// JobLogListener 维护 job 的失败记录
//   - 失败: 上报 incident, 没有日志则新建(retry 0), 否则 retry+1
//   - 成功: 删除日志, 不会再触发的 job 同时删除 trigger 和描述
type JobLogListener struct {
	jobs      *JobService
	triggers  TriggerStore
	tx        store.TransactionService
	incidents incident.Service
	logger    *slog.Logger
}

var _ JobListener = (*JobLogListener)(nil)

func NewJobLogListener(jobs *JobService, triggers TriggerStore, tx store.TransactionService, incidents incident.Service, logger *slog.Logger) *JobLogListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobLogListener{
		jobs:      jobs,
		triggers:  triggers,
		tx:        tx,
		incidents: incidents,
		logger:    logger.With("component", "job-log-listener"),
	}
}

// JobToBeExecuted job 描述已经不存在时删除 trigger
func (l *JobLogListener) JobToBeExecuted(ctx context.Context, jc *JobContext) {
	_, err := l.jobs.GetJobDescriptor(ctx, jc.JobDescriptorID)
	if err == nil {
		return
	}
	if !store.IsNotFound(err) {
		l.logger.ErrorContext(ctx, fmt.Sprintf("get job descriptor %d failed, err: %v", jc.JobDescriptorID, err))
		return
	}
	if dErr := l.triggers.DeleteTrigger(ctx, jc.TenantID, jc.JobName); dErr != nil {
		l.logger.ErrorContext(ctx, fmt.Sprintf("delete orphan trigger of job %s failed, err: %v", jc.JobName, dErr))
		return
	}
	l.logger.WarnContext(ctx, fmt.Sprintf("%v: job descriptor %d of %s not found, trigger deleted",
		work.ErrSchedulingInfrastructure, jc.JobDescriptorID, jc.JobName))
}

// JobWasExecuted 记录在 job 的事务结束之后进行, 不管事务提交还是回滚
func (l *JobLogListener) JobWasExecuted(ctx context.Context, jc *JobContext, jobErr error) {
	if !l.tx.IsTransactionActive(ctx) {
		l.bookkeep(ctx, jc, jobErr)
		return
	}
	err := l.tx.RegisterSynchronization(ctx, store.SynchronizationFunc(func(ctx context.Context, status store.TransactionStatus) {
		l.bookkeep(ctx, jc, jobErr)
	}))
	if err != nil {
		l.logger.ErrorContext(ctx, fmt.Sprintf("register job log synchronization of %s failed, err: %v", jc.JobName, err))
	}
}

func (l *JobLogListener) bookkeep(ctx context.Context, jc *JobContext, jobErr error) {
	var err error
	if jobErr != nil {
		err = l.recordFailure(ctx, jc, jobErr)
	} else {
		err = l.recordSuccess(ctx, jc)
	}
	if err != nil {
		l.logger.ErrorContext(ctx, fmt.Sprintf("job log of %s(%d) not updated, err: %v", jc.JobName, jc.JobDescriptorID, err))
	}
}

func (l *JobLogListener) recordFailure(ctx context.Context, jc *JobContext, jobErr error) error {
	// 先上报, incident 不能和日志一起回滚
	if l.incidents != nil {
		l.incidents.Report(ctx, &incident.Incident{
			TenantID:          jc.TenantID,
			Description:       fmt.Sprintf("job %s(%d) of class %s failed", jc.JobName, jc.JobDescriptorID, jc.JobClassName),
			RecoveryProcedure: fmt.Sprintf("check job log of descriptor %d, the job will be retried on next fire", jc.JobDescriptorID),
			Cause:             jobErr,
		})
	}
	return l.tx.ExecuteInNewTransaction(ctx, func(ctx context.Context) error {
		logs, err := l.jobs.GetJobLogs(ctx, jc.JobDescriptorID)
		if err != nil {
			return err
		}
		now := time.Now().UnixMilli()
		message := jobErr.Error()
		if len(logs) == 0 {
			_, err := l.jobs.CreateJobLog(ctx, &store.JobLogPo{
				JobDescriptorID: jc.JobDescriptorID,
				RetryNumber:     0,
				LastUpdateDate:  now,
				LastMessage:     message,
			})
			return err
		}
		retry := logs[0].RetryNumber + 1
		return l.jobs.UpdateJobLog(ctx, logs[0].ID, &store.UpdateJobLogField{
			RetryNumber:    &retry,
			LastUpdateDate: &now,
			LastMessage:    &message,
		})
	})
}

func (l *JobLogListener) recordSuccess(ctx context.Context, jc *JobContext) error {
	return l.tx.ExecuteInNewTransaction(ctx, func(ctx context.Context) error {
		logs, err := l.jobs.GetJobLogs(ctx, jc.JobDescriptorID)
		if err != nil {
			return err
		}
		for _, log := range logs {
			if err := l.jobs.DeleteJobLog(ctx, log.ID); err != nil {
				return err
			}
		}
		still, err := l.triggers.IsStillScheduled(ctx, jc.TenantID, jc.JobName)
		if err != nil || still {
			return err
		}
		if err := l.triggers.DeleteTrigger(ctx, jc.TenantID, jc.JobName); err != nil {
			return err
		}
		return l.jobs.DeleteJobDescriptor(ctx, jc.JobDescriptorID)
	})
}
