package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/blingmoon/workexec/store"
	"github.com/blingmoon/workexec/work"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
)

const tracerName = "github.com/blingmoon/workexec/scheduler"

var (
	ErrTriggerInvalid            = errors.New("trigger invalid")
	ErrJobClassNotRegistered     = errors.New("job class not registered")
	ErrJobClassAlreadyRegistered = errors.New("job class already registered")
)

// Trigger CronExpr 和 StartDate 二选一
type Trigger struct {
	// 标准5段表达式, 也支持 @every 1m 这种写法
	CronExpr string
	// CronExpr 为空时在 StartDate 触发一次, 已经过去则立即触发
	StartDate time.Time
}

func (t Trigger) schedule() (cron.Schedule, bool, error) {
	if t.CronExpr != "" {
		s, err := cron.ParseStandard(t.CronExpr)
		if err != nil {
			return nil, false, errors.WithMessagef(ErrTriggerInvalid, "cron expression %q: %v", t.CronExpr, err)
		}
		return s, false, nil
	}
	if t.StartDate.IsZero() {
		return nil, false, errors.WithMessage(ErrTriggerInvalid, "need cron expression or start date")
	}
	return &onceSchedule{at: t.StartDate, used: atomic.NewBool(false)}, true, nil
}

// onceSchedule 只返回一次触发时间
type onceSchedule struct {
	at   time.Time
	used *atomic.Bool
}

func (s *onceSchedule) Next(t time.Time) time.Time {
	if !s.used.CAS(false, true) {
		return time.Time{}
	}
	if s.at.Before(t) {
		return t
	}
	return s.at
}

// JobContext 一次触发的上下文
type JobContext struct {
	TenantID        int64
	JobDescriptorID int64
	JobName         string
	JobClassName    string
	Params          map[string][]byte
	FireTime        time.Time
}

// Param 按 json 解析参数
func (jc *JobContext) Param(key string, v any) error {
	raw, ok := jc.Params[key]
	if !ok {
		return errors.Errorf("job parameter %s not found", key)
	}
	return json.Unmarshal(raw, v)
}

type Job interface {
	Execute(ctx context.Context, jc *JobContext) error
}

type JobFunc func(ctx context.Context, jc *JobContext) error

func (f JobFunc) Execute(ctx context.Context, jc *JobContext) error {
	return f(ctx, jc)
}

// JobListener JobWasExecuted 在 job 的事务里调用
type JobListener interface {
	JobToBeExecuted(ctx context.Context, jc *JobContext)
	JobWasExecuted(ctx context.Context, jc *JobContext, jobErr error)
}

// TriggerStore 判断 job 是否还会触发, 以及删除 trigger
type TriggerStore interface {
	IsStillScheduled(ctx context.Context, tenantID int64, jobName string) (bool, error)
	DeleteTrigger(ctx context.Context, tenantID int64, jobName string) error
}

type triggerKey struct {
	tenantID int64
	jobName  string
}

type scheduledTrigger struct {
	key          triggerKey
	descriptorID int64
	entryID      cron.EntryID
	oneShot      bool
	fired        *atomic.Bool
}

// SchedulerService 基于 robfig/cron 的 trigger 存储和触发
type SchedulerService struct {
	cron   *cron.Cron
	jobs   *JobService
	tx     store.TransactionService
	logger *slog.Logger
	tracer trace.Tracer

	mu        sync.RWMutex
	triggers  map[triggerKey]*scheduledTrigger
	classes   map[string]Job
	listeners []JobListener
}

var _ TriggerStore = (*SchedulerService)(nil)

func NewSchedulerService(jobs *JobService, tx store.TransactionService, logger *slog.Logger) *SchedulerService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SchedulerService{
		// 同一个 trigger 上一次还没执行完就跳过
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		jobs:     jobs,
		tx:       tx,
		logger:   logger.With("component", "scheduler"),
		tracer:   otel.Tracer(tracerName),
		triggers: make(map[triggerKey]*scheduledTrigger),
		classes:  make(map[string]Job),
	}
}

// RegisterJob 注册 job 实现, className 对应 JobDescriptorPo.JobClassName
func (s *SchedulerService) RegisterJob(className string, job Job) error {
	if className == "" || job == nil {
		return errors.WithMessage(ErrJobInvalid, "empty job class")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.classes[className]; ok {
		return errors.WithMessagef(ErrJobClassAlreadyRegistered, "class: %s", className)
	}
	s.classes[className] = job
	return nil
}

func (s *SchedulerService) AddJobListener(listener JobListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// Schedule 保存 job 描述和参数, 调用方事务提交之后才添加 trigger
func (s *SchedulerService) Schedule(ctx context.Context, descriptor *store.JobDescriptorPo, params map[string]any, trigger Trigger) (*store.JobDescriptorPo, error) {
	sched, oneShot, err := trigger.schedule()
	if err != nil {
		return nil, err
	}
	paramPos, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	var created *store.JobDescriptorPo
	err = s.tx.ExecuteInTransaction(ctx, func(ctx context.Context) error {
		var err error
		if created, err = s.jobs.CreateJobDescriptor(ctx, descriptor); err != nil {
			return err
		}
		_, err = s.jobs.SetJobParameters(ctx, created.ID, paramPos)
		return err
	})
	if err != nil {
		return nil, err
	}

	st := &scheduledTrigger{
		key:          triggerKey{tenantID: created.TenantID, jobName: created.JobName},
		descriptorID: created.ID,
		oneShot:      oneShot,
		fired:        atomic.NewBool(false),
	}
	if !s.tx.IsTransactionActive(ctx) {
		s.addTrigger(st, sched)
		return created, nil
	}
	err = s.tx.RegisterSynchronization(ctx, store.SynchronizationFunc(func(ctx context.Context, status store.TransactionStatus) {
		if status == store.TransactionCommitted {
			s.addTrigger(st, sched)
		}
	}))
	return created, err
}

func encodeParams(params map[string]any) ([]*store.JobParameterPo, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pos := make([]*store.JobParameterPo, 0, len(params))
	for _, k := range keys {
		b, err := json.Marshal(params[k])
		if err != nil {
			return nil, errors.WithMessagef(ErrJobInvalid, "marshal job parameter %s: %v", k, err)
		}
		pos = append(pos, &store.JobParameterPo{Key: k, Value: b})
	}
	return pos, nil
}

func (s *SchedulerService) addTrigger(st *scheduledTrigger, sched cron.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.triggers[st.key]; ok {
		s.cron.Remove(old.entryID)
	}
	key := st.key
	st.entryID = s.cron.Schedule(sched, cron.FuncJob(func() {
		if err := s.fire(context.Background(), key); err != nil {
			s.logger.Warn(fmt.Sprintf("job %s of tenant %d failed, err: %v", key.jobName, key.tenantID, err))
		}
	}))
	s.triggers[st.key] = st
	s.logger.Info("trigger added", "job_name", key.jobName, "tenant_id", key.tenantID, "one_shot", st.oneShot)
}

func (s *SchedulerService) lookup(key triggerKey) (*scheduledTrigger, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.triggers[key]
	return st, ok
}

// Delete 删除 trigger 和 job 描述
func (s *SchedulerService) Delete(ctx context.Context, tenantID int64, jobName string) error {
	if err := s.DeleteTrigger(ctx, tenantID, jobName); err != nil {
		return err
	}
	descriptor, err := s.jobs.GetJobDescriptorByName(ctx, tenantID, jobName)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}
	return s.jobs.DeleteJobDescriptor(ctx, descriptor.ID)
}

// DeleteTrigger 不存在时什么都不做
func (s *SchedulerService) DeleteTrigger(ctx context.Context, tenantID int64, jobName string) error {
	key := triggerKey{tenantID: tenantID, jobName: jobName}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.triggers[key]
	if !ok {
		return nil
	}
	s.cron.Remove(st.entryID)
	delete(s.triggers, key)
	return nil
}

// IsStillScheduled 单次触发的 trigger 触发之后不再算
func (s *SchedulerService) IsStillScheduled(ctx context.Context, tenantID int64, jobName string) (bool, error) {
	st, ok := s.lookup(triggerKey{tenantID: tenantID, jobName: jobName})
	if !ok {
		return false, nil
	}
	return !(st.oneShot && st.fired.Load()), nil
}

func (s *SchedulerService) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop 等待正在执行的 job 结束或者 ctx 超时
func (s *SchedulerService) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return errors.WithMessage(ctx.Err(), "scheduler stop timeout")
	}
}

// FireNow 立即触发一次, 不影响 trigger 的下次触发时间
func (s *SchedulerService) FireNow(ctx context.Context, tenantID int64, jobName string) error {
	return s.fire(ctx, triggerKey{tenantID: tenantID, jobName: jobName})
}

func (s *SchedulerService) jobListeners() []JobListener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]JobListener(nil), s.listeners...)
}

func (s *SchedulerService) jobClass(className string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.classes[className]
	return job, ok
}

func (s *SchedulerService) fire(ctx context.Context, key triggerKey) (err error) {
	st, ok := s.lookup(key)
	if !ok {
		s.logger.DebugContext(ctx, fmt.Sprintf("trigger of job %s not found, skip", key.jobName))
		return nil
	}
	if st.oneShot {
		st.fired.Store(true)
	}
	ctx, span := s.tracer.Start(ctx, "job."+key.jobName, trace.WithAttributes(
		attribute.String("job.name", key.jobName),
		attribute.Int64("tenant.id", key.tenantID),
	))
	defer span.End()

	listeners := s.jobListeners()
	jc := &JobContext{
		TenantID:        key.tenantID,
		JobDescriptorID: st.descriptorID,
		JobName:         key.jobName,
		FireTime:        time.Now(),
	}
	for _, l := range listeners {
		l.JobToBeExecuted(ctx, jc)
	}
	// 监听器或者并发的删除可能已经移除了 trigger
	if current, ok := s.lookup(key); !ok || current != st {
		s.logger.DebugContext(ctx, fmt.Sprintf("trigger of job %s vanished, skip", key.jobName))
		return nil
	}

	descriptor, err := s.jobs.GetJobDescriptor(ctx, st.descriptorID)
	if err != nil {
		if store.IsNotFound(err) {
			s.logger.WarnContext(ctx, fmt.Sprintf("%v: job descriptor %d of %s not found",
				work.ErrSchedulingInfrastructure, st.descriptorID, key.jobName))
			return nil
		}
		return err
	}
	jc.JobClassName = descriptor.JobClassName
	params, err := s.jobs.GetJobParameters(ctx, descriptor.ID)
	if err != nil {
		return err
	}
	jc.Params = make(map[string][]byte, len(params))
	for _, p := range params {
		jc.Params[p.Key] = p.Value
	}

	job, registered := s.jobClass(descriptor.JobClassName)
	err = s.tx.ExecuteInTransaction(work.WithTenant(ctx, key.tenantID), func(ctx context.Context) error {
		var jobErr error
		if registered {
			jobErr = safeExecute(ctx, job, jc)
		} else {
			jobErr = errors.WithMessagef(ErrJobClassNotRegistered, "class: %s", descriptor.JobClassName)
		}
		for _, l := range listeners {
			l.JobWasExecuted(ctx, jc, jobErr)
		}
		return jobErr
	})
	if err != nil {
		JobExecutionTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	JobExecutionTotal.WithLabelValues("ok").Inc()
	return nil
}

func safeExecute(ctx context.Context, job Job, jc *JobContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, fmt.Sprintf("[safeExecute] job %s panic: %v, stack: %s", jc.JobName, r, string(debug.Stack())))
			err = errors.Errorf("job panic: %v", r)
		}
	}()
	return job.Execute(ctx, jc)
}
