package work

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/blingmoon/workexec/incident"
	"github.com/blingmoon/workexec/lock"
	"github.com/blingmoon/workexec/store"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	LayerServiceContext           = "serviceContext"
	LayerObservability            = "observability"
	LayerFailureHandling          = "failureHandling"
	LayerProcessDefinitionContext = "processDefinitionContext"
	LayerProcessInstanceContext   = "processInstanceContext"
	LayerFlowNodeInstanceContext  = "flowNodeInstanceContext"
	LayerMessageInstanceContext   = "messageInstanceContext"
	LayerLockProcessInstance      = "lockProcessInstance"
	LayerTx                       = "tx"
)

// errNotExecuted 结果不是 Executed 时用来回滚事务
var errNotExecuted = errors.New("work not executed")

// TxLayer 整个 delegate 在一个事务里执行, 出错或者没有执行都不提交
type TxLayer struct {
	tx store.TransactionService
}

func NewTxLayer(tx store.TransactionService) *TxLayer {
	return &TxLayer{tx: tx}
}

func (l *TxLayer) Name() string {
	return LayerTx
}

func (l *TxLayer) Work(ctx context.Context, next Work) (Result, error) {
	var result Result
	err := l.tx.ExecuteInTransaction(ctx, func(ctx context.Context) error {
		r, err := next.Work(ctx)
		if err != nil {
			return err
		}
		result = r
		if !r.IsExecuted() {
			return errNotExecuted
		}
		return nil
	})
	if errors.Is(err, errNotExecuted) {
		return result, nil
	}
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func (l *TxLayer) HandleFailure(ctx context.Context, cause error, next Work) error {
	// 主事务已经回滚, 叶子自己开新事务
	return next.HandleFailure(ctx, cause)
}

// LockLayer 非阻塞的流程实例锁, 拿不到锁返回 Rejected, 不执行 delegate
type LockLayer struct {
	locks             lock.Service
	processInstanceID int64
}

func NewLockLayer(locks lock.Service, processInstanceID int64) *LockLayer {
	return &LockLayer{locks: locks, processInstanceID: processInstanceID}
}

func (l *LockLayer) Name() string {
	return LayerLockProcessInstance
}

func (l *LockLayer) ProcessInstanceID() int64 {
	return l.processInstanceID
}

func (l *LockLayer) Work(ctx context.Context, next Work) (Result, error) {
	key := lock.ProcessKey(l.processInstanceID, next.TenantID())
	lockCtx, held, err := l.locks.TryLock(ctx, key)
	if err != nil {
		if !errors.Is(err, lock.ErrLockFailed) {
			slog.WarnContext(ctx, fmt.Sprintf("[LockLayer.Work] try lock %s failed, err: %v", key, err))
		}
		return Rejected(fmt.Sprintf("lock %s not acquired", key)), nil
	}
	defer func() {
		if uErr := l.locks.Unlock(lockCtx, held); uErr != nil {
			slog.ErrorContext(ctx, fmt.Sprintf("[LockLayer.Work] unlock %s failed, err: %v", key, uErr))
		}
	}()
	return next.Work(lockCtx)
}

func (l *LockLayer) HandleFailure(ctx context.Context, cause error, next Work) error {
	return next.HandleFailure(ctx, cause)
}

// FailureHandlingLayer delegate 出错时调用 HandleFailure, HandleFailure 也失败就上报 incident
type FailureHandlingLayer struct {
	incidents incident.Service
	workType  Type
}

func NewFailureHandlingLayer(incidents incident.Service, workType Type) *FailureHandlingLayer {
	return &FailureHandlingLayer{incidents: incidents, workType: workType}
}

func (l *FailureHandlingLayer) Name() string {
	return LayerFailureHandling
}

func (l *FailureHandlingLayer) Work(ctx context.Context, next Work) (Result, error) {
	result, err := safeWork(ctx, next)
	if err == nil {
		return result, nil
	}
	if errors.Is(err, ErrPrecondition) {
		slog.DebugContext(ctx, fmt.Sprintf("[FailureHandlingLayer.Work] %s skipped, precondition: %v", next.Description(), err))
		return Skipped(err.Error()), nil
	}
	if IsSeriousError(err) {
		slog.ErrorContext(ctx, fmt.Sprintf("[FailureHandlingLayer.Work] %s failed, err: %v", next.Description(), err))
	} else {
		slog.WarnContext(ctx, fmt.Sprintf("[FailureHandlingLayer.Work] %s failed, err: %v", next.Description(), err))
	}
	if hErr := safeHandleFailure(ctx, next, err); hErr != nil {
		recoveryErr := &RecoveryFailureError{Original: err, cause: hErr}
		IncidentTotal.WithLabelValues(string(l.workType)).Inc()
		if l.incidents != nil {
			l.incidents.Report(ctx, &incident.Incident{
				TenantID:          next.TenantID(),
				Description:       next.Description(),
				RecoveryProcedure: next.RecoveryProcedure(),
				Cause:             recoveryErr,
				CauseOfCause:      err,
			})
		} else {
			slog.ErrorContext(ctx, fmt.Sprintf("[FailureHandlingLayer.Work] no incident service, lost: %v", recoveryErr))
		}
	}
	return Failed(err.Error()), nil
}

func (l *FailureHandlingLayer) HandleFailure(ctx context.Context, cause error, next Work) error {
	return safeHandleFailure(ctx, next, cause)
}

func safeWork(ctx context.Context, w Work) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, fmt.Sprintf("[safeWork] panic: %v, stack: %s", r, string(debug.Stack())))
			result, err = Result{}, errors.Errorf("work panic: %v", r)
		}
	}()
	return w.Work(ctx)
}

func safeHandleFailure(ctx context.Context, w Work, cause error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, fmt.Sprintf("[safeHandleFailure] panic: %v, stack: %s", r, string(debug.Stack())))
			err = errors.Errorf("handle failure panic: %v", r)
		}
	}()
	return w.HandleFailure(ctx, cause)
}

// ContextLayer 把实例ID附加到错误和描述上, 不改变行为
type ContextLayer struct {
	name  string
	label string
	id    int64
}

func NewProcessDefinitionContextLayer(processDefinitionID int64) *ContextLayer {
	return &ContextLayer{name: LayerProcessDefinitionContext, label: "processDefinitionId", id: processDefinitionID}
}

func NewProcessInstanceContextLayer(processInstanceID int64) *ContextLayer {
	return &ContextLayer{name: LayerProcessInstanceContext, label: "processInstanceId", id: processInstanceID}
}

func NewFlowNodeInstanceContextLayer(flowNodeInstanceID int64) *ContextLayer {
	return &ContextLayer{name: LayerFlowNodeInstanceContext, label: "flowNodeInstanceId", id: flowNodeInstanceID}
}

func NewMessageInstanceContextLayer(messageInstanceID int64) *ContextLayer {
	return &ContextLayer{name: LayerMessageInstanceContext, label: "messageInstanceId", id: messageInstanceID}
}

func (l *ContextLayer) Name() string {
	return l.name
}

func (l *ContextLayer) ID() int64 {
	return l.id
}

func (l *ContextLayer) Work(ctx context.Context, next Work) (Result, error) {
	result, err := next.Work(ctx)
	if err != nil {
		return result, errors.WithMessagef(err, "%s=%d", l.label, l.id)
	}
	return result, nil
}

func (l *ContextLayer) HandleFailure(ctx context.Context, cause error, next Work) error {
	if err := next.HandleFailure(ctx, cause); err != nil {
		return errors.WithMessagef(err, "%s=%d", l.label, l.id)
	}
	return nil
}

func (l *ContextLayer) Describe(desc string) string {
	return fmt.Sprintf("%s [%s=%d]", desc, l.label, l.id)
}

// ServiceContextLayer 把服务和租户放进 ctx
type ServiceContextLayer struct {
	services *Services
}

func NewServiceContextLayer(services *Services) *ServiceContextLayer {
	return &ServiceContextLayer{services: services}
}

func (l *ServiceContextLayer) Name() string {
	return LayerServiceContext
}

func (l *ServiceContextLayer) inject(ctx context.Context, next Work) context.Context {
	return WithTenant(WithServices(ctx, l.services), next.TenantID())
}

func (l *ServiceContextLayer) Work(ctx context.Context, next Work) (Result, error) {
	return next.Work(l.inject(ctx, next))
}

func (l *ServiceContextLayer) HandleFailure(ctx context.Context, cause error, next Work) error {
	return next.HandleFailure(l.inject(ctx, next), cause)
}

// ObservabilityLayer 每个 work 一个 span, 同时记录 prometheus 指标
type ObservabilityLayer struct {
	tracer   trace.Tracer
	workType Type
}

func NewObservabilityLayer(tracer trace.Tracer, workType Type) *ObservabilityLayer {
	return &ObservabilityLayer{tracer: tracer, workType: workType}
}

func (l *ObservabilityLayer) Name() string {
	return LayerObservability
}

func (l *ObservabilityLayer) Work(ctx context.Context, next Work) (Result, error) {
	start := time.Now()
	ctx, span := l.tracer.Start(ctx, "work."+string(l.workType), trace.WithAttributes(
		attribute.String("work.type", string(l.workType)),
		attribute.Int64("tenant.id", next.TenantID()),
	))
	defer span.End()

	result, err := next.Work(ctx)
	status := result.Status.String()
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("work.result", result.String()))
		if result.Status == StatusFailed {
			span.SetStatus(codes.Error, result.Reason)
		}
	}
	WorkExecutionTotal.WithLabelValues(string(l.workType), status).Inc()
	WorkExecutionDuration.WithLabelValues(string(l.workType)).Observe(time.Since(start).Seconds())
	return result, err
}

func (l *ObservabilityLayer) HandleFailure(ctx context.Context, cause error, next Work) error {
	ctx, span := l.tracer.Start(ctx, "work."+string(l.workType)+".handleFailure")
	defer span.End()
	err := next.HandleFailure(ctx, cause)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
