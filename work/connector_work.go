package work

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/blingmoon/workexec/store"
	"github.com/pkg/errors"
)

const maxExceptionMessageLength = 1024

// connectorWork 执行一个连接器实例, 流程级别和节点级别共用
//
//	TO_BE_EXECUTED -> EXECUTING -> DONE
//	                            -> FAILED (HandleFailure, 按 FailAction 处理)
type connectorWork struct {
	BaseWork
	services              *Services
	processDefinitionID   int64
	processInstanceID     int64
	rootProcessInstanceID int64
	connectorInstanceID   int64
	connectorName         string
	containerID           int64
	containerType         store.ContainerType
	// 只有流程级别的连接器才有
	flowNodeSelector []string
}

func (w *connectorWork) Description() string {
	if w.containerType == store.ContainerTypeProcess {
		return fmt.Sprintf("ExecuteConnectorOfProcess: connector %s(%d) of process instance %d", w.connectorName, w.connectorInstanceID, w.containerID)
	}
	return fmt.Sprintf("ExecuteConnectorOfActivity: connector %s(%d) of flow node %d", w.connectorName, w.connectorInstanceID, w.containerID)
}

func (w *connectorWork) RecoveryProcedure() string {
	return fmt.Sprintf("reset connector instance %d to %s and re-execute it, or skip it", w.connectorInstanceID, store.ConnectorStateToBeExecuted)
}

// Work 分三步: 事务里置为执行中, 事务外调用连接器, 再开一个事务映射输出并继续流程
// 调用连接器期间不占用数据库连接
func (w *connectorWork) Work(ctx context.Context) (Result, error) {
	s := w.services
	var ci *store.ConnectorInstancePo
	err := s.Tx.ExecuteInTransaction(ctx, func(ctx context.Context) error {
		var err error
		ci, err = w.markExecuting(ctx)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	if ci == nil {
		return Skipped(fmt.Sprintf("connector instance %d not found", w.connectorInstanceID)), nil
	}

	loader, err := s.ClassLoaders.ClassLoader(ctx, w.TenantID())
	if err != nil {
		return Result{}, errors.WithMessagef(err, "resolve class loader of tenant %d failed", w.TenantID())
	}
	result, err := s.ConnectorService.ExecuteConnector(ctx, loader, ci)
	if err != nil {
		if !errors.Is(err, ErrConnectorExecution) {
			err = NewConnectorExecutionError(ci.ID, ci.Name, "connector execution failed", err)
		}
		return Result{}, err
	}

	err = s.Tx.ExecuteInTransaction(ctx, func(ctx context.Context) error {
		// 输出映射的错误也交给 FailAction 处理
		if err := s.ConnectorService.ExecuteOutputOperations(ctx, loader, ci, result); err != nil {
			return NewConnectorExecutionError(ci.ID, ci.Name, "evaluate output operations failed", err)
		}
		done := store.ConnectorStateDone
		if err := s.Connectors.UpdateConnectorInstance(ctx, ci.ID, &store.UpdateConnectorInstanceField{State: &done}); err != nil {
			return err
		}
		return w.continueFlow(ctx, ci)
	})
	if err != nil {
		return Result{}, err
	}
	return Executed(), nil
}

// markExecuting 连接器不存在时返回 nil, nil
func (w *connectorWork) markExecuting(ctx context.Context) (*store.ConnectorInstancePo, error) {
	s := w.services
	ci, err := s.Connectors.GetConnectorInstance(ctx, w.connectorInstanceID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if ci.State != store.ConnectorStateToBeExecuted {
		return nil, NewPreconditionError("connector instance %d is %s, expected %s", ci.ID, ci.State, store.ConnectorStateToBeExecuted)
	}
	if err := w.checkContainerNotFailed(ctx); err != nil {
		return nil, err
	}
	executing := store.ConnectorStateExecuting
	if err := s.Connectors.UpdateConnectorInstance(ctx, ci.ID, &store.UpdateConnectorInstanceField{State: &executing}); err != nil {
		return nil, err
	}
	ci.State = executing
	return ci, nil
}

func (w *connectorWork) checkContainerNotFailed(ctx context.Context) error {
	s := w.services
	if w.containerType == store.ContainerTypeProcess {
		pi, err := s.ProcessInstances.GetProcessInstance(ctx, w.containerID)
		if err != nil {
			return err
		}
		if pi.State == store.ProcessInstanceStateError {
			return NewPreconditionError("process instance %d already failed", pi.ID)
		}
		return nil
	}
	node, err := s.FlowNodes.GetFlowNodeInstance(ctx, w.containerID)
	if err != nil {
		return err
	}
	if node.StateID == store.FlowNodeStateFailed {
		return NewPreconditionError("flow node %d already failed", node.ID)
	}
	return nil
}

// continueFlow 同一个激活事件还有连接器就注册下一个, 否则交给容器继续
func (w *connectorWork) continueFlow(ctx context.Context, ci *store.ConnectorInstancePo) error {
	s := w.services
	next, err := s.Connectors.NextConnectorInstance(ctx, w.containerID, w.containerType, ci.ActivationEvent)
	if err != nil {
		return err
	}
	if next != nil {
		return s.Works.RegisterWork(ctx, w.descriptorFor(next))
	}
	if w.containerType == store.ContainerTypeProcess {
		pi, err := s.ProcessInstances.GetProcessInstance(ctx, w.containerID)
		if err != nil {
			return err
		}
		return s.ProcessExecutor.ContinueAfterConnectors(ctx, pi, ci.ActivationEvent, w.flowNodeSelector)
	}
	node, err := s.FlowNodes.GetFlowNodeInstance(ctx, w.containerID)
	if err != nil {
		return err
	}
	return s.Works.RegisterWork(ctx, NewExecuteFlowNodeWorkDescriptor(w.processDefinitionID, w.processInstanceID,
		node.ID, node.StateID, false, node.Aborting, node.Canceling))
}

func (w *connectorWork) descriptorFor(next *store.ConnectorInstancePo) *Descriptor {
	if w.containerType == store.ContainerTypeProcess {
		return NewExecuteConnectorOfProcessDescriptor(w.processDefinitionID, w.processInstanceID, w.rootProcessInstanceID,
			next.ID, next.Name, next.ActivationEvent, w.flowNodeSelector)
	}
	return NewExecuteConnectorOfActivityDescriptor(w.processDefinitionID, w.processInstanceID, w.rootProcessInstanceID,
		w.containerID, next.ID, next.Name)
}

func (w *connectorWork) HandleFailure(ctx context.Context, cause error) error {
	s := w.services
	return s.Tx.ExecuteInNewTransaction(ctx, func(ctx context.Context) error {
		ci, err := s.Connectors.GetConnectorInstance(ctx, w.connectorInstanceID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil
			}
			return err
		}
		failed := store.ConnectorStateFailed
		message := truncate(cause.Error(), maxExceptionMessageLength)
		if err := s.Connectors.UpdateConnectorInstance(ctx, ci.ID, &store.UpdateConnectorInstanceField{
			State:            &failed,
			ExceptionMessage: &message,
		}); err != nil {
			return err
		}
		switch ci.FailAction {
		case store.FailActionIgnore:
			slog.WarnContext(ctx, fmt.Sprintf("[connectorWork.HandleFailure] connector %s(%d) failed and ignored, err: %v", ci.Name, ci.ID, cause))
			return w.continueFlow(ctx, ci)
		case store.FailActionErrorEvent:
			caught, err := s.EventsHandler.ThrowErrorEvent(ctx, w.containerID, w.containerType, ci.ErrorCode)
			if err != nil {
				return errors.WithMessagef(err, "throw error event %s failed", ci.ErrorCode)
			}
			if caught {
				return nil
			}
			slog.WarnContext(ctx, fmt.Sprintf("[connectorWork.HandleFailure] error event %s of connector %d not caught, fail container", ci.ErrorCode, ci.ID))
			return w.failContainer(ctx)
		default:
			return w.failContainer(ctx)
		}
	})
}

func (w *connectorWork) failContainer(ctx context.Context) error {
	s := w.services
	if w.containerType == store.ContainerTypeProcess {
		return s.ProcessInstances.UpdateProcessInstanceState(ctx, w.containerID, store.ProcessInstanceStateError)
	}
	return s.FlowNodeExecutor.SetFailed(ctx, w.containerID)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
