package work

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/blingmoon/workexec/store"
)

// notifyChildFinishedWork 子节点到达终止状态后通知父容器
type notifyChildFinishedWork struct {
	BaseWork
	services            *Services
	processDefinitionID int64
	processInstanceID   int64
	flowNodeInstanceID  int64
}

func (w *notifyChildFinishedWork) Description() string {
	return fmt.Sprintf("NotifyChildFinished: flow node %d of process instance %d", w.flowNodeInstanceID, w.processInstanceID)
}

func (w *notifyChildFinishedWork) RecoveryProcedure() string {
	return fmt.Sprintf("execute flow node %d again to notify its parent", w.flowNodeInstanceID)
}

func (w *notifyChildFinishedWork) Work(ctx context.Context) (Result, error) {
	s := w.services
	node, err := s.FlowNodes.GetFlowNodeInstance(ctx, w.flowNodeInstanceID)
	if err != nil {
		if store.IsNotFound(err) {
			return Skipped(fmt.Sprintf("flow node %d not found", w.flowNodeInstanceID)), nil
		}
		return Result{}, err
	}
	if !store.IsTerminalFlowNodeState(node.StateID) {
		return Result{}, NewPreconditionError("flow node %d is not finished, state: %s", node.ID, node.StateName)
	}
	parentID := node.ParentContainerID
	if parentID == 0 {
		parentID = node.ParentProcessInstanceID
	}
	if err := s.ProcessExecutor.ChildFinished(ctx, w.processDefinitionID, node.ID, parentID); err != nil {
		return Result{}, err
	}
	archived, err := s.Connectors.ArchiveConnectorInstances(ctx, node.ID, store.ContainerTypeFlowNode)
	if err != nil {
		return Result{}, err
	}
	if archived > 0 {
		slog.DebugContext(ctx, fmt.Sprintf("[notifyChildFinishedWork.Work] archived %d connector instances of flow node %d", archived, node.ID))
	}
	return Executed(), nil
}

func (w *notifyChildFinishedWork) HandleFailure(ctx context.Context, cause error) error {
	s := w.services
	return s.Tx.ExecuteInNewTransaction(ctx, func(ctx context.Context) error {
		return s.FlowNodeExecutor.SetFailed(ctx, w.flowNodeInstanceID)
	})
}
