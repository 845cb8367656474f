package work

import (
	"context"
	"fmt"

	"github.com/blingmoon/workexec/store"
)

// flowNodeWork 校验节点还在期望的状态, 再交给 FlowNodeExecutor
type flowNodeWork struct {
	BaseWork
	services           *Services
	flowNodeInstanceID int64
	expectedStateID    int
	readyHumanTask     bool
	aborting           bool
	canceling          bool
	operations         []Operation
	contextDependency  map[string]any
}

func (w *flowNodeWork) Description() string {
	return fmt.Sprintf("ExecuteFlowNode: flow node %d in state %d", w.flowNodeInstanceID, w.expectedStateID)
}

func (w *flowNodeWork) RecoveryProcedure() string {
	return fmt.Sprintf("re-execute flow node %d", w.flowNodeInstanceID)
}

// flowNodeTuple 用于比较的状态
type flowNodeTuple struct {
	stateID       int
	transitioning bool
	aborting      bool
	canceling     bool
	executing     bool
}

func (t flowNodeTuple) String() string {
	return fmt.Sprintf("state: %d, transitioning: %t, aborting: %t, canceling: %t, executing: %t",
		t.stateID, t.transitioning, t.aborting, t.canceling, t.executing)
}

func (w *flowNodeWork) expected() flowNodeTuple {
	return flowNodeTuple{
		stateID:       w.expectedStateID,
		transitioning: !w.readyHumanTask,
		aborting:      w.aborting,
		canceling:     w.canceling,
		executing:     !w.readyHumanTask,
	}
}

func actualFlowNodeTuple(node *store.FlowNodeInstancePo) flowNodeTuple {
	return flowNodeTuple{
		stateID:       node.StateID,
		transitioning: node.Transitioning(),
		aborting:      node.Aborting,
		canceling:     node.Canceling,
		executing:     node.StateExecuting,
	}
}

func (w *flowNodeWork) Work(ctx context.Context) (Result, error) {
	s := w.services
	node, err := s.FlowNodes.GetFlowNodeInstance(ctx, w.flowNodeInstanceID)
	if err != nil {
		if store.IsNotFound(err) {
			return Skipped(fmt.Sprintf("flow node %d not found", w.flowNodeInstanceID)), nil
		}
		return Result{}, err
	}
	expected, actual := w.expected(), actualFlowNodeTuple(node)
	if expected != actual {
		return Result{}, NewPreconditionError("unable to execute flow node %d because it is not in the expected state (expected %s, got %s)",
			node.ID, expected, actual)
	}
	if err := s.FlowNodeExecutor.ExecuteFlowNode(ctx, node, w.operations, w.contextDependency); err != nil {
		return Result{}, err
	}
	return Executed(), nil
}

func (w *flowNodeWork) HandleFailure(ctx context.Context, cause error) error {
	s := w.services
	return s.Tx.ExecuteInNewTransaction(ctx, func(ctx context.Context) error {
		return s.FlowNodeExecutor.SetFailed(ctx, w.flowNodeInstanceID)
	})
}
