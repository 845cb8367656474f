package work

import (
	"context"

	"github.com/blingmoon/workexec/store"
)

// 引擎其他部分提供的能力, 这里只关心接口

// FlowNodeExecutor 流程节点状态机
type FlowNodeExecutor interface {
	// ExecuteFlowNode 推进节点, operations 和 contextDependency 可以为空
	ExecuteFlowNode(ctx context.Context, node *store.FlowNodeInstancePo, operations []Operation, contextDependency map[string]any) error
	// SetFailed 把节点置为失败状态
	SetFailed(ctx context.Context, flowNodeInstanceID int64) error
}

// ProcessExecutor 流程实例状态机
type ProcessExecutor interface {
	// ContinueAfterConnectors 流程上某个激活事件的连接器全部执行完, flowNodeSelector 限制启动哪些开始事件
	ContinueAfterConnectors(ctx context.Context, processInstance *store.ProcessInstancePo, activationEvent store.ActivationEvent, flowNodeSelector []string) error
	// ChildFinished 子节点到达终止状态, 通知父容器
	ChildFinished(ctx context.Context, processDefinitionID int64, flowNodeInstanceID int64, parentID int64) error
}

// EventsHandler 事件的触发
type EventsHandler interface {
	TriggerCatchEvent(ctx context.Context, waiting *store.WaitingMessageEventPo, messageInstanceID int64) error
	TriggerSignal(ctx context.Context, waiting *store.WaitingSignalEventPo) error
	// ThrowErrorEvent 抛出错误事件, 没有边界事件或者事件子流程捕获时返回 false
	ThrowErrorEvent(ctx context.Context, containerID int64, containerType store.ContainerType, errorCode string) (bool, error)
}

// Operation 节点执行时附带的数据操作
type Operation struct {
	DataName string
	Value    any
}

// Registrar 注册新的 work, 由 WorkService 实现
type Registrar interface {
	RegisterWork(ctx context.Context, d *Descriptor) error
}
