package work

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
)

type Type string

const (
	TypeExecuteFlowNode            Type = "EXECUTE_FLOWNODE"
	TypeExecuteConnectorOfProcess  Type = "EXECUTE_CONNECTOR_OF_PROCESS"
	TypeExecuteConnectorOfActivity Type = "EXECUTE_CONNECTOR_OF_ACTIVITY"
	TypeExecuteMessageCouple       Type = "EXECUTE_MESSAGE_COUPLE"
	TypeNotifyChildFinished        Type = "NOTIFY_CHILD_FINISHED"
	TypeTriggerSignal              Type = "TRIGGER_SIGNAL"
)

// 参数名
const (
	ParamProcessDefinitionID     = "processDefinitionId"
	ParamProcessInstanceID       = "processInstanceId"
	ParamRootProcessInstanceID   = "rootProcessInstanceId"
	ParamParentProcessInstanceID = "parentProcessInstanceId"
	ParamFlowNodeInstanceID      = "flowNodeInstanceId"
	ParamConnectorInstanceID     = "connectorInstanceId"
	ParamConnectorName           = "connectorDefinitionName"
	ParamActivationEvent         = "activationEvent"
	ParamFlowNodeSelector        = "flowNodeSelector"
	ParamStateID                 = "stateId"
	ParamReadyHumanTask          = "isReadyHumanTask"
	ParamAborting                = "aborting"
	ParamCanceling               = "canceling"
	ParamOperations              = "operations"
	ParamContextDependency       = "contextDependency"
	ParamMessageInstanceID       = "messageInstanceId"
	ParamWaitingMessageID        = "waitingMessageId"
	ParamWaitingSignalID         = "waitingSignalId"
	ParamSignalName              = "signalName"
)

// Descriptor 描述一次 work 请求, 构造之后不可变
type Descriptor struct {
	typ    Type
	params map[string]any
}

func NewDescriptor(typ Type, params map[string]any) *Descriptor {
	return &Descriptor{typ: typ, params: maps.Clone(params)}
}

func (d *Descriptor) Type() Type {
	return d.typ
}

// Params 返回参数的拷贝
func (d *Descriptor) Params() map[string]any {
	return maps.Clone(d.params)
}

func (d *Descriptor) Has(key string) bool {
	_, ok := d.params[key]
	return ok
}

// Int64 兼容 json 反序列化之后的数字类型
func (d *Descriptor) Int64(key string) (int64, bool) {
	val, ok := d.params[key]
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		// 带小数或者超出范围的数字不是合法的 id
		if v != math.Trunc(v) || v < math.MinInt64 || v >= math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	default:
		return 0, false
	}
}

func (d *Descriptor) String(key string) (string, bool) {
	val, ok := d.params[key]
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

func (d *Descriptor) Bool(key string) (bool, bool) {
	val, ok := d.params[key]
	if !ok {
		return false, false
	}
	b, ok := val.(bool)
	return b, ok
}

func (d *Descriptor) Describe() string {
	keys := slices.Sorted(maps.Keys(d.params))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, d.params[k]))
	}
	return fmt.Sprintf("%s{%s}", d.typ, strings.Join(parts, ", "))
}

func NewExecuteFlowNodeWorkDescriptor(processDefinitionID, processInstanceID, flowNodeInstanceID int64, expectedStateID int, readyHumanTask, aborting, canceling bool) *Descriptor {
	return NewDescriptor(TypeExecuteFlowNode, map[string]any{
		ParamProcessDefinitionID: processDefinitionID,
		ParamProcessInstanceID:   processInstanceID,
		ParamFlowNodeInstanceID:  flowNodeInstanceID,
		ParamStateID:             int64(expectedStateID),
		ParamReadyHumanTask:      readyHumanTask,
		ParamAborting:            aborting,
		ParamCanceling:           canceling,
	})
}

// NewExecuteFlowNodeWorkDescriptorWithOperations 执行节点时附带数据操作和表达式上下文
func NewExecuteFlowNodeWorkDescriptorWithOperations(processDefinitionID, processInstanceID, flowNodeInstanceID int64, expectedStateID int, readyHumanTask, aborting, canceling bool, operations []Operation, contextDependency map[string]any) *Descriptor {
	d := NewExecuteFlowNodeWorkDescriptor(processDefinitionID, processInstanceID, flowNodeInstanceID, expectedStateID,
		readyHumanTask, aborting, canceling)
	if len(operations) > 0 {
		d.params[ParamOperations] = slices.Clone(operations)
	}
	if len(contextDependency) > 0 {
		d.params[ParamContextDependency] = maps.Clone(contextDependency)
	}
	return d
}

// NewExecuteConnectorOfProcessDescriptor flowNodeSelector 为空表示不限制
func NewExecuteConnectorOfProcessDescriptor(processDefinitionID, processInstanceID, rootProcessInstanceID, connectorInstanceID int64, connectorName string, activationEvent string, flowNodeSelector []string) *Descriptor {
	params := map[string]any{
		ParamProcessDefinitionID:   processDefinitionID,
		ParamProcessInstanceID:     processInstanceID,
		ParamRootProcessInstanceID: rootProcessInstanceID,
		ParamConnectorInstanceID:   connectorInstanceID,
		ParamConnectorName:         connectorName,
		ParamActivationEvent:       activationEvent,
	}
	if len(flowNodeSelector) != 0 {
		params[ParamFlowNodeSelector] = strings.Join(flowNodeSelector, ",")
	}
	return NewDescriptor(TypeExecuteConnectorOfProcess, params)
}

func NewExecuteConnectorOfActivityDescriptor(processDefinitionID, processInstanceID, rootProcessInstanceID, flowNodeInstanceID, connectorInstanceID int64, connectorName string) *Descriptor {
	return NewDescriptor(TypeExecuteConnectorOfActivity, map[string]any{
		ParamProcessDefinitionID:   processDefinitionID,
		ParamProcessInstanceID:     processInstanceID,
		ParamRootProcessInstanceID: rootProcessInstanceID,
		ParamFlowNodeInstanceID:    flowNodeInstanceID,
		ParamConnectorInstanceID:   connectorInstanceID,
		ParamConnectorName:         connectorName,
	})
}

// NewExecuteMessageCoupleWorkDescriptor parentProcessInstanceID 取自等待事件, 开始事件为0
func NewExecuteMessageCoupleWorkDescriptor(processDefinitionID, messageInstanceID, waitingMessageID, parentProcessInstanceID, rootProcessInstanceID int64) *Descriptor {
	return NewDescriptor(TypeExecuteMessageCouple, map[string]any{
		ParamProcessDefinitionID:     processDefinitionID,
		ParamMessageInstanceID:       messageInstanceID,
		ParamWaitingMessageID:        waitingMessageID,
		ParamParentProcessInstanceID: parentProcessInstanceID,
		ParamRootProcessInstanceID:   rootProcessInstanceID,
	})
}

func NewNotifyChildFinishedWorkDescriptor(processDefinitionID, processInstanceID, flowNodeInstanceID int64) *Descriptor {
	return NewDescriptor(TypeNotifyChildFinished, map[string]any{
		ParamProcessDefinitionID: processDefinitionID,
		ParamProcessInstanceID:   processInstanceID,
		ParamFlowNodeInstanceID:  flowNodeInstanceID,
	})
}

func NewTriggerSignalWorkDescriptor(processDefinitionID, waitingSignalID, parentProcessInstanceID, rootProcessInstanceID int64, signalName string) *Descriptor {
	return NewDescriptor(TypeTriggerSignal, map[string]any{
		ParamProcessDefinitionID:     processDefinitionID,
		ParamWaitingSignalID:         waitingSignalID,
		ParamParentProcessInstanceID: parentProcessInstanceID,
		ParamRootProcessInstanceID:   rootProcessInstanceID,
		ParamSignalName:              signalName,
	})
}
