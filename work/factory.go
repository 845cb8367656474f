package work

import (
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/blingmoon/workexec/store"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
)

const tracerName = "github.com/blingmoon/workexec/work"

// lockPolicy 是否需要流程实例锁
type lockPolicy int

const (
	lockNever lockPolicy = iota
	// lockAlways 锁 ParamProcessInstanceID
	lockAlways
	// lockIfParent ParamParentProcessInstanceID > 0 时才锁
	lockIfParent
)

// contextRule 上下文 layer 和对应的参数
type contextRule struct {
	param string
	build func(id int64) *ContextLayer
}

var (
	processDefinitionContext = contextRule{ParamProcessDefinitionID, NewProcessDefinitionContextLayer}
	processInstanceContext   = contextRule{ParamProcessInstanceID, NewProcessInstanceContextLayer}
	flowNodeInstanceContext  = contextRule{ParamFlowNodeInstanceID, NewFlowNodeInstanceContextLayer}
	messageInstanceContext   = contextRule{ParamMessageInstanceID, NewMessageInstanceContextLayer}
	// 信号没有消息实例, 用等待事件ID
	waitingSignalContext     = contextRule{ParamWaitingSignalID, NewMessageInstanceContextLayer}
)

// Builder 构造叶子 work
type Builder func(services *Services, d *Descriptor) (Work, error)

// rule 一种 work 的构造规则
type rule struct {
	Leaf    Builder
	Context []contextRule
	Lock    lockPolicy
	// OwnTx 叶子自己划分事务, 不加 TxLayer
	OwnTx bool
}

type Factory struct {
	services *Services
	mu       sync.RWMutex
	rules    map[Type]rule
}

func NewFactory(services *Services) *Factory {
	return &Factory{
		services: services,
		rules: map[Type]rule{
			TypeExecuteConnectorOfProcess: {
				Leaf:    newConnectorOfProcessWork,
				Context: []contextRule{processDefinitionContext, processInstanceContext},
				Lock:    lockAlways,
				OwnTx:   true,
			},
			TypeExecuteConnectorOfActivity: {
				Leaf:    newConnectorOfActivityWork,
				Context: []contextRule{processDefinitionContext, processInstanceContext, flowNodeInstanceContext},
				Lock:    lockAlways,
				OwnTx:   true,
			},
			TypeExecuteFlowNode: {
				Leaf:    newFlowNodeWork,
				Context: []contextRule{processDefinitionContext, processInstanceContext, flowNodeInstanceContext},
				Lock:    lockAlways,
			},
			TypeExecuteMessageCouple: {
				Leaf:    newMessageCoupleWork,
				Context: []contextRule{messageInstanceContext, processDefinitionContext},
				Lock:    lockIfParent,
			},
			TypeTriggerSignal: {
				Leaf:    newTriggerSignalWork,
				Context: []contextRule{waitingSignalContext, processDefinitionContext},
				Lock:    lockIfParent,
			},
			TypeNotifyChildFinished: {
				Leaf:    newNotifyChildFinishedWork,
				Context: []contextRule{processDefinitionContext, processInstanceContext, flowNodeInstanceContext},
				Lock:    lockNever,
			},
		},
	}
}

// AddExtension 注册新的 work 类型, 使用默认的 layer: 服务上下文, 观测, 失败处理, 事务
func (f *Factory) AddExtension(name Type, builder Builder) error {
	if name == "" || builder == nil {
		return NewConfigurationError("invalid extension %q", name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rules[name]; ok {
		return errors.WithMessagef(ErrExtensionAlreadyRegistered, "type: %s", name)
	}
	f.rules[name] = rule{Leaf: builder, Lock: lockNever}
	return nil
}

// Create 根据 Descriptor 构造叶子和完整的 layer 链
func (f *Factory) Create(d *Descriptor) (*Chain, error) {
	if d == nil {
		return nil, NewConfigurationError("nil work descriptor")
	}
	f.mu.RLock()
	r, ok := f.rules[d.Type()]
	f.mu.RUnlock()
	if !ok {
		return nil, NewConfigurationError("unknown work type %q", d.Type())
	}
	leaf, err := r.Leaf(f.services, d)
	if err != nil {
		return nil, err
	}

	tracer := f.services.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	layers := []Layer{
		NewServiceContextLayer(f.services),
		NewObservabilityLayer(tracer, d.Type()),
		NewFailureHandlingLayer(f.services.Incidents, d.Type()),
	}
	for _, c := range r.Context {
		id, err := requiredInt64(d, c.param)
		if err != nil {
			return nil, err
		}
		layers = append(layers, c.build(id))
	}
	switch r.Lock {
	case lockAlways:
		id, err := requiredInt64(d, ParamProcessInstanceID)
		if err != nil {
			return nil, err
		}
		layers = append(layers, NewLockLayer(f.services.Locks, id))
	case lockIfParent:
		if id, _ := d.Int64(ParamParentProcessInstanceID); id > 0 {
			layers = append(layers, NewLockLayer(f.services.Locks, id))
		}
	}
	if !r.OwnTx {
		layers = append(layers, NewTxLayer(f.services.Tx))
	}
	return NewChain(leaf, layers...), nil
}

func requiredInt64(d *Descriptor, key string) (int64, error) {
	v, ok := d.Int64(key)
	if !ok {
		return 0, NewConfigurationError("%s: missing or invalid int parameter %s", d.Type(), key)
	}
	return v, nil
}

func requiredPositive(d *Descriptor, key string) (int64, error) {
	v, err := requiredInt64(d, key)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, NewConfigurationError("%s: parameter %s must be positive, got %d", d.Type(), key, v)
	}
	return v, nil
}

func optionalBool(d *Descriptor, key string) (bool, error) {
	if !d.Has(key) {
		return false, nil
	}
	v, ok := d.Bool(key)
	if !ok {
		return false, NewConfigurationError("%s: parameter %s must be a bool", d.Type(), key)
	}
	return v, nil
}

func newConnectorWork(services *Services, d *Descriptor, containerType store.ContainerType) (*connectorWork, error) {
	processDefinitionID, err := requiredInt64(d, ParamProcessDefinitionID)
	if err != nil {
		return nil, err
	}
	processInstanceID, err := requiredPositive(d, ParamProcessInstanceID)
	if err != nil {
		return nil, err
	}
	connectorInstanceID, err := requiredPositive(d, ParamConnectorInstanceID)
	if err != nil {
		return nil, err
	}
	rootProcessInstanceID, _ := d.Int64(ParamRootProcessInstanceID)
	name, _ := d.String(ParamConnectorName)
	return &connectorWork{
		services:              services,
		processDefinitionID:   processDefinitionID,
		processInstanceID:     processInstanceID,
		rootProcessInstanceID: rootProcessInstanceID,
		connectorInstanceID:   connectorInstanceID,
		connectorName:         name,
		containerID:           processInstanceID,
		containerType:         containerType,
	}, nil
}

func newConnectorOfProcessWork(services *Services, d *Descriptor) (Work, error) {
	w, err := newConnectorWork(services, d, store.ContainerTypeProcess)
	if err != nil {
		return nil, err
	}
	if d.Has(ParamFlowNodeSelector) {
		selector, ok := d.String(ParamFlowNodeSelector)
		if !ok {
			return nil, NewConfigurationError("%s: parameter %s must be a string", d.Type(), ParamFlowNodeSelector)
		}
		for _, name := range strings.Split(selector, ",") {
			if name = strings.TrimSpace(name); name != "" {
				w.flowNodeSelector = append(w.flowNodeSelector, name)
			}
		}
	}
	return w, nil
}

func newConnectorOfActivityWork(services *Services, d *Descriptor) (Work, error) {
	w, err := newConnectorWork(services, d, store.ContainerTypeFlowNode)
	if err != nil {
		return nil, err
	}
	flowNodeInstanceID, err := requiredPositive(d, ParamFlowNodeInstanceID)
	if err != nil {
		return nil, err
	}
	w.containerID = flowNodeInstanceID
	return w, nil
}

func newFlowNodeWork(services *Services, d *Descriptor) (Work, error) {
	flowNodeInstanceID, err := requiredPositive(d, ParamFlowNodeInstanceID)
	if err != nil {
		return nil, err
	}
	stateID, err := requiredInt64(d, ParamStateID)
	if err != nil {
		return nil, err
	}
	w := &flowNodeWork{services: services, flowNodeInstanceID: flowNodeInstanceID, expectedStateID: int(stateID)}
	if w.readyHumanTask, err = optionalBool(d, ParamReadyHumanTask); err != nil {
		return nil, err
	}
	if w.aborting, err = optionalBool(d, ParamAborting); err != nil {
		return nil, err
	}
	if w.canceling, err = optionalBool(d, ParamCanceling); err != nil {
		return nil, err
	}
	if d.Has(ParamOperations) {
		operations, ok := d.params[ParamOperations].([]Operation)
		if !ok {
			return nil, NewConfigurationError("%s: parameter %s must be a list of operations", d.Type(), ParamOperations)
		}
		w.operations = slices.Clone(operations)
	}
	if d.Has(ParamContextDependency) {
		contextDependency, ok := d.params[ParamContextDependency].(map[string]any)
		if !ok {
			return nil, NewConfigurationError("%s: parameter %s must be a map", d.Type(), ParamContextDependency)
		}
		w.contextDependency = maps.Clone(contextDependency)
	}
	return w, nil
}

func newMessageCoupleWork(services *Services, d *Descriptor) (Work, error) {
	messageInstanceID, err := requiredPositive(d, ParamMessageInstanceID)
	if err != nil {
		return nil, err
	}
	waitingMessageID, err := requiredPositive(d, ParamWaitingMessageID)
	if err != nil {
		return nil, err
	}
	return &messageCoupleWork{services: services, messageInstanceID: messageInstanceID, waitingMessageID: waitingMessageID}, nil
}

func newTriggerSignalWork(services *Services, d *Descriptor) (Work, error) {
	waitingSignalID, err := requiredPositive(d, ParamWaitingSignalID)
	if err != nil {
		return nil, err
	}
	name, _ := d.String(ParamSignalName)
	return &triggerSignalWork{services: services, waitingSignalID: waitingSignalID, signalName: name}, nil
}

func newNotifyChildFinishedWork(services *Services, d *Descriptor) (Work, error) {
	processDefinitionID, err := requiredInt64(d, ParamProcessDefinitionID)
	if err != nil {
		return nil, err
	}
	processInstanceID, err := requiredPositive(d, ParamProcessInstanceID)
	if err != nil {
		return nil, err
	}
	flowNodeInstanceID, err := requiredPositive(d, ParamFlowNodeInstanceID)
	if err != nil {
		return nil, err
	}
	return &notifyChildFinishedWork{
		services:            services,
		processDefinitionID: processDefinitionID,
		processInstanceID:   processInstanceID,
		flowNodeInstanceID:  flowNodeInstanceID,
	}, nil
}
