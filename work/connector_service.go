package work

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"runtime/debug"
	"sync"
	"time"

	"github.com/blingmoon/workexec/store"
	"github.com/pkg/errors"
)

// Connector 可插拔的连接器实现
type Connector interface {
	Execute(ctx context.Context, call *ConnectorCall) (map[string]any, error)
}

// ConnectorFunc 函数适配 Connector
type ConnectorFunc func(ctx context.Context, call *ConnectorCall) (map[string]any, error)

func (f ConnectorFunc) Execute(ctx context.Context, call *ConnectorCall) (map[string]any, error) {
	return f(ctx, call)
}

// ConnectorCall 一次连接器调用的输入
type ConnectorCall struct {
	Instance *store.ConnectorInstancePo
	TenantID int64
}

// OutputOperation 把连接器的输出 Output 写到容器的数据 DataName 上, Output 可以是 "body.id" 这样的路径
type OutputOperation struct {
	DataName string
	Output   string
	// Transform 可选, 写入前转换
	Transform func(value any) (any, error)
}

type ConnectorDefinition struct {
	ID        string
	Version   string
	Connector Connector
	Outputs   []OutputOperation
}

type ConnectorResult struct {
	Outputs map[string]any
}

// ClassLoader 某个租户连接器定义的不可变快照
type ClassLoader interface {
	Definition(connectorID string, version string) (*ConnectorDefinition, bool)
}

type ClassLoaderService interface {
	ClassLoader(ctx context.Context, tenantID int64) (ClassLoader, error)
}

type ConnectorService interface {
	ExecuteConnector(ctx context.Context, loader ClassLoader, instance *store.ConnectorInstancePo) (*ConnectorResult, error)
	ExecuteOutputOperations(ctx context.Context, loader ClassLoader, instance *store.ConnectorInstancePo, result *ConnectorResult) error
}

// ConnectorRegistry 按租户注册连接器定义, 注册时替换快照, 执行中的连接器看到的快照不会变
type ConnectorRegistry struct {
	mu        sync.Mutex
	snapshots sync.Map // tenantID -> classLoader
}

func NewConnectorRegistry() *ConnectorRegistry {
	return &ConnectorRegistry{}
}

type classLoader map[string]*ConnectorDefinition

func definitionKey(connectorID, version string) string {
	return connectorID + "@" + version
}

func (c classLoader) Definition(connectorID string, version string) (*ConnectorDefinition, bool) {
	def, ok := c[definitionKey(connectorID, version)]
	return def, ok
}

func (r *ConnectorRegistry) Register(tenantID int64, def *ConnectorDefinition) error {
	if def == nil || def.ID == "" || def.Connector == nil {
		return NewConfigurationError("invalid connector definition")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := classLoader{}
	if current, ok := r.snapshots.Load(tenantID); ok {
		next = maps.Clone(current.(classLoader))
	}
	next[definitionKey(def.ID, def.Version)] = def
	r.snapshots.Store(tenantID, next)
	return nil
}

func (r *ConnectorRegistry) ClassLoader(ctx context.Context, tenantID int64) (ClassLoader, error) {
	if current, ok := r.snapshots.Load(tenantID); ok {
		return current.(classLoader), nil
	}
	return classLoader{}, nil
}

// DefaultConnectorService 异步调用连接器, 带超时和输出大小限制, 输出映射写入数据实例
type DefaultConnectorService struct {
	data           store.DataInstanceRepo
	timeout        time.Duration
	maxOutputBytes int
}

func NewDefaultConnectorService(data store.DataInstanceRepo, timeout time.Duration, maxOutputBytes int) *DefaultConnectorService {
	return &DefaultConnectorService{data: data, timeout: timeout, maxOutputBytes: maxOutputBytes}
}

type connectorOutcome struct {
	outputs map[string]any
	err     error
}

func (s *DefaultConnectorService) ExecuteConnector(ctx context.Context, loader ClassLoader, instance *store.ConnectorInstancePo) (*ConnectorResult, error) {
	def, ok := loader.Definition(instance.ConnectorID, instance.Version)
	if !ok {
		return nil, NewConnectorExecutionError(instance.ID, instance.Name,
			fmt.Sprintf("connector definition %s not found", definitionKey(instance.ConnectorID, instance.Version)), nil)
	}
	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	call := &ConnectorCall{Instance: instance, TenantID: TenantFromContext(ctx)}
	done := make(chan connectorOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- connectorOutcome{err: errors.Errorf("connector panic: %v, stack: %s", r, string(debug.Stack()))}
			}
		}()
		outputs, err := def.Connector.Execute(callCtx, call)
		done <- connectorOutcome{outputs: outputs, err: err}
	}()

	var outcome connectorOutcome
	select {
	case outcome = <-done:
	case <-callCtx.Done():
		return nil, NewConnectorExecutionError(instance.ID, instance.Name, "connector execution timeout", callCtx.Err())
	}
	if outcome.err != nil {
		return nil, NewConnectorExecutionError(instance.ID, instance.Name, "connector execution failed", outcome.err)
	}
	if s.maxOutputBytes > 0 {
		b, err := json.Marshal(outcome.outputs)
		if err != nil {
			return nil, NewConnectorExecutionError(instance.ID, instance.Name, "connector output not serializable", err)
		}
		if len(b) > s.maxOutputBytes {
			return nil, NewConnectorExecutionError(instance.ID, instance.Name,
				fmt.Sprintf("connector output too large: %d bytes, max %d", len(b), s.maxOutputBytes), nil)
		}
	}
	return &ConnectorResult{Outputs: outcome.outputs}, nil
}

// ExecuteOutputOperations 返回的是映射本身的错误, 由调用方包装成连接器错误
func (s *DefaultConnectorService) ExecuteOutputOperations(ctx context.Context, loader ClassLoader, instance *store.ConnectorInstancePo, result *ConnectorResult) error {
	def, ok := loader.Definition(instance.ConnectorID, instance.Version)
	if !ok {
		return errors.Errorf("connector definition %s not found", definitionKey(instance.ConnectorID, instance.Version))
	}
	var outputs *ConnectorOutputs
	if result != nil {
		outputs = NewConnectorOutputs(result.Outputs)
	}
	for _, op := range def.Outputs {
		var value any
		if outputs != nil {
			v, exist := outputs.Lookup(op.Output)
			if !exist {
				return errors.Errorf("output %s of connector %s not found", op.Output, instance.Name)
			}
			value = v
		}
		if op.Transform != nil {
			v, err := op.Transform(value)
			if err != nil {
				return errors.WithMessagef(err, "transform output %s failed", op.Output)
			}
			value = v
		}
		b, err := json.Marshal(value)
		if err != nil {
			return errors.WithMessagef(err, "marshal output %s failed", op.Output)
		}
		if err := s.data.SetDataInstance(ctx, instance.ContainerID, instance.ContainerType, op.DataName, b); err != nil {
			return err
		}
	}
	return nil
}
