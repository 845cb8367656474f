package work

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/blingmoon/workexec/config"
	"github.com/blingmoon/workexec/incident"
	"github.com/blingmoon/workexec/lock"
	"github.com/blingmoon/workexec/store"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testEnv struct {
	store     *store.GormStore
	services  *Services
	works     *WorkService
	registry  *ConnectorRegistry
	flowNodes *fakeFlowNodeExecutor
	processes *fakeProcessExecutor
	events    *fakeEventsHandler
	incidents *recordingIncidents
}

func setupTestEnv(t *testing.T) *testEnv {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 内存库每个连接都是独立的库
	sqlDB.SetMaxOpenConns(1)
	s := store.NewGormStore(db)
	require.NoError(t, s.AutoMigrate())

	cfg := config.Default()
	cfg.Work.PoolSize = 2
	cfg.Work.RejectRetryDelay = 5 * time.Millisecond
	cfg.Connector.Timeout = time.Second

	env := &testEnv{
		store:     s,
		registry:  NewConnectorRegistry(),
		flowNodes: &fakeFlowNodeExecutor{repo: s},
		processes: &fakeProcessExecutor{},
		events:    &fakeEventsHandler{},
		incidents: &recordingIncidents{},
	}
	services := NewServicesFromStore(cfg, s, lock.NewLocalLockService(time.Minute), env.incidents)
	services.ConnectorService = NewDefaultConnectorService(s, cfg.Connector.Timeout, cfg.Connector.MaxOutputBytes)
	services.ClassLoaders = env.registry
	services.FlowNodeExecutor = env.flowNodes
	services.ProcessExecutor = env.processes
	services.EventsHandler = env.events
	env.services = services
	env.works = NewWorkService(services, NewFactory(services), NewExecutor(cfg.Work))
	t.Cleanup(func() {
		_ = env.works.Executor().Shutdown(context.Background())
	})
	return env
}

// run 同步执行一个 descriptor 构造出的完整链
func (env *testEnv) run(t *testing.T, d *Descriptor) Result {
	w, err := env.works.Factory().Create(d)
	require.NoError(t, err)
	result, err := w.Work(context.Background())
	require.NoError(t, err)
	return result
}

type fakeFlowNodeExecutor struct {
	repo store.FlowNodeInstanceRepo

	mu                sync.Mutex
	executed          []int64
	failed            []int64
	err               error
	operations        []Operation
	contextDependency map[string]any
}

func (f *fakeFlowNodeExecutor) ExecuteFlowNode(ctx context.Context, node *store.FlowNodeInstancePo, operations []Operation, contextDependency map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.executed = append(f.executed, node.ID)
	f.operations = operations
	f.contextDependency = contextDependency
	return nil
}

func (f *fakeFlowNodeExecutor) SetFailed(ctx context.Context, flowNodeInstanceID int64) error {
	f.mu.Lock()
	f.failed = append(f.failed, flowNodeInstanceID)
	f.mu.Unlock()
	stateID := store.FlowNodeStateFailed
	stable := true
	executing := false
	return f.repo.UpdateFlowNodeInstance(ctx, flowNodeInstanceID, &store.UpdateFlowNodeInstanceField{
		StateID:        &stateID,
		Stable:         &stable,
		StateExecuting: &executing,
	})
}

func (f *fakeFlowNodeExecutor) Executed() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.executed...)
}

type fakeProcessExecutor struct {
	mu        sync.Mutex
	continued []store.ActivationEvent
	selectors [][]string
	finished  []int64
}

func (f *fakeProcessExecutor) ContinueAfterConnectors(ctx context.Context, processInstance *store.ProcessInstancePo, activationEvent store.ActivationEvent, flowNodeSelector []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continued = append(f.continued, activationEvent)
	f.selectors = append(f.selectors, flowNodeSelector)
	return nil
}

func (f *fakeProcessExecutor) ChildFinished(ctx context.Context, processDefinitionID int64, flowNodeInstanceID int64, parentID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, flowNodeInstanceID)
	return nil
}

type fakeEventsHandler struct {
	mu             sync.Mutex
	catchErr       error
	triggered      []int64
	signals        []int64
	errorCodes     []string
	errorCaught    bool
	throwErrorFail error
}

func (f *fakeEventsHandler) TriggerCatchEvent(ctx context.Context, waiting *store.WaitingMessageEventPo, messageInstanceID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.catchErr != nil {
		return f.catchErr
	}
	f.triggered = append(f.triggered, waiting.ID)
	return nil
}

func (f *fakeEventsHandler) TriggerSignal(ctx context.Context, waiting *store.WaitingSignalEventPo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, waiting.ID)
	return nil
}

func (f *fakeEventsHandler) ThrowErrorEvent(ctx context.Context, containerID int64, containerType store.ContainerType, errorCode string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errorCodes = append(f.errorCodes, errorCode)
	return f.errorCaught, f.throwErrorFail
}

type recordingIncidents struct {
	mu        sync.Mutex
	incidents []*incident.Incident
}

func (r *recordingIncidents) Report(ctx context.Context, i *incident.Incident) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incidents = append(r.incidents, i)
}

func (r *recordingIncidents) All() []*incident.Incident {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*incident.Incident(nil), r.incidents...)
}

// countingLocks 记录加锁和释放的次数
type countingLocks struct {
	lock.Service
	mu       sync.Mutex
	reject   bool
	tries    int
	unlocks  int
}

func (c *countingLocks) TryLock(ctx context.Context, key lock.Key) (context.Context, *lock.Lock, error) {
	c.mu.Lock()
	c.tries++
	reject := c.reject
	c.mu.Unlock()
	if reject {
		return ctx, nil, lock.ErrLockFailed
	}
	return c.Service.TryLock(ctx, key)
}

func (c *countingLocks) Unlock(ctx context.Context, l *lock.Lock) error {
	c.mu.Lock()
	c.unlocks++
	c.mu.Unlock()
	return c.Service.Unlock(ctx, l)
}
