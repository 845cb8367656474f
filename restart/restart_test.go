package restart

import (
	"context"
	"sync"
	"testing"

	"github.com/blingmoon/workexec/store"
	"github.com/blingmoon/workexec/work"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupStore(t *testing.T) *store.GormStore {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	s := store.NewGormStore(db)
	require.NoError(t, s.AutoMigrate())
	return s
}

// recordingRegistrar 只记录注册的 work
type recordingRegistrar struct {
	mu          sync.Mutex
	descriptors []*work.Descriptor
	tenants     []int64
}

func (r *recordingRegistrar) RegisterWork(ctx context.Context, d *work.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors = append(r.descriptors, d)
	r.tenants = append(r.tenants, work.TenantFromContext(ctx))
	return nil
}

func (r *recordingRegistrar) ids(key string) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		id, _ := d.Int64(key)
		ids = append(ids, id)
	}
	return ids
}

type stepHandler struct {
	name  string
	steps *[]string
	err   error
}

func (h *stepHandler) Name() string {
	return h.name
}

func (h *stepHandler) BeforeServicesStart(ctx context.Context, tenantID int64) error {
	*h.steps = append(*h.steps, h.name+".before")
	return h.err
}

func (h *stepHandler) AfterServicesStart(ctx context.Context, tenantID int64) error {
	*h.steps = append(*h.steps, h.name+".after")
	return nil
}

func TestTenantRestarter(t *testing.T) {
	ctx := context.Background()

	t.Run("全部before之后再执行after", func(t *testing.T) {
		var steps []string
		r := NewTenantRestarter(nil, &stepHandler{name: "a", steps: &steps}, &stepHandler{name: "b", steps: &steps})
		require.NoError(t, r.Restart(ctx, 1))
		assert.Equal(t, []string{"a.before", "b.before", "a.after", "b.after"}, steps)
	})

	t.Run("before失败时停止", func(t *testing.T) {
		var steps []string
		boom := errors.New("boom")
		r := NewTenantRestarter(nil, &stepHandler{name: "a", steps: &steps, err: boom}, &stepHandler{name: "b", steps: &steps})
		err := r.Restart(ctx, 1)
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "restart handler a")
		assert.Equal(t, []string{"a.before"}, steps)
	})
}

func TestFlowNodesRestartHandler(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	create := func(tenantID int64, stateID int, stable, executing bool) int64 {
		node, err := s.CreateFlowNodeInstance(ctx, &store.FlowNodeInstancePo{
			TenantID:                tenantID,
			Name:                    "step",
			ProcessDefinitionID:     9,
			ParentProcessInstanceID: 5,
			RootProcessInstanceID:   5,
			StateID:                 stateID,
			Stable:                  stable,
			StateExecuting:          executing,
		})
		require.NoError(t, err)
		return node.ID
	}
	executing := create(1, store.FlowNodeStateExecuting, true, true)
	create(1, store.FlowNodeStateReady, true, false)
	unstable := create(1, store.FlowNodeStateCompleting, false, false)
	create(2, store.FlowNodeStateExecuting, false, true)
	completed := create(1, store.FlowNodeStateCompleted, false, false)

	registrar := &recordingRegistrar{}
	// 每批一个, 覆盖分页
	h := NewFlowNodesRestartHandler(s, s, registrar, 1, nil)
	require.NoError(t, h.BeforeServicesStart(ctx, 1))
	assert.Empty(t, registrar.descriptors)
	for _, id := range []int64{executing, unstable} {
		node, err := s.GetFlowNodeInstance(ctx, id)
		require.NoError(t, err)
		assert.False(t, node.Stable)
		assert.True(t, node.StateExecuting)
	}
	node, err := s.GetFlowNodeInstance(ctx, completed)
	require.NoError(t, err)
	assert.False(t, node.StateExecuting)

	require.NoError(t, h.AfterServicesStart(ctx, 1))
	assert.Equal(t, []int64{executing, unstable, completed}, registrar.ids(work.ParamFlowNodeInstanceID))
	assert.Equal(t, []int64{1, 1, 1}, registrar.tenants)
	d := registrar.descriptors[1]
	assert.Equal(t, work.TypeExecuteFlowNode, d.Type())
	stateID, _ := d.Int64(work.ParamStateID)
	assert.Equal(t, int64(store.FlowNodeStateCompleting), stateID)
	processInstanceID, _ := d.Int64(work.ParamProcessInstanceID)
	assert.Equal(t, int64(5), processInstanceID)
	assert.Equal(t, work.TypeNotifyChildFinished, registrar.descriptors[2].Type())

	// 已经恢复过的不会再注册
	require.NoError(t, h.AfterServicesStart(ctx, 1))
	assert.Len(t, registrar.descriptors, 3)
}

func TestConnectorsRestartHandler(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	pi, err := s.CreateProcessInstance(ctx, &store.ProcessInstancePo{Name: "p", ProcessDefinitionID: 9})
	require.NoError(t, err)
	node, err := s.CreateFlowNodeInstance(ctx, &store.FlowNodeInstancePo{
		Name:                    "task",
		ProcessDefinitionID:     9,
		ParentProcessInstanceID: pi.ID,
		RootProcessInstanceID:   pi.ID,
		StateID:                 store.FlowNodeStateExecuting,
	})
	require.NoError(t, err)

	create := func(tenantID, containerID int64, containerType store.ContainerType, state store.ConnectorState) int64 {
		ci, err := s.CreateConnectorInstance(ctx, &store.ConnectorInstancePo{
			TenantID:        tenantID,
			ContainerID:     containerID,
			ContainerType:   containerType,
			Name:            "c",
			ConnectorID:     "http",
			Version:         "1.0",
			ActivationEvent: store.ActivationEventOnEnter,
			State:           state,
		})
		require.NoError(t, err)
		return ci.ID
	}
	ofProcess := create(0, pi.ID, store.ContainerTypeProcess, store.ConnectorStateExecuting)
	done := create(0, pi.ID, store.ContainerTypeProcess, store.ConnectorStateDone)
	waiting := create(0, pi.ID, store.ContainerTypeProcess, store.ConnectorStateToBeExecuted)
	ofActivity := create(0, node.ID, store.ContainerTypeFlowNode, store.ConnectorStateExecuting)
	otherTenant := create(7, pi.ID, store.ContainerTypeProcess, store.ConnectorStateExecuting)

	registrar := &recordingRegistrar{}
	h := NewConnectorsRestartHandler(&work.Services{
		Tx:               s,
		Connectors:       s,
		ProcessInstances: s,
		FlowNodes:        s,
		Works:            registrar,
	}, 2)

	require.NoError(t, h.BeforeServicesStart(ctx, 0))
	states := map[int64]store.ConnectorState{}
	for _, id := range []int64{ofProcess, done, waiting, ofActivity, otherTenant} {
		ci, err := s.GetConnectorInstance(ctx, id)
		require.NoError(t, err)
		states[id] = ci.State
	}
	assert.Equal(t, map[int64]store.ConnectorState{
		ofProcess:   store.ConnectorStateToBeExecuted,
		done:        store.ConnectorStateDone,
		waiting:     store.ConnectorStateToBeExecuted,
		ofActivity:  store.ConnectorStateToBeExecuted,
		otherTenant: store.ConnectorStateExecuting,
	}, states)

	require.NoError(t, h.AfterServicesStart(ctx, 0))
	require.Len(t, registrar.descriptors, 2)
	assert.Equal(t, []int64{ofProcess, ofActivity}, registrar.ids(work.ParamConnectorInstanceID))
	assert.Equal(t, work.TypeExecuteConnectorOfProcess, registrar.descriptors[0].Type())
	assert.Equal(t, work.TypeExecuteConnectorOfActivity, registrar.descriptors[1].Type())
	flowNodeID, _ := registrar.descriptors[1].Int64(work.ParamFlowNodeInstanceID)
	assert.Equal(t, node.ID, flowNodeID)
}

func TestConnectorsRestartHandlerPaging(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	pi, err := s.CreateProcessInstance(ctx, &store.ProcessInstancePo{Name: "p", ProcessDefinitionID: 9})
	require.NoError(t, err)
	// id 小的 ON_FINISH 排在 ON_ENTER 后面, 按 id 翻页不能把它跳过
	var ids []int64
	for _, event := range []store.ActivationEvent{
		store.ActivationEventOnFinish,
		store.ActivationEventOnEnter,
		store.ActivationEventOnEnter,
		store.ActivationEventOnFinish,
		store.ActivationEventOnEnter,
	} {
		ci, err := s.CreateConnectorInstance(ctx, &store.ConnectorInstancePo{
			ContainerID:     pi.ID,
			ContainerType:   store.ContainerTypeProcess,
			Name:            "c",
			ConnectorID:     "http",
			Version:         "1.0",
			ActivationEvent: event,
			State:           store.ConnectorStateExecuting,
		})
		require.NoError(t, err)
		ids = append(ids, ci.ID)
	}

	registrar := &recordingRegistrar{}
	h := NewConnectorsRestartHandler(&work.Services{
		Tx:               s,
		Connectors:       s,
		ProcessInstances: s,
		FlowNodes:        s,
		Works:            registrar,
	}, 2)

	require.NoError(t, h.BeforeServicesStart(ctx, 0))
	for _, id := range ids {
		ci, err := s.GetConnectorInstance(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.ConnectorStateToBeExecuted, ci.State, "connector %d", id)
	}

	require.NoError(t, h.AfterServicesStart(ctx, 0))
	assert.Equal(t, ids, registrar.ids(work.ParamConnectorInstanceID))
}

func TestMessagesRestartHandler(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	message, err := s.CreateMessageInstance(ctx, &store.MessageInstancePo{MessageName: "m", Handled: true}, nil)
	require.NoError(t, err)
	waiting, err := s.CreateWaitingMessageEvent(ctx, &store.WaitingMessageEventPo{
		MessageName:             "m",
		ProcessDefinitionID:     9,
		ParentProcessInstanceID: 3,
		RootProcessInstanceID:   3,
		Progress:                store.WaitingEventInProgress,
		Active:                  true,
	})
	require.NoError(t, err)

	registrar := &recordingRegistrar{}
	h := NewMessagesRestartHandler(s, s, work.NewMessageMatcher(s, s, registrar, 10), nil)

	require.NoError(t, h.BeforeServicesStart(ctx, 0))
	got, err := s.GetWaitingMessageEvent(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, store.WaitingEventFree, got.Progress)
	gotMessage, err := s.GetMessageInstance(ctx, message.ID)
	require.NoError(t, err)
	assert.False(t, gotMessage.Handled)

	require.NoError(t, h.AfterServicesStart(ctx, 0))
	require.Len(t, registrar.descriptors, 1)
	assert.Equal(t, work.TypeExecuteMessageCouple, registrar.descriptors[0].Type())
	assert.Equal(t, []int64{message.ID}, registrar.ids(work.ParamMessageInstanceID))
	got, err = s.GetWaitingMessageEvent(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, store.WaitingEventInProgress, got.Progress)
}

func TestMessagesRestartHandlerUnmatchedHead(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	_, err := s.CreateMessageInstance(ctx, &store.MessageInstancePo{MessageName: "nobody"}, nil)
	require.NoError(t, err)
	message, err := s.CreateMessageInstance(ctx, &store.MessageInstancePo{MessageName: "b", Handled: true}, nil)
	require.NoError(t, err)
	_, err = s.CreateWaitingMessageEvent(ctx, &store.WaitingMessageEventPo{
		MessageName:         "b",
		ProcessDefinitionID: 9,
		Progress:            store.WaitingEventInProgress,
		Active:              true,
	})
	require.NoError(t, err)

	registrar := &recordingRegistrar{}
	h := NewMessagesRestartHandler(s, s, work.NewMessageMatcher(s, s, registrar, 1), nil)
	require.NoError(t, h.BeforeServicesStart(ctx, 0))
	require.NoError(t, h.AfterServicesStart(ctx, 0))
	assert.Equal(t, []int64{message.ID}, registrar.ids(work.ParamMessageInstanceID))
}

func TestNewDefaultHandlers(t *testing.T) {
	s := setupStore(t)
	services := &work.Services{Tx: s, FlowNodes: s, Connectors: s, ProcessInstances: s, Messages: s, Works: &recordingRegistrar{}}
	handlers := NewDefaultHandlers(services, work.NewMessageMatcher(s, s, services.Works, 10))
	names := make([]string, 0, len(handlers))
	for _, h := range handlers {
		names = append(names, h.Name())
	}
	assert.Equal(t, []string{"flowNodes", "connectors", "messages"}, names)
}

func TestBatches(t *testing.T) {
	assert.Equal(t, [][]int64{{1, 2}, {3}}, batches([]int64{1, 2, 3}, 2))
	assert.Empty(t, batches(nil, 2))
}
