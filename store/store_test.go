package store

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestStore(t *testing.T) *GormStore {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 内存库每个连接都是独立的库
	sqlDB.SetMaxOpenConns(1)

	s := NewGormStore(db)
	require.NoError(t, s.AutoMigrate())
	return s
}

func TestTransaction(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	t.Run("出错回滚并且回调收到回滚状态", func(t *testing.T) {
		var got TransactionStatus
		err := s.ExecuteInTransaction(ctx, func(ctx context.Context) error {
			_, err := s.CreateProcessInstance(ctx, &ProcessInstancePo{Name: "rollback"})
			require.NoError(t, err)
			require.NoError(t, s.RegisterSynchronization(ctx, SynchronizationFunc(func(ctx context.Context, status TransactionStatus) {
				got = status
				assert.False(t, s.IsTransactionActive(ctx))
			})))
			return errors.New("boom")
		})
		assert.Error(t, err)
		assert.Equal(t, TransactionRolledBack, got)

		var count int64
		require.NoError(t, s.GetDBWithContext(ctx).Model(&ProcessInstancePo{}).Where("name = ?", "rollback").Count(&count).Error)
		assert.Equal(t, int64(0), count)
	})

	t.Run("嵌套调用复用外层事务", func(t *testing.T) {
		var status TransactionStatus
		err := s.ExecuteInTransaction(ctx, func(ctx context.Context) error {
			return s.ExecuteInTransaction(ctx, func(inner context.Context) error {
				assert.True(t, s.IsTransactionActive(inner))
				return s.RegisterSynchronization(inner, SynchronizationFunc(func(_ context.Context, st TransactionStatus) {
					status = st
				}))
			})
		})
		require.NoError(t, err)
		assert.Equal(t, TransactionCommitted, status)
	})

	t.Run("提交前回调出错导致回滚", func(t *testing.T) {
		err := s.ExecuteInTransaction(ctx, func(ctx context.Context) error {
			_, err := s.CreateProcessInstance(ctx, &ProcessInstancePo{Name: "before-commit"})
			require.NoError(t, err)
			return s.RegisterBeforeCommitCallable(ctx, func(ctx context.Context) error {
				return errors.New("veto")
			})
		})
		assert.Error(t, err)
		var count int64
		require.NoError(t, s.GetDBWithContext(ctx).Model(&ProcessInstancePo{}).Where("name = ?", "before-commit").Count(&count).Error)
		assert.Equal(t, int64(0), count)
	})

	t.Run("没有事务不能注册回调", func(t *testing.T) {
		err := s.RegisterSynchronization(ctx, SynchronizationFunc(func(context.Context, TransactionStatus) {}))
		assert.True(t, errors.Is(err, ErrNoActiveTransaction))
	})
}

func TestConnectorInstanceOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	// 故意乱序插入
	for _, c := range []struct {
		name  string
		event ActivationEvent
		order int
	}{
		{"finish1", ActivationEventOnFinish, 0},
		{"enter2", ActivationEventOnEnter, 1},
		{"enter1", ActivationEventOnEnter, 0},
	} {
		_, err := s.CreateConnectorInstance(ctx, &ConnectorInstancePo{
			ContainerID:     1,
			ContainerType:   ContainerTypeFlowNode,
			Name:            c.name,
			ActivationEvent: c.event,
			ExecutionOrder:  c.order,
		})
		require.NoError(t, err)
	}

	t.Run("ON_ENTER在ON_FINISH之前并且按顺序", func(t *testing.T) {
		containerID := int64(1)
		pos, err := s.QueryConnectorInstances(ctx, &QueryConnectorInstanceParams{ContainerID: &containerID})
		require.NoError(t, err)
		require.Len(t, pos, 3)
		assert.Equal(t, []string{"enter1", "enter2", "finish1"}, []string{pos[0].Name, pos[1].Name, pos[2].Name})
		assert.Equal(t, ConnectorStateToBeExecuted, pos[0].State)
		assert.Equal(t, FailActionFail, pos[0].FailAction)
	})

	t.Run("下一个待执行连接器", func(t *testing.T) {
		next, err := s.NextConnectorInstance(ctx, 1, ContainerTypeFlowNode, ActivationEventOnEnter)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, "enter1", next.Name)

		done := ConnectorStateDone
		require.NoError(t, s.UpdateConnectorInstance(ctx, next.ID, &UpdateConnectorInstanceField{State: &done}))
		next, err = s.NextConnectorInstance(ctx, 1, ContainerTypeFlowNode, ActivationEventOnEnter)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, "enter2", next.Name)

		none, err := s.NextConnectorInstance(ctx, 2, ContainerTypeFlowNode, ActivationEventOnEnter)
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	t.Run("归档", func(t *testing.T) {
		count, err := s.ArchiveConnectorInstances(ctx, 1, ContainerTypeFlowNode)
		require.NoError(t, err)
		assert.Equal(t, 3, count)

		containerID := int64(1)
		left, err := s.QueryConnectorInstances(ctx, &QueryConnectorInstanceParams{ContainerID: &containerID})
		require.NoError(t, err)
		assert.Empty(t, left)

		archived, err := s.QueryArchivedConnectorInstances(ctx, 1, ContainerTypeFlowNode)
		require.NoError(t, err)
		require.Len(t, archived, 3)
		assert.Equal(t, "enter1", archived[0].Name)
		assert.Equal(t, ConnectorStateDone, archived[0].State)
		assert.Greater(t, archived[0].SourceObjectID, int64(0))
		assert.Greater(t, archived[0].ArchiveDate, int64(0))
	})
}

func TestMessageRepo(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	msg, err := s.CreateMessageInstance(ctx, &MessageInstancePo{
		MessageName:    "orderPaid",
		TargetProcess:  "order",
		TargetFlowNode: "waitPay",
	}, map[string][]byte{"amount": []byte("100")})
	require.NoError(t, err)

	t.Run("匹配空闲等待事件", func(t *testing.T) {
		_, err := s.CreateWaitingMessageEvent(ctx, &WaitingMessageEventPo{
			MessageName: "orderPaid", ProcessName: "other", FlowNodeName: "waitPay", Active: true,
		})
		require.NoError(t, err)
		target, err := s.CreateWaitingMessageEvent(ctx, &WaitingMessageEventPo{
			MessageName: "orderPaid", ProcessName: "order", FlowNodeName: "waitPay", Active: true,
		})
		require.NoError(t, err)

		found, err := s.FindFreeWaitingMessageEvent(ctx, msg)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, target.ID, found.ID)

		require.NoError(t, s.UpdateWaitingMessageEventProgress(ctx, target.ID, WaitingEventInProgress))
		found, err = s.FindFreeWaitingMessageEvent(ctx, msg)
		require.NoError(t, err)
		assert.Nil(t, found)

		n, err := s.ResetInProgressWaitingMessageEvents(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("消息数据", func(t *testing.T) {
		data, err := s.GetMessageData(ctx, msg.ID)
		require.NoError(t, err)
		require.Len(t, data, 1)
		assert.Equal(t, "amount", data[0].Name)

		require.NoError(t, s.DeleteMessageData(ctx, msg.ID))
		require.NoError(t, s.DeleteMessageInstance(ctx, msg.ID))
		_, err = s.GetMessageInstance(ctx, msg.ID)
		assert.True(t, IsNotFound(err))
	})
}

func TestDataInstance(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetDataInstance(ctx, 7, ContainerTypeProcess, "total", []byte("1")))
	require.NoError(t, s.SetDataInstance(ctx, 7, ContainerTypeProcess, "total", []byte("2")))

	po, err := s.GetDataInstance(ctx, 7, ContainerTypeProcess, "total")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), po.Value)

	_, err = s.GetDataInstance(ctx, 7, ContainerTypeFlowNode, "total")
	assert.True(t, IsNotFound(err))
}

func TestDeleteJobDescriptorCascade(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	jd, err := s.CreateJobDescriptor(ctx, &JobDescriptorPo{TenantID: 1, JobClassName: "cleanup", JobName: "cleanup-1"})
	require.NoError(t, err)
	require.NoError(t, s.CreateJobParameters(ctx, []*JobParameterPo{
		{JobDescriptorID: jd.ID, Key: "a", Value: []byte(`1`)},
		{JobDescriptorID: jd.ID, Key: "b", Value: []byte(`"x"`)},
	}))
	_, err = s.CreateJobLog(ctx, &JobLogPo{JobDescriptorID: jd.ID, LastMessage: "failed"})
	require.NoError(t, err)

	byName, err := s.GetJobDescriptorByName(ctx, 1, "cleanup-1")
	require.NoError(t, err)
	assert.Equal(t, jd.ID, byName.ID)

	require.NoError(t, s.DeleteJobDescriptor(ctx, jd.ID))

	_, err = s.GetJobDescriptor(ctx, jd.ID)
	assert.True(t, IsNotFound(err))
	params, err := s.GetJobParameters(ctx, jd.ID)
	require.NoError(t, err)
	assert.Empty(t, params)
	logs, err := s.GetJobLogs(ctx, jd.ID)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestQueryFlowNodeInstancesToRestart(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	stable, err := s.CreateFlowNodeInstance(ctx, &FlowNodeInstancePo{TenantID: 1, Name: "stable", StateID: FlowNodeStateReady, Stable: true})
	require.NoError(t, err)
	executing, err := s.CreateFlowNodeInstance(ctx, &FlowNodeInstancePo{TenantID: 1, Name: "executing", StateID: FlowNodeStateExecuting, Stable: true, StateExecuting: true})
	require.NoError(t, err)
	transitioning, err := s.CreateFlowNodeInstance(ctx, &FlowNodeInstancePo{TenantID: 1, Name: "transitioning", StateID: FlowNodeStateInitializing})
	require.NoError(t, err)
	_, err = s.CreateFlowNodeInstance(ctx, &FlowNodeInstancePo{TenantID: 2, Name: "other tenant", StateID: FlowNodeStateInitializing})
	require.NoError(t, err)

	pos, err := s.QueryFlowNodeInstancesToRestart(ctx, 1, 0, 10)
	require.NoError(t, err)
	require.Len(t, pos, 2)
	assert.Equal(t, executing.ID, pos[0].ID)
	assert.Equal(t, transitioning.ID, pos[1].ID)
	assert.Equal(t, "initializing", pos[1].StateName)
	assert.NotEqual(t, stable.ID, pos[0].ID)

	pos, err = s.QueryFlowNodeInstancesToRestart(ctx, 1, executing.ID, 10)
	require.NoError(t, err)
	require.Len(t, pos, 1)
}
