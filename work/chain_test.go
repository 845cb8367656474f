package work

import (
	"context"
	"testing"
	"time"

	"github.com/blingmoon/workexec/lock"
	"github.com/blingmoon/workexec/store"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// traceLayer 记录调用顺序
type traceLayer struct {
	name  string
	trace *[]string
}

func (l *traceLayer) Name() string {
	return l.name
}

func (l *traceLayer) Work(ctx context.Context, next Work) (Result, error) {
	*l.trace = append(*l.trace, l.name+">")
	result, err := next.Work(ctx)
	*l.trace = append(*l.trace, "<"+l.name)
	return result, err
}

func (l *traceLayer) HandleFailure(ctx context.Context, cause error, next Work) error {
	*l.trace = append(*l.trace, l.name+"!")
	return next.HandleFailure(ctx, cause)
}

func TestChain(t *testing.T) {
	ctx := context.Background()

	t.Run("外层先进入后退出", func(t *testing.T) {
		var trace []string
		leaf := &FuncWork{Name: "leaf", WorkFunc: func(ctx context.Context) (Result, error) {
			trace = append(trace, "leaf")
			return Executed(), nil
		}}
		chain := NewChain(leaf, &traceLayer{name: "a", trace: &trace}, &traceLayer{name: "b", trace: &trace})
		result, err := chain.Work(ctx)
		require.NoError(t, err)
		assert.True(t, result.IsExecuted())
		assert.Equal(t, []string{"a>", "b>", "leaf", "<b", "<a"}, trace)
		assert.Equal(t, []string{"a", "b"}, chain.Names())
		assert.Same(t, leaf, chain.Leaf())
	})

	t.Run("HandleFailure同样穿过所有layer", func(t *testing.T) {
		var trace []string
		leaf := &FuncWork{Name: "leaf", FailureFn: func(ctx context.Context, cause error) error {
			trace = append(trace, "leaf!")
			return nil
		}}
		chain := NewChain(leaf, &traceLayer{name: "a", trace: &trace}, &traceLayer{name: "b", trace: &trace})
		require.NoError(t, chain.HandleFailure(ctx, errors.New("boom")))
		assert.Equal(t, []string{"a!", "b!", "leaf!"}, trace)
	})

	t.Run("上下文layer追加描述和错误信息", func(t *testing.T) {
		leaf := &FuncWork{Name: "leaf", WorkFunc: func(ctx context.Context) (Result, error) {
			return Result{}, errors.New("boom")
		}}
		chain := NewChain(leaf, NewProcessInstanceContextLayer(12), NewFlowNodeInstanceContextLayer(34))
		assert.Equal(t, "leaf [flowNodeInstanceId=34] [processInstanceId=12]", chain.Description())
		_, err := chain.Work(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "processInstanceId=12")
		assert.Contains(t, err.Error(), "flowNodeInstanceId=34")
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("租户保存在叶子上", func(t *testing.T) {
		leaf := &FuncWork{Name: "leaf"}
		chain := NewChain(leaf, NewProcessInstanceContextLayer(1))
		chain.SetTenantID(7)
		assert.Equal(t, int64(7), leaf.TenantID())
		assert.Equal(t, int64(7), chain.TenantID())
	})
}

func TestLockLayer(t *testing.T) {
	ctx := context.Background()

	t.Run("拿到锁执行一次并释放一次", func(t *testing.T) {
		locks := &countingLocks{Service: lock.NewLocalLockService(time.Minute)}
		calls := 0
		leaf := &FuncWork{Name: "leaf", WorkFunc: func(ctx context.Context) (Result, error) {
			calls++
			return Executed(), nil
		}}
		result, err := NewChain(leaf, NewLockLayer(locks, 1)).Work(ctx)
		require.NoError(t, err)
		assert.True(t, result.IsExecuted())
		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, locks.tries)
		assert.Equal(t, 1, locks.unlocks)
	})

	t.Run("delegate出错也会释放锁", func(t *testing.T) {
		locks := &countingLocks{Service: lock.NewLocalLockService(time.Minute)}
		leaf := &FuncWork{Name: "leaf", WorkFunc: func(ctx context.Context) (Result, error) {
			return Result{}, errors.New("boom")
		}}
		_, err := NewChain(leaf, NewLockLayer(locks, 1)).Work(ctx)
		require.Error(t, err)
		assert.Equal(t, 1, locks.unlocks)

		// 锁已经释放, 可以再次获取
		_, held, err := locks.TryLock(ctx, lock.ProcessKey(1, 0))
		require.NoError(t, err)
		require.NoError(t, locks.Unlock(ctx, held))
	})

	t.Run("delegate panic也会释放锁", func(t *testing.T) {
		locks := &countingLocks{Service: lock.NewLocalLockService(time.Minute)}
		leaf := &FuncWork{Name: "leaf", WorkFunc: func(ctx context.Context) (Result, error) {
			panic("boom")
		}}
		assert.Panics(t, func() {
			_, _ = NewChain(leaf, NewLockLayer(locks, 1)).Work(ctx)
		})
		assert.Equal(t, 1, locks.unlocks)
	})

	t.Run("拿不到锁返回Rejected且不执行delegate", func(t *testing.T) {
		locks := &countingLocks{Service: lock.NewLocalLockService(time.Minute), reject: true}
		calls := 0
		leaf := &FuncWork{Name: "leaf", WorkFunc: func(ctx context.Context) (Result, error) {
			calls++
			return Executed(), nil
		}}
		result, err := NewChain(leaf, NewLockLayer(locks, 1)).Work(ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, result.Status)
		assert.Equal(t, 0, calls)
		assert.Equal(t, 0, locks.unlocks)
	})

	t.Run("持有者重入同一个锁", func(t *testing.T) {
		locks := &countingLocks{Service: lock.NewLocalLockService(time.Minute)}
		inner := NewChain(&FuncWork{Name: "inner"}, NewLockLayer(locks, 1))
		outer := NewChain(&FuncWork{Name: "outer", WorkFunc: func(ctx context.Context) (Result, error) {
			return inner.Work(ctx)
		}}, NewLockLayer(locks, 1))
		result, err := outer.Work(ctx)
		require.NoError(t, err)
		assert.True(t, result.IsExecuted())
		assert.Equal(t, 2, locks.tries)
	})

	t.Run("不同租户的同一个流程实例互不影响", func(t *testing.T) {
		locks := lock.NewLocalLockService(time.Minute)
		_, held, err := locks.TryLock(ctx, lock.ProcessKey(1, 1))
		require.NoError(t, err)
		defer func() { _ = locks.Unlock(ctx, held) }()

		leaf := &FuncWork{Name: "leaf"}
		leaf.SetTenantID(2)
		result, err := NewChain(leaf, NewLockLayer(locks, 1)).Work(ctx)
		require.NoError(t, err)
		assert.True(t, result.IsExecuted())
	})
}

func TestTxLayer(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	pi, err := env.store.CreateProcessInstance(ctx, &store.ProcessInstancePo{Name: "p", State: store.ProcessInstanceStateStarted})
	require.NoError(t, err)

	update := func(result Result, err error) *Chain {
		leaf := &FuncWork{Name: "leaf", WorkFunc: func(ctx context.Context) (Result, error) {
			require.True(t, env.store.IsTransactionActive(ctx))
			if uErr := env.store.UpdateProcessInstanceState(ctx, pi.ID, store.ProcessInstanceStateCompleted); uErr != nil {
				return Result{}, uErr
			}
			return result, err
		}}
		return NewChain(leaf, NewTxLayer(env.store))
	}
	state := func() string {
		got, err := env.store.GetProcessInstance(ctx, pi.ID)
		require.NoError(t, err)
		return got.State
	}

	t.Run("Skipped回滚", func(t *testing.T) {
		result, err := update(Skipped("stale"), nil).Work(ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusSkipped, result.Status)
		assert.Equal(t, store.ProcessInstanceStateStarted, state())
	})

	t.Run("出错回滚并返回错误", func(t *testing.T) {
		_, err := update(Result{}, errors.New("boom")).Work(ctx)
		require.Error(t, err)
		assert.Equal(t, store.ProcessInstanceStateStarted, state())
	})

	t.Run("Executed提交", func(t *testing.T) {
		result, err := update(Executed(), nil).Work(ctx)
		require.NoError(t, err)
		assert.True(t, result.IsExecuted())
		assert.Equal(t, store.ProcessInstanceStateCompleted, state())
	})
}

func TestFailureHandlingLayer(t *testing.T) {
	ctx := context.Background()

	t.Run("前置条件不满足返回Skipped且不调用HandleFailure", func(t *testing.T) {
		incidents := &recordingIncidents{}
		handled := 0
		leaf := &FuncWork{
			Name: "leaf",
			WorkFunc: func(ctx context.Context) (Result, error) {
				return Result{}, NewPreconditionError("node %d moved on", 3)
			},
			FailureFn: func(ctx context.Context, cause error) error {
				handled++
				return nil
			},
		}
		chain := NewChain(leaf, NewFailureHandlingLayer(incidents, "test"), NewFlowNodeInstanceContextLayer(3))
		result, err := chain.Work(ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusSkipped, result.Status)
		assert.Contains(t, result.Reason, "node 3 moved on")
		assert.Equal(t, 0, handled)
		assert.Empty(t, incidents.All())
	})

	t.Run("出错调用HandleFailure并返回Failed", func(t *testing.T) {
		incidents := &recordingIncidents{}
		var handledCause error
		leaf := &FuncWork{
			Name: "leaf",
			WorkFunc: func(ctx context.Context) (Result, error) {
				return Result{}, errors.New("boom")
			},
			FailureFn: func(ctx context.Context, cause error) error {
				handledCause = cause
				return nil
			},
		}
		result, err := NewChain(leaf, NewFailureHandlingLayer(incidents, "test")).Work(ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, result.Status)
		require.Error(t, handledCause)
		assert.Contains(t, handledCause.Error(), "boom")
		assert.Empty(t, incidents.All())
	})

	t.Run("HandleFailure也失败上报incident", func(t *testing.T) {
		incidents := &recordingIncidents{}
		leaf := &FuncWork{
			Name:     "leaf",
			Recovery: "retry leaf",
			WorkFunc: func(ctx context.Context) (Result, error) {
				return Result{}, errors.New("original")
			},
			FailureFn: func(ctx context.Context, cause error) error {
				return errors.New("recovery")
			},
		}
		leaf.SetTenantID(9)
		result, err := NewChain(leaf, NewFailureHandlingLayer(incidents, "test")).Work(ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, result.Status)

		all := incidents.All()
		require.Len(t, all, 1)
		assert.Equal(t, int64(9), all[0].TenantID)
		assert.Equal(t, "leaf", all[0].Description)
		assert.Equal(t, "retry leaf", all[0].RecoveryProcedure)
		assert.True(t, errors.Is(all[0].Cause, ErrRecoveryFailure))
		assert.Contains(t, all[0].Cause.Error(), "recovery")
		assert.EqualError(t, all[0].CauseOfCause, "original")
	})

	t.Run("panic当作错误处理", func(t *testing.T) {
		incidents := &recordingIncidents{}
		handled := 0
		leaf := &FuncWork{
			Name: "leaf",
			WorkFunc: func(ctx context.Context) (Result, error) {
				panic("boom")
			},
			FailureFn: func(ctx context.Context, cause error) error {
				handled++
				return nil
			},
		}
		result, err := NewChain(leaf, NewFailureHandlingLayer(incidents, "test")).Work(ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, result.Status)
		assert.Contains(t, result.Reason, "boom")
		assert.Equal(t, 1, handled)
	})

	t.Run("Rejected原样返回", func(t *testing.T) {
		leaf := &FuncWork{Name: "leaf", WorkFunc: func(ctx context.Context) (Result, error) {
			return Rejected("locked"), nil
		}}
		result, err := NewChain(leaf, NewFailureHandlingLayer(nil, "test")).Work(ctx)
		require.NoError(t, err)
		assert.Equal(t, Rejected("locked"), result)
	})
}

func TestServiceContextLayer(t *testing.T) {
	services := &Services{}
	leaf := &FuncWork{Name: "leaf", WorkFunc: func(ctx context.Context) (Result, error) {
		got, ok := ServicesFromContext(ctx)
		if !ok || got != services {
			return Failed("services not injected"), nil
		}
		if TenantFromContext(ctx) != 5 {
			return Failed("tenant not injected"), nil
		}
		return Executed(), nil
	}}
	leaf.SetTenantID(5)
	result, err := NewChain(leaf, NewServiceContextLayer(services)).Work(context.Background())
	require.NoError(t, err)
	assert.True(t, result.IsExecuted(), result.String())
}
