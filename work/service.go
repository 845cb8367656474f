package work

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/blingmoon/workexec/store"
)

// WorkService 构造 work 并在调用方事务提交之后提交到 Executor
type WorkService struct {
	factory  *Factory
	executor *Executor
	tx       store.TransactionService
	logger   *slog.Logger
}

var _ Registrar = (*WorkService)(nil)

// NewWorkService 同时把自己回填到 services.Works
func NewWorkService(services *Services, factory *Factory, executor *Executor) *WorkService {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &WorkService{
		factory:  factory,
		executor: executor,
		tx:       services.Tx,
		logger:   logger.With("component", "work-service"),
	}
	services.Works = s
	return s
}

func (s *WorkService) Factory() *Factory {
	return s.factory
}

func (s *WorkService) Executor() *Executor {
	return s.executor
}

// RegisterWork 配置错误立即返回; 有事务时提交之后再执行, 回滚则丢弃
func (s *WorkService) RegisterWork(ctx context.Context, d *Descriptor) error {
	w, err := s.factory.Create(d)
	if err != nil {
		return err
	}
	w.SetTenantID(TenantFromContext(ctx))
	if s.tx == nil || !s.tx.IsTransactionActive(ctx) {
		return s.executor.Submit(context.Background(), w)
	}
	return s.tx.RegisterSynchronization(ctx, store.SynchronizationFunc(func(ctx context.Context, status store.TransactionStatus) {
		if status != store.TransactionCommitted {
			s.logger.DebugContext(ctx, fmt.Sprintf("transaction %s, drop %s", status, w.Description()))
			return
		}
		// 不继承调用方的 ctx, 否则会带上调用方持有的锁
		if err := s.executor.Submit(context.Background(), w); err != nil {
			s.logger.ErrorContext(ctx, fmt.Sprintf("submit %s failed, err: %v", w.Description(), err))
		}
	}))
}

// Wait 等待所有已提交的 work 执行完
func (s *WorkService) Wait() {
	s.executor.Wait()
}
