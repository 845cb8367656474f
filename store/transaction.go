package store

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// TransactionStatus 事务结束时的状态
type TransactionStatus int

const (
	TransactionCommitted TransactionStatus = iota + 1
	TransactionRolledBack
)

func (s TransactionStatus) String() string {
	switch s {
	case TransactionCommitted:
		return "committed"
	case TransactionRolledBack:
		return "rolled_back"
	}
	return "unknown"
}

// Synchronization 事务结束(提交或者回滚)之后的回调
type Synchronization interface {
	AfterCompletion(ctx context.Context, status TransactionStatus)
}

// SynchronizationFunc 函数适配 Synchronization
type SynchronizationFunc func(ctx context.Context, status TransactionStatus)

func (f SynchronizationFunc) AfterCompletion(ctx context.Context, status TransactionStatus) {
	f(ctx, status)
}

var ErrNoActiveTransaction = errors.New("no active transaction")

type TransactionService interface {
	// ExecuteInTransaction 如果ctx中已经有事务，直接复用，否则新开一个事务
	ExecuteInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	// ExecuteInNewTransaction 不管ctx中是否有事务，都新开一个事务
	ExecuteInNewTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	// RegisterSynchronization 注册事务结束回调, 回调中的ctx不再持有事务
	RegisterSynchronization(ctx context.Context, sync Synchronization) error
	// RegisterBeforeCommitCallable 注册提交前执行的函数, 返回错误会导致回滚
	RegisterBeforeCommitCallable(ctx context.Context, fn func(ctx context.Context) error) error
	IsTransactionActive(ctx context.Context) bool
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

type txState struct {
	mu           sync.Mutex
	db           *gorm.DB
	syncs        []Synchronization
	beforeCommit []func(ctx context.Context) error
}

func txFromContext(ctx context.Context) *txState {
	st, _ := ctx.Value(transactionContextKey).(*txState)
	return st
}

// Detach 返回一个不再持有事务的ctx, 用于需要在事务外执行的逻辑
func Detach(ctx context.Context) context.Context {
	if txFromContext(ctx) == nil {
		return ctx
	}
	return context.WithValue(ctx, transactionContextKey, (*txState)(nil))
}

// GetDBWithContext ctx 中有事务则使用事务
func (s *GormStore) GetDBWithContext(ctx context.Context) *gorm.DB {
	st := txFromContext(ctx)
	if st == nil {
		return s.db.WithContext(ctx)
	}
	return st.db
}

func (s *GormStore) IsTransactionActive(ctx context.Context) bool {
	return txFromContext(ctx) != nil
}

func (s *GormStore) ExecuteInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}
	return s.ExecuteInNewTransaction(ctx, fn)
}

func (s *GormStore) ExecuteInNewTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	outer := Detach(ctx)
	tx := s.db.WithContext(outer).Begin()
	if tx.Error != nil {
		return errors.WithMessage(tx.Error, "begin transaction failed")
	}
	st := &txState{db: tx}
	txCtx := context.WithValue(outer, transactionContextKey, st)

	finished := false
	defer func() {
		if finished {
			return
		}
		// fn panic 了，回滚之后继续往上抛
		r := recover()
		tx.Rollback()
		s.afterCompletion(outer, st, TransactionRolledBack)
		if r != nil {
			panic(r)
		}
	}()

	err = fn(txCtx)
	if err == nil {
		err = st.runBeforeCommit(txCtx)
	}
	status := TransactionRolledBack
	if err != nil {
		if rbErr := tx.Rollback().Error; rbErr != nil {
			slog.ErrorContext(ctx, fmt.Sprintf("[GormStore.ExecuteInNewTransaction] rollback failed, err: %v, cause: %v", rbErr, err))
		}
	} else if cErr := tx.Commit().Error; cErr != nil {
		err = errors.WithMessage(cErr, "commit transaction failed")
	} else {
		status = TransactionCommitted
	}
	finished = true
	s.afterCompletion(outer, st, status)
	return err
}

func (s *GormStore) RegisterSynchronization(ctx context.Context, sync Synchronization) error {
	st := txFromContext(ctx)
	if st == nil {
		return errors.WithMessage(ErrNoActiveTransaction, "RegisterSynchronization failed")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.syncs = append(st.syncs, sync)
	return nil
}

func (s *GormStore) RegisterBeforeCommitCallable(ctx context.Context, fn func(ctx context.Context) error) error {
	st := txFromContext(ctx)
	if st == nil {
		return errors.WithMessage(ErrNoActiveTransaction, "RegisterBeforeCommitCallable failed")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.beforeCommit = append(st.beforeCommit, fn)
	return nil
}

func (st *txState) runBeforeCommit(ctx context.Context) error {
	// 回调里面可能继续注册回调，按下标遍历
	for i := 0; ; i++ {
		st.mu.Lock()
		if i >= len(st.beforeCommit) {
			st.mu.Unlock()
			return nil
		}
		fn := st.beforeCommit[i]
		st.mu.Unlock()
		if err := fn(ctx); err != nil {
			return errors.WithMessage(err, "before commit callable failed")
		}
	}
}

func (s *GormStore) afterCompletion(ctx context.Context, st *txState, status TransactionStatus) {
	st.mu.Lock()
	syncs := st.syncs
	st.syncs = nil
	st.mu.Unlock()
	for _, sync := range syncs {
		runSynchronization(ctx, sync, status)
	}
}

func runSynchronization(ctx context.Context, sync Synchronization, status TransactionStatus) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, fmt.Sprintf("[GormStore.afterCompletion] synchronization panic: %v, stack: %s", r, string(debug.Stack())))
		}
	}()
	sync.AfterCompletion(ctx, status)
}
