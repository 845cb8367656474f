package work

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/blingmoon/workexec/config"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// RejectHandler 处理没有拿到锁的 work
type RejectHandler interface {
	Rejected(ctx context.Context, executor *Executor, w Work, result Result)
}

// RejectHandlerFunc 函数适配 RejectHandler
type RejectHandlerFunc func(ctx context.Context, executor *Executor, w Work, result Result)

func (f RejectHandlerFunc) Rejected(ctx context.Context, executor *Executor, w Work, result Result) {
	f(ctx, executor, w, result)
}

// DelayedResubmit 等待 Delay 之后重新提交
type DelayedResubmit struct {
	Delay time.Duration
}

func (d DelayedResubmit) Rejected(ctx context.Context, executor *Executor, w Work, result Result) {
	executor.SubmitAfter(ctx, w, d.Delay)
}

type task struct {
	ctx  context.Context
	work Work
}

// Executor 固定数量的 worker 消费有界队列
type Executor struct {
	queue         chan task
	workers       sync.WaitGroup
	pending       sync.WaitGroup // 已提交还没执行完的, 包括延迟重新提交的
	mu            sync.RWMutex
	closing       *atomic.Bool
	rejectHandler RejectHandler
	logger        *slog.Logger
}

type ExecutorOption func(e *Executor)

func WithRejectHandler(h RejectHandler) ExecutorOption {
	return func(e *Executor) {
		e.rejectHandler = h
	}
}

func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

func NewExecutor(cfg config.WorkConfig, opts ...ExecutorOption) *Executor {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 1
	}
	e := &Executor{
		queue:         make(chan task, capacity),
		closing:       atomic.NewBool(false),
		rejectHandler: DelayedResubmit{Delay: cfg.RejectRetryDelay},
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "work-executor")
	for i := 0; i < poolSize; i++ {
		e.workers.Add(1)
		go func() {
			defer e.workers.Done()
			for t := range e.queue {
				ExecutorQueueDepth.Set(float64(len(e.queue)))
				e.run(t)
			}
		}()
	}
	return e
}

// Submit 不阻塞, 队列满返回 ErrExecutorFull
func (e *Executor) Submit(ctx context.Context, w Work) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closing.Load() {
		return errors.WithMessage(ErrExecutorClosed, w.Description())
	}
	e.pending.Add(1)
	select {
	case e.queue <- task{ctx: ctx, work: w}:
		ExecutorQueueDepth.Set(float64(len(e.queue)))
		return nil
	default:
		e.pending.Done()
		return errors.WithMessage(ErrExecutorFull, w.Description())
	}
}

// SubmitAfter 延迟提交, Wait 会等待延迟中的 work
func (e *Executor) SubmitAfter(ctx context.Context, w Work, delay time.Duration) {
	if e.closing.Load() {
		e.logger.WarnContext(ctx, fmt.Sprintf("executor closed, drop %s", w.Description()))
		return
	}
	e.pending.Add(1)
	time.AfterFunc(delay, func() {
		defer e.pending.Done()
		if err := e.Submit(ctx, w); err != nil {
			e.logger.WarnContext(ctx, fmt.Sprintf("resubmit failed, err: %v", err))
		}
	})
}

func (e *Executor) run(t task) {
	defer e.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(t.ctx, fmt.Sprintf("work panic: %v, stack: %s", r, string(debug.Stack())))
		}
	}()
	result, err := t.work.Work(t.ctx)
	if err != nil {
		if IsSeriousError(err) {
			e.logger.ErrorContext(t.ctx, fmt.Sprintf("%s failed, err: %v", t.work.Description(), err))
		} else {
			e.logger.WarnContext(t.ctx, fmt.Sprintf("%s failed, err: %v", t.work.Description(), err))
		}
		return
	}
	if result.Status == StatusRejected && e.rejectHandler != nil {
		e.rejectHandler.Rejected(t.ctx, e, t.work, result)
	}
}

// Wait 等待所有已提交的 work 执行完
func (e *Executor) Wait() {
	e.pending.Wait()
}

// Shutdown 不再接受新的 work, 等待队列中的 work 执行完或者 ctx 超时
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.closing.CAS(false, true) {
		e.mu.Unlock()
		return nil
	}
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WithMessage(ctx.Err(), "executor shutdown timeout")
	}
}
