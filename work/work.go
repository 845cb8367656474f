package work

import (
	"context"
	"fmt"
)

type Status int

const (
	StatusExecuted Status = iota
	StatusSkipped
	StatusRejected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusExecuted:
		return "executed"
	case StatusSkipped:
		return "skipped"
	case StatusRejected:
		return "rejected"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Result work 执行的结果
//   - Skipped: 过期的请求或者状态已被推进, 什么都没做
//   - Rejected: 没有拿到锁, 需要稍后重试
//   - Failed: 执行失败, 已经走过 HandleFailure 或者上报了 incident
type Result struct {
	Status Status
	Reason string
}

func Executed() Result {
	return Result{Status: StatusExecuted}
}

func Skipped(reason string) Result {
	return Result{Status: StatusSkipped, Reason: reason}
}

func Rejected(reason string) Result {
	return Result{Status: StatusRejected, Reason: reason}
}

func Failed(reason string) Result {
	return Result{Status: StatusFailed, Reason: reason}
}

func (r Result) IsExecuted() bool {
	return r.Status == StatusExecuted
}

func (r Result) String() string {
	if r.Reason == "" {
		return r.Status.String()
	}
	return fmt.Sprintf("%s(%s)", r.Status, r.Reason)
}

type Work interface {
	Work(ctx context.Context) (Result, error)
	// HandleFailure Work 返回错误之后调用, 需要自己开启事务
	HandleFailure(ctx context.Context, cause error) error
	Description() string
	RecoveryProcedure() string
	TenantID() int64
	SetTenantID(tenantID int64)
}

// BaseWork 实现租户相关的方法, 嵌入到具体的 work 中
type BaseWork struct {
	tenantID int64
}

func (b *BaseWork) TenantID() int64 {
	return b.tenantID
}

func (b *BaseWork) SetTenantID(tenantID int64) {
	b.tenantID = tenantID
}

// FuncWork 函数适配成 Work, 主要给扩展和测试使用
type FuncWork struct {
	BaseWork
	Name      string
	WorkFunc  func(ctx context.Context) (Result, error)
	FailureFn func(ctx context.Context, cause error) error
	Recovery  string
}

func (f *FuncWork) Work(ctx context.Context) (Result, error) {
	if f.WorkFunc == nil {
		return Executed(), nil
	}
	return f.WorkFunc(ctx)
}

func (f *FuncWork) HandleFailure(ctx context.Context, cause error) error {
	if f.FailureFn == nil {
		return nil
	}
	return f.FailureFn(ctx, cause)
}

func (f *FuncWork) Description() string {
	return f.Name
}

func (f *FuncWork) RecoveryProcedure() string {
	return f.Recovery
}
