package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrLockFailed 锁被其他持有者占用
	ErrLockFailed = errors.New("lock failed")
)

const (
	DefaultTTL = 30 * time.Second

	ObjectTypeProcess = "PROCESS"
)

// Key 锁的对象: (对象ID, 对象类型, 租户)
type Key struct {
	ID       int64
	Type     string
	TenantID int64
}

func (k Key) String() string {
	return fmt.Sprintf("workexec:lock:%d:%s:%d", k.TenantID, k.Type, k.ID)
}

// ProcessKey 流程实例锁
func ProcessKey(processInstanceID int64, tenantID int64) Key {
	return Key{ID: processInstanceID, Type: ObjectTypeProcess, TenantID: tenantID}
}

// Lock TryLock 成功之后拿到的凭证, Unlock 时传回
type Lock struct {
	Key       Key
	token     string
	reentrant bool
}

// Reentrant 是否是重入获得的锁, 重入的锁 Unlock 不会真正释放
func (l *Lock) Reentrant() bool {
	return l.reentrant
}

type Service interface {
	// TryLock
	//  @Description:  1.非阻塞, 没有拿到锁立刻返回 ErrLockFailed
	//                 2.可以重入, 返回的ctx带着持有标记, 用这个ctx再次加锁直接成功
	TryLock(ctx context.Context, key Key) (context.Context, *Lock, error)
	// Unlock 释放锁, 只有持有者才能释放
	Unlock(ctx context.Context, lock *Lock) error
}

type ctxKey string

func holderKey(key Key) ctxKey {
	return ctxKey(key.String())
}

// heldToken ctx 已经持有 key 对应的锁时返回 token
func heldToken(ctx context.Context, key Key) (string, bool) {
	token, ok := ctx.Value(holderKey(key)).(string)
	return token, ok && token != ""
}

func withHolder(ctx context.Context, key Key, token string) context.Context {
	return context.WithValue(ctx, holderKey(key), token)
}

// Synchronized 拿到锁才执行 f, 执行完释放
func Synchronized(ctx context.Context, svc Service, key Key, f func(ctx context.Context) error) error {
	lockCtx, l, err := svc.TryLock(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		_ = svc.Unlock(lockCtx, l)
	}()
	return f(lockCtx)
}
