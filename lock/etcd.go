package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	// EtcdLockPrefix etcd 中锁的根路径
	EtcdLockPrefix = "/workexec/locks/"
)

// NewEtcdLockService 每次加锁创建一个会话, 会话租约过期锁自动释放
func NewEtcdLockService(client *clientv3.Client, ttl time.Duration) Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &etcdLockService{client: client, ttl: ttl}
}

type etcdLockService struct {
	client *clientv3.Client
	ttl    time.Duration
	held   sync.Map // token -> *etcdLock
}

type etcdLock struct {
	mutex   *concurrency.Mutex
	session *concurrency.Session
}

func (e *etcdLockService) TryLock(ctx context.Context, key Key) (context.Context, *Lock, error) {
	if token, ok := heldToken(ctx, key); ok {
		return ctx, &Lock{Key: key, token: token, reentrant: true}, nil
	}
	ttlSeconds := int(e.ttl / time.Second)
	if ttlSeconds <= 0 {
		ttlSeconds = 1
	}
	session, err := concurrency.NewSession(e.client, concurrency.WithTTL(ttlSeconds))
	if err != nil {
		return ctx, nil, errors.WithMessagef(err, "[etcdLockService.TryLock] create session failed, key: %s", key)
	}
	mutex := concurrency.NewMutex(session, EtcdLockPrefix+key.String())
	if err := mutex.TryLock(ctx); err != nil {
		_ = session.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return ctx, nil, errors.WithMessagef(ErrLockFailed, "[etcdLockService.TryLock] %s has been locked", key)
		}
		return ctx, nil, errors.WithMessagef(err, "[etcdLockService.TryLock] try lock failed, key: %s", key)
	}
	token := uuid.NewString()
	e.held.Store(token, &etcdLock{mutex: mutex, session: session})
	return withHolder(ctx, key, token), &Lock{Key: key, token: token}, nil
}

func (e *etcdLockService) Unlock(ctx context.Context, lock *Lock) error {
	if lock == nil || lock.reentrant {
		return nil
	}
	value, ok := e.held.LoadAndDelete(lock.token)
	if !ok {
		return nil
	}
	l := value.(*etcdLock)
	// 关闭会话释放租约
	defer func() {
		_ = l.session.Close()
	}()
	if err := l.mutex.Unlock(context.WithoutCancel(ctx)); err != nil {
		return errors.WithMessagef(err, "[etcdLockService.Unlock] unlock failed, key: %s", lock.Key)
	}
	return nil
}
