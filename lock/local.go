package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// NewLocalLockService 单进程内的锁, ttl 到期自动失效
func NewLocalLockService(ttl time.Duration) Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &localLockService{
		ttl:   ttl,
		locks: make(map[string]*localLockInfo),
	}
}

type localLockService struct {
	ttl   time.Duration
	mu    sync.Mutex
	locks map[string]*localLockInfo
}

type localLockInfo struct {
	token    string    // 持有者标识
	expireAt time.Time // 过期时间
}

func (l *localLockService) TryLock(ctx context.Context, key Key) (context.Context, *Lock, error) {
	if token, ok := heldToken(ctx, key); ok {
		return ctx, &Lock{Key: key, token: token, reentrant: true}, nil
	}

	name := key.String()
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if info, ok := l.locks[name]; ok && now.Before(info.expireAt) {
		return ctx, nil, errors.WithMessagef(ErrLockFailed, "[localLockService.TryLock] %s has been locked", name)
	}
	token := uuid.NewString()
	l.locks[name] = &localLockInfo{token: token, expireAt: now.Add(l.ttl)}
	return withHolder(ctx, key, token), &Lock{Key: key, token: token}, nil
}

func (l *localLockService) Unlock(ctx context.Context, lock *Lock) error {
	if lock == nil || lock.reentrant {
		return nil
	}
	name := lock.Key.String()
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.locks[name]
	if !ok {
		// 已经过期被别人拿走又释放了
		return nil
	}
	if info.token != lock.token {
		slog.WarnContext(ctx, fmt.Sprintf("[localLockService.Unlock] token mismatch, key: %s, lock expired before unlock", name))
		return nil
	}
	delete(l.locks, name)
	return nil
}
