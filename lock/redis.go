package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	delCommand = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`
)

func NewRedisLockService(redisClient redis.Cmdable, ttl time.Duration) Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &redisLockService{redisClient: redisClient, ttl: ttl}
}

type redisLockService struct {
	redisClient redis.Cmdable
	ttl         time.Duration
}

func (d *redisLockService) TryLock(ctx context.Context, key Key) (context.Context, *Lock, error) {
	if token, ok := heldToken(ctx, key); ok {
		// 之前成功上锁了
		return ctx, &Lock{Key: key, token: token, reentrant: true}, nil
	}
	token := uuid.NewString()
	isLock, err := d.redisClient.SetNX(ctx, key.String(), token, d.ttl).Result()
	if err != nil {
		return ctx, nil, errors.WithMessagef(err, "[redisLockService.TryLock] setnx failed, key: %s", key)
	}
	if !isLock {
		return ctx, nil, errors.WithMessagef(ErrLockFailed, "[redisLockService.TryLock] %s has been locked", key)
	}
	return withHolder(ctx, key, token), &Lock{Key: key, token: token}, nil
}

func (d *redisLockService) Unlock(ctx context.Context, lock *Lock) error {
	if lock == nil || lock.reentrant {
		return nil
	}
	// ctx 可能已经被cancel, 释放锁不能用原来的
	reply, err := d.redisClient.Eval(context.WithoutCancel(ctx), delCommand, []string{lock.Key.String()}, lock.token).Int64()
	if err != nil {
		return errors.WithMessagef(err, "[redisLockService.Unlock] release key failed, key: %s", lock.Key)
	}
	if reply != 1 {
		slog.WarnContext(ctx, fmt.Sprintf("[redisLockService.Unlock] key %s not released, reply: %d", lock.Key, reply))
	}
	return nil
}
