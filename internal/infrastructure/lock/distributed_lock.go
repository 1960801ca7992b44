package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 加锁：SET key value NX PX ttl
// 释放：Lua 脚本先比较 value 再删除，锁过期后被别人拿到时不会误删
//
// 发货时按 (商品, 用户) 加锁，只用来合并同一用户的重复点击；
// 名额和次数的正确性由数据库条件更新保证，锁失效不会导致超发。
// ============================================================================

var ErrLockFailed = errors.New("获取分布式锁失败")

var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      uuid.NewString(),
		expiration: expiration,
	}
}

// NewDeliveryLock 发货锁，同一用户对同一商品的请求串行执行
func NewDeliveryLock(client *redis.Client, productID int64, requesterID string, expiration time.Duration) *DistributedLock {
	key := fmt.Sprintf("deliver:lock:%d:%s", productID, requesterID)
	return NewDistributedLock(client, key, expiration)
}

func (l *DistributedLock) Key() string {
	return l.key
}

// TryLock 非阻塞加锁
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 阻塞加锁，最多重试 maxRetries 次
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁，只删除自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Err()
}
