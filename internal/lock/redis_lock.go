// internal/lock/redis_lock.go
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"minimall/internal/pkg/redis"
)

const (
	redisLockPrefix   = "lock:"
	releaseScriptName = "lock_release"
	renewScriptName   = "lock_renew"

	// 抢锁失败后的重试间隔。不保证公平，先到不一定先得。
	acquirePollInterval = 50 * time.Millisecond
)

// 只有 owner token 匹配才允许删除/续期，防止误删他人后来抢到的锁。
var releaseScript = `
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
end
return 0
`

var renewScript = `
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('pexpire', KEYS[1], ARGV[2])
end
return 0
`

// RedisManager 是普通（尽力而为、可能不公平）锁策略。
// SET NX PX 抢占，租约由 Redis 的过期机制兜底：持有者崩溃后
// 锁在租约到期时被自动回收，不需要人工介入。
type RedisManager struct {
	client *redis.Client
}

// NewRedisManager 创建 Redis 锁管理器，注册释放/续期脚本。
func NewRedisManager(client *redis.Client) (*RedisManager, error) {
	if err := client.LoadScriptFromContent(releaseScriptName, releaseScript); err != nil {
		return nil, errors.Wrap(err, "load lock release script")
	}
	if err := client.LoadScriptFromContent(renewScriptName, renewScript); err != nil {
		return nil, errors.Wrap(err, "load lock renew script")
	}
	return &RedisManager{client: client}, nil
}

// Acquire 在 waitTime 内轮询抢锁，抢不到返回 ErrAcquireTimeout。
func (m *RedisManager) Acquire(ctx context.Context, key string, waitTime, leaseTime time.Duration) (Lease, error) {
	token := uuid.New().String()
	redisKey := redisLockPrefix + key
	deadline := time.Now().Add(waitTime)

	for {
		ok, err := m.client.GetClient().SetNX(ctx, redisKey, token, leaseTime).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "acquire lock %s", key)
		}
		if ok {
			return &redisLease{manager: m, key: key, redisKey: redisKey, token: token}, nil
		}

		if time.Now().After(deadline) {
			return nil, ErrAcquireTimeout
		}
		select {
		case <-time.After(acquirePollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type redisLease struct {
	manager  *RedisManager
	key      string
	redisKey string
	token    string
}

func (l *redisLease) Key() string { return l.key }

func (l *redisLease) Release(ctx context.Context) error {
	_, err := l.manager.client.RunScript(ctx, releaseScriptName, []string{l.redisKey}, l.token)
	if err != nil {
		return errors.Wrapf(err, "release lock %s", l.key)
	}
	return nil
}

func (l *redisLease) Renew(ctx context.Context, leaseTime time.Duration) error {
	res, err := l.manager.client.RunScript(ctx, renewScriptName, []string{l.redisKey}, l.token, leaseTime.Milliseconds())
	if err != nil {
		return errors.Wrapf(err, "renew lock %s", l.key)
	}
	if n, ok := res.(int64); !ok || n == 0 {
		// 租约已经过期并被回收，续期无从谈起
		return errors.Errorf("lock %s no longer held, lease expired", l.key)
	}
	return nil
}
