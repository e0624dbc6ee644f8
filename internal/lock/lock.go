// internal/lock/lock.go
package lock

import (
	"context"
	"time"

	"minimall/internal/pkg/apperr"
)

// ErrAcquireTimeout 表示在 waitTime 内没有抢到锁。
// 在边界层映射为 409/可重试错误。
var ErrAcquireTimeout = apperr.New(apperr.CodeLockTimeout, "lock acquisition timed out")

// Lease 是一次成功加锁后持有的租约。
// 租约到期未续期会被后端存储强制回收，所以 leaseTime 必须大于
// 临界区的最坏执行时间，否则临界区后半段不再受保护。
type Lease interface {
	// Key 返回锁的规范化键。
	Key() string
	// Release 释放锁。重复释放和释放已过期的租约都是安全的空操作。
	Release(ctx context.Context) error
	// Renew 续期租约。不支持续期的实现（如 ZooKeeper 临时节点）返回 nil。
	Renew(ctx context.Context, leaseTime time.Duration) error
}

// Manager 获取命名分布式锁。
// 同一个 key 任意时刻至多一个持有者；等待时间有界。
type Manager interface {
	Acquire(ctx context.Context, key string, waitTime, leaseTime time.Duration) (Lease, error)
}

// Do 是唯一推荐的加锁方式：获取锁、执行临界区、在任何退出路径上释放。
// 临界区必须覆盖"读—判断—写"全过程，把 check-then-act 的窗口关死。
func Do(ctx context.Context, m Manager, key string, waitTime, leaseTime time.Duration, fn func(ctx context.Context) error) error {
	start := time.Now()
	lease, err := m.Acquire(ctx, key, waitTime, leaseTime)
	if err != nil {
		if err == ErrAcquireTimeout || apperr.CodeOf(err) == apperr.CodeLockTimeout {
			lockTimeouts.WithLabelValues(key).Inc()
		}
		return err
	}
	lockAcquisitions.WithLabelValues(key).Inc()

	defer func() {
		lockHoldSeconds.WithLabelValues(key).Observe(time.Since(start).Seconds())
		// 用独立的 context 释放，调用方的 ctx 取消不能造成锁泄漏
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = lease.Release(releaseCtx)
	}()

	return fn(ctx)
}
