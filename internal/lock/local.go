// internal/lock/local.go
package lock

import (
	"context"
	"sync"
	"time"
)

// LocalManager 是进程内的公平锁实现。
// 单实例部署和测试中与分布式实现互换：同样的 Manager 契约、
// 同样的 FIFO 授予顺序、同样的租约到期回收语义。
type LocalManager struct {
	mu    sync.Mutex
	locks map[string]*localLockState
}

type localLockState struct {
	held    bool
	holder  *localLease
	waiters []*localWaiter
}

type localWaiter struct {
	ready     chan *localLease
	leaseTime time.Duration
}

// NewLocalManager 创建进程内锁管理器。
func NewLocalManager() *LocalManager {
	return &LocalManager{locks: make(map[string]*localLockState)}
}

// Acquire 排队获取锁。等待者按到达顺序被授予（严格 FIFO）。
func (m *LocalManager) Acquire(ctx context.Context, key string, waitTime, leaseTime time.Duration) (Lease, error) {
	m.mu.Lock()
	state, ok := m.locks[key]
	if !ok {
		state = &localLockState{}
		m.locks[key] = state
	}

	if !state.held {
		lease := m.grantLocked(key, state, leaseTime)
		m.mu.Unlock()
		return lease, nil
	}

	waiter := &localWaiter{ready: make(chan *localLease, 1), leaseTime: leaseTime}
	state.waiters = append(state.waiters, waiter)
	m.mu.Unlock()

	select {
	case lease := <-waiter.ready:
		return lease, nil
	case <-time.After(waitTime):
		m.removeWaiter(key, waiter)
		// 竞态：超时瞬间锁刚好授予了，收下并用掉它
		select {
		case lease := <-waiter.ready:
			return lease, nil
		default:
		}
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		m.removeWaiter(key, waiter)
		select {
		case lease := <-waiter.ready:
			_ = lease.Release(context.Background())
		default:
		}
		return nil, ctx.Err()
	}
}

// grantLocked 前置条件：持有 m.mu 且锁空闲。
func (m *LocalManager) grantLocked(key string, state *localLockState, leaseTime time.Duration) *localLease {
	lease := &localLease{manager: m, key: key}
	state.held = true
	state.holder = lease
	if leaseTime > 0 {
		// 租约到期强制回收，模拟后端存储的过期机制
		lease.expiry = time.AfterFunc(leaseTime, func() { _ = lease.Release(context.Background()) })
	}
	return lease
}

func (m *LocalManager) removeWaiter(key string, w *localWaiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.locks[key]
	if !ok {
		return
	}
	for i, waiter := range state.waiters {
		if waiter == w {
			state.waiters = append(state.waiters[:i], state.waiters[i+1:]...)
			return
		}
	}
}

func (m *LocalManager) release(lease *localLease) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.locks[lease.key]
	if !ok || state.holder != lease {
		// 已释放或已被过期回收
		return
	}

	if len(state.waiters) > 0 {
		// 直接移交给队首等待者，期间不存在锁空闲窗口，保证公平
		next := state.waiters[0]
		state.waiters = state.waiters[1:]
		nextLease := &localLease{manager: m, key: lease.key}
		if next.leaseTime > 0 {
			nextLease.expiry = time.AfterFunc(next.leaseTime, func() { _ = nextLease.Release(context.Background()) })
		}
		state.holder = nextLease
		next.ready <- nextLease
		return
	}

	state.held = false
	state.holder = nil
}

type localLease struct {
	manager  *LocalManager
	key      string
	expiry   *time.Timer
	released sync.Once
}

func (l *localLease) Key() string { return l.key }

func (l *localLease) Release(ctx context.Context) error {
	l.released.Do(func() {
		if l.expiry != nil {
			l.expiry.Stop()
		}
		l.manager.release(l)
	})
	return nil
}

func (l *localLease) Renew(ctx context.Context, leaseTime time.Duration) error {
	if l.expiry != nil {
		l.expiry.Reset(leaseTime)
	}
	return nil
}
