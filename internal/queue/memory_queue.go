// internal/queue/memory_queue.go
package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryAdmission 是进程内的准入队列实现，语义与 Redis 版一致。
// 用于单进程部署形态和测试。
type MemoryAdmission struct {
	mu     sync.Mutex
	queues map[string][]Entry
	seen   map[string]map[string]bool
}

// NewMemoryAdmission 创建内存准入队列。
func NewMemoryAdmission() *MemoryAdmission {
	return &MemoryAdmission{
		queues: make(map[string][]Entry),
		seen:   make(map[string]map[string]bool),
	}
}

func (q *MemoryAdmission) Enqueue(ctx context.Context, couponID, userID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.seen[couponID] == nil {
		q.seen[couponID] = make(map[string]bool)
	}
	if q.seen[couponID][userID] {
		return false, nil
	}
	q.seen[couponID][userID] = true
	q.queues[couponID] = append(q.queues[couponID], Entry{
		CouponID:   couponID,
		UserID:     userID,
		EnqueuedAt: time.Now(),
	})
	return true, nil
}

func (q *MemoryAdmission) Requeue(ctx context.Context, entry Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.seen[entry.CouponID] == nil {
		q.seen[entry.CouponID] = make(map[string]bool)
	}
	if q.seen[entry.CouponID][entry.UserID] {
		return nil
	}
	q.seen[entry.CouponID][entry.UserID] = true

	// 按原始入队时间插回原位
	entries := q.queues[entry.CouponID]
	pos := len(entries)
	for i, e := range entries {
		if entry.EnqueuedAt.Before(e.EnqueuedAt) {
			pos = i
			break
		}
	}
	entries = append(entries, Entry{})
	copy(entries[pos+1:], entries[pos:])
	entries[pos] = entry
	q.queues[entry.CouponID] = entries
	return nil
}

func (q *MemoryAdmission) Dequeue(ctx context.Context, couponID, userID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.queues[couponID]
	for i, e := range entries {
		if e.UserID == userID {
			q.queues[couponID] = append(entries[:i], entries[i+1:]...)
			delete(q.seen[couponID], userID)
			return nil
		}
	}
	return nil
}

func (q *MemoryAdmission) Size(ctx context.Context, couponID string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.queues[couponID])), nil
}

func (q *MemoryAdmission) PopOldest(ctx context.Context, couponID string) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.queues[couponID]
	if len(entries) == 0 {
		return nil, nil
	}
	head := entries[0]
	q.queues[couponID] = entries[1:]
	delete(q.seen[couponID], head.UserID)
	return &head, nil
}

func (q *MemoryAdmission) PurgeAll(ctx context.Context, couponID string) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.queues[couponID]
	delete(q.queues, couponID)
	delete(q.seen, couponID)
	return entries, nil
}
