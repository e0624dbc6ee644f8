// internal/queue/queue.go
package queue

import (
	"context"
	"time"
)

// Entry 是优惠券发放等待队列中的一条记录。
// (couponID, userID) 在队列中至多出现一次。
type Entry struct {
	CouponID   string
	UserID     string
	EnqueuedAt time.Time
}

// Admission 是先到先得的准入队列。
// 入队只做去重不做校验（校验在入队之后的流程里做，失败再显式出队），
// 出队顺序严格按入队时间——这是"限量券先到先得"的正确性要求，
// 不是性能优化。
type Admission interface {
	// Enqueue 幂等入队。重复的 (couponID, userID) 返回 false 且不产生副作用。
	Enqueue(ctx context.Context, couponID, userID string) (bool, error)
	// Dequeue 显式移除一条记录，入队后校验失败时用它清掉幽灵条目。
	Dequeue(ctx context.Context, couponID, userID string) error
	// Requeue 把弹出后未能处理的条目放回队列，保留原始入队时间。
	// 用 Enqueue 放回会拿到新时间戳，排队最久的人反而被挤到队尾。
	Requeue(ctx context.Context, entry Entry) error
	// Size 返回某券当前排队人数。
	Size(ctx context.Context, couponID string) (int64, error)
	// PopOldest 弹出最早入队的一条，队列为空时返回 nil。
	PopOldest(ctx context.Context, couponID string) (*Entry, error)
	// PurgeAll 清空某券的队列并返回被清掉的条目（券售罄时的批量清理）。
	PurgeAll(ctx context.Context, couponID string) ([]Entry, error)
}
