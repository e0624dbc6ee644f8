// internal/queue/redis_queue.go
package queue

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/pkg/errors"

	"minimall/internal/pkg/redis"
)

// RedisAdmission 用 Redis ZSET 实现准入队列：
// member 是 userID，score 是入队时间（纳秒），ZADD NX 天然幂等，
// ZPOPMIN 天然按入队顺序弹出。多实例共享同一个队列。
type RedisAdmission struct {
	client *redis.Client
}

// NewRedisAdmission 创建 Redis 准入队列。
func NewRedisAdmission(client *redis.Client) *RedisAdmission {
	return &RedisAdmission{client: client}
}

func queueKey(couponID string) string {
	return fmt.Sprintf("coupon:queue:%s", couponID)
}

func (q *RedisAdmission) Enqueue(ctx context.Context, couponID, userID string) (bool, error) {
	added, err := q.client.GetClient().ZAddNX(ctx, queueKey(couponID), goredis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: userID,
	}).Result()
	if err != nil {
		return false, errors.Wrapf(err, "enqueue user %s for coupon %s", userID, couponID)
	}
	return added == 1, nil
}

func (q *RedisAdmission) Requeue(ctx context.Context, entry Entry) error {
	// 保留原始 score，放回后仍排在当时的位置
	err := q.client.GetClient().ZAddNX(ctx, queueKey(entry.CouponID), goredis.Z{
		Score:  float64(entry.EnqueuedAt.UnixNano()),
		Member: entry.UserID,
	}).Err()
	return errors.Wrapf(err, "requeue user %s for coupon %s", entry.UserID, entry.CouponID)
}

func (q *RedisAdmission) Dequeue(ctx context.Context, couponID, userID string) error {
	err := q.client.GetClient().ZRem(ctx, queueKey(couponID), userID).Err()
	return errors.Wrapf(err, "dequeue user %s for coupon %s", userID, couponID)
}

func (q *RedisAdmission) Size(ctx context.Context, couponID string) (int64, error) {
	n, err := q.client.GetClient().ZCard(ctx, queueKey(couponID)).Result()
	return n, errors.Wrapf(err, "size of coupon queue %s", couponID)
}

func (q *RedisAdmission) PopOldest(ctx context.Context, couponID string) (*Entry, error) {
	popped, err := q.client.GetClient().ZPopMin(ctx, queueKey(couponID), 1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "pop oldest from coupon queue %s", couponID)
	}
	if len(popped) == 0 {
		return nil, nil
	}
	return &Entry{
		CouponID:   couponID,
		UserID:     popped[0].Member.(string),
		EnqueuedAt: time.Unix(0, int64(popped[0].Score)),
	}, nil
}

func (q *RedisAdmission) PurgeAll(ctx context.Context, couponID string) ([]Entry, error) {
	key := queueKey(couponID)
	members, err := q.client.GetClient().ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "list coupon queue %s", couponID)
	}
	if len(members) == 0 {
		return nil, nil
	}

	entries := make([]Entry, 0, len(members))
	for _, m := range members {
		entries = append(entries, Entry{
			CouponID:   couponID,
			UserID:     m.Member.(string),
			EnqueuedAt: time.Unix(0, int64(m.Score)),
		})
	}
	if err := q.client.GetClient().Del(ctx, key).Err(); err != nil {
		return nil, errors.Wrapf(err, "purge coupon queue %s", couponID)
	}
	return entries, nil
}
