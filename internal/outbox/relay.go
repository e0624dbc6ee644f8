// internal/outbox/relay.go
package outbox

import (
	"context"
	"time"

	"minimall/internal/event"
	"minimall/internal/lock"
	"minimall/internal/pkg/logger"
)

const retryBatchSize = 100

// Relay 是定时重试工作器：扫描到期的 PENDING/FAILED 记录重新投递，
// 失败则按指数退避推迟，超过最大次数后标记 EXHAUSTED 停止自动重试。
// 多实例间用公平锁 dlq:retry 互斥，同一时刻只有一个实例在扫描。
type Relay struct {
	repo        Repository
	publisher   event.Publisher
	locker      lock.Manager
	maxAttempts int
	base        time.Duration
	multiplier  float64
	lockWait    time.Duration
	lockLease   time.Duration
}

// NewRelay 创建重试工作器。
func NewRelay(repo Repository, publisher event.Publisher, locker lock.Manager,
	maxAttempts int, base time.Duration, multiplier float64,
	lockWait, lockLease time.Duration) *Relay {
	return &Relay{
		repo: repo, publisher: publisher, locker: locker,
		maxAttempts: maxAttempts, base: base, multiplier: multiplier,
		lockWait: lockWait, lockLease: lockLease,
	}
}

// Run 执行一轮扫描。作为 scheduler.Task 周期调用。
func (r *Relay) Run(ctx context.Context) error {
	return lock.Do(ctx, r.locker, lock.KeyDlqRetry(), r.lockWait, r.lockLease, func(ctx context.Context) error {
		records, err := r.repo.DueForRetry(ctx, time.Now(), retryBatchSize)
		if err != nil {
			return err
		}

		for _, rec := range records {
			r.retryOne(ctx, rec)
		}
		return nil
	})
}

func (r *Relay) retryOne(ctx context.Context, rec Record) {
	evt := event.Event{Topic: rec.Topic, OrderID: rec.OrderID, Payload: rec.Payload}

	err := r.publisher.Publish(ctx, evt)
	if err == nil {
		if err := r.repo.MarkPublished(ctx, rec.ID); err != nil {
			logger.Ctx(ctx).Error().Err(err).Uint64("outbox_id", rec.ID).Msg("failed to mark outbox record published")
		}
		return
	}

	attempts := rec.Attempts + 1
	if attempts >= r.maxAttempts {
		logger.Ctx(ctx).Error().Err(err).
			Uint64("outbox_id", rec.ID).Str("topic", rec.Topic).Str("orderId", rec.OrderID).
			Msg("outbox record exhausted retries, left for manual inspection")
		if err := r.repo.MarkExhausted(ctx, rec.ID, err.Error()); err != nil {
			logger.Ctx(ctx).Error().Err(err).Uint64("outbox_id", rec.ID).Msg("failed to mark outbox record exhausted")
		}
		return
	}

	next := time.Now().Add(Backoff(r.base, r.multiplier, attempts))
	logger.Ctx(ctx).Warn().Err(err).
		Uint64("outbox_id", rec.ID).Int("attempts", attempts).Time("next_retry_at", next).
		Msg("outbox retry failed, backing off")
	if err := r.repo.MarkFailed(ctx, rec.ID, attempts, next, err.Error()); err != nil {
		logger.Ctx(ctx).Error().Err(err).Uint64("outbox_id", rec.ID).Msg("failed to reschedule outbox record")
	}
}
