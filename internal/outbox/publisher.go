// internal/outbox/publisher.go
package outbox

import (
	"context"
	"time"

	"minimall/internal/event"
	"minimall/internal/pkg/logger"
)

// Publisher 是持久化发布器：先把事件写进 outbox 表，再尝试立即投递。
// 立即投递失败不向调用方返回错误——事件已经落库，重试工作器会接手，
// 这就是"本地事务提交后再发布"的提交钩子形态。
type Publisher struct {
	repo Repository
	next event.Publisher
	base time.Duration
}

// NewPublisher 创建持久化发布器。next 通常是 Kafka 发布器。
func NewPublisher(repo Repository, next event.Publisher, baseRetryInterval time.Duration) *Publisher {
	return &Publisher{repo: repo, next: next, base: baseRetryInterval}
}

// Publish 实现 event.Publisher。
func (p *Publisher) Publish(ctx context.Context, evt event.Event) error {
	rec := &Record{
		Topic:       evt.Topic,
		OrderID:     evt.OrderID,
		Payload:     evt.Payload,
		Status:      StatusPending,
		NextRetryAt: time.Now(),
	}
	if err := p.repo.Add(ctx, rec); err != nil {
		// 落库失败必须让调用方知道：此时事件既不在库里也不在总线上
		return err
	}

	if err := p.next.Publish(ctx, evt); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("topic", evt.Topic).
			Msg("immediate publish failed, left for retry worker")
		_ = p.repo.MarkFailed(ctx, rec.ID, 1, time.Now().Add(p.base), err.Error())
		return nil
	}

	return p.repo.MarkPublished(ctx, rec.ID)
}

// DeadLetter 把无法处理的事件落入同一张表，供重试工作器重新投递。
// 实现 event.DeadLetterSink。
type DeadLetter struct {
	repo Repository
	base time.Duration
}

// NewDeadLetter 创建死信落库器。
func NewDeadLetter(repo Repository, baseRetryInterval time.Duration) *DeadLetter {
	return &DeadLetter{repo: repo, base: baseRetryInterval}
}

// Record 实现 event.DeadLetterSink。
func (d *DeadLetter) Record(ctx context.Context, evt event.Event, attempts int, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return d.repo.Add(ctx, &Record{
		Topic:       evt.Topic,
		OrderID:     evt.OrderID,
		Payload:     evt.Payload,
		Status:      StatusFailed,
		NextRetryAt: time.Now().Add(d.base),
		LastError:   msg,
	})
}
