// internal/event/consumer.go
package event

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"

	"minimall/internal/pkg/apperr"
	"minimall/internal/pkg/logger"
	"minimall/internal/pkg/mq"
)

var (
	eventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minimall_saga_events_processed_total",
		Help: "Saga events processed, by topic and outcome.",
	}, []string{"topic", "outcome"})
)

// DeadLetterSink 接收重试耗尽或无法处理的事件。
type DeadLetterSink interface {
	Record(ctx context.Context, evt Event, attempts int, cause error) error
}

// Consumer 订阅一个主题并驱动 Handler。
// FetchMessage → 处理 → CommitMessages：offset 在处理（含死信落库）
// 完成之后才提交，保证至少一次语义。
type Consumer struct {
	reader      *kafka.Reader
	handler     Handler
	maxAttempts int
	baseBackoff time.Duration
	deadLetter  DeadLetterSink
}

// NewConsumer 创建消费者。maxAttempts 是对瞬态失败的就地重试上限。
func NewConsumer(reader *kafka.Reader, handler Handler, maxAttempts int, baseBackoff time.Duration, dlq DeadLetterSink) *Consumer {
	return &Consumer{
		reader:      reader,
		handler:     handler,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		deadLetter:  dlq,
	}
}

// Start 运行消费循环直到 ctx 取消。作为 bootstrap.Worker 使用。
func (c *Consumer) Start(ctx context.Context) error {
	topic := c.reader.Config().Topic
	logger.Ctx(ctx).Info().Str("topic", topic).Msg("saga consumer started")
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Ctx(ctx).Info().Str("topic", topic).Msg("saga consumer shutting down")
				return ctx.Err()
			}
			logger.Ctx(ctx).Error().Err(err).Str("topic", topic).Msg("could not fetch message, retrying")
			time.Sleep(time.Second)
			continue
		}

		c.process(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logger.Ctx(ctx).Error().Err(err).Str("topic", topic).Msg("failed to commit offset")
		}
	}
}

func (c *Consumer) process(parentCtx context.Context, msg kafka.Message) {
	evt := Event{Topic: msg.Topic, OrderID: string(msg.Key), Payload: msg.Value}

	ctx := mq.ExtractTraceContext(parentCtx, msg.Headers)
	ctx = logger.WithFields(ctx, map[string]string{"orderId": evt.OrderID, "topic": evt.Topic})

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		lastErr = c.handler(ctx, evt)
		if lastErr == nil {
			eventsProcessed.WithLabelValues(evt.Topic, "ok").Inc()
			return
		}

		// 业务失败不该以错误形式冒出来——Handler 的契约是自己发失败事件。
		// 走到这里说明消息有毒或代码有 bug，重试不会有结果，直接进死信。
		if !apperr.IsRetryable(lastErr) {
			break
		}

		logger.Ctx(ctx).Warn().Err(lastErr).Int("attempt", attempt).Msg("transient failure handling event")
		if attempt < c.maxAttempts {
			select {
			case <-time.After(c.baseBackoff * time.Duration(1<<(attempt-1))):
			case <-ctx.Done():
				return
			}
		}
	}

	eventsProcessed.WithLabelValues(evt.Topic, "dead_letter").Inc()
	logger.Ctx(ctx).Error().Err(lastErr).Msg("event handling exhausted retries, recording dead letter")
	if err := c.deadLetter.Record(ctx, evt, c.maxAttempts, lastErr); err != nil {
		// 死信都落不下去只能靠日志留痕了
		logger.Ctx(ctx).Error().Err(err).Msg("CRITICAL: failed to record dead letter")
	}
}
