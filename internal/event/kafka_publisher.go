// internal/event/kafka_publisher.go
package event

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"minimall/internal/pkg/mq"
)

// KafkaPublisher 把事件写入 Kafka，按主题惰性创建 Writer。
// 消息以 orderId 为 key，同一笔订单的事件全部落在同一分区。
type KafkaPublisher struct {
	brokers []string
	writers map[string]*kafka.Writer
	mu      sync.Mutex
}

// NewKafkaPublisher 创建 Kafka 发布器。
func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{
		brokers: brokers,
		writers: make(map[string]*kafka.Writer),
	}
}

// Publish 实现 Publisher。
func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	p.mu.Lock()
	writer, ok := p.writers[evt.Topic]
	if !ok {
		writer = mq.NewKafkaWriter(p.brokers, evt.Topic)
		p.writers[evt.Topic] = writer
	}
	p.mu.Unlock()

	if err := mq.ProduceMessage(ctx, writer, []byte(evt.OrderID), evt.Payload); err != nil {
		return errors.Wrapf(err, "publish to %s", evt.Topic)
	}
	return nil
}

// Close 关闭所有 Writer。
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, w := range p.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
