// internal/event/membus.go
package event

import (
	"context"
	"sync"
)

// MemBus 是进程内事件总线，实现与 Kafka 适配器相同的契约：
// 发布顺序投递、至少一次（重复 Publish 即重复投递）。
// 用于单进程部署形态和 Saga 场景测试。
type MemBus struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	history  []Event

	// 投递队列。事件按发布顺序逐条分发，分发过程中产生的
	// 新事件排到队尾，与消息队列的因果顺序一致。
	queue       []Event
	dispatching bool
}

// NewMemBus 创建内存总线。
func NewMemBus() *MemBus {
	return &MemBus{handlers: make(map[string][]Handler)}
}

// Subscribe 注册某主题的处理器。
func (b *MemBus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish 实现 Publisher。同步驱动整条事件链直到静默。
func (b *MemBus) Publish(ctx context.Context, evt Event) error {
	b.mu.Lock()
	b.history = append(b.history, evt)
	b.queue = append(b.queue, evt)
	if b.dispatching {
		// 已有外层 Publish 在跑分发循环，入队即可
		b.mu.Unlock()
		return nil
	}
	b.dispatching = true
	b.mu.Unlock()

	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.dispatching = false
			b.mu.Unlock()
			return nil
		}
		next := b.queue[0]
		b.queue = b.queue[1:]
		subs := append([]Handler(nil), b.handlers[next.Topic]...)
		b.mu.Unlock()

		for _, h := range subs {
			// Handler 契约同 Kafka 路径：错误代表瞬态故障。
			// 内存总线不做重试，直接向上抛，让测试立刻失败。
			if err := h(ctx, next); err != nil {
				b.mu.Lock()
				b.dispatching = false
				b.queue = nil
				b.mu.Unlock()
				return err
			}
		}
	}
}

// History 返回截至目前发布的全部事件（快照）。
func (b *MemBus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.history...)
}

// TopicsSeen 返回发布过的主题序列，便于断言事件链顺序。
func (b *MemBus) TopicsSeen() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	topics := make([]string, 0, len(b.history))
	for _, e := range b.history {
		topics = append(topics, e.Topic)
	}
	return topics
}
