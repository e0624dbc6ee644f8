// internal/event/event.go
package event

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Saga 事件主题。主题名即版本契约，字段形状变更需要新主题。
const (
	TopicOrderCreated                = "order.created"
	TopicStockReserved               = "stock.reserved"
	TopicStockReservationFailed      = "stock.reservation.failed"
	TopicCouponReserved              = "coupon.reserved"
	TopicPaymentCompleted            = "payment.completed"
	TopicPaymentFailed               = "payment.failed"
	TopicOrderCompleted              = "order.completed"
	TopicOrderFailed                 = "order.failed"
	TopicStockCompensationRequired   = "stock.compensation.required"
	TopicCouponCompensationRequired  = "coupon.compensation.required"
	TopicPaymentCompensationRequired = "payment.compensation.required"
)

// Event 是总线上的一条消息。
// OrderID 既是 Saga 关联键也是分区键：同一笔订单的事件串行到达，
// 不同订单任意交错。Payload 是事件体的 JSON 编码。
type Event struct {
	Topic   string
	OrderID string
	Payload []byte
}

// New 构造一条事件，payload 会被编码为 JSON。
func New(topic, orderID string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, errors.Wrapf(err, "marshal payload for topic %s", topic)
	}
	return Event{Topic: topic, OrderID: orderID, Payload: data}, nil
}

// Decode 把事件体解码到 out。
func (e Event) Decode(out interface{}) error {
	return errors.Wrapf(json.Unmarshal(e.Payload, out), "decode payload of topic %s", e.Topic)
}

// Publisher 发布事件。实现必须保证至少一次投递。
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Handler 消费单条事件。
// 契约：对同一 (orderId, topic) 的重复投递必须幂等——已处理过就
// 重新发出上次的结果事件，绝不重复预占/扣减。
// 终态业务失败由 Handler 自己发布失败事件并返回 nil；
// 返回非 nil 错误表示瞬态故障，由消费侧按退避重试。
type Handler func(ctx context.Context, evt Event) error

// 事件载荷。每个载荷都携带 orderId（关联键）和 timestamp（事件时间）。

type OrderItem struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
}

type OrderCreated struct {
	OrderID      string      `json:"orderId"`
	UserID       string      `json:"userId"`
	Items        []OrderItem `json:"items"`
	UserCouponID string      `json:"userCouponId,omitempty"`
	TotalAmount  int64       `json:"totalAmount"`
	Timestamp    time.Time   `json:"timestamp"`
}

type StockReserved struct {
	OrderID      string    `json:"orderId"`
	UserID       string    `json:"userId"`
	UserCouponID string    `json:"userCouponId,omitempty"`
	TotalAmount  int64     `json:"totalAmount"`
	Timestamp    time.Time `json:"timestamp"`
}

type StockReservationFailed struct {
	OrderID   string    `json:"orderId"`
	UserID    string    `json:"userId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

type CouponReserved struct {
	OrderID        string    `json:"orderId"`
	UserID         string    `json:"userId"`
	TotalAmount    int64     `json:"totalAmount"`
	DiscountAmount int64     `json:"discountAmount"`
	Timestamp      time.Time `json:"timestamp"`
}

type PaymentCompleted struct {
	OrderID        string    `json:"orderId"`
	UserID         string    `json:"userId"`
	PaidAmount     int64     `json:"paidAmount"`
	DiscountAmount int64     `json:"discountAmount"`
	Timestamp      time.Time `json:"timestamp"`
}

type PaymentFailed struct {
	OrderID   string    `json:"orderId"`
	UserID    string    `json:"userId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

type OrderCompleted struct {
	OrderID   string    `json:"orderId"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type OrderFailed struct {
	OrderID   string    `json:"orderId"`
	UserID    string    `json:"userId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

type StockCompensationRequired struct {
	OrderID   string    `json:"orderId"`
	UserID    string    `json:"userId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

type CouponCompensationRequired struct {
	OrderID   string    `json:"orderId"`
	UserID    string    `json:"userId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

type PaymentCompensationRequired struct {
	OrderID   string    `json:"orderId"`
	UserID    string    `json:"userId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}
