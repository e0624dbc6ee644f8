// internal/service/order/domain/order.go
package domain

import (
	"time"

	"minimall/internal/pkg/apperr"
)

// OrderStatus 是订单状态。状态只由 Saga 事件驱动流转，
// 没有任何直接改状态的入口。
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"   // Saga 进行中
	StatusCompleted OrderStatus = "COMPLETED" // 终态：支付完成
	StatusFailed    OrderStatus = "FAILED"    // 终态：某一步失败且补偿完毕
)

// OrderItem 是订单行。
type OrderItem struct {
	ProductID string
	Quantity  int64
	UnitPrice int64
}

// Order 是订单聚合根。
// FinalAmount = TotalAmount - min(DiscountAmount, TotalAmount)：
// 折扣在总价处封顶，实付永远不为负。
type Order struct {
	ID             string
	UserID         string
	Items          []OrderItem
	UserCouponID   string
	TotalAmount    int64
	DiscountAmount int64
	FinalAmount    int64
	Status         OrderStatus
	FailureReason  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewOrder 创建一笔待处理订单并完成计价。
func NewOrder(id, userID string, items []OrderItem, userCouponID string, discount int64) (*Order, error) {
	if id == "" || userID == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "order id and user id are required")
	}
	if len(items) == 0 {
		return nil, apperr.New(apperr.CodeInvalidArgument, "order must contain at least one item")
	}

	var total int64
	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, apperr.New(apperr.CodeInvalidArgument, "item %s has non-positive quantity %d", item.ProductID, item.Quantity)
		}
		if item.UnitPrice < 0 {
			return nil, apperr.New(apperr.CodeInvalidArgument, "item %s has negative unit price %d", item.ProductID, item.UnitPrice)
		}
		total += item.UnitPrice * item.Quantity
	}
	if discount < 0 {
		return nil, apperr.New(apperr.CodeInvalidArgument, "discount must not be negative, got %d", discount)
	}

	clamped := discount
	if clamped > total {
		clamped = total
	}

	now := time.Now()
	return &Order{
		ID:             id,
		UserID:         userID,
		Items:          items,
		UserCouponID:   userCouponID,
		TotalAmount:    total,
		DiscountAmount: clamped,
		FinalAmount:    total - clamped,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Complete 把订单推进到完成态。重复完成是幂等空操作；
// 已失败的订单不能再完成（迟到的支付成功走退款，不翻转终态）。
func (o *Order) Complete() error {
	switch o.Status {
	case StatusCompleted:
		return nil
	case StatusFailed:
		return apperr.New(apperr.CodeConflict, "order %s already failed: %s", o.ID, o.FailureReason)
	}
	o.Status = StatusCompleted
	o.UpdatedAt = time.Now()
	return nil
}

// Fail 把订单推进到失败态。重复失败是幂等空操作；
// 已完成的订单不能再失败。
func (o *Order) Fail(reason string) error {
	switch o.Status {
	case StatusFailed:
		return nil
	case StatusCompleted:
		return apperr.New(apperr.CodeConflict, "order %s is already completed", o.ID)
	}
	o.Status = StatusFailed
	o.FailureReason = reason
	o.UpdatedAt = time.Now()
	return nil
}
