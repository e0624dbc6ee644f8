// internal/service/payment/domain/point.go
package domain

import (
	"time"

	"minimall/internal/pkg/apperr"
)

// Point 是用户积分账户聚合根。Balance 永远非负，
// 任何余额变更都必须在 point:user:<id> 锁内完成读—改—写。
type Point struct {
	UserID    string
	Balance   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewPoint 开一个零余额账户。
func NewPoint(userID string, now time.Time) *Point {
	return &Point{UserID: userID, CreatedAt: now, UpdatedAt: now}
}

// Charge 充值积分。
func (p *Point) Charge(amount int64, now time.Time) error {
	if amount <= 0 {
		return apperr.New(apperr.CodeInvalidArgument, "charge amount must be positive, got %d", amount)
	}
	p.Balance += amount
	p.UpdatedAt = now
	return nil
}

// Deduct 扣减积分。余额不足时返回业务错误，余额保持不变。
func (p *Point) Deduct(amount int64, now time.Time) error {
	if amount < 0 {
		return apperr.New(apperr.CodeInvalidArgument, "deduct amount must not be negative, got %d", amount)
	}
	if p.Balance < amount {
		return apperr.New(apperr.CodeInsufficientPoints, "user %s has balance %d, requested %d", p.UserID, p.Balance, amount)
	}
	p.Balance -= amount
	p.UpdatedAt = now
	return nil
}

// TransactionKind 区分流水类型。(orderID, kind) 唯一，
// 它就是支付步骤的幂等标记：重复投递撞到已存在的流水直接短路。
type TransactionKind string

const (
	KindCharge TransactionKind = "CHARGE"
	KindDeduct TransactionKind = "DEDUCT"
	KindRefund TransactionKind = "REFUND"
)

// PointTransaction 是不可变的积分流水。只追加，从不修改或删除，
// 正数为入账、负数为扣减，是对账余额的审计线索。
type PointTransaction struct {
	ID        uint64
	UserID    string
	OrderID   string
	Kind      TransactionKind
	Amount    int64
	CreatedAt time.Time
}
