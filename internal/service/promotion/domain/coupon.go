// internal/service/promotion/domain/coupon.go
package domain

import (
	"time"

	"minimall/internal/pkg/apperr"
)

// Coupon 是优惠券模板聚合根。IssuedQuantity 是被争抢的稀缺资源：
// 只增不减，任何发放决策都必须在 coupon:<id> 锁内完成。
type Coupon struct {
	ID             string
	Name           string
	TotalQuantity  int64
	IssuedQuantity int64
	DiscountAmount int64
	ValidFrom      time.Time
	ValidUntil     time.Time
	// Rule 是可选的 CEL 领取资格表达式，空串表示无限制。
	Rule      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanIssue 判断此刻能否再发放一张。不修改状态。
func (c *Coupon) CanIssue(now time.Time) error {
	if now.Before(c.ValidFrom) || now.After(c.ValidUntil) {
		return apperr.New(apperr.CodeCouponExpired, "coupon %s is outside its validity window", c.ID)
	}
	if c.IssuedQuantity >= c.TotalQuantity {
		return apperr.New(apperr.CodeCouponSoldOut, "coupon %s is sold out (%d/%d)", c.ID, c.IssuedQuantity, c.TotalQuantity)
	}
	return nil
}

// Issue 发放一张。issuedQuantity <= totalQuantity 在此处强制成立。
func (c *Coupon) Issue(now time.Time) error {
	if err := c.CanIssue(now); err != nil {
		return err
	}
	c.IssuedQuantity++
	c.UpdatedAt = now
	return nil
}

// UserCouponStatus 定义用户券的生命周期状态。
// FROZEN 是 Saga 的中间态：下单预占但尚未支付。
type UserCouponStatus string

const (
	StatusUnused UserCouponStatus = "UNUSED" // 未使用
	StatusFrozen UserCouponStatus = "FROZEN" // 冻结中（下单但未支付）
	StatusUsed   UserCouponStatus = "USED"   // 已核销
)

// UserCoupon 是发放结果。(UserID, CouponID) 全局至多一张。
// OrderID 记录预占/核销它的订单，也是 Saga 重复投递的幂等标记。
type UserCoupon struct {
	ID             uint64
	UserID         string
	CouponID       string
	DiscountAmount int64
	Status         UserCouponStatus
	OrderID        string
	IssuedAt       time.Time
	ExpiresAt      time.Time
	UpdatedAt      time.Time
}

// NewUserCoupon 从模板发放一张用户券，权益锁定在发放时的折扣额。
func NewUserCoupon(coupon *Coupon, userID string, now time.Time) *UserCoupon {
	return &UserCoupon{
		UserID:         userID,
		CouponID:       coupon.ID,
		DiscountAmount: coupon.DiscountAmount,
		Status:         StatusUnused,
		IssuedAt:       now,
		ExpiresAt:      coupon.ValidUntil,
		UpdatedAt:      now,
	}
}

// Freeze 为订单预占此券。同一订单重复冻结是幂等空操作。
func (uc *UserCoupon) Freeze(orderID string, now time.Time) error {
	switch uc.Status {
	case StatusFrozen:
		if uc.OrderID == orderID {
			return nil
		}
		return apperr.New(apperr.CodeConflict, "user coupon %d is frozen by order %s", uc.ID, uc.OrderID)
	case StatusUsed:
		// 同一订单的重复预占在核销之后到达：视为重复投递
		if uc.OrderID == orderID {
			return nil
		}
		return apperr.New(apperr.CodeCouponNotUsable, "user coupon %d is already used", uc.ID)
	}
	if now.After(uc.ExpiresAt) {
		return apperr.New(apperr.CodeCouponExpired, "user coupon %d expired at %s", uc.ID, uc.ExpiresAt.Format(time.RFC3339))
	}
	uc.Status = StatusFrozen
	uc.OrderID = orderID
	uc.UpdatedAt = now
	return nil
}

// Unfreeze 解除订单的预占（补偿路径）。
// 只有被同一订单冻结的券会回到 UNUSED，其余情况是安全的空操作。
func (uc *UserCoupon) Unfreeze(orderID string, now time.Time) bool {
	if uc.Status != StatusFrozen || uc.OrderID != orderID {
		return false
	}
	uc.Status = StatusUnused
	uc.OrderID = ""
	uc.UpdatedAt = now
	return true
}

// MarkUsed 核销此券。同一订单重复核销是幂等空操作。
func (uc *UserCoupon) MarkUsed(orderID string, now time.Time) error {
	if uc.Status == StatusUsed {
		if uc.OrderID == orderID {
			return nil
		}
		return apperr.New(apperr.CodeCouponNotUsable, "user coupon %d was used by order %s", uc.ID, uc.OrderID)
	}
	if uc.Status == StatusFrozen && uc.OrderID != orderID {
		return apperr.New(apperr.CodeConflict, "user coupon %d is frozen by order %s", uc.ID, uc.OrderID)
	}
	uc.Status = StatusUsed
	uc.OrderID = orderID
	uc.UpdatedAt = now
	return nil
}
