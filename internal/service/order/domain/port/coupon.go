// internal/service/order/domain/port/coupon.go
package port

import "context"

// CouponInfo 是下单所需的用户券信息。
type CouponInfo struct {
	UserCouponID   string
	UserID         string
	DiscountAmount int64
	Usable         bool
}

// CouponReader 查询用户券（促销服务的出站端口）。
// 这里只做下单时的预检，权威的冻结判定在 Saga 的券预占步骤里。
type CouponReader interface {
	GetUserCoupon(ctx context.Context, userCouponID string) (*CouponInfo, error)
}
