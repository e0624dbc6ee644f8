// internal/service/promotion/domain/repository.go
package domain

import "context"

// CouponRepository 是优惠券模板的持久化契约。
type CouponRepository interface {
	// FindByID 按 ID 查找，不存在时返回 apperr.CodeNotFound。
	FindByID(ctx context.Context, id string) (*Coupon, error)
	Save(ctx context.Context, coupon *Coupon) error
	// ListActive 返回当前在有效期内的模板，供排空工作器轮询。
	ListActive(ctx context.Context) ([]*Coupon, error)
}

// UserCouponRepository 是用户券的持久化契约。
type UserCouponRepository interface {
	// FindByUserAndCoupon 查找某用户持有的某模板的券，不存在返回 apperr.CodeNotFound。
	FindByUserAndCoupon(ctx context.Context, userID, couponID string) (*UserCoupon, error)
	// FindByID 按主键查找，不存在返回 apperr.CodeNotFound。
	FindByID(ctx context.Context, id uint64) (*UserCoupon, error)
	// FindByOrder 查找被某订单冻结或核销的券，不存在返回 apperr.CodeNotFound。
	FindByOrder(ctx context.Context, orderID string) (*UserCoupon, error)
	// Create 插入用户券。(userID, couponID) 唯一键冲突返回 apperr.CodeConflict。
	Create(ctx context.Context, userCoupon *UserCoupon) error
	Save(ctx context.Context, userCoupon *UserCoupon) error
	ListByUser(ctx context.Context, userID string) ([]*UserCoupon, error)
}

// UnitOfWork 把多个仓储写操作绑进同一个事务。
// fn 返回错误时全部回滚，仓储通过 ctx 感知事务。
type UnitOfWork interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// IssueFailure 记录一次未能完成的发放请求（售罄清队、重复持有等），
// 留作人工巡检，不再自动重试。
type IssueFailure struct {
	CouponID string
	UserID   string
	Reason   string
}

// FailureLog 是发放失败记录的落盘契约。
type FailureLog interface {
	Record(ctx context.Context, failure IssueFailure) error
}

// RuleEngine 评估优惠券的领取资格规则。
// 实现方决定表达式语言，领域层只关心"这个用户能不能领"。
type RuleEngine interface {
	Evaluate(ctx context.Context, rule string, fact Fact) (bool, error)
}

// Fact 是规则评估的输入事实。
type Fact struct {
	UserID   string
	CouponID string
	// QueueSize 是评估时刻该券的排队人数。
	QueueSize int64
}
