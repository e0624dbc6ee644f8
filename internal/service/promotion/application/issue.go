// internal/service/promotion/application/issue.go
package application

import (
	"context"
	"time"

	"minimall/internal/pkg/apperr"
	"minimall/internal/pkg/logger"
	"minimall/internal/queue"
	"minimall/internal/service/promotion/domain"
)

// IssuanceService 受理优惠券的领取请求。
// 入队本身不做权威校验（那是排空工作器在锁内做的事），
// 只做便宜的预检把明显无效的请求挡在队列外面。
type IssuanceService struct {
	coupons     domain.CouponRepository
	userCoupons domain.UserCouponRepository
	admission   queue.Admission
	rules       domain.RuleEngine
}

func NewIssuanceService(coupons domain.CouponRepository, userCoupons domain.UserCouponRepository,
	admission queue.Admission, rules domain.RuleEngine) *IssuanceService {
	return &IssuanceService{coupons: coupons, userCoupons: userCoupons, admission: admission, rules: rules}
}

// IssuanceTicket 是领取请求的受理回执：排队成功，结果由排空工作器决定。
type IssuanceTicket struct {
	CouponID string `json:"couponId"`
	UserID   string `json:"userId"`
	// Position 是入队后的队列长度，只作展示参考。
	Position int64 `json:"position"`
}

// RequestIssuance 受理一次领取请求：预检 → 入队 → 入队后校验。
// 入队后的校验失败必须把刚入队的条目显式清掉，不留幽灵条目。
func (s *IssuanceService) RequestIssuance(ctx context.Context, couponID, userID string) (*IssuanceTicket, error) {
	if couponID == "" || userID == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "couponId and userId are required")
	}

	coupon, err := s.coupons.FindByID(ctx, couponID)
	if err != nil {
		return nil, err
	}

	// 预检：已持有同款券的请求直接拒绝。这里没拿锁，挡不住并发
	// 的重复请求——权威的去重在排空提交时由唯一键兜底。
	if _, err := s.userCoupons.FindByUserAndCoupon(ctx, userID, couponID); err == nil {
		return nil, apperr.New(apperr.CodeCouponAlreadyIssued, "user %s already holds coupon %s", userID, couponID)
	} else if apperr.CodeOf(err) != apperr.CodeNotFound {
		return nil, err
	}

	enqueued, err := s.admission.Enqueue(ctx, couponID, userID)
	if err != nil {
		return nil, err
	}
	if !enqueued {
		return nil, apperr.New(apperr.CodeConflict, "user %s is already queued for coupon %s", userID, couponID)
	}

	if err := s.validateAfterEnqueue(ctx, coupon, userID); err != nil {
		if dqErr := s.admission.Dequeue(ctx, couponID, userID); dqErr != nil {
			logger.Ctx(ctx).Error().Err(dqErr).
				Str("couponId", couponID).Str("userId", userID).
				Msg("failed to remove ghost queue entry after validation failure")
		}
		return nil, err
	}

	size, err := s.admission.Size(ctx, couponID)
	if err != nil {
		return nil, err
	}
	return &IssuanceTicket{CouponID: couponID, UserID: userID, Position: size}, nil
}

func (s *IssuanceService) validateAfterEnqueue(ctx context.Context, coupon *domain.Coupon, userID string) error {
	now := time.Now()
	if now.Before(coupon.ValidFrom) || now.After(coupon.ValidUntil) {
		return apperr.New(apperr.CodeCouponExpired, "coupon %s is outside its validity window", coupon.ID)
	}

	if coupon.Rule == "" {
		return nil
	}
	size, err := s.admission.Size(ctx, coupon.ID)
	if err != nil {
		return err
	}
	eligible, err := s.rules.Evaluate(ctx, coupon.Rule, domain.Fact{
		UserID:    userID,
		CouponID:  coupon.ID,
		QueueSize: size,
	})
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "evaluate eligibility rule for coupon %s", coupon.ID)
	}
	if !eligible {
		return apperr.New(apperr.CodeCouponNotUsable, "user %s is not eligible for coupon %s", userID, coupon.ID)
	}
	return nil
}

// GetUserCoupon 按主键查一张用户券，供订单服务下单预检。
func (s *IssuanceService) GetUserCoupon(ctx context.Context, id uint64) (*domain.UserCoupon, error) {
	return s.userCoupons.FindByID(ctx, id)
}

// ListUserCoupons 返回某用户持有的全部券。
func (s *IssuanceService) ListUserCoupons(ctx context.Context, userID string) ([]*domain.UserCoupon, error) {
	if userID == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "userId is required")
	}
	return s.userCoupons.ListByUser(ctx, userID)
}
