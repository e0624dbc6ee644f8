// internal/service/promotion/application/reserve_handler.go
package application

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"minimall/internal/event"
	"minimall/internal/lock"
	"minimall/internal/pkg/apperr"
	"minimall/internal/pkg/logger"
	"minimall/internal/service/promotion/domain"
)

// CouponSagaHandler 是优惠券预占步骤及其补偿的处理器。
// 消费 stock.reserved / coupon.compensation.required / payment.completed。
type CouponSagaHandler struct {
	userCoupons domain.UserCouponRepository
	locker      lock.Manager
	publisher   event.Publisher
	tracer      trace.Tracer
	lockWait    time.Duration
	lockLease   time.Duration
}

func NewCouponSagaHandler(userCoupons domain.UserCouponRepository, locker lock.Manager,
	publisher event.Publisher, tracer trace.Tracer, lockWait, lockLease time.Duration) *CouponSagaHandler {
	return &CouponSagaHandler{
		userCoupons: userCoupons, locker: locker, publisher: publisher, tracer: tracer,
		lockWait: lockWait, lockLease: lockLease,
	}
}

// HandleStockReserved 消费 stock.reserved：为订单冻结所选的用户券。
// 未选券的订单直接放行（折扣为 0）。冻结以订单号做幂等标记，
// 重复投递重发上次的结果而不会二次冻结。
func (h *CouponSagaHandler) HandleStockReserved(ctx context.Context, evt event.Event) error {
	ctx, span := h.tracer.Start(ctx, "saga.ReserveCoupon")
	defer span.End()

	var payload event.StockReserved
	if err := evt.Decode(&payload); err != nil {
		return err
	}

	if payload.UserCouponID == "" {
		return h.publishReserved(ctx, payload, 0)
	}

	userCouponID, err := strconv.ParseUint(payload.UserCouponID, 10, 64)
	if err != nil {
		return h.publishCompensation(ctx, payload.OrderID, payload.UserID,
			apperr.New(apperr.CodeInvalidArgument, "malformed userCouponId %q", payload.UserCouponID))
	}

	var discount int64
	freezeErr := h.withCouponLock(ctx, userCouponID, func(ctx context.Context, uc *domain.UserCoupon) error {
		if err := uc.Freeze(payload.OrderID, time.Now()); err != nil {
			return err
		}
		discount = uc.DiscountAmount
		return h.userCoupons.Save(ctx, uc)
	})
	if freezeErr != nil {
		if apperr.IsBusiness(freezeErr) {
			return h.publishCompensation(ctx, payload.OrderID, payload.UserID, freezeErr)
		}
		return freezeErr
	}

	return h.publishReserved(ctx, payload, discount)
}

// HandleCouponCompensationRequired 消费 coupon.compensation.required：
// 解冻本订单冻结的券，然后把补偿链继续推向库存。
// 订单没用券时这里是空操作，但补偿事件照样往下传。
func (h *CouponSagaHandler) HandleCouponCompensationRequired(ctx context.Context, evt event.Event) error {
	ctx, span := h.tracer.Start(ctx, "compensation.ReleaseCoupon")
	defer span.End()

	var payload event.CouponCompensationRequired
	if err := evt.Decode(&payload); err != nil {
		return err
	}

	uc, err := h.userCoupons.FindByOrder(ctx, payload.OrderID)
	switch {
	case err == nil:
		unfreezeErr := h.withCouponLock(ctx, uc.ID, func(ctx context.Context, locked *domain.UserCoupon) error {
			if !locked.Unfreeze(payload.OrderID, time.Now()) {
				return nil
			}
			return h.userCoupons.Save(ctx, locked)
		})
		if unfreezeErr != nil {
			return unfreezeErr
		}
	case apperr.CodeOf(err) == apperr.CodeNotFound:
		// 没冻结过券，无需解冻
	default:
		return err
	}

	next, err := event.New(event.TopicStockCompensationRequired, payload.OrderID, event.StockCompensationRequired{
		OrderID:   payload.OrderID,
		UserID:    payload.UserID,
		Reason:    payload.Reason,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	return h.publisher.Publish(ctx, next)
}

// HandlePaymentCompleted 消费 payment.completed：把冻结的券核销为 USED。
// 没有券的订单是空操作。核销失败不回滚支付，只能人工对账，
// 所以这里的错误会一直重试到死信。
func (h *CouponSagaHandler) HandlePaymentCompleted(ctx context.Context, evt event.Event) error {
	ctx, span := h.tracer.Start(ctx, "saga.SettleCoupon")
	defer span.End()

	var payload event.PaymentCompleted
	if err := evt.Decode(&payload); err != nil {
		return err
	}
	if payload.DiscountAmount == 0 {
		return nil
	}

	uc, err := h.userCoupons.FindByOrder(ctx, payload.OrderID)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeNotFound {
			return nil
		}
		return err
	}

	return h.withCouponLock(ctx, uc.ID, func(ctx context.Context, locked *domain.UserCoupon) error {
		if err := locked.MarkUsed(payload.OrderID, time.Now()); err != nil {
			return err
		}
		return h.userCoupons.Save(ctx, locked)
	})
}

// withCouponLock 在券模板锁内重新加载用户券并执行临界区。
// 锁内重读保证看到的是最新状态，不是锁外的快照。
func (h *CouponSagaHandler) withCouponLock(ctx context.Context, userCouponID uint64,
	fn func(ctx context.Context, uc *domain.UserCoupon) error) error {
	uc, err := h.userCoupons.FindByID(ctx, userCouponID)
	if err != nil {
		return err
	}
	return lock.Do(ctx, h.locker, lock.KeyCoupon(uc.CouponID), h.lockWait, h.lockLease, func(ctx context.Context) error {
		fresh, err := h.userCoupons.FindByID(ctx, userCouponID)
		if err != nil {
			return err
		}
		return fn(ctx, fresh)
	})
}

func (h *CouponSagaHandler) publishReserved(ctx context.Context, payload event.StockReserved, discount int64) error {
	evt, err := event.New(event.TopicCouponReserved, payload.OrderID, event.CouponReserved{
		OrderID:        payload.OrderID,
		UserID:         payload.UserID,
		TotalAmount:    payload.TotalAmount,
		DiscountAmount: discount,
		Timestamp:      time.Now(),
	})
	if err != nil {
		return err
	}
	return h.publisher.Publish(ctx, evt)
}

func (h *CouponSagaHandler) publishCompensation(ctx context.Context, orderID, userID string, cause error) error {
	logger.Ctx(ctx).Warn().Err(cause).Str("orderId", orderID).Msg("coupon reservation failed, compensating stock")
	evt, err := event.New(event.TopicStockCompensationRequired, orderID, event.StockCompensationRequired{
		OrderID:   orderID,
		UserID:    userID,
		Reason:    cause.Error(),
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	return h.publisher.Publish(ctx, evt)
}
