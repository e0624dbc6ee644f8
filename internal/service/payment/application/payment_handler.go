// internal/service/payment/application/payment_handler.go
package application

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"minimall/internal/event"
	"minimall/internal/lock"
	"minimall/internal/pkg/apperr"
	"minimall/internal/pkg/logger"
	"minimall/internal/service/payment/domain"
)

// PaymentSagaHandler 是积分支付步骤及其补偿的处理器。
// 消费 coupon.reserved / payment.compensation.required。
type PaymentSagaHandler struct {
	points    domain.PointRepository
	ledger    domain.LedgerRepository
	uow       domain.UnitOfWork
	locker    lock.Manager
	publisher event.Publisher
	tracer    trace.Tracer
	lockWait  time.Duration
	lockLease time.Duration
}

func NewPaymentSagaHandler(points domain.PointRepository, ledger domain.LedgerRepository,
	uow domain.UnitOfWork, locker lock.Manager, publisher event.Publisher, tracer trace.Tracer,
	lockWait, lockLease time.Duration) *PaymentSagaHandler {
	return &PaymentSagaHandler{
		points: points, ledger: ledger, uow: uow,
		locker: locker, publisher: publisher, tracer: tracer,
		lockWait: lockWait, lockLease: lockLease,
	}
}

// HandleCouponReserved 消费 coupon.reserved：扣减实付积分。
// 实付 = total - min(discount, total)，折扣封顶不产生负数。
// (orderID, DEDUCT) 流水是幂等标记：重复投递重发上次结果。
// 余额不足是终态失败：发 payment.failed 并触发优惠券补偿链。
func (h *PaymentSagaHandler) HandleCouponReserved(ctx context.Context, evt event.Event) error {
	ctx, span := h.tracer.Start(ctx, "saga.DeductPoints")
	defer span.End()

	var payload event.CouponReserved
	if err := evt.Decode(&payload); err != nil {
		return err
	}

	discount := payload.DiscountAmount
	if discount > payload.TotalAmount {
		discount = payload.TotalAmount
	}
	final := payload.TotalAmount - discount

	// 幂等短路
	if _, err := h.ledger.FindByOrderAndKind(ctx, payload.OrderID, domain.KindDeduct); err == nil {
		logger.Ctx(ctx).Info().Str("orderId", payload.OrderID).Msg("points already deducted for order, re-emitting outcome")
		return h.publishCompleted(ctx, payload, final, discount)
	} else if apperr.CodeOf(err) != apperr.CodeNotFound {
		return err
	}

	deductErr := lock.Do(ctx, h.locker, lock.KeyPointUser(payload.UserID), h.lockWait, h.lockLease, func(ctx context.Context) error {
		now := time.Now()
		point, err := h.points.FindByUser(ctx, payload.UserID)
		if err != nil {
			if apperr.CodeOf(err) != apperr.CodeNotFound {
				return err
			}
			point = domain.NewPoint(payload.UserID, now)
		}
		if err := point.Deduct(final, now); err != nil {
			return err
		}
		// 余额更新和扣款流水在同一个事务里落库。
		// 并发重复投递由 (orderID, DEDUCT) 唯一键兜底：
		// 冲突即对方已扣过，事务整体回滚，这次什么都不留。
		err = h.uow.Execute(ctx, func(ctx context.Context) error {
			if err := h.points.Save(ctx, point); err != nil {
				return err
			}
			return h.ledger.Append(ctx, &domain.PointTransaction{
				UserID:  payload.UserID,
				OrderID: payload.OrderID,
				Kind:    domain.KindDeduct,
				Amount:  -final,
			})
		})
		if apperr.CodeOf(err) == apperr.CodeConflict {
			return nil
		}
		return err
	})
	if deductErr != nil {
		if apperr.IsBusiness(deductErr) {
			return h.publishFailed(ctx, payload, deductErr)
		}
		return deductErr
	}

	return h.publishCompleted(ctx, payload, final, discount)
}

// HandlePaymentCompensationRequired 消费 payment.compensation.required：
// 把已扣的积分退回去。没有扣款流水或已退过都是安全的空操作。
func (h *PaymentSagaHandler) HandlePaymentCompensationRequired(ctx context.Context, evt event.Event) error {
	ctx, span := h.tracer.Start(ctx, "compensation.RefundPoints")
	defer span.End()

	var payload event.PaymentCompensationRequired
	if err := evt.Decode(&payload); err != nil {
		return err
	}

	deduct, err := h.ledger.FindByOrderAndKind(ctx, payload.OrderID, domain.KindDeduct)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeNotFound {
			return nil
		}
		return err
	}
	if _, err := h.ledger.FindByOrderAndKind(ctx, payload.OrderID, domain.KindRefund); err == nil {
		return nil
	} else if apperr.CodeOf(err) != apperr.CodeNotFound {
		return err
	}

	refund := -deduct.Amount
	return lock.Do(ctx, h.locker, lock.KeyPointUser(payload.UserID), h.lockWait, h.lockLease, func(ctx context.Context) error {
		now := time.Now()
		point, err := h.points.FindByUser(ctx, payload.UserID)
		if err != nil {
			return err
		}
		if refund > 0 {
			if err := point.Charge(refund, now); err != nil {
				return err
			}
		}
		// 退款和流水同一事务：(orderID, REFUND) 冲突说明已退过，整体回滚
		err = h.uow.Execute(ctx, func(ctx context.Context) error {
			if refund > 0 {
				if err := h.points.Save(ctx, point); err != nil {
					return err
				}
			}
			return h.ledger.Append(ctx, &domain.PointTransaction{
				UserID:  payload.UserID,
				OrderID: payload.OrderID,
				Kind:    domain.KindRefund,
				Amount:  refund,
			})
		})
		if apperr.CodeOf(err) == apperr.CodeConflict {
			return nil
		}
		return err
	})
}

func (h *PaymentSagaHandler) publishCompleted(ctx context.Context, payload event.CouponReserved, paid, discount int64) error {
	evt, err := event.New(event.TopicPaymentCompleted, payload.OrderID, event.PaymentCompleted{
		OrderID:        payload.OrderID,
		UserID:         payload.UserID,
		PaidAmount:     paid,
		DiscountAmount: discount,
		Timestamp:      time.Now(),
	})
	if err != nil {
		return err
	}
	return h.publisher.Publish(ctx, evt)
}

// publishFailed 发布支付失败并启动反向补偿链：
// 失败在第 N 步，先补偿第 N-1 步（优惠券），再由它继续向前解退。
func (h *PaymentSagaHandler) publishFailed(ctx context.Context, payload event.CouponReserved, cause error) error {
	logger.Ctx(ctx).Warn().Err(cause).Str("orderId", payload.OrderID).Msg("payment failed, starting compensation chain")

	failed, err := event.New(event.TopicPaymentFailed, payload.OrderID, event.PaymentFailed{
		OrderID:   payload.OrderID,
		UserID:    payload.UserID,
		Reason:    cause.Error(),
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	if err := h.publisher.Publish(ctx, failed); err != nil {
		return err
	}

	compensate, err := event.New(event.TopicCouponCompensationRequired, payload.OrderID, event.CouponCompensationRequired{
		OrderID:   payload.OrderID,
		UserID:    payload.UserID,
		Reason:    cause.Error(),
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	return h.publisher.Publish(ctx, compensate)
}
