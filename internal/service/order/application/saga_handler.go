// internal/service/order/application/saga_handler.go
package application

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"minimall/internal/event"
	"minimall/internal/pkg/apperr"
	"minimall/internal/pkg/logger"
	"minimall/internal/service/order/domain"
)

// OrderSagaHandler 把 Saga 的终局事件落到订单状态上。
// 消费 payment.completed / stock.reservation.failed / order.failed。
// 同一订单的事件按分区键串行到达，状态流转不需要额外加锁。
type OrderSagaHandler struct {
	orders    domain.OrderRepository
	publisher event.Publisher
	tracer    trace.Tracer
}

func NewOrderSagaHandler(orders domain.OrderRepository, publisher event.Publisher, tracer trace.Tracer) *OrderSagaHandler {
	return &OrderSagaHandler{orders: orders, publisher: publisher, tracer: tracer}
}

// HandlePaymentCompleted 消费 payment.completed：订单完成。
// 迟到的支付成功（订单已因补偿失败）不翻转终态，
// 而是发起 payment.compensation.required 把钱退回去。
func (h *OrderSagaHandler) HandlePaymentCompleted(ctx context.Context, evt event.Event) error {
	ctx, span := h.tracer.Start(ctx, "saga.CompleteOrder")
	defer span.End()

	var payload event.PaymentCompleted
	if err := evt.Decode(&payload); err != nil {
		return err
	}

	order, err := h.orders.FindByID(ctx, payload.OrderID)
	if err != nil {
		return err
	}

	if err := order.Complete(); err != nil {
		if apperr.CodeOf(err) == apperr.CodeConflict {
			logger.Ctx(ctx).Warn().Str("orderId", order.ID).
				Msg("payment completed for an already failed order, requesting refund")
			return h.publishRefundRequest(ctx, payload)
		}
		return err
	}
	if err := h.orders.Save(ctx, order); err != nil {
		return err
	}

	completed, err := event.New(event.TopicOrderCompleted, order.ID, event.OrderCompleted{
		OrderID:   order.ID,
		UserID:    order.UserID,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	return h.publisher.Publish(ctx, completed)
}

// HandleStockReservationFailed 消费 stock.reservation.failed：
// 第一步就失败，没有任何已提交的预占需要补偿，订单直接置为失败。
func (h *OrderSagaHandler) HandleStockReservationFailed(ctx context.Context, evt event.Event) error {
	ctx, span := h.tracer.Start(ctx, "saga.FailOrder")
	defer span.End()

	var payload event.StockReservationFailed
	if err := evt.Decode(&payload); err != nil {
		return err
	}
	if err := h.failOrder(ctx, payload.OrderID, payload.Reason); err != nil {
		return err
	}

	failed, err := event.New(event.TopicOrderFailed, payload.OrderID, event.OrderFailed{
		OrderID:   payload.OrderID,
		UserID:    payload.UserID,
		Reason:    payload.Reason,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	return h.publisher.Publish(ctx, failed)
}

// HandleOrderFailed 消费 order.failed（补偿链的终点）：订单置为失败。
func (h *OrderSagaHandler) HandleOrderFailed(ctx context.Context, evt event.Event) error {
	ctx, span := h.tracer.Start(ctx, "saga.FailOrder")
	defer span.End()

	var payload event.OrderFailed
	if err := evt.Decode(&payload); err != nil {
		return err
	}
	return h.failOrder(ctx, payload.OrderID, payload.Reason)
}

func (h *OrderSagaHandler) failOrder(ctx context.Context, orderID, reason string) error {
	order, err := h.orders.FindByID(ctx, orderID)
	if err != nil {
		return err
	}
	if err := order.Fail(reason); err != nil {
		// 已完成的订单收到迟到的失败事件：保持终态，只记日志
		if apperr.CodeOf(err) == apperr.CodeConflict {
			logger.Ctx(ctx).Warn().Str("orderId", orderID).Str("reason", reason).
				Msg("failure event arrived for a completed order, ignoring")
			return nil
		}
		return err
	}
	return h.orders.Save(ctx, order)
}

func (h *OrderSagaHandler) publishRefundRequest(ctx context.Context, payload event.PaymentCompleted) error {
	refund, err := event.New(event.TopicPaymentCompensationRequired, payload.OrderID, event.PaymentCompensationRequired{
		OrderID:   payload.OrderID,
		UserID:    payload.UserID,
		Reason:    "order already failed when payment completed",
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	return h.publisher.Publish(ctx, refund)
}
