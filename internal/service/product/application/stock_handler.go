// internal/service/product/application/stock_handler.go
package application

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"minimall/internal/event"
	"minimall/internal/lock"
	"minimall/internal/pkg/apperr"
	"minimall/internal/pkg/logger"
	"minimall/internal/service/product/domain"
)

// StockSagaHandler 是库存预占步骤及其补偿的处理器。
// 消费 order.created / stock.compensation.required，
// 每次处理在对应商品的锁内完成一次聚合变更并持久化。
type StockSagaHandler struct {
	products     domain.ProductRepository
	reservations domain.ReservationRepository
	uow          domain.UnitOfWork
	locker       lock.Manager
	publisher    event.Publisher
	tracer       trace.Tracer
	lockWait     time.Duration
	lockLease    time.Duration
}

// NewStockSagaHandler 创建库存步骤处理器。
func NewStockSagaHandler(products domain.ProductRepository, reservations domain.ReservationRepository,
	uow domain.UnitOfWork, locker lock.Manager, publisher event.Publisher, tracer trace.Tracer,
	lockWait, lockLease time.Duration) *StockSagaHandler {
	return &StockSagaHandler{
		products: products, reservations: reservations, uow: uow,
		locker: locker, publisher: publisher, tracer: tracer,
		lockWait: lockWait, lockLease: lockLease,
	}
}

// HandleOrderCreated 消费 order.created：逐商品预占库存。
// 整单预占在一个数据库事务里完成：任何一个商品失败整体回滚，
// 库存扣减和预占记录不会留下中间状态。库存不足发
// stock.reservation.failed 终结 Saga；瞬态失败什么都不留，
// 消息重投后从头再来。
func (h *StockSagaHandler) HandleOrderCreated(ctx context.Context, evt event.Event) error {
	ctx, span := h.tracer.Start(ctx, "saga.ReserveStock")
	defer span.End()

	var payload event.OrderCreated
	if err := evt.Decode(&payload); err != nil {
		return err
	}

	// 幂等短路：这笔订单已经预占过，重发上次的结果。
	// 预占是事务性的，存在记录即整单落库完毕；
	// 全部 RELEASED 只会由补偿链产生，说明订单已经回滚过，
	// 不能再发成功事件。
	existing, err := h.reservations.FindByOrder(ctx, payload.OrderID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		for _, reservation := range existing {
			if reservation.Status == domain.ReservationReserved {
				logger.Ctx(ctx).Info().Msg("stock already reserved for order, re-emitting outcome")
				return h.publishReserved(ctx, payload)
			}
		}
		logger.Ctx(ctx).Info().Msg("stock reservation for order was already released, ignoring duplicate")
		return nil
	}

	reserveErr := h.uow.Execute(ctx, func(ctx context.Context) error {
		for _, item := range payload.Items {
			if err := h.reserveOne(ctx, payload.OrderID, item); err != nil {
				return err
			}
		}
		return nil
	})
	switch {
	case reserveErr == nil:
		return h.publishReserved(ctx, payload)
	case apperr.CodeOf(reserveErr) == apperr.CodeConflict:
		// 并发重复投递抢先落库了，以对方的结果为准
		return h.republishOutcome(ctx, payload, reserveErr)
	case apperr.IsBusiness(reserveErr):
		return h.publishFailed(ctx, payload, reserveErr)
	default:
		return reserveErr
	}
}

// reserveOne 在单个商品的锁内完成"读库存—判断—扣减—落预占记录"。
// 持久化走外层事务，这里不处理回滚。
func (h *StockSagaHandler) reserveOne(ctx context.Context, orderID string, item event.OrderItem) error {
	return lock.Do(ctx, h.locker, lock.KeyProduct(item.ProductID), h.lockWait, h.lockLease, func(ctx context.Context) error {
		product, err := h.products.FindByID(ctx, item.ProductID)
		if err != nil {
			return err
		}
		if err := product.ReserveStock(item.Quantity); err != nil {
			return err
		}
		if err := h.products.Save(ctx, product); err != nil {
			return err
		}
		return h.reservations.Create(ctx, domain.NewStockReservation(orderID, item.ProductID, item.Quantity))
	})
}

// republishOutcome 在预占撞上唯一键冲突后重读落库结果并重发对应事件。
// 冲突即另一次投递已经提交，本次事务已整体回滚，没有残留。
func (h *StockSagaHandler) republishOutcome(ctx context.Context, payload event.OrderCreated, cause error) error {
	existing, err := h.reservations.FindByOrder(ctx, payload.OrderID)
	if err != nil {
		return err
	}
	for _, reservation := range existing {
		if reservation.Status == domain.ReservationReserved {
			logger.Ctx(ctx).Info().Msg("concurrent delivery already reserved stock for order, re-emitting outcome")
			return h.publishReserved(ctx, payload)
		}
	}
	if len(existing) > 0 {
		logger.Ctx(ctx).Info().Msg("stock reservation for order was already released, ignoring duplicate")
		return nil
	}
	return cause
}

// HandleStockCompensationRequired 消费 stock.compensation.required：
// 归还这笔订单的全部预占，然后发 order.failed 终结 Saga。
// 只有 RESERVED 状态的记录会被归还，重复补偿是安全的空操作。
func (h *StockSagaHandler) HandleStockCompensationRequired(ctx context.Context, evt event.Event) error {
	ctx, span := h.tracer.Start(ctx, "compensation.ReleaseStock")
	defer span.End()

	var payload event.StockCompensationRequired
	if err := evt.Decode(&payload); err != nil {
		return err
	}

	reservations, err := h.reservations.FindByOrder(ctx, payload.OrderID)
	if err != nil {
		return err
	}
	for _, reservation := range reservations {
		if err := h.releaseOne(ctx, reservation); err != nil {
			return err
		}
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

// releaseOne 归还一条预占。库存回加和状态翻转在同一个事务里，
// 不会出现已回加库存但记录仍是 RESERVED 的半程状态。
func (h *StockSagaHandler) releaseOne(ctx context.Context, reservation *domain.StockReservation) error {
	return lock.Do(ctx, h.locker, lock.KeyProduct(reservation.ProductID), h.lockWait, h.lockLease, func(ctx context.Context) error {
		if !reservation.Release() {
			return nil
		}
		return h.uow.Execute(ctx, func(ctx context.Context) error {
			product, err := h.products.FindByID(ctx, reservation.ProductID)
			if err != nil {
				return err
			}
			product.RestoreStock(reservation.Quantity)
			if err := h.products.Save(ctx, product); err != nil {
				return err
			}
			return h.reservations.Save(ctx, reservation)
		})
	})
}

func (h *StockSagaHandler) publishReserved(ctx context.Context, payload event.OrderCreated) error {
	evt, err := event.New(event.TopicStockReserved, payload.OrderID, event.StockReserved{
		OrderID:      payload.OrderID,
		UserID:       payload.UserID,
		UserCouponID: payload.UserCouponID,
		TotalAmount:  payload.TotalAmount,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return err
	}
	return h.publisher.Publish(ctx, evt)
}

func (h *StockSagaHandler) publishFailed(ctx context.Context, payload event.OrderCreated, cause error) error {
	logger.Ctx(ctx).Warn().Err(cause).Msg("stock reservation failed, saga terminates")
	evt, err := event.New(event.TopicStockReservationFailed, payload.OrderID, event.StockReservationFailed{
		OrderID:   payload.OrderID,
		UserID:    payload.UserID,
		Reason:    cause.Error(),
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	return h.publisher.Publish(ctx, evt)
}
