// internal/service/order/application/service.go
package application

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"minimall/internal/event"
	"minimall/internal/pkg/apperr"
	"minimall/internal/pkg/logger"
	"minimall/internal/service/order/domain"
	"minimall/internal/service/order/domain/port"
)

// CreateOrderRequest 是下单入参。
type CreateOrderRequest struct {
	UserID       string
	Items        []ItemRequest
	UserCouponID string
}

type ItemRequest struct {
	ProductID string
	Quantity  int64
}

// OrderService 受理下单与订单查询。
// 下单只落 PENDING 订单并发出 order.created，
// 后续状态完全由 Saga 事件驱动，这里不做任何库存/积分判断。
type OrderService struct {
	orders    domain.OrderRepository
	catalog   port.Catalog
	coupons   port.CouponReader
	publisher event.Publisher
	tracer    trace.Tracer
}

func NewOrderService(orders domain.OrderRepository, catalog port.Catalog, coupons port.CouponReader,
	publisher event.Publisher, tracer trace.Tracer) *OrderService {
	return &OrderService{orders: orders, catalog: catalog, coupons: coupons, publisher: publisher, tracer: tracer}
}

// CreateOrder 计价、落单、发 order.created。
// 返回时订单还是 PENDING：Saga 的结果要靠查询或推送拿到。
func (s *OrderService) CreateOrder(ctx context.Context, req CreateOrderRequest) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.Create")
	defer span.End()

	if req.UserID == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "userId is required")
	}

	items := make([]domain.OrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		product, err := s.catalog.GetProduct(ctx, item.ProductID)
		if err != nil {
			return nil, err
		}
		items = append(items, domain.OrderItem{
			ProductID: product.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: product.UnitPrice,
		})
	}

	var discount int64
	if req.UserCouponID != "" {
		coupon, err := s.coupons.GetUserCoupon(ctx, req.UserCouponID)
		if err != nil {
			return nil, err
		}
		if coupon.UserID != req.UserID {
			return nil, apperr.New(apperr.CodeCouponNotUsable, "user coupon %s does not belong to user %s", req.UserCouponID, req.UserID)
		}
		if !coupon.Usable {
			return nil, apperr.New(apperr.CodeCouponNotUsable, "user coupon %s is not usable", req.UserCouponID)
		}
		discount = coupon.DiscountAmount
	}

	order, err := domain.NewOrder(uuid.NewString(), req.UserID, items, req.UserCouponID, discount)
	if err != nil {
		return nil, err
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return nil, err
	}

	eventItems := make([]event.OrderItem, 0, len(order.Items))
	for _, item := range order.Items {
		eventItems = append(eventItems, event.OrderItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	created, err := event.New(event.TopicOrderCreated, order.ID, event.OrderCreated{
		OrderID:      order.ID,
		UserID:       order.UserID,
		Items:        eventItems,
		UserCouponID: order.UserCouponID,
		TotalAmount:  order.TotalAmount,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return nil, err
	}
	if err := s.publisher.Publish(ctx, created); err != nil {
		return nil, err
	}

	logger.Ctx(ctx).Info().
		Str("orderId", order.ID).Str("userId", order.UserID).
		Int64("total", order.TotalAmount).Int64("final", order.FinalAmount).
		Msg("order created, saga started")
	return order, nil
}

// GetOrder 查询订单。
func (s *OrderService) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	if id == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "order id is required")
	}
	return s.orders.FindByID(ctx, id)
}
