// internal/service/order/interfaces/http_handler.go
package interfaces

import (
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"minimall/internal/pkg/apperr"
	"minimall/internal/service/order/application"
	"minimall/internal/service/order/domain"
)

// OrderHandler 封装订单服务的 HTTP 处理器。
type OrderHandler struct {
	service *application.OrderService
}

func NewOrderHandler(service *application.OrderService) *OrderHandler {
	return &OrderHandler{service: service}
}

// RegisterRoutes 注册订单服务的路由。
func (h *OrderHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/orders", h.createOrder)
	mux.HandleFunc("GET /api/v1/orders/{id}", h.getOrder)
}

type createOrderRequest struct {
	UserID       string             `json:"userId"`
	Items        []orderItemRequest `json:"items"`
	UserCouponID string             `json:"userCouponId,omitempty"`
}

type orderItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
}

type orderResponse struct {
	ID             string             `json:"id"`
	UserID         string             `json:"userId"`
	Items          []orderItemRequest `json:"items"`
	UserCouponID   string             `json:"userCouponId,omitempty"`
	TotalAmount    int64              `json:"totalAmount"`
	DiscountAmount int64              `json:"discountAmount"`
	FinalAmount    int64              `json:"finalAmount"`
	Status         string             `json:"status"`
	FailureReason  string             `json:"failureReason,omitempty"`
	CreatedAt      string             `json:"createdAt"`
}

func (h *OrderHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteError(w, apperr.New(apperr.CodeInvalidArgument, "invalid request body"))
		return
	}

	items := make([]application.ItemRequest, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, application.ItemRequest{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	order, err := h.service.CreateOrder(ctx, application.CreateOrderRequest{
		UserID:       req.UserID,
		Items:        items,
		UserCouponID: req.UserCouponID,
	})
	if err != nil {
		apperr.WriteError(w, err)
		return
	}
	apperr.WriteJSON(w, http.StatusAccepted, toOrderResponse(order))
}

func (h *OrderHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		apperr.WriteError(w, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, toOrderResponse(order))
}

func toOrderResponse(order *domain.Order) orderResponse {
	items := make([]orderItemRequest, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemRequest{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return orderResponse{
		ID:             order.ID,
		UserID:         order.UserID,
		Items:          items,
		UserCouponID:   order.UserCouponID,
		TotalAmount:    order.TotalAmount,
		DiscountAmount: order.DiscountAmount,
		FinalAmount:    order.FinalAmount,
		Status:         string(order.Status),
		FailureReason:  order.FailureReason,
		CreatedAt:      order.CreatedAt.Format(time.RFC3339),
	}
}
