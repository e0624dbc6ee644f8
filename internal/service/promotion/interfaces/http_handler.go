// internal/service/promotion/interfaces/http_handler.go
package interfaces

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"minimall/internal/pkg/apperr"
	"minimall/internal/service/promotion/application"
	"minimall/internal/service/promotion/domain"
)

// PromotionHandler 封装促销服务的 HTTP 处理器。
type PromotionHandler struct {
	issuance *application.IssuanceService
}

func NewPromotionHandler(issuance *application.IssuanceService) *PromotionHandler {
	return &PromotionHandler{issuance: issuance}
}

// RegisterRoutes 注册促销服务的路由。
func (h *PromotionHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/coupons/{id}/issuance", h.requestIssuance)
	mux.HandleFunc("GET /api/v1/users/{userId}/coupons", h.listUserCoupons)
	mux.HandleFunc("GET /api/v1/user-coupons/{id}", h.getUserCoupon)
}

type issuanceRequest struct {
	UserID string `json:"userId"`
}

func (h *PromotionHandler) requestIssuance(w http.ResponseWriter, r *http.Request) {
	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var req issuanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteError(w, apperr.New(apperr.CodeInvalidArgument, "invalid request body"))
		return
	}

	ticket, err := h.issuance.RequestIssuance(ctx, r.PathValue("id"), req.UserID)
	if err != nil {
		apperr.WriteError(w, err)
		return
	}
	apperr.WriteJSON(w, http.StatusAccepted, ticket)
}

func (h *PromotionHandler) getUserCoupon(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		apperr.WriteError(w, apperr.New(apperr.CodeInvalidArgument, "user coupon id must be numeric"))
		return
	}
	uc, err := h.issuance.GetUserCoupon(r.Context(), id)
	if err != nil {
		apperr.WriteError(w, err)
		return
	}
	resp := toUserCouponResponse(uc)
	resp.UserID = uc.UserID
	apperr.WriteJSON(w, http.StatusOK, resp)
}

type userCouponResponse struct {
	ID             uint64 `json:"id"`
	UserID         string `json:"userId,omitempty"`
	CouponID       string `json:"couponId"`
	DiscountAmount int64  `json:"discountAmount"`
	Status         string `json:"status"`
	IssuedAt       string `json:"issuedAt"`
	ExpiresAt      string `json:"expiresAt"`
}

func (h *PromotionHandler) listUserCoupons(w http.ResponseWriter, r *http.Request) {
	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	coupons, err := h.issuance.ListUserCoupons(ctx, r.PathValue("userId"))
	if err != nil {
		apperr.WriteError(w, err)
		return
	}

	out := make([]userCouponResponse, 0, len(coupons))
	for _, uc := range coupons {
		out = append(out, toUserCouponResponse(uc))
	}
	apperr.WriteJSON(w, http.StatusOK, out)
}

func toUserCouponResponse(uc *domain.UserCoupon) userCouponResponse {
	return userCouponResponse{
		ID:             uc.ID,
		CouponID:       uc.CouponID,
		DiscountAmount: uc.DiscountAmount,
		Status:         string(uc.Status),
		IssuedAt:       uc.IssuedAt.Format(time.RFC3339),
		ExpiresAt:      uc.ExpiresAt.Format(time.RFC3339),
	}
}
