// internal/service/payment/interfaces/http_handler.go
package interfaces

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"minimall/internal/pkg/apperr"
	"minimall/internal/service/payment/application"
)

// PaymentHandler 封装支付服务的 HTTP 处理器。
type PaymentHandler struct {
	points *application.PointService
}

func NewPaymentHandler(points *application.PointService) *PaymentHandler {
	return &PaymentHandler{points: points}
}

// RegisterRoutes 注册支付服务的路由。
func (h *PaymentHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/points/{userId}/charge", h.charge)
	mux.HandleFunc("GET /api/v1/points/{userId}", h.balance)
	mux.HandleFunc("GET /api/v1/points/{userId}/transactions", h.transactions)
}

type chargeRequest struct {
	Amount int64 `json:"amount"`
}

type balanceResponse struct {
	UserID  string `json:"userId"`
	Balance int64  `json:"balance"`
}

func (h *PaymentHandler) charge(w http.ResponseWriter, r *http.Request) {
	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var req chargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteError(w, apperr.New(apperr.CodeInvalidArgument, "invalid request body"))
		return
	}

	point, err := h.points.Charge(ctx, r.PathValue("userId"), req.Amount)
	if err != nil {
		apperr.WriteError(w, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, balanceResponse{UserID: point.UserID, Balance: point.Balance})
}

func (h *PaymentHandler) balance(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	balance, err := h.points.Balance(r.Context(), userID)
	if err != nil {
		apperr.WriteError(w, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, balanceResponse{UserID: userID, Balance: balance})
}

type transactionResponse struct {
	ID        uint64 `json:"id"`
	OrderID   string `json:"orderId,omitempty"`
	Kind      string `json:"kind"`
	Amount    int64  `json:"amount"`
	CreatedAt string `json:"createdAt"`
}

func (h *PaymentHandler) transactions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txns, err := h.points.Ledger(r.Context(), r.PathValue("userId"), limit)
	if err != nil {
		apperr.WriteError(w, err)
		return
	}

	out := make([]transactionResponse, 0, len(txns))
	for _, txn := range txns {
		out = append(out, transactionResponse{
			ID:        txn.ID,
			OrderID:   txn.OrderID,
			Kind:      string(txn.Kind),
			Amount:    txn.Amount,
			CreatedAt: txn.CreatedAt.Format(time.RFC3339),
		})
	}
	apperr.WriteJSON(w, http.StatusOK, out)
}
