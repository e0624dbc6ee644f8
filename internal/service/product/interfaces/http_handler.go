// internal/service/product/interfaces/http_handler.go
package interfaces

import (
	"net/http"
	"strconv"

	"minimall/internal/pkg/apperr"
	"minimall/internal/service/product/domain"
)

const defaultRankingLimit = 10

// Handler 暴露商品服务的 HTTP 接口。
type Handler struct {
	products domain.ProductRepository
	board    domain.RankingBoard
}

func NewHandler(products domain.ProductRepository, board domain.RankingBoard) *Handler {
	return &Handler{products: products, board: board}
}

// RegisterRoutes 注册商品服务的路由。
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/products/{id}", h.getProduct)
	mux.HandleFunc("GET /api/v1/products/ranking", h.getRanking)
}

type productResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unitPrice"`
	Stock     int64  `json:"stock"`
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		apperr.WriteError(w, apperr.New(apperr.CodeInvalidArgument, "product id is required"))
		return
	}

	product, err := h.products.FindByID(r.Context(), id)
	if err != nil {
		apperr.WriteError(w, err)
		return
	}

	apperr.WriteJSON(w, http.StatusOK, productResponse{
		ID:        product.ID,
		Name:      product.Name,
		UnitPrice: product.UnitPrice,
		Stock:     product.Stock,
	})
}

type rankingEntry struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
	Rank      int    `json:"rank"`
}

func (h *Handler) getRanking(w http.ResponseWriter, r *http.Request) {
	limit := defaultRankingLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			apperr.WriteError(w, apperr.New(apperr.CodeInvalidArgument, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	sales, err := h.board.Top(r.Context(), limit)
	if err != nil {
		apperr.WriteError(w, err)
		return
	}

	entries := make([]rankingEntry, 0, len(sales))
	for i, s := range sales {
		entries = append(entries, rankingEntry{ProductID: s.ProductID, Quantity: s.Quantity, Rank: i + 1})
	}
	apperr.WriteJSON(w, http.StatusOK, entries)
}
