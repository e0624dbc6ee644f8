// internal/service/order/domain/port/catalog.go
package port

import "context"

// ProductInfo 是下单计价所需的商品信息。
type ProductInfo struct {
	ProductID string
	UnitPrice int64
}

// Catalog 查询商品定价（商品服务的出站端口）。
type Catalog interface {
	// GetProduct 不存在的商品返回 apperr.CodeNotFound。
	GetProduct(ctx context.Context, productID string) (*ProductInfo, error)
}
