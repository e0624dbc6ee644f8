// internal/service/product/domain/product.go
package domain

import (
	"time"

	"minimall/internal/pkg/apperr"
)

// Product 是商品聚合根。Stock 是被争抢的稀缺资源：
// 任何库存变更都必须在 product:<id> 锁内完成读—改—写。
type Product struct {
	ID        string
	Name      string
	UnitPrice int64
	Stock     int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReserveStock 预占库存。不足时返回业务错误，库存保持不变。
func (p *Product) ReserveStock(quantity int64) error {
	if quantity <= 0 {
		return apperr.New(apperr.CodeInvalidArgument, "reserve quantity must be positive, got %d", quantity)
	}
	if p.Stock < quantity {
		return apperr.New(apperr.CodeInsufficientStock, "product %s has stock %d, requested %d", p.ID, p.Stock, quantity)
	}
	p.Stock -= quantity
	p.UpdatedAt = time.Now()
	return nil
}

// RestoreStock 归还预占的库存（补偿路径）。
func (p *Product) RestoreStock(quantity int64) {
	p.Stock += quantity
	p.UpdatedAt = time.Now()
}
