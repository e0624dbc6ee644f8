// internal/service/product/domain/repository.go
package domain

import (
	"context"
	"time"
)

// ProductRepository 是商品聚合的持久化契约。
type ProductRepository interface {
	// FindByID 按 ID 查找，不存在时返回 apperr.CodeNotFound。
	FindByID(ctx context.Context, id string) (*Product, error)
	Save(ctx context.Context, product *Product) error
}

// ReservationRepository 是库存预占记录的持久化契约。
type ReservationRepository interface {
	FindByOrder(ctx context.Context, orderID string) ([]*StockReservation, error)
	// Create 插入预占记录。(orderID, productID) 冲突时返回 apperr.CodeConflict。
	Create(ctx context.Context, reservation *StockReservation) error
	Save(ctx context.Context, reservation *StockReservation) error
}

// UnitOfWork 把多个仓储写操作绑进同一个事务。
// fn 返回错误时全部回滚，仓储通过 ctx 感知事务。
type UnitOfWork interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// ProductSales 是排行榜的一条聚合结果。
type ProductSales struct {
	ProductID string
	Quantity  int64
}

// SalesSource 为排行榜重算提供销量数据。
type SalesSource interface {
	// TopReserved 统计窗口内各商品被预占（且未归还）的数量，按量降序。
	TopReserved(ctx context.Context, since time.Time, limit int) ([]ProductSales, error)
}

// RankingBoard 是排行榜的存取契约。
type RankingBoard interface {
	Replace(ctx context.Context, sales []ProductSales) error
	Top(ctx context.Context, limit int) ([]ProductSales, error)
}
