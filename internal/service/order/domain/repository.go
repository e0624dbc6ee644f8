// internal/service/order/domain/repository.go
package domain

import "context"

// OrderRepository 是订单聚合的持久化契约。
type OrderRepository interface {
	// FindByID 按 ID 查找，不存在返回 apperr.CodeNotFound。
	FindByID(ctx context.Context, id string) (*Order, error)
	// Create 插入订单，主键冲突返回 apperr.CodeConflict。
	Create(ctx context.Context, order *Order) error
	Save(ctx context.Context, order *Order) error
}
