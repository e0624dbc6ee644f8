// internal/service/payment/domain/repository.go
package domain

import "context"

// UnitOfWork 把多个仓储写操作绑进同一个事务。
// fn 返回错误时全部回滚，仓储通过 ctx 感知事务。
type UnitOfWork interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// PointRepository 是积分账户的持久化契约。
type PointRepository interface {
	// FindByUser 按用户查账户，不存在返回 apperr.CodeNotFound。
	FindByUser(ctx context.Context, userID string) (*Point, error)
	Save(ctx context.Context, point *Point) error
}

// LedgerRepository 是积分流水的持久化契约。流水只追加。
type LedgerRepository interface {
	// Append 追加一条流水。orderID 非空时 (orderID, kind) 唯一，
	// 冲突返回 apperr.CodeConflict。
	Append(ctx context.Context, txn *PointTransaction) error
	// FindByOrderAndKind 查某订单某类型的流水，不存在返回 apperr.CodeNotFound。
	FindByOrderAndKind(ctx context.Context, orderID string, kind TransactionKind) (*PointTransaction, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*PointTransaction, error)
}
