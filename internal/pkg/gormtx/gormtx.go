// internal/pkg/gormtx/gormtx.go
package gormtx

import (
	"context"

	"gorm.io/gorm"
)

type txKey struct{}

// Runner 把一段业务代码包进同一个数据库事务。
// 事务句柄放进 context 传递，仓储层用 DB 取出，
// 这样应用层不感知 *gorm.DB，仓储层不感知事务边界。
type Runner struct {
	db *gorm.DB
}

func NewRunner(db *gorm.DB) *Runner {
	return &Runner{db: db}
}

// Execute 在单个事务里执行 fn。fn 返回错误则整体回滚。
func (r *Runner) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// DB 返回 context 里携带的事务句柄；不在事务中时退回 fallback。
func DB(ctx context.Context, fallback *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return fallback.WithContext(ctx)
}
