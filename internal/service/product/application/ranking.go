// internal/service/product/application/ranking.go
package application

import (
	"context"
	"time"

	"minimall/internal/lock"
	"minimall/internal/pkg/logger"
	"minimall/internal/service/product/domain"
)

const (
	rankingWindow = 24 * time.Hour
	rankingLimit  = 100
)

// RankingSyncer 周期性重算人气商品排行榜。
// 重算在公平锁 ranking:update 内进行：这是低频操作，
// 多实例下等待者被饿死会让榜单长期停更，所以用 FIFO 锁。
type RankingSyncer struct {
	source    domain.SalesSource
	board     domain.RankingBoard
	locker    lock.Manager
	lockWait  time.Duration
	lockLease time.Duration
}

// NewRankingSyncer 创建排行榜同步器。locker 应传公平锁实现。
func NewRankingSyncer(source domain.SalesSource, board domain.RankingBoard,
	locker lock.Manager, lockWait, lockLease time.Duration) *RankingSyncer {
	return &RankingSyncer{source: source, board: board, locker: locker, lockWait: lockWait, lockLease: lockLease}
}

// Run 执行一轮重算。作为 scheduler.Task 周期调用，幂等。
func (s *RankingSyncer) Run(ctx context.Context) error {
	return lock.Do(ctx, s.locker, lock.KeyRankingUpdate(), s.lockWait, s.lockLease, func(ctx context.Context) error {
		sales, err := s.source.TopReserved(ctx, time.Now().Add(-rankingWindow), rankingLimit)
		if err != nil {
			return err
		}
		if err := s.board.Replace(ctx, sales); err != nil {
			return err
		}
		logger.Ctx(ctx).Info().Int("products", len(sales)).Msg("product ranking refreshed")
		return nil
	})
}
