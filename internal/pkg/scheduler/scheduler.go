// internal/pkg/scheduler/scheduler.go
package scheduler

import (
	"context"
	"time"

	"minimall/internal/pkg/logger"
)

// Task 是一个幂等的工作单元。调度器只负责"按间隔调用"，不关心业务含义。
type Task func(ctx context.Context) error

// Every 以固定间隔运行 task，直到 ctx 取消。
// task 返回的错误只记录日志，不会中断调度；工作单元必须幂等，
// 单次失败留给下一个周期自然重试。
func Every(ctx context.Context, name string, interval time.Duration, task Task) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Ctx(ctx).Info().Str("task", name).Dur("interval", interval).Msg("periodic task started")

	for {
		select {
		case <-ticker.C:
			if err := task(ctx); err != nil {
				logger.Ctx(ctx).Error().Err(err).Str("task", name).Msg("periodic task run failed")
			}
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Str("task", name).Msg("periodic task stopped")
			return ctx.Err()
		}
	}
}
