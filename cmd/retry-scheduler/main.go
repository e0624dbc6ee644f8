package main

import (
	"context"
	"strconv"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"minimall/internal/event"
	"minimall/internal/lock"
	"minimall/internal/outbox"
	"minimall/internal/pkg/bootstrap"
	"minimall/internal/pkg/config"
	"minimall/internal/pkg/logger"
	"minimall/internal/pkg/scheduler"
)

// retry-scheduler 是唯一的 outbox/死信重试工作器入口。
// 扫描本身在 dlq:retry 公平锁内执行，所以多实例部署也是安全的，
// 公平锁保证每个实例最终都能轮到，不会有实例被饿死。
const serviceName = "retry-scheduler"

func main() {
	port, _ := strconv.Atoi(config.GetEnv("PORT", "8090"))

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) []bootstrap.Worker {
			lg := logger.Ctx(context.Background())
			cfg := appCtx.Cfg

			db, err := gorm.Open(mysql.Open(cfg.Infra.MysqlDSN), &gorm.Config{})
			if err != nil {
				lg.Fatal().Err(err).Msg("failed to connect to mysql")
			}
			if err := db.AutoMigrate(&outbox.Record{}); err != nil {
				lg.Fatal().Err(err).Msg("failed to migrate schema")
			}

			fairLock, err := lock.NewZkFairManager(cfg.Infra.ZkServers)
			if err != nil {
				lg.Fatal().Err(err).Msg("failed to initialize zookeeper lock manager")
			}

			relay := outbox.NewRelay(
				outbox.NewGormRepository(db),
				event.NewKafkaPublisher(cfg.Infra.KafkaBrokers),
				fairLock,
				cfg.Retry.MaxAttempts, cfg.Retry.BaseInterval, cfg.Retry.BackoffMultiplier,
				cfg.Lock.WaitTime, cfg.Lock.LeaseTime,
			)

			return []bootstrap.Worker{
				func(ctx context.Context) error {
					return scheduler.Every(ctx, "outbox-retry", cfg.Worker.OutboxRetryInterval, relay.Run)
				},
			}
		},
	})
}
