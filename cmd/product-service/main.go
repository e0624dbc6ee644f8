package main

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"minimall/internal/event"
	"minimall/internal/lock"
	"minimall/internal/outbox"
	"minimall/internal/pkg/bootstrap"
	"minimall/internal/pkg/config"
	"minimall/internal/pkg/gormtx"
	"minimall/internal/pkg/logger"
	"minimall/internal/pkg/mq"
	pkgredis "minimall/internal/pkg/redis"
	"minimall/internal/pkg/scheduler"
	"minimall/internal/service/product/application"
	"minimall/internal/service/product/infrastructure"
	"minimall/internal/service/product/interfaces"
)

const serviceName = "product-service"

const (
	consumerAttempts = 3
	consumerBackoff  = 200 * time.Millisecond
)

func main() {
	port, _ := strconv.Atoi(config.GetEnv("PORT", "8082"))

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
			if err := db.AutoMigrate(&infrastructure.ProductModel{}, &infrastructure.ReservationModel{}, &outbox.Record{}); err != nil {
				lg.Fatal().Err(err).Msg("failed to migrate schema")
			}

			redisClient, err := pkgredis.NewClient(cfg.Infra.RedisAddr)
			if err != nil {
				lg.Fatal().Err(err).Msg("failed to connect to redis")
			}

			// 库存预占走普通 Redis 锁；排行榜重算用 ZooKeeper 公平锁，
			// 低频任务被饿死会让榜单长期停更
			redisLock, err := lock.NewRedisManager(redisClient)
			if err != nil {
				lg.Fatal().Err(err).Msg("failed to initialize redis lock manager")
			}
			fairLock, err := lock.NewZkFairManager(cfg.Infra.ZkServers)
			if err != nil {
				lg.Fatal().Err(err).Msg("failed to initialize zookeeper lock manager")
			}

			tracer := otel.Tracer(serviceName)

			outboxRepo := outbox.NewGormRepository(db)
			kafkaPub := event.NewKafkaPublisher(cfg.Infra.KafkaBrokers)
			publisher := outbox.NewPublisher(outboxRepo, kafkaPub, cfg.Retry.BaseInterval)
			deadLetter := outbox.NewDeadLetter(outboxRepo, cfg.Retry.BaseInterval)

			products := infrastructure.NewGormProductRepository(db)
			reservations := infrastructure.NewGormReservationRepository(db)
			board := infrastructure.NewRedisRankingBoard(redisClient)

			interfaces.NewHandler(products, board).RegisterRoutes(appCtx.Mux)

			saga := application.NewStockSagaHandler(products, reservations, gormtx.NewRunner(db),
				redisLock, publisher, tracer, cfg.Lock.WaitTime, cfg.Lock.LeaseTime)
			syncer := application.NewRankingSyncer(infrastructure.NewGormSalesSource(db), board,
				fairLock, cfg.Lock.WaitTime, cfg.Lock.LeaseTime)

			return []bootstrap.Worker{
				consume(cfg, event.TopicOrderCreated, saga.HandleOrderCreated, deadLetter),
				consume(cfg, event.TopicStockCompensationRequired, saga.HandleStockCompensationRequired, deadLetter),
				func(ctx context.Context) error {
					return scheduler.Every(ctx, "ranking-sync", cfg.Worker.RankingSyncInterval, syncer.Run)
				},
			}
		},
	})
}

func consume(cfg *config.Config, topic string, handler event.Handler, dlq event.DeadLetterSink) bootstrap.Worker {
	reader := mq.NewKafkaReader(cfg.Infra.KafkaBrokers, topic, serviceName)
	return event.NewConsumer(reader, handler, consumerAttempts, consumerBackoff, dlq).Start
}
