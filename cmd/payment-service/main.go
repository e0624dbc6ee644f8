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
	"minimall/internal/service/payment/application"
	"minimall/internal/service/payment/infrastructure"
	"minimall/internal/service/payment/interfaces"
)

const serviceName = "payment-service"

const (
	consumerAttempts = 3
	consumerBackoff  = 200 * time.Millisecond
)

func main() {
	port, _ := strconv.Atoi(config.GetEnv("PORT", "8084"))

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
			if err := db.AutoMigrate(&infrastructure.PointModel{}, &infrastructure.PointTransactionModel{}, &outbox.Record{}); err != nil {
				lg.Fatal().Err(err).Msg("failed to migrate schema")
			}

			redisClient, err := pkgredis.NewClient(cfg.Infra.RedisAddr)
			if err != nil {
				lg.Fatal().Err(err).Msg("failed to connect to redis")
			}
			redisLock, err := lock.NewRedisManager(redisClient)
			if err != nil {
				lg.Fatal().Err(err).Msg("failed to initialize redis lock manager")
			}

			tracer := otel.Tracer(serviceName)

			outboxRepo := outbox.NewGormRepository(db)
			kafkaPub := event.NewKafkaPublisher(cfg.Infra.KafkaBrokers)
			publisher := outbox.NewPublisher(outboxRepo, kafkaPub, cfg.Retry.BaseInterval)
			deadLetter := outbox.NewDeadLetter(outboxRepo, cfg.Retry.BaseInterval)

			points := infrastructure.NewGormPointRepository(db)
			ledger := infrastructure.NewGormLedgerRepository(db)

			uow := gormtx.NewRunner(db)

			pointService := application.NewPointService(points, ledger, uow,
				redisLock, cfg.Lock.WaitTime, cfg.Lock.LeaseTime)
			interfaces.NewPaymentHandler(pointService).RegisterRoutes(appCtx.Mux)

			saga := application.NewPaymentSagaHandler(points, ledger, uow,
				redisLock, publisher, tracer, cfg.Lock.WaitTime, cfg.Lock.LeaseTime)

			return []bootstrap.Worker{
				consume(cfg, event.TopicCouponReserved, saga.HandleCouponReserved, deadLetter),
				consume(cfg, event.TopicPaymentCompensationRequired, saga.HandlePaymentCompensationRequired, deadLetter),
			}
		},
	})
}

func consume(cfg *config.Config, topic string, handler event.Handler, dlq event.DeadLetterSink) bootstrap.Worker {
	reader := mq.NewKafkaReader(cfg.Infra.KafkaBrokers, topic, serviceName)
	return event.NewConsumer(reader, handler, consumerAttempts, consumerBackoff, dlq).Start
}
