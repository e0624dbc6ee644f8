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
	"minimall/internal/queue"
	"minimall/internal/service/promotion/application"
	"minimall/internal/service/promotion/infrastructure"
	"minimall/internal/service/promotion/infrastructure/rule"
	"minimall/internal/service/promotion/interfaces"
)

const serviceName = "promotion-service"

const (
	consumerAttempts = 3
	consumerBackoff  = 200 * time.Millisecond
)

func main() {
	port, _ := strconv.Atoi(config.GetEnv("PORT", "8083"))

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
			if err := db.AutoMigrate(&infrastructure.CouponModel{}, &infrastructure.UserCouponModel{},
				&infrastructure.IssueFailureModel{}, &outbox.Record{}); err != nil {
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

			ruleEngine, err := rule.NewCelEngine()
			if err != nil {
				lg.Fatal().Err(err).Msg("failed to initialize rule engine")
			}

			tracer := otel.Tracer(serviceName)

			outboxRepo := outbox.NewGormRepository(db)
			kafkaPub := event.NewKafkaPublisher(cfg.Infra.KafkaBrokers)
			publisher := outbox.NewPublisher(outboxRepo, kafkaPub, cfg.Retry.BaseInterval)
			deadLetter := outbox.NewDeadLetter(outboxRepo, cfg.Retry.BaseInterval)

			coupons := infrastructure.NewGormCouponRepository(db)
			userCoupons := infrastructure.NewGormUserCouponRepository(db)
			failures := infrastructure.NewGormFailureLog(db)
			admission := queue.NewRedisAdmission(redisClient)

			issuance := application.NewIssuanceService(coupons, userCoupons, admission, ruleEngine)
			interfaces.NewPromotionHandler(issuance).RegisterRoutes(appCtx.Mux)

			saga := application.NewCouponSagaHandler(userCoupons, redisLock,
				publisher, tracer, cfg.Lock.WaitTime, cfg.Lock.LeaseTime)
			drain := application.NewDrainWorker(coupons, userCoupons, admission, failures,
				gormtx.NewRunner(db), redisLock, cfg.Lock.WaitTime, cfg.Lock.LeaseTime)

			return []bootstrap.Worker{
				consume(cfg, event.TopicStockReserved, saga.HandleStockReserved, deadLetter),
				consume(cfg, event.TopicCouponCompensationRequired, saga.HandleCouponCompensationRequired, deadLetter),
				consume(cfg, event.TopicPaymentCompleted, saga.HandlePaymentCompleted, deadLetter),
				func(ctx context.Context) error {
					return scheduler.Every(ctx, "coupon-drain", cfg.Worker.CouponDrainInterval, drain.Run)
				},
			}
		},
	})
}

func consume(cfg *config.Config, topic string, handler event.Handler, dlq event.DeadLetterSink) bootstrap.Worker {
	reader := mq.NewKafkaReader(cfg.Infra.KafkaBrokers, topic, serviceName)
	return event.NewConsumer(reader, handler, consumerAttempts, consumerBackoff, dlq).Start
}
