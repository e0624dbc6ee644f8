package main

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"minimall/internal/event"
	"minimall/internal/outbox"
	"minimall/internal/pkg/bootstrap"
	"minimall/internal/pkg/config"
	"minimall/internal/pkg/httpclient"
	"minimall/internal/pkg/logger"
	"minimall/internal/pkg/mq"
	"minimall/internal/service/order/application"
	"minimall/internal/service/order/infrastructure"
	"minimall/internal/service/order/infrastructure/adapter"
	"minimall/internal/service/order/interfaces"
)

const serviceName = "order-service"

// 消息处理的就地重试参数：瞬态失败先在进程内短退避重试，
// 仍失败才落死信交给重试工作器。
const (
	consumerAttempts = 3
	consumerBackoff  = 200 * time.Millisecond
)

func main() {
	port, _ := strconv.Atoi(config.GetEnv("PORT", "8081"))

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
			if err := db.AutoMigrate(&infrastructure.OrderModel{}, &outbox.Record{}); err != nil {
				lg.Fatal().Err(err).Msg("failed to migrate schema")
			}

			tracer := otel.Tracer(serviceName)

			// 发布都走 outbox：先落库再投递，投递失败交给重试工作器
			outboxRepo := outbox.NewGormRepository(db)
			kafkaPub := event.NewKafkaPublisher(cfg.Infra.KafkaBrokers)
			publisher := outbox.NewPublisher(outboxRepo, kafkaPub, cfg.Retry.BaseInterval)
			deadLetter := outbox.NewDeadLetter(outboxRepo, cfg.Retry.BaseInterval)

			orders := infrastructure.NewGormOrderRepository(db)

			httpClient := httpclient.NewClient(tracer)
			catalog := adapter.NewCatalogHTTPAdapter(httpClient, appCtx.Nacos)
			coupons := adapter.NewCouponHTTPAdapter(httpClient, appCtx.Nacos)

			orderService := application.NewOrderService(orders, catalog, coupons, publisher, tracer)
			interfaces.NewOrderHandler(orderService).RegisterRoutes(appCtx.Mux)

			saga := application.NewOrderSagaHandler(orders, publisher, tracer)

			return []bootstrap.Worker{
				consume(cfg, event.TopicPaymentCompleted, saga.HandlePaymentCompleted, deadLetter),
				consume(cfg, event.TopicStockReservationFailed, saga.HandleStockReservationFailed, deadLetter),
				consume(cfg, event.TopicOrderFailed, saga.HandleOrderFailed, deadLetter),
			}
		},
	})
}

func consume(cfg *config.Config, topic string, handler event.Handler, dlq event.DeadLetterSink) bootstrap.Worker {
	reader := mq.NewKafkaReader(cfg.Infra.KafkaBrokers, topic, serviceName)
	return event.NewConsumer(reader, handler, consumerAttempts, consumerBackoff, dlq).Start
}
