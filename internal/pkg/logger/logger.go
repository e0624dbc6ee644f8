// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Init 初始化全局日志器。所有服务在 bootstrap 中调用一次。
// 日志级别通过 LOG_LEVEL 环境变量控制，默认 info。
func Init(serviceName string) {
	level := zerolog.InfoLevel
	if lv, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL"))); err == nil && lv != zerolog.NoLevel {
		level = lv
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	base := zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
	zerolog.DefaultContextLogger = &base
}

// Ctx 返回与 context 绑定的日志器。
// 消费者/处理器在入口处用 WithFields 附加 orderId 等关联字段后，
// 下游通过 Ctx(ctx) 取回，保证一条 Saga 的日志可以按 orderId 串联。
func Ctx(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

// WithFields 把附加字段写入 context 中的日志器并返回新的 context。
func WithFields(ctx context.Context, fields map[string]string) context.Context {
	lg := zerolog.Ctx(ctx).With()
	for k, v := range fields {
		lg = lg.Str(k, v)
	}
	l := lg.Logger()
	return l.WithContext(ctx)
}
