// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"minimall/internal/pkg/config"
	"minimall/internal/pkg/logger"
	"minimall/internal/pkg/nacos"
	"minimall/internal/pkg/tracing"
)

// AppCtx 传递给服务的组装回调，携带注册路由所需的共享组件。
type AppCtx struct {
	Mux   *http.ServeMux
	Nacos *nacos.Client
	Cfg   *config.Config
}

// Worker 是一个随服务生命周期运行的后台任务（消费者循环、定时工作器等）。
// ctx 取消即要求退出。
type Worker func(ctx context.Context) error

// AppInfo 包含启动一个微服务所需的所有特定信息。
// RegisterHandlers 在配置加载、追踪初始化之后被调用一次，
// 负责组装服务并注册路由，返回需要随服务运行的后台工作器。
type AppInfo struct {
	ServiceName      string
	Port             int
	RegisterHandlers func(appCtx AppCtx) []Worker
}

// StartService 封装所有微服务的通用启动和优雅关停逻辑：
// 配置加载、日志、追踪、Nacos 注册、HTTP 服务、后台工作器、信号处理。
func StartService(info AppInfo) {
	logger.Init(info.ServiceName)
	lg := logger.Ctx(context.Background())

	cfg, err := config.Load()
	if err != nil {
		lg.Fatal().Err(err).Msg("failed to load config")
	}

	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		lg.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}

	namingClient, err := nacos.NewClient(cfg.Infra.NacosAddrs, os.Getenv("NACOS_NAMESPACE"), cfg.Infra.NacosGroup)
	if err != nil {
		lg.Fatal().Err(err).Msg("failed to initialize nacos client")
	}

	ip, err := outboundIP()
	if err != nil {
		lg.Fatal().Err(err).Msg("failed to get outbound IP address")
	}

	if err := namingClient.RegisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
		lg.Fatal().Err(err).Msg("failed to register service with nacos")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())

	var workers []Worker
	if info.RegisterHandlers != nil {
		workers = info.RegisterHandlers(AppCtx{Mux: mux, Nacos: namingClient, Cfg: cfg})
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group, groupCtx := errgroup.WithContext(rootCtx)
	for _, w := range workers {
		worker := w
		group.Go(func() error { return worker(groupCtx) })
	}

	server := &http.Server{Addr: ":" + strconv.Itoa(info.Port), Handler: mux}
	go func() {
		lg.Info().Str("addr", server.Addr).Msgf("%s listening", info.ServiceName)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case <-groupCtx.Done():
		// 某个关键后台工作器退出了，整个进程跟着停
	}
	lg.Info().Msgf("shutting down service %s", info.ServiceName)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// 关停顺序：先摘流量，再停工作器，最后冲刷追踪数据
	if err := namingClient.DeregisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
		lg.Error().Err(err).Msg("error deregistering from nacos")
	}

	cancel()
	if err := group.Wait(); err != nil && err != context.Canceled {
		lg.Error().Err(err).Msg("background worker exited with error")
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		lg.Error().Err(err).Msg("error shutting down http server")
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		lg.Error().Err(err).Msg("error shutting down tracer provider")
	}

	lg.Info().Msgf("service %s gracefully shut down", info.ServiceName)
}

// outboundIP 获取本机对外 IP，用于服务注册。
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
