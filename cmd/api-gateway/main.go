package main

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"minimall/internal/pkg/bootstrap"
	"minimall/internal/pkg/config"
	"minimall/internal/pkg/logger"
	"minimall/internal/pkg/nacos"
)

// api-gateway 是对外的统一入口：按路径前缀把请求转发到对应服务，
// 实例地址每次转发时从 Nacos 现查，不在网关里缓存路由表。
const serviceName = "api-gateway"

func main() {
	port, _ := strconv.Atoi(config.GetEnv("PORT", "8080"))

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) []bootstrap.Worker {
			proxy := newProxy(appCtx.Nacos)

			r := chi.NewRouter()
			r.Use(middleware.Recoverer)
			r.Use(accessLog)

			r.Route("/api/v1", func(r chi.Router) {
				r.Handle("/orders", proxy.to("order-service"))
				r.Handle("/orders/*", proxy.to("order-service"))
				r.Handle("/products/*", proxy.to("product-service"))
				r.Handle("/coupons/*", proxy.to("promotion-service"))
				r.Handle("/user-coupons/*", proxy.to("promotion-service"))
				r.Handle("/users/*", proxy.to("promotion-service"))
				r.Handle("/points/*", proxy.to("payment-service"))
			})

			appCtx.Mux.Handle("/api/", r)
			return nil
		},
	})
}

// proxy 做字节级透明转发：不解析也不重编码请求/响应体，
// 只负责寻址、续传追踪上下文和回填响应。
type proxy struct {
	nacos  *nacos.Client
	client *http.Client
	tracer trace.Tracer
}

func newProxy(nacosClient *nacos.Client) *proxy {
	return &proxy{
		nacos: nacosClient,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
			},
			Timeout: 30 * time.Second,
		},
		tracer: otel.Tracer(serviceName),
	}
}

func (p *proxy) to(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := p.tracer.Start(r.Context(), "gateway.Forward."+service)
		defer span.End()

		ip, servicePort, err := p.nacos.DiscoverServiceInstance(service)
		if err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("service", service).Msg("service discovery failed")
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}

		target := fmt.Sprintf("http://%s:%d%s", ip, servicePort, r.URL.Path)
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}

		req, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
		if err != nil {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		req.Header = r.Header.Clone()
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := p.client.Do(req)
		if err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("target", target).Msg("upstream request failed")
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		for key, values := range resp.Header {
			for _, value := range values {
				w.Header().Add(key, value)
			}
		}
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("target", target).Msg("streaming response body failed")
		}
	}
}

// accessLog 记录每次转发的方法、路径、状态码与耗时。
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Ctx(r.Context()).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request forwarded")
	})
}
