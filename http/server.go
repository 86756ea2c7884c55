// Package http 提供HTTP服务器功能
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"carprice/config"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	config config.ServerConfig
	logger *zap.Logger
}

// NewServer 创建HTTP服务器。feed 为空时不注册 /ws/predictions
func NewServer(cfg config.ServerConfig, handler *Handler, feed http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           Routes(cfg, handler, feed, logger),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		config: cfg,
		logger: logger,
	}
}

// Routes 组装路由和中间件。WebSocket 路由不经过超时和限流
func Routes(cfg config.ServerConfig, handler *Handler, feed http.Handler, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	api := http.NewServeMux()
	handler.Register(api)
	api.Handle("GET /metrics", promhttp.Handler())

	limited := Chain(
		RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst),
		RequestSizeMiddleware(cfg.MaxBodyBytes),
		TimeoutMiddleware(cfg.Timeout),
		MetricsMiddleware,
	)(api)

	root := http.NewServeMux()
	if feed != nil {
		root.Handle("GET /ws/predictions", feed)
	}
	root.Handle("/", limited)

	chain := Chain(
		RequestIDMiddleware,                // 1. 请求ID
		RecoveryMiddleware(logger),         // 2. 捕获panic
		LoggerMiddleware(logger),           // 3. 访问日志
		SecurityHeadersMiddleware,          // 4. 安全头
		CORSMiddleware(cfg.AllowedOrigins), // 5. CORS
	)
	return chain(root)
}

// Start 启动服务器，阻塞直到服务器关闭
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop 优雅关闭
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down http server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// Addr 返回服务器地址
func (s *Server) Addr() string {
	return s.server.Addr
}
