package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/submail/submail/internal/logger"
	"github.com/submail/submail/internal/storage"
)

// Store 运维 API 需要的只读存储
type Store interface {
	storage.Directory
	ListOutcomes(ctx context.Context, aliasID int64, limit int) ([]*storage.Outcome, error)
	Ping(ctx context.Context) error
}

// Server 运维 API 服务器（只读）
type Server struct {
	config *Config
	router *gin.Engine
	server *http.Server
}

// Config API 配置
type Config struct {
	Port   int
	APIKey string
	Domain string // 托管域名，用于接受完整地址形式的参数
	Store  Store
}

// NewServer 创建 API 服务器
func NewServer(cfg *Config) *Server {
	// 设置 Gin 模式
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware())

	// 健康检查
	router.GET("/health", healthHandler(cfg.Store))

	// API 路由组
	api := router.Group("/api/v1")
	api.Use(authMiddleware(cfg.APIKey))

	// 别名查询
	api.GET("/aliases/:address", getAliasHandler(cfg.Store, cfg.Domain))
	api.GET("/aliases/:address/outcomes", listOutcomesHandler(cfg.Store, cfg.Domain))

	return &Server{
		config: cfg,
		router: router,
	}
}

// Handler 返回 HTTP 处理器
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动服务器，阻塞直到服务器关闭
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second, // 防止 Slowloris 攻击
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info().Int("port", s.config.Port).Msg("运维 API 服务器启动")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API 服务器错误: %w", err)
	}

	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("关闭 API 服务器失败: %w", err)
	}

	logger.Info().Msg("运维 API 服务器已停止")
	return nil
}

// loggerMiddleware 日志中间件
func loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info().
			Int("status", c.Writer.Status()).
			Str("method", c.Request.Method).
			Str("path", logger.MaskEmail(path)).
			Dur("latency", time.Since(start)).
			Str("ip", c.ClientIP()).
			Msg("API 请求")
	}
}

// authMiddleware 认证中间件，未配置 API Key 时拒绝所有请求
func authMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 从 Header 获取 API Key
		key := c.GetHeader("X-API-Key")
		if key == "" {
			// 尝试从 Query 参数获取
			key = c.Query("api_key")
		}

		if apiKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "未授权",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
