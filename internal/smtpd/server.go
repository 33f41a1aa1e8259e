package smtpd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/submail/submail/internal/logger"
	"github.com/submail/submail/internal/metrics"
	"github.com/submail/submail/internal/storage"
)

// Config SMTP 服务器配置
type Config struct {
	Addr            string // 监听地址，如 ":25"
	Domain          string // 托管域名
	Hostname        string // 问候语中的主机名
	MaxMessageBytes int64
	MaxConnections  int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	TLS             *tls.Config // 为 nil 时不提供 STARTTLS
}

// Server SMTP 服务器
type Server struct {
	config   Config
	backend  *Backend
	server   *smtp.Server
	metrics  *metrics.Exporter
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer 创建 SMTP 服务器
func NewServer(cfg Config, directory storage.Directory, pipeline *Pipeline, exporter *metrics.Exporter) *Server {
	backend := NewBackend(cfg.Domain, directory, pipeline, exporter)

	s := smtp.NewServer(backend)
	s.Addr = cfg.Addr
	s.Domain = cfg.Hostname
	if s.Domain == "" {
		s.Domain = cfg.Domain
	}
	s.MaxMessageBytes = cfg.MaxMessageBytes
	s.ReadTimeout = cfg.ReadTimeout
	s.WriteTimeout = cfg.WriteTimeout
	// 收件人数量由会话状态控制
	s.MaxRecipients = 0
	if cfg.TLS != nil {
		s.TLSConfig = cfg.TLS
	}

	return &Server{
		config:  cfg,
		backend: backend,
		server:  s,
		metrics: exporter,
	}
}

// Start 开始监听，Serve 在后台运行
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("监听 %s 失败: %w", s.config.Addr, err)
	}

	maxConns := s.config.MaxConnections
	if maxConns <= 0 {
		maxConns = 50
	}
	s.listener = newLimitListener(l, maxConns, func(addr net.Addr) {
		s.metrics.IncConnectionsRejected()
		logger.Warn().Str("remote", addr.String()).Int("max_connections", maxConns).Msg("连接数超过上限，拒绝连接")
	})

	logger.Info().
		Str("addr", l.Addr().String()).
		Str("domain", s.config.Domain).
		Int("max_connections", maxConns).
		Int64("max_message_bytes", s.config.MaxMessageBytes).
		Bool("starttls", s.config.TLS != nil).
		Msg("SMTP 服务器启动")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			logger.Error().Err(err).Msg("SMTP 服务器错误")
		}
	}()

	return nil
}

// Addr 返回实际监听地址
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop 停止接受新连接，等待正在处理的会话结束，超时后强制关闭
func (s *Server) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("等待 SMTP 会话结束超时，强制关闭")
		if err := s.server.Close(); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			logger.Error().Err(err).Msg("关闭 SMTP 服务器失败")
		}
	}

	s.wg.Wait()
	logger.Info().Msg("SMTP 服务器已停止")
	return nil
}
