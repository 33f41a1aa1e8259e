package smtpclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/submail/submail/internal/config"
	"github.com/submail/submail/internal/logger"
)

// RelayTransport 通过中继服务器发送
type RelayTransport struct {
	hostname string
	timeout  time.Duration
	cfg      config.RelayConfig
	rootCAs  *x509.CertPool // 为 nil 时使用系统根证书
}

// NewRelayTransport 创建中继外发方式
func NewRelayTransport(hostname string, cfg config.RelayConfig) *RelayTransport {
	return &RelayTransport{
		hostname: hostname,
		timeout:  defaultTimeout,
		cfg:      cfg,
	}
}

// Send 通过中继服务器发送邮件
// use_tls 时 465 端口直接建立 TLS，其他端口要求 STARTTLS
func (t *RelayTransport) Send(ctx context.Context, from string, to []string, data []byte) error {
	if len(to) == 0 {
		return ErrNoRecipients
	}

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	logger.DebugCtx(ctx).
		Str("relay", addr).
		Int("recipients", len(to)).
		Msg("通过中继服务器发送邮件")

	c, err := t.connect(ctx, addr)
	if err != nil {
		return err
	}
	defer c.Close()

	var auth sasl.Client
	if t.cfg.Username != "" && t.cfg.Password != "" {
		if ok, mechs := c.Extension("AUTH"); !ok {
			logger.WarnCtx(ctx).Msg("中继服务器不支持 AUTH 扩展，跳过认证")
		} else {
			logger.DebugCtx(ctx).Str("auth_methods", mechs).Msg("中继服务器支持的认证方式")
			auth = sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password)
		}
	}

	return transmit(ctx, c, auth, from, to, data)
}

// connect 建立到中继的连接并完成 EHLO
// use_tls 时 465 端口直接 TLS，其他端口必须 STARTTLS 成功
func (t *RelayTransport) connect(ctx context.Context, addr string) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: t.timeout}
	tlsConfig := &tls.Config{ServerName: t.cfg.Host, RootCAs: t.rootCAs}

	var conn net.Conn
	var err error
	implicitTLS := t.cfg.UseTLS && t.cfg.Port == 465
	if implicitTLS {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("连接中继服务器失败: %w", err)
	}

	var c *smtp.Client
	if t.cfg.UseTLS && !implicitTLS {
		// NewClientStartTLS 使用默认命令超时，这里限制整个协商阶段
		timer := time.AfterFunc(t.timeout, func() { conn.Close() })
		c, err = smtp.NewClientStartTLS(conn, tlsConfig)
		timer.Stop()
		if err != nil {
			return nil, fmt.Errorf("STARTTLS 失败: %w", err)
		}
	} else {
		c = smtp.NewClient(conn)
	}
	c.CommandTimeout = t.timeout
	c.SubmissionTimeout = t.timeout

	if err := c.Hello(t.hostname); err != nil {
		c.Close()
		return nil, fmt.Errorf("EHLO 失败: %w", err)
	}
	return c, nil
}
