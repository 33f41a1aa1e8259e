package smtpclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/submail/submail/internal/logger"
)

// MXTransport 根据 MX 记录直接投递
type MXTransport struct {
	hostname string
	timeout  time.Duration
	port     string
	rootCAs  *x509.CertPool // 为 nil 时使用系统根证书
	lookupMX func(ctx context.Context, domain string) ([]*net.MX, error)
}

// NewMXTransport 创建直接投递方式
func NewMXTransport(hostname string) *MXTransport {
	return &MXTransport{
		hostname: hostname,
		timeout:  defaultTimeout,
		port:     "25",
		lookupMX: net.DefaultResolver.LookupMX,
	}
}

// Send 按域名分组收件人，逐个域名投递
func (t *MXTransport) Send(ctx context.Context, from string, to []string, data []byte) error {
	if len(to) == 0 {
		return ErrNoRecipients
	}

	domainRecipients := make(map[string][]string)
	var domains []string
	for _, recipient := range to {
		domain, ok := domainOf(recipient)
		if !ok {
			return fmt.Errorf("无效的邮箱地址: %s", recipient)
		}
		if _, seen := domainRecipients[domain]; !seen {
			domains = append(domains, domain)
		}
		domainRecipients[domain] = append(domainRecipients[domain], recipient)
	}

	var errs []error
	for _, domain := range domains {
		recipients := domainRecipients[domain]
		if err := t.sendToDomain(ctx, from, domain, recipients, data); err != nil {
			logger.ErrorCtx(ctx).
				Err(err).
				Str("domain", domain).
				Msg("发送邮件到域名失败")
			errs = append(errs, err)
			continue
		}
		logger.InfoCtx(ctx).
			Str("domain", domain).
			Int("recipients", len(recipients)).
			Msg("成功发送邮件到域名")
	}

	return errors.Join(errs...)
}

// hosts 返回按优先级排序的投递主机，没有 MX 记录时回退到域名本身
func (t *MXTransport) hosts(ctx context.Context, domain string) ([]string, error) {
	records, err := t.lookupMX(ctx, domain)
	if err != nil {
		var dnsErr *net.DNSError
		if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
			return nil, fmt.Errorf("查找 MX 记录失败: %w", err)
		}
	}
	if len(records) == 0 {
		return []string{domain}, nil
	}

	sort.SliceStable(records, func(i, j int) bool { return records[i].Pref < records[j].Pref })
	hosts := make([]string, 0, len(records))
	for _, mx := range records {
		host := strings.TrimSuffix(mx.Host, ".")
		// 空 MX（RFC 7505）表示域名不接收邮件
		if host == "" {
			return nil, fmt.Errorf("域名 %s 不接收邮件", domain)
		}
		hosts = append(hosts, host)
	}
	return hosts, nil
}

// sendToDomain 依次尝试各个 MX 主机，遇到永久错误时停止
func (t *MXTransport) sendToDomain(ctx context.Context, from, domain string, recipients []string, data []byte) error {
	hosts, err := t.hosts(ctx, domain)
	if err != nil {
		return err
	}

	var lastErr error
	for _, host := range hosts {
		addr := net.JoinHostPort(host, t.port)
		logger.DebugCtx(ctx).
			Str("domain", domain).
			Str("addr", addr).
			Msg("连接到 MX 服务器")

		err := t.sendToHost(ctx, addr, host, from, recipients, data)
		if err == nil {
			return nil
		}
		lastErr = err
		if IsPermanent(err) {
			break
		}
	}
	return lastErr
}

func (t *MXTransport) sendToHost(ctx context.Context, addr, host, from string, recipients []string, data []byte) error {
	c, err := t.dial(ctx, addr)
	if err != nil {
		return err
	}

	if err := c.Hello(t.hostname); err != nil {
		c.Close()
		return fmt.Errorf("EHLO 失败: %w", err)
	}

	// 机会性 STARTTLS：对方支持时重新连接并加密，失败时退回明文
	if ok, _ := c.Extension("STARTTLS"); ok {
		c.Close()
		secure, err := t.dialStartTLS(ctx, addr, &tls.Config{ServerName: host, RootCAs: t.rootCAs})
		if err != nil {
			logger.WarnCtx(ctx).Err(err).Str("mx_host", host).Msg("STARTTLS 失败，重新以明文连接")
			return t.sendPlain(ctx, addr, from, recipients, data)
		}
		defer secure.Close()
		return transmit(ctx, secure, nil, from, recipients, data)
	}

	defer c.Close()
	return transmit(ctx, c, nil, from, recipients, data)
}

// dial 建立明文连接
func (t *MXTransport) dial(ctx context.Context, addr string) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: t.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("连接 MX 服务器失败: %w", err)
	}

	c := smtp.NewClient(conn)
	c.CommandTimeout = t.timeout
	c.SubmissionTimeout = t.timeout
	return c, nil
}

// dialStartTLS 建立连接并完成 STARTTLS 握手和加密后的 EHLO
func (t *MXTransport) dialStartTLS(ctx context.Context, addr string, tlsConfig *tls.Config) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: t.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("连接 MX 服务器失败: %w", err)
	}
	// NewClientStartTLS 使用默认命令超时，这里限制整个协商阶段
	timer := time.AfterFunc(t.timeout, func() { conn.Close() })
	c, err := smtp.NewClientStartTLS(conn, tlsConfig)
	timer.Stop()
	if err != nil {
		return nil, fmt.Errorf("STARTTLS 失败: %w", err)
	}
	c.CommandTimeout = t.timeout
	c.SubmissionTimeout = t.timeout

	// TLS 握手在第一条加密命令时进行
	if err := c.Hello(t.hostname); err != nil {
		c.Close()
		return nil, fmt.Errorf("STARTTLS 后 EHLO 失败: %w", err)
	}
	return c, nil
}

// sendPlain STARTTLS 握手失败后连接已不可用，重新建立明文连接
func (t *MXTransport) sendPlain(ctx context.Context, addr, from string, recipients []string, data []byte) error {
	c, err := t.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Hello(t.hostname); err != nil {
		return fmt.Errorf("EHLO 失败: %w", err)
	}
	return transmit(ctx, c, nil, from, recipients, data)
}

// transmit 执行 AUTH、MAIL、RCPT、DATA、QUIT
func transmit(ctx context.Context, c *smtp.Client, auth sasl.Client, from string, recipients []string, data []byte) error {
	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("SMTP 认证失败: %w", err)
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("MAIL FROM 失败: %w", err)
	}

	for _, recipient := range recipients {
		if err := c.Rcpt(recipient, nil); err != nil {
			return fmt.Errorf("RCPT TO 失败 (%s): %w", recipient, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA 失败: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("写入邮件数据失败: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("完成发送失败: %w", err)
	}

	if err := c.Quit(); err != nil {
		// QUIT 失败不影响邮件发送
		logger.WarnCtx(ctx).Err(err).Msg("QUIT 失败")
	}
	return nil
}

// IsPermanent 是否为远端返回的 5xx 永久错误
func IsPermanent(err error) bool {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code >= 500 && smtpErr.Code < 600
	}
	return false
}
