package smtpclient

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/submail/submail/internal/config"
	"github.com/submail/submail/internal/metrics"
)

// ErrNoRecipients 没有收件人
var ErrNoRecipients = errors.New("no recipients")

// Transport 外发邮件的方式
type Transport interface {
	Send(ctx context.Context, from string, to []string, data []byte) error
}

// defaultTimeout 连接和单条命令的超时
const defaultTimeout = 30 * time.Second

// NewTransport 根据配置创建外发方式，启用熔断时外层包裹 BreakerTransport
// MX 直投按目标域名熔断，中继和 sendmail 共用一个熔断器
func NewTransport(cfg *config.Config, exporter *metrics.Exporter) (Transport, error) {
	hostname := ehloHostname(cfg.SMTP.Hostname, cfg.Domain)

	breaker := cfg.SMTP.Breaker
	switch cfg.SMTP.Transport {
	case "", "mx":
		t := NewMXTransport(hostname)
		if breaker.Enabled {
			// 直投时每个目标域名独立熔断
			return NewDomainBreakerTransport(t, breaker, exporter), nil
		}
		return t, nil
	case "relay":
		return withBreaker(NewRelayTransport(hostname, cfg.SMTP.Relay), breaker, exporter), nil
	case "sendmail":
		return withBreaker(NewSendmailTransport(cfg.SMTP.SendmailPath), breaker, exporter), nil
	default:
		return nil, fmt.Errorf("不支持的外发方式: %s", cfg.SMTP.Transport)
	}
}

func withBreaker(t Transport, cfg config.BreakerConfig, exporter *metrics.Exporter) Transport {
	if !cfg.Enabled {
		return t
	}
	return NewBreakerTransport(t, cfg, exporter)
}

// ehloHostname 获取 EHLO 主机名
// 优先使用配置的 hostname，其次系统主机名，最后使用托管域名
func ehloHostname(configured, domain string) string {
	if configured != "" {
		return configured
	}
	if h, err := os.Hostname(); err == nil && h != "" && h != "localhost" && strings.Contains(h, ".") {
		return h
	}
	if domain != "" {
		return domain
	}
	return "localhost"
}

// domainOf 返回邮箱地址的域名部分
func domainOf(addr string) (string, bool) {
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 || at == len(addr)-1 {
		return "", false
	}
	return strings.ToLower(addr[at+1:]), true
}
