package smtpclient

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/submail/submail/internal/config"
	"github.com/submail/submail/internal/logger"
	"github.com/submail/submail/internal/metrics"
)

// ErrCircuitOpen 外发熔断器打开，暂停投递
var ErrCircuitOpen = errors.New("transport circuit open")

// sharedTarget 共用熔断器的名称（中继、sendmail）
const sharedTarget = "transport"

// maxBreakers 按域名熔断时最多保留的熔断器数量，超过后清理处于关闭状态的
const maxBreakers = 1024

// BreakerTransport 在外发方式外层加熔断
// 远端 5xx 拒绝不计为故障
type BreakerTransport struct {
	next      Transport
	cfg       config.BreakerConfig
	metrics   *metrics.Exporter
	perDomain bool

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerTransport 创建共用一个熔断器的外发方式
// 适用于中继：中继不可用时所有邮件都受影响
func NewBreakerTransport(next Transport, cfg config.BreakerConfig, exporter *metrics.Exporter) *BreakerTransport {
	return &BreakerTransport{
		next:     next,
		cfg:      cfg,
		metrics:  exporter,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// NewDomainBreakerTransport 创建按目标域名分别熔断的外发方式
// 适用于 MX 直投：一个域名不可达不影响其他域名
func NewDomainBreakerTransport(next Transport, cfg config.BreakerConfig, exporter *metrics.Exporter) *BreakerTransport {
	b := NewBreakerTransport(next, cfg, exporter)
	b.perDomain = true
	return b
}

// Send 熔断器打开时直接返回 ErrCircuitOpen
func (b *BreakerTransport) Send(ctx context.Context, from string, to []string, data []byte) error {
	target := b.target(to)
	_, err := b.breaker(target).Execute(func() (interface{}, error) {
		return nil, b.next.Send(ctx, from, to, data)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w (%s): %v", ErrCircuitOpen, target, err)
	}
	return err
}

// State 返回 target 对应熔断器的状态，target 为域名或 "transport"
func (b *BreakerTransport) State(target string) gobreaker.State {
	b.mu.Lock()
	cb, ok := b.breakers[target]
	b.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// target 按第一个收件人的域名选择熔断器
func (b *BreakerTransport) target(to []string) string {
	if !b.perDomain || len(to) == 0 {
		return sharedTarget
	}
	if domain, ok := domainOf(to[0]); ok {
		return domain
	}
	return sharedTarget
}

func (b *BreakerTransport) breaker(target string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[target]; ok {
		return cb
	}
	if len(b.breakers) >= maxBreakers {
		for name, cb := range b.breakers {
			if cb.State() == gobreaker.StateClosed {
				delete(b.breakers, name)
			}
		}
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        target,
		MaxRequests: b.cfg.MaxRequests,
		Interval:    b.cfg.Interval,
		Timeout:     b.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err) || errors.Is(err, ErrNoRecipients)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("target", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("外发熔断器状态变化")
			b.metrics.SetBreakerState(name, int(to))
		},
	})
	b.breakers[target] = cb
	return cb
}
