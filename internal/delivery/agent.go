package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/submail/submail/internal/logger"
	"github.com/submail/submail/internal/mailparse"
	"github.com/submail/submail/internal/metrics"
	"github.com/submail/submail/internal/smtpclient"
	"github.com/submail/submail/internal/storage"
)

// Error 投递失败，Error() 返回底层错误信息
type Error struct {
	Destination string
	Err         error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Agent 重新构建并转发邮件
type Agent struct {
	composer  *Composer
	transport smtpclient.Transport
	signer    *smtpclient.DKIMSigner
	metrics   *metrics.Exporter
}

// NewAgent 创建投递代理，signer 为 nil 时不签名
func NewAgent(domain, from string, transport smtpclient.Transport, signer *smtpclient.DKIMSigner, exporter *metrics.Exporter) *Agent {
	return &Agent{
		composer:  &Composer{Domain: domain, From: from},
		transport: transport,
		signer:    signer,
		metrics:   exporter,
	}
}

// Deliver 把邮件转发到 destination，失败时返回 *Error
func (a *Agent) Deliver(ctx context.Context, alias *storage.Alias, destination string, msg *mailparse.InboundMessage) error {
	if alias == nil || msg == nil {
		return &Error{Destination: destination, Err: errors.New("缺少别名或邮件")}
	}

	rcpt, err := mail.ParseAddress(destination)
	if err != nil {
		return &Error{Destination: destination, Err: fmt.Errorf("无效的目标地址 %q: %w", destination, err)}
	}

	data, err := a.composer.Compose(alias.Address, destination, msg)
	if err != nil {
		return &Error{Destination: destination, Err: err}
	}

	if a.signer != nil {
		signed, err := a.signer.Sign(data)
		if err != nil {
			logger.WarnCtx(ctx).Err(err).Msg("DKIM 签名失败，继续发送未签名的邮件")
		} else {
			data = signed
		}
	}

	start := time.Now()
	err = a.transport.Send(ctx, a.composer.From, []string{rcpt.Address}, data)
	a.metrics.ObserveDelivery(time.Since(start), err)
	if err != nil {
		return &Error{Destination: destination, Err: err}
	}

	logger.InfoCtx(ctx).
		Str("alias", alias.Address).
		Str("destination", logger.MaskEmail(destination)).
		Int("size", len(data)).
		Msg("邮件已转发")
	return nil
}
