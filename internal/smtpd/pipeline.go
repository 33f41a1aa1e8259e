package smtpd

import (
	"context"
	"fmt"

	"github.com/submail/submail/internal/antispam"
	"github.com/submail/submail/internal/audit"
	"github.com/submail/submail/internal/logger"
	"github.com/submail/submail/internal/mailparse"
	"github.com/submail/submail/internal/rules"
	"github.com/submail/submail/internal/storage"
)

// NoDestinationReason 没有可用目标地址时记录的原因
const NoDestinationReason = "no destination found"

// Deliverer 转发邮件
type Deliverer interface {
	Deliver(ctx context.Context, alias *storage.Alias, destination string, msg *mailparse.InboundMessage) error
}

// OutcomeRecorder 记录投递结果，不返回错误
type OutcomeRecorder interface {
	Record(ctx context.Context, outcome storage.Outcome)
}

// Pipeline DATA 完成后的处理流程：规则 → 内容过滤 → 投递 → 记录
type Pipeline struct {
	Filter    *antispam.ContentFilter // nil 表示不做内容过滤
	Deliverer Deliverer
	Recorder  OutcomeRecorder
}

// Process 同步处理一封邮件，任何失败都只体现在投递记录中
func (p *Pipeline) Process(ctx context.Context, alias *storage.Alias, msg *mailparse.InboundMessage) storage.Status {
	outcome := storage.Outcome{
		AliasID: alias.ID,
		Sender:  msg.From,
		Subject: msg.Subject,
	}

	decision := rules.Evaluate(alias)
	log := logger.FromContext(ctx)

	switch {
	case decision.Blocked():
		log.Info().Str("alias", alias.Address).Msg("别名已暂停，拦截邮件")
		outcome.Status = storage.StatusBlocked
		outcome.Destination = audit.BlockedDestination
		outcome.Message = audit.BlockedReason

	case !decision.HasDestination():
		log.Error().Str("alias", alias.Address).Msg("没有可用的目标地址")
		outcome.Status = storage.StatusFailed
		outcome.Message = NoDestinationReason

	default:
		if p.Filter != nil {
			if verdict := p.Filter.Check(msg.Text, msg.HTML); !verdict.Allowed {
				log.Warn().
					Str("alias", alias.Address).
					Str("reason", verdict.Reason).
					Msg("内容过滤拦截邮件")
				outcome.Status = storage.StatusBlocked
				outcome.Destination = audit.BlockedDestination
				outcome.Message = fmt.Sprintf("Content rejected by security filter: %s", verdict.Reason)
				break
			}
		}

		outcome.Destination = decision.Destination
		if err := p.Deliverer.Deliver(ctx, alias, decision.Destination, msg); err != nil {
			log.Error().
				Err(err).
				Str("alias", alias.Address).
				Str("destination", logger.MaskEmail(decision.Destination)).
				Msg("转发失败")
			outcome.Status = storage.StatusFailed
			outcome.Message = err.Error()
		} else {
			outcome.Status = storage.StatusSuccess
		}
	}

	p.Recorder.Record(ctx, outcome)
	return outcome.Status
}
