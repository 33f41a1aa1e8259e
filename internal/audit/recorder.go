package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/submail/submail/internal/logger"
	"github.com/submail/submail/internal/metrics"
	"github.com/submail/submail/internal/storage"
)

const (
	// UnknownSender 发件人缺失时的默认值
	UnknownSender = "Unknown"
	// NoSubject 主题缺失时的默认值
	NoSubject = "No Subject"
	// BlockedDestination 被拦截时记录的目标
	BlockedDestination = "Blocked"
	// BlockedReason 被拦截时记录的原因
	BlockedReason = "Alias is paused/blocked"
)

// writeTimeout 单条记录的写入超时
const writeTimeout = 5 * time.Second

// Recorder 投递结果记录器
// 写入失败只记录日志，不向调用方返回
type Recorder struct {
	store   storage.OutcomeStore
	metrics *metrics.Exporter
	now     func() time.Time
}

// NewRecorder 创建记录器
func NewRecorder(store storage.OutcomeStore, exporter *metrics.Exporter) *Recorder {
	return &Recorder{
		store:   store,
		metrics: exporter,
		now:     time.Now,
	}
}

// Record 追加一条投递结果
func (r *Recorder) Record(ctx context.Context, outcome storage.Outcome) {
	if outcome.ID == "" {
		outcome.ID = uuid.NewString()
	}
	if outcome.CreatedAt.IsZero() {
		outcome.CreatedAt = r.now().UTC()
	}
	if outcome.Sender == "" {
		outcome.Sender = UnknownSender
	}
	if outcome.Subject == "" {
		outcome.Subject = NoSubject
	}

	r.metrics.IncOutcome(string(outcome.Status))

	// 连接断开不影响记录写入
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := r.store.AppendOutcome(writeCtx, &outcome); err != nil {
		logger.ErrorCtx(ctx).
			Err(err).
			Int64("alias_id", outcome.AliasID).
			Str("status", string(outcome.Status)).
			Str("sender", logger.MaskEmail(outcome.Sender)).
			Str("destination", logger.MaskEmail(outcome.Destination)).
			Msg("写入投递记录失败")
		return
	}

	logger.InfoCtx(ctx).
		Str("outcome_id", outcome.ID).
		Int64("alias_id", outcome.AliasID).
		Str("status", string(outcome.Status)).
		Str("sender", logger.MaskEmail(outcome.Sender)).
		Str("destination", logger.MaskEmail(outcome.Destination)).
		Msg("投递结果已记录")
}
