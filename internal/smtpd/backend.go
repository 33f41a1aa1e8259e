package smtpd

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/submail/submail/internal/logger"
	"github.com/submail/submail/internal/mailparse"
	"github.com/submail/submail/internal/metrics"
	"github.com/submail/submail/internal/storage"
)

// Backend SMTP 后端
type Backend struct {
	domain    string
	directory storage.Directory
	pipeline  *Pipeline
	metrics   *metrics.Exporter
}

// NewBackend 创建后端，domain 为唯一接收的托管域名
func NewBackend(domain string, directory storage.Directory, pipeline *Pipeline, exporter *metrics.Exporter) *Backend {
	return &Backend{
		domain:    strings.ToLower(domain),
		directory: directory,
		pipeline:  pipeline,
		metrics:   exporter,
	}
}

// NewSession 创建新会话
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	traceID := uuid.NewString()
	ctx, cancel := context.WithCancel(logger.WithTraceIDContext(context.Background(), traceID))

	remote := ""
	if conn := c.Conn(); conn != nil {
		remote = conn.RemoteAddr().String()
	}
	logger.InfoCtx(ctx).Str("remote", remote).Msg("新的 SMTP 连接")
	b.metrics.IncSMTPConnections()

	return &Session{
		backend: b,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Session SMTP 会话，不实现 AuthSession，因此不会通告 AUTH
type Session struct {
	backend *Backend
	ctx     context.Context
	cancel  context.CancelFunc
	state   connState
	from    string
}

// Mail 设置发件人
func (s *Session) Mail(from string, _ *smtp.MailOptions) error {
	if st, _ := s.state.snapshot(); st == stateClosed {
		return ErrSessionClosed
	}
	s.from = from
	logger.DebugCtx(s.ctx).Str("from", logger.MaskEmail(from)).Msg("MAIL FROM")
	return nil
}

// Rcpt 解析别名，每个事务只接受一个别名
func (s *Session) Rcpt(to string, _ *smtp.RcptOptions) error {
	switch st, _ := s.state.snapshot(); st {
	case stateClosed:
		return ErrSessionClosed
	case stateRecipientResolved:
		return ErrTooManyRecipients
	}

	addr := strings.ToLower(strings.TrimSpace(to))
	at := strings.LastIndexByte(addr, '@')
	if at < 0 || addr[at+1:] != s.backend.domain {
		logger.InfoCtx(s.ctx).Str("rcpt", logger.MaskEmail(addr)).Msg("拒绝中继")
		s.backend.metrics.IncRcptRejected("relay_denied")
		return ErrRelayDenied
	}

	localPart := addr[:at]
	if localPart == "" {
		s.backend.metrics.IncRcptRejected("unknown_alias")
		return ErrUserUnknown
	}

	alias, err := s.backend.directory.LookupAlias(s.ctx, localPart)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.InfoCtx(s.ctx).Str("alias", localPart).Msg("别名不存在")
			s.backend.metrics.IncRcptRejected("unknown_alias")
			return ErrUserUnknown
		}
		logger.ErrorCtx(s.ctx).Err(err).Str("alias", localPart).Msg("查询别名失败")
		s.backend.metrics.IncRcptRejected("directory_error")
		return ErrInternal
	}

	s.state.resolve(alias)
	logger.DebugCtx(s.ctx).Str("alias", alias.Address).Msg("RCPT TO")
	return nil
}

// Data 解析邮件并同步执行处理流程
func (s *Session) Data(r io.Reader) error {
	lr := &limitAwareReader{r: r}
	msg, err := mailparse.Parse(lr)
	if err != nil {
		if lr.tooLarge || errors.Is(err, smtp.ErrDataTooLarge) {
			logger.WarnCtx(s.ctx).Msg("邮件超过大小限制")
			return smtp.ErrDataTooLarge
		}
		logger.WarnCtx(s.ctx).Err(err).Msg("邮件解析失败")
		return ErrParseFailure
	}

	// 解析器在 MIME 结束边界处停止，剩余内容也要读完才能确认大小
	if _, err := io.Copy(io.Discard, lr); err != nil || lr.tooLarge {
		if lr.tooLarge || errors.Is(err, smtp.ErrDataTooLarge) {
			logger.WarnCtx(s.ctx).Msg("邮件超过大小限制")
			return smtp.ErrDataTooLarge
		}
		logger.WarnCtx(s.ctx).Err(err).Msg("读取邮件失败")
		return ErrParseFailure
	}

	st, alias := s.state.snapshot()
	if st == stateClosed {
		return ErrSessionClosed
	}
	if alias == nil {
		logger.WarnCtx(s.ctx).Msg("DATA 时没有已解析的别名，忽略")
		return nil
	}

	logger.InfoCtx(s.ctx).Str("alias", alias.Address).Msg("处理邮件")
	s.backend.pipeline.Process(s.ctx, alias, msg)
	return nil
}

// Reset 重置事务
func (s *Session) Reset() {
	s.from = ""
	s.state.reset()
}

// Logout 连接关闭
func (s *Session) Logout() error {
	if !s.state.close() {
		return nil
	}
	s.cancel()
	s.backend.metrics.DecSMTPConnections()
	logger.DebugCtx(s.ctx).Msg("SMTP 连接关闭")
	return nil
}

// limitAwareReader 记录 DATA 是否超过大小限制，解析器可能不会原样返回该错误
type limitAwareReader struct {
	r        io.Reader
	tooLarge bool
}

func (l *limitAwareReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	if errors.Is(err, smtp.ErrDataTooLarge) {
		l.tooLarge = true
	}
	return n, err
}
