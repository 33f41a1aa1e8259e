package smtpclient

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/submail/submail/internal/logger"
)

// SendmailTransport 通过本地 sendmail 程序发送
type SendmailTransport struct {
	path string
}

// NewSendmailTransport 创建 sendmail 外发方式
func NewSendmailTransport(path string) *SendmailTransport {
	return &SendmailTransport{path: path}
}

// Send 调用 sendmail -i -f from -- to...，邮件内容从标准输入写入
func (t *SendmailTransport) Send(ctx context.Context, from string, to []string, data []byte) error {
	if len(to) == 0 {
		return ErrNoRecipients
	}
	for _, rcpt := range to {
		if strings.HasPrefix(rcpt, "-") {
			return fmt.Errorf("无效的收件人: %s", rcpt)
		}
	}

	args := append([]string{"-i", "-f", from, "--"}, to...)
	// #nosec G204 -- 程序路径来自配置，收件人已校验
	cmd := exec.CommandContext(ctx, t.path, args...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sendmail 执行失败: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	logger.DebugCtx(ctx).Str("sendmail", t.path).Int("recipients", len(to)).Msg("已交给 sendmail")
	return nil
}
