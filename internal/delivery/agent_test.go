package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/submail/submail/internal/mailparse"
	"github.com/submail/submail/internal/storage"
)

// captureTransport 记录发送请求
type captureTransport struct {
	mu   sync.Mutex
	err  error
	from string
	to   []string
	data []byte
}

func (c *captureTransport) Send(_ context.Context, from string, to []string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.from, c.to, c.data = from, to, data
	return c.err
}

func TestAgent_Deliver(t *testing.T) {
	transport := &captureTransport{}
	agent := NewAgent("example.com", "forwardCheck@example.com", transport, nil, nil)

	alias := &storage.Alias{ID: 1, Address: "news"}
	msg := &mailparse.InboundMessage{From: "bob@sender.com", Subject: "hi", Text: "body"}

	if err := agent.Deliver(context.Background(), alias, "Alice <alice@real.com>", msg); err != nil {
		t.Fatalf("Deliver() 失败: %v", err)
	}

	if transport.from != "forwardCheck@example.com" {
		t.Errorf("信封发件人 = %q", transport.from)
	}
	if len(transport.to) != 1 || transport.to[0] != "alice@real.com" {
		t.Errorf("信封收件人 = %v", transport.to)
	}
	if !strings.Contains(string(transport.data), "Forwarded from news@example.com") {
		t.Errorf("邮件缺少来源信息")
	}
	if strings.Contains(string(transport.data), "DKIM-Signature") {
		t.Error("未配置签名器时不应该签名")
	}
}

func TestAgent_TransportError(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.1:25: connection refused")
	agent := NewAgent("example.com", "forwardCheck@example.com", &captureTransport{err: cause}, nil, nil)

	err := agent.Deliver(context.Background(), &storage.Alias{Address: "news"}, "alice@real.com",
		&mailparse.InboundMessage{Text: "body"})

	var deliveryErr *Error
	if !errors.As(err, &deliveryErr) {
		t.Fatalf("应该返回 *Error: %T %v", err, err)
	}
	if deliveryErr.Destination != "alice@real.com" {
		t.Errorf("Destination = %q", deliveryErr.Destination)
	}
	if !errors.Is(err, cause) {
		t.Error("应该包装底层错误")
	}
	if err.Error() != cause.Error() {
		t.Errorf("错误信息 = %q, want %q", err.Error(), cause.Error())
	}
}

func TestAgent_InvalidDestination(t *testing.T) {
	transport := &captureTransport{}
	agent := NewAgent("example.com", "forwardCheck@example.com", transport, nil, nil)

	err := agent.Deliver(context.Background(), &storage.Alias{Address: "news"}, "nope",
		&mailparse.InboundMessage{Text: "body"})

	var deliveryErr *Error
	if !errors.As(err, &deliveryErr) {
		t.Fatalf("应该返回 *Error: %v", err)
	}
	if transport.data != nil {
		t.Error("目标地址无效时不应该调用外发")
	}
}
