//go:build integration

package integration

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/submail/submail/internal/antispam"
	"github.com/submail/submail/internal/audit"
	"github.com/submail/submail/internal/config"
	"github.com/submail/submail/internal/delivery"
	"github.com/submail/submail/internal/metrics"
	"github.com/submail/submail/internal/smtpclient"
	"github.com/submail/submail/internal/smtpd"
	"github.com/submail/submail/internal/storage"
)

const testDomain = "example.com"

// inbox 回环中继收到的邮件
type inbox struct {
	mu       sync.Mutex
	messages []delivered
}

type delivered struct {
	From string
	To   []string
	Data []byte
}

func (b *inbox) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &inboxSession{inbox: b}, nil
}

func (b *inbox) all() []delivered {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]delivered(nil), b.messages...)
}

type inboxSession struct {
	inbox   *inbox
	current delivered
}

func (s *inboxSession) Mail(from string, _ *smtp.MailOptions) error {
	s.current.From = from
	return nil
}

func (s *inboxSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.current.To = append(s.current.To, to)
	return nil
}

func (s *inboxSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.current.Data = data
	s.inbox.mu.Lock()
	s.inbox.messages = append(s.inbox.messages, s.current)
	s.inbox.mu.Unlock()
	return nil
}

func (s *inboxSession) Reset()        { s.current = delivered{} }
func (s *inboxSession) Logout() error { return nil }

// stack 完整的转发服务：SQLite 目录、SMTP 入口、中继外发、DKIM 签名
type stack struct {
	store     *storage.SQLiteDriver
	server    *smtpd.Server
	inbox     *inbox
	exporter  *metrics.Exporter
	dkimKey   ed25519.PublicKey
	smtpAddr  string
	aliasByID map[string]int64
}

func newStack(t *testing.T) *stack {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewSQLiteDriver(filepath.Join(dir, "submail.db"))
	if err != nil {
		t.Fatalf("创建存储驱动失败: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	st := &stack{
		store:     store,
		inbox:     &inbox{},
		exporter:  metrics.NewExporter(),
		aliasByID: map[string]int64{},
	}
	st.seed(t, "news", "alice@real.com", false)
	st.seed(t, "spam-test", "bob@real.com", true)

	// 回环中继
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	relay := smtp.NewServer(st.inbox)
	relay.Domain = "relay.test"
	go func() { _ = relay.Serve(l) }()
	t.Cleanup(func() { relay.Close() })
	_, port, _ := net.SplitHostPort(l.Addr().String())
	relayPort, _ := strconv.Atoi(port)

	// DKIM 私钥
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	st.dkimKey = pub
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(dir, "dkim.pem")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0600); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Domain: testDomain,
		SMTP: config.SMTPConfig{
			Hostname:    "mx." + testDomain,
			ForwardFrom: "forwardCheck",
			Transport:   "relay",
			Relay:       config.RelayConfig{Host: "127.0.0.1", Port: relayPort},
			DKIM:        config.DKIMConfig{Selector: "s1", PrivateKey: keyPath},
		},
	}

	transport, err := smtpclient.NewTransport(cfg, st.exporter)
	if err != nil {
		t.Fatalf("创建外发传输失败: %v", err)
	}
	signer, err := smtpclient.LoadDKIM(&cfg.SMTP.DKIM, cfg.Domain)
	if err != nil {
		t.Fatalf("加载 DKIM 失败: %v", err)
	}

	pipeline := &smtpd.Pipeline{
		Filter:    antispam.NewContentFilter(antispam.DefaultMaxURLs, antispam.DefaultKeywords),
		Deliverer: delivery.NewAgent(cfg.Domain, cfg.ForwardAddress(), transport, signer, st.exporter),
		Recorder:  audit.NewRecorder(store, st.exporter),
	}

	st.server = smtpd.NewServer(smtpd.Config{
		Addr:            "127.0.0.1:0",
		Domain:          testDomain,
		Hostname:        "mx." + testDomain,
		MaxMessageBytes: 1024 * 1024,
		MaxConnections:  10,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
	}, store, pipeline, st.exporter)
	if err := st.server.Start(context.Background()); err != nil {
		t.Fatalf("启动 SMTP 服务器失败: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st.server.Stop(ctx)
	})
	st.smtpAddr = st.server.Addr().String()

	return st
}

// seed 创建用户、别名和规则
func (st *stack) seed(t *testing.T, address, realEmail string, blocked bool) {
	t.Helper()
	ctx := context.Background()

	user := &storage.User{RealEmail: realEmail}
	if err := st.store.CreateUser(ctx, user); err != nil {
		t.Fatalf("创建用户失败: %v", err)
	}
	alias := &storage.Alias{Address: address, UserID: user.ID}
	if err := st.store.CreateAlias(ctx, alias); err != nil {
		t.Fatalf("创建别名失败: %v", err)
	}
	if err := st.store.AddRule(ctx, &storage.Rule{AliasID: alias.ID, Kind: storage.RuleForward}); err != nil {
		t.Fatalf("添加规则失败: %v", err)
	}
	if blocked {
		if err := st.store.AddRule(ctx, &storage.Rule{AliasID: alias.ID, Kind: storage.RuleBlock}); err != nil {
			t.Fatalf("添加规则失败: %v", err)
		}
	}
	st.aliasByID[address] = alias.ID
}

// send 通过 SMTP 入口发送一封邮件
func (st *stack) send(t *testing.T, from, to, body string) error {
	t.Helper()
	c, err := smtp.Dial(st.smtpAddr)
	if err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer c.Close()

	if err := c.Hello("client.test"); err != nil {
		t.Fatalf("EHLO 失败: %v", err)
	}
	if err := c.Mail(from, nil); err != nil {
		return err
	}
	if err := c.Rcpt(to, nil); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// outcomes 读取别名的投递记录
func (st *stack) outcomes(t *testing.T, address string) []*storage.Outcome {
	t.Helper()
	list, err := st.store.ListOutcomes(context.Background(), st.aliasByID[address], 10)
	if err != nil {
		t.Fatalf("ListOutcomes() 失败: %v", err)
	}
	return list
}

func message(from, subject, body string) string {
	return "From: " + from + "\r\n" +
		"To: news@" + testDomain + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		body + "\r\n"
}
