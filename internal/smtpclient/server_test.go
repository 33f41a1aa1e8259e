package smtpclient

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// received 测试服务器收到的一封邮件
type received struct {
	From string
	To   []string
	Data string
	User string
	TLS  bool
}

// recordingBackend 记录收到邮件的测试后端
type recordingBackend struct {
	mu       sync.Mutex
	messages []received

	rejectRcpt map[string]*smtp.SMTPError
	username   string
	password   string
}

func (b *recordingBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &recordingSession{backend: b, conn: c}, nil
}

func (b *recordingBackend) Messages() []received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]received(nil), b.messages...)
}

type recordingSession struct {
	backend *recordingBackend
	conn    *smtp.Conn
	current received
}

func (s *recordingSession) AuthMechanisms() []string {
	if s.backend.username == "" {
		return nil
	}
	return []string{sasl.Plain}
}

func (s *recordingSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.backend.username || password != s.backend.password {
			return errors.New("invalid credentials")
		}
		s.current.User = username
		return nil
	}), nil
}

func (s *recordingSession) Mail(from string, _ *smtp.MailOptions) error {
	s.current.From = from
	return nil
}

func (s *recordingSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if err, ok := s.backend.rejectRcpt[to]; ok {
		return err
	}
	s.current.To = append(s.current.To, to)
	return nil
}

func (s *recordingSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.current.Data = string(data)
	_, s.current.TLS = s.conn.TLSConnectionState()

	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, s.current)
	s.backend.mu.Unlock()
	return nil
}

func (s *recordingSession) Reset() {
	user := s.current.User
	s.current = received{User: user}
}

func (s *recordingSession) Logout() error { return nil }

// startTestServer 在回环地址启动测试 SMTP 服务器，返回端口
func startTestServer(t *testing.T, be *recordingBackend) string {
	t.Helper()
	return startServer(t, be, nil)
}

// startTLSTestServer 启动支持 STARTTLS 的测试服务器，返回端口和信任该证书的根证书池
func startTLSTestServer(t *testing.T, be *recordingBackend) (string, *x509.CertPool) {
	t.Helper()
	cert, roots := selfSignedCert(t)
	port := startServer(t, be, &tls.Config{Certificates: []tls.Certificate{cert}})
	return port, roots
}

func startServer(t *testing.T, be *recordingBackend, tlsConfig *tls.Config) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	s := smtp.NewServer(be)
	s.Domain = "mx.test"
	s.AllowInsecureAuth = true
	s.TLSConfig = tlsConfig
	go func() {
		_ = s.Serve(l)
	}()
	t.Cleanup(func() { s.Close() })

	_, port, _ := net.SplitHostPort(l.Addr().String())
	return port
}

// selfSignedCert 为 127.0.0.1 生成自签名证书
func selfSignedCert(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "mx.test"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}

	roots := x509.NewCertPool()
	roots.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, roots
}

func normalizeCRLF(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
